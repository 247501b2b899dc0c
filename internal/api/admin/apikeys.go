package admin

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/middleware"
)

// APIKeyStore persists organization API keys
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListByOrganization(ctx context.Context, orgID string) ([]*models.APIKey, error)
	DeleteAPIKey(ctx context.Context, orgID, keyID string) error
}

// AuditRecorder writes audit entries
type AuditRecorder interface {
	Record(ctx context.Context, log *models.AuditLog) error
}

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	keys  APIKeyStore
	audit AuditRecorder
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance. audit may be nil.
func NewAPIKeyHandlers(keys APIKeyStore, audit AuditRecorder) *APIKeyHandlers {
	return &APIKeyHandlers{keys: keys, audit: audit}
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Name      string     `json:"name" binding:"required,max=64"`
	Scopes    []string   `json:"scopes" binding:"required,min=1"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// APIKeyResponse is the serialized form of a key. Key is only set on creation.
type APIKeyResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	KeyPrefix  string     `json:"key_prefix"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at"`
}

func apiKeyResponse(k *models.APIKey) APIKeyResponse {
	scopes := k.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return APIKeyResponse{
		ID:         k.ID,
		Name:       k.Name,
		KeyPrefix:  k.KeyPrefix,
		Scopes:     scopes,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

// @Summary      List API keys
// @Tags         API Keys
// @Security     Bearer
// @Produce      json
// @Param        org_slug  path  string  true  "Organization slug"
// @Success      200  {array}   APIKeyResponse
// @Router       /api/0/organizations/{org_slug}/api-keys/ [get]
// ListAPIKeysHandler lists the organization's keys without their secrets
// GET /api/0/organizations/:org_slug/api-keys/
func (h *APIKeyHandlers) ListAPIKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)

		keys, err := h.keys.ListByOrganization(c.Request.Context(), org.ID)
		if err != nil {
			slog.Error("failed to list api keys", "organization", org.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list API keys"})
			return
		}

		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, apiKeyResponse(k))
		}
		c.JSON(http.StatusOK, out)
	}
}

// @Summary      Create API key
// @Description  Creates an organization API key. The clear-text key is returned only in this response.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org_slug  path  string               true  "Organization slug"
// @Param        body      body  CreateAPIKeyRequest  true  "Key"
// @Success      201  {object}  APIKeyResponse
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/0/organizations/{org_slug}/api-keys/ [post]
// CreateAPIKeyHandler creates an organization API key
// POST /api/0/organizations/:org_slug/api-keys/
func (h *APIKeyHandlers) CreateAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)

		var req CreateAPIKeyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body", "error": err.Error()})
			return
		}
		if err := auth.ValidateScopes(req.Scopes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"scopes": []string{err.Error()}})
			return
		}
		// a key cannot carry more than its creator holds
		granted := middleware.GetScopes(c)
		for _, s := range req.Scopes {
			if !auth.HasScope(granted, auth.Scope(s)) {
				c.JSON(http.StatusForbidden, gin.H{"scopes": []string{"You do not hold the scope " + s}})
				return
			}
		}
		if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
			c.JSON(http.StatusBadRequest, gin.H{"expires_at": []string{"Expiry must be in the future."}})
			return
		}

		secret, hash, prefix, err := auth.GenerateAPIKey()
		if err != nil {
			slog.Error("failed to generate api key", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create API key"})
			return
		}

		key := &models.APIKey{
			OrganizationID: org.ID,
			Name:           req.Name,
			KeyHash:        hash,
			KeyPrefix:      prefix,
			Scopes:         req.Scopes,
			ExpiresAt:      req.ExpiresAt,
		}
		if err := h.keys.CreateAPIKey(c.Request.Context(), key); err != nil {
			slog.Error("failed to store api key", "organization", org.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create API key"})
			return
		}

		h.record(c, org, models.AuditEventAPIKeyCreate, key)

		resp := apiKeyResponse(key)
		resp.Key = secret
		c.JSON(http.StatusCreated, resp)
	}
}

// @Summary      Revoke API key
// @Tags         API Keys
// @Security     Bearer
// @Param        org_slug  path  string  true  "Organization slug"
// @Param        key_id    path  string  true  "Key ID"
// @Success      204
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/0/organizations/{org_slug}/api-keys/{key_id}/ [delete]
// DeleteAPIKeyHandler revokes an organization API key
// DELETE /api/0/organizations/:org_slug/api-keys/:key_id/
func (h *APIKeyHandlers) DeleteAPIKeyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)
		keyID := c.Param("key_id")

		if err := h.keys.DeleteAPIKey(c.Request.Context(), org.ID, keyID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"detail": "API key not found"})
				return
			}
			slog.Error("failed to delete api key", "organization", org.Slug, "api_key_id", keyID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to delete API key"})
			return
		}

		h.record(c, org, models.AuditEventAPIKeyRemove, &models.APIKey{ID: keyID})
		c.Status(http.StatusNoContent)
	}
}

func (h *APIKeyHandlers) record(c *gin.Context, org *models.Organization, event string, key *models.APIKey) {
	if h.audit == nil {
		return
	}
	targetType := "api_key"
	entry := &models.AuditLog{
		OrganizationID: &org.ID,
		Event:          event,
		TargetType:     &targetType,
		TargetID:       &key.ID,
		Data:           map[string]interface{}{"name": key.Name, "scopes": key.Scopes},
	}
	if u := middleware.GetUser(c); u != nil {
		entry.ActorID = &u.ID
	}
	if ip := c.ClientIP(); ip != "" {
		entry.IPAddress = &ip
	}
	if err := h.audit.Record(c.Request.Context(), entry); err != nil {
		slog.Warn("failed to record audit entry", "event", event, "error", err)
	}
}
