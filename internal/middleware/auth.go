// Package middleware provides the Gin middleware of the member API: request ids,
// metrics, security headers, rate limiting, authentication and organization scopes.
//
// Ordering is fixed in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Logger → Security → CORS → Auth → RateLimit → OrgScope → Handler
//
// Auth identifies the caller, so the rate limiter can key on the user or API key
// rather than the client address. OrgScope resolves the organization from the URL
// and decides which scopes the caller holds in it.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/safego"
)

// gin.Context keys set by this package
const (
	ContextKeyUser         = "user"
	ContextKeyUserID       = "user_id"
	ContextKeyAPIKey       = "api_key"
	ContextKeyAPIKeyID     = "api_key_id"
	ContextKeyAuthMethod   = "auth_method"
	ContextKeyOrganization = "organization"
	ContextKeyOrgRole      = "org_role"
	ContextKeyScopes       = "scopes"
	ContextKeySuperuser    = "superuser"
)

// UserLookup loads the user behind a session token
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// APIKeyLookup finds organization API keys by display prefix
type APIKeyLookup interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID string) error
}

// AuthMiddleware requires a bearer credential: a session JWT or an organization API key.
// apiKeys may be nil to accept JWTs only.
func AuthMiddleware(issuer *auth.TokenIssuer, users UserLookup, apiKeys APIKeyLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		if apiKeys != nil && auth.LooksLikeAPIKey(token) {
			authenticateAPIKey(c, token, apiKeys)
			return
		}

		claims, err := issuer.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			slog.Error("failed to load user", "user_id", claims.UserID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}
		if user == nil || !user.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			return
		}

		c.Set(ContextKeyUser, user)
		c.Set(ContextKeyUserID, user.ID)
		c.Set(ContextKeyAuthMethod, "jwt")
		c.Next()
	}
}

// authenticateAPIKey narrows candidates by the clear-text prefix, then runs bcrypt only on those
func authenticateAPIKey(c *gin.Context, token string, apiKeys APIKeyLookup) {
	candidates, err := apiKeys.GetAPIKeysByPrefix(c.Request.Context(), auth.KeyDisplayPrefix(token))
	if err != nil {
		slog.Error("failed to look up api key", "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication failed"})
		return
	}

	var key *models.APIKey
	for _, k := range candidates {
		if auth.ValidateAPIKey(token, k.KeyHash) {
			key = k
			break
		}
	}
	if key == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if key.Expired(time.Now()) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key expired"})
		return
	}

	// last-used tracking is best-effort
	keyID := key.ID
	safego.Go("api-key-last-used", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiKeys.UpdateLastUsed(ctx, keyID); err != nil {
			slog.Debug("failed to update api key last used", "api_key_id", keyID, "error", err)
		}
	})

	c.Set(ContextKeyAPIKey, key)
	c.Set(ContextKeyAPIKeyID, key.ID)
	c.Set(ContextKeyAuthMethod, "api_key")
	c.Next()
}

// GetUser returns the authenticated user, or nil for API key callers
func GetUser(c *gin.Context) *models.User {
	if v, ok := c.Get(ContextKeyUser); ok {
		if u, ok := v.(*models.User); ok {
			return u
		}
	}
	return nil
}

// GetAPIKey returns the API key the request authenticated with, if any
func GetAPIKey(c *gin.Context) *models.APIKey {
	if v, ok := c.Get(ContextKeyAPIKey); ok {
		if k, ok := v.(*models.APIKey); ok {
			return k
		}
	}
	return nil
}
