package admin

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/db/repositories"
	"github.com/orgmembers/orgmembers/internal/middleware"
)

// AuditLogStore reads audit entries
type AuditLogStore interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error)
}

// AuditLogHandlers serves the organization audit log
type AuditLogHandlers struct {
	store AuditLogStore
}

// NewAuditLogHandlers creates a new AuditLogHandlers instance
func NewAuditLogHandlers(store AuditLogStore) *AuditLogHandlers {
	return &AuditLogHandlers{store: store}
}

// AuditLogResponse is the serialized form of an audit entry
type AuditLogResponse struct {
	ID          string                 `json:"id"`
	Actor       *string                `json:"actor"`
	Event       string                 `json:"event"`
	TargetType  *string                `json:"targetType"`
	TargetID    *string                `json:"targetObject"`
	Data        map[string]interface{} `json:"data"`
	IPAddress   *string                `json:"ipAddress"`
	DateCreated time.Time              `json:"dateCreated"`
}

// @Summary      List audit log entries
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        org_slug  path   string  true   "Organization slug"
// @Param        event     query  string  false  "Filter by event (member.invite, member.add, ...)"
// @Param        actor     query  string  false  "Filter by actor user ID"
// @Param        cursor    query  int     false  "Offset of the first row"
// @Param        per_page  query  int     false  "Page size (max 100)"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/0/organizations/{org_slug}/audit-logs/ [get]
// ListAuditLogsHandler lists the organization's audit entries, newest first
// GET /api/0/organizations/:org_slug/audit-logs/
func (h *AuditLogHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)

		offset, err := intParam(c, "cursor")
		if err != nil || offset < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid cursor parameter."})
			return
		}
		limit, err := intParam(c, "per_page")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid per_page parameter."})
			return
		}
		if limit <= 0 || limit > 100 {
			limit = 100
		}

		filters := repositories.AuditFilters{OrganizationID: &org.ID}
		if event := c.Query("event"); event != "" {
			filters.Event = &event
		}
		if actor := c.Query("actor"); actor != "" {
			filters.ActorID = &actor
		}

		logs, total, err := h.store.ListAuditLogs(c.Request.Context(), filters, limit, offset)
		if err != nil {
			slog.Error("failed to list audit logs", "organization", org.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list audit logs"})
			return
		}

		rows := make([]AuditLogResponse, 0, len(logs))
		for _, l := range logs {
			rows = append(rows, auditLogResponse(l))
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows, "total": total, "offset": offset, "limit": limit})
	}
}

// @Summary      Get audit log entry
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        org_slug  path  string  true  "Organization slug"
// @Param        log_id    path  string  true  "Entry ID"
// @Success      200  {object}  AuditLogResponse
// @Failure      404  {object}  map[string]interface{}
// @Router       /api/0/organizations/{org_slug}/audit-logs/{log_id}/ [get]
// GetAuditLogHandler returns one entry. Entries of other organizations are reported as missing.
// GET /api/0/organizations/:org_slug/audit-logs/:log_id/
func (h *AuditLogHandlers) GetAuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)

		entry, err := h.store.GetAuditLog(c.Request.Context(), c.Param("log_id"))
		if err != nil {
			slog.Error("failed to get audit log", "organization", org.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to get audit log"})
			return
		}
		if entry == nil || entry.OrganizationID == nil || *entry.OrganizationID != org.ID {
			c.JSON(http.StatusNotFound, gin.H{"detail": "Audit log entry not found"})
			return
		}
		c.JSON(http.StatusOK, auditLogResponse(entry))
	}
}

func auditLogResponse(l *models.AuditLog) AuditLogResponse {
	return AuditLogResponse{
		ID:          l.ID,
		Actor:       l.ActorID,
		Event:       l.Event,
		TargetType:  l.TargetType,
		TargetID:    l.TargetID,
		Data:        l.Data,
		IPAddress:   l.IPAddress,
		DateCreated: l.CreatedAt,
	}
}
