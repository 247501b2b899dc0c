// Package models - audit_log.go defines the AuditLog model for recording membership
// changes, capturing actor, event, affected member, client IP, and arbitrary metadata.
package models

import "time"

// Audit events recorded by the member and API key endpoints
const (
	AuditEventMemberInvite = "member.invite"
	AuditEventMemberAdd    = "member.add"
	AuditEventAPIKeyCreate = "api-key.create"
	AuditEventAPIKeyRemove = "api-key.remove"
)

// AuditLog represents an audit log entry for tracking user actions
type AuditLog struct {
	ID             string
	ActorID        *string // Nullable for system actions
	OrganizationID *string
	Event          string                 // one of the AuditEvent constants
	TargetType     *string                // "member", "api_key"
	TargetID       *string                // ID of the affected row
	Data           map[string]interface{} // JSONB: additional context
	IPAddress      *string
	CreatedAt      time.Time
}
