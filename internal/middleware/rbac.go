// Package middleware (rbac.go) resolves the organization named in the route and the
// scopes the caller holds in it.
//
// Scopes are derived per request from the caller's current membership role, so a role
// change applies on the next request without reissuing tokens.

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/db/models"
)

// OrgLookup resolves organizations by slug
type OrgLookup interface {
	GetBySlug(ctx context.Context, slug string) (*models.Organization, error)
}

// MembershipLookup finds a user's approved membership in an organization
type MembershipLookup interface {
	GetApprovedByUser(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error)
}

// OrgScopeConfig configures RequireOrgScope
type OrgScopeConfig struct {
	Orgs    OrgLookup
	Members MembershipLookup
	Roles   *auth.RoleTable
	// Superusers are user IDs or emails that hold every scope in every organization
	Superusers []string
	// ScopeMap lists, per HTTP method, the scopes of which the caller needs at least one
	ScopeMap map[string][]auth.Scope
	// Param is the route parameter carrying the organization slug
	Param string
}

// RequireOrgScope loads the organization from the route, computes the caller's scopes in
// it and rejects the request unless one of the scopes the method requires is held.
func RequireOrgScope(cfg OrgScopeConfig) gin.HandlerFunc {
	if cfg.Param == "" {
		cfg.Param = "org_slug"
	}
	superusers := make(map[string]bool, len(cfg.Superusers))
	for _, s := range cfg.Superusers {
		superusers[strings.ToLower(s)] = true
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		org, err := cfg.Orgs.GetBySlug(ctx, c.Param(cfg.Param))
		if err != nil {
			slog.Error("failed to load organization", "slug", c.Param(cfg.Param), "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load organization"})
			return
		}
		if org == nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "Organization not found"})
			return
		}

		var scopes []string
		switch {
		case GetAPIKey(c) != nil:
			key := GetAPIKey(c)
			if key.OrganizationID != org.ID {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "API key does not belong to this organization"})
				return
			}
			scopes = key.Scopes

		case GetUser(c) != nil:
			user := GetUser(c)
			if superusers[strings.ToLower(user.ID)] || superusers[strings.ToLower(user.Email)] {
				c.Set(ContextKeySuperuser, true)
				scopes = scopeStrings(auth.AllScopes())
			}
			member, err := cfg.Members.GetApprovedByUser(ctx, org.ID, user.ID)
			if err != nil {
				slog.Error("failed to load membership", "organization", org.Slug, "user_id", user.ID, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to check organization membership"})
				return
			}
			if member != nil {
				c.Set(ContextKeyOrgRole, member.Role)
				if scopes == nil {
					scopes = cfg.Roles.ScopesForRole(member.Role)
				}
			}
			if scopes == nil {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Not a member of organization"})
				return
			}

		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		if required, ok := cfg.ScopeMap[c.Request.Method]; ok && !auth.HasAnyScope(scopes, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Requires one of: " + strings.Join(scopeStrings(required), ", "),
			})
			return
		}

		c.Set(ContextKeyOrganization, org)
		c.Set(ContextKeyScopes, scopes)
		c.Next()
	}
}

func scopeStrings(scopes []auth.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

// GetOrganization returns the organization resolved by RequireOrgScope
func GetOrganization(c *gin.Context) *models.Organization {
	if v, ok := c.Get(ContextKeyOrganization); ok {
		if o, ok := v.(*models.Organization); ok {
			return o
		}
	}
	return nil
}

// GetScopes returns the caller's scopes in the current organization
func GetScopes(c *gin.Context) []string {
	if v, ok := c.Get(ContextKeyScopes); ok {
		if s, ok := v.([]string); ok {
			return s
		}
	}
	return nil
}
