// Package admin implements the authenticated organization handlers: the member
// directory, invitations, organization API keys and the audit log. Every route runs
// behind middleware.AuthMiddleware and middleware.RequireOrgScope (see
// internal/api/router.go), so handlers can rely on the organization being resolved.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/middleware"
	"github.com/orgmembers/orgmembers/internal/services"
)

// MemberService is the part of services.MemberService the handlers use
type MemberService interface {
	List(ctx context.Context, org *models.Organization, params services.ListMembersParams) (*services.MemberPage, error)
	Invite(ctx context.Context, org *models.Organization, actor services.Actor, req services.InviteRequest) (*services.InviteResult, error)
}

// MemberHandlers serves the organization member endpoints
type MemberHandlers struct {
	svc   MemberService
	roles *auth.RoleTable
	now   func() time.Time
}

// NewMemberHandlers creates a new MemberHandlers instance
func NewMemberHandlers(svc MemberService, roles *auth.RoleTable) *MemberHandlers {
	return &MemberHandlers{svc: svc, roles: roles, now: time.Now}
}

// UserResponse is the linked account of a member
type UserResponse struct {
	ID           string   `json:"id"`
	Email        string   `json:"email"`
	Name         string   `json:"name"`
	Emails       []string `json:"emails"`
	HasTwoFactor bool     `json:"has2fa"`
}

// MemberResponse is the serialized form of a member
type MemberResponse struct {
	ID           string          `json:"id"`
	Email        string          `json:"email"`
	Name         string          `json:"name"`
	User         *UserResponse   `json:"user"`
	Role         string          `json:"role"`
	RoleName     string          `json:"roleName"`
	Pending      bool            `json:"pending"`
	Expired      bool            `json:"expired"`
	Flags        map[string]bool `json:"flags"`
	InviteStatus string          `json:"inviteStatus"`
	DateCreated  time.Time       `json:"dateCreated"`
}

// InviteResponse is the body of a successful invitation
type InviteResponse struct {
	MemberResponse
	Teams          []string                       `json:"teams"`
	TeamAssignment *services.TeamAssignmentStatus `json:"teamAssignment,omitempty"`
}

func (h *MemberHandlers) serialize(v *models.MemberView) MemberResponse {
	resp := MemberResponse{
		ID:           v.ID,
		Email:        v.DisplayEmail(),
		Name:         v.DisplayName(),
		Role:         v.Role,
		RoleName:     v.Role,
		Pending:      v.IsPending(),
		Expired:      v.TokenExpired(h.now()),
		Flags:        v.Flags.Names(),
		InviteStatus: v.InviteStatus.String(),
		DateCreated:  v.CreatedAt,
	}
	if role, ok := h.roles.Get(v.Role); ok {
		resp.RoleName = role.Name
	}
	if v.UserID != nil {
		u := &UserResponse{ID: *v.UserID, Emails: v.UserEmails, HasTwoFactor: len(v.AuthenticatorTypes) > 0}
		if v.UserEmail != nil {
			u.Email = *v.UserEmail
		}
		if v.UserName != nil {
			u.Name = *v.UserName
		}
		if u.Emails == nil {
			u.Emails = []string{}
		}
		resp.User = u
	}
	return resp
}

// @Summary      List organization members
// @Description  Lists approved members. `query` accepts space-separated key:value tokens (email, scope, role, isInvited, ssoLinked, has2fa, query); an unknown key returns an empty list.
// @Tags         Members
// @Security     Bearer
// @Produce      json
// @Param        org_slug  path   string  true   "Organization slug"
// @Param        query     query  string  false  "Filter query"
// @Param        cursor    query  int     false  "Offset of the first row"
// @Param        per_page  query  int     false  "Page size (max 100)"
// @Success      200  {array}   MemberResponse
// @Failure      400  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/0/organizations/{org_slug}/members/ [get]
// ListMembersHandler lists the members of the organization
// GET /api/0/organizations/:org_slug/members/
func (h *MemberHandlers) ListMembersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)

		params := services.ListMembersParams{Query: c.Query("query")}
		var err error
		if params.Cursor, err = intParam(c, "cursor"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid cursor parameter."})
			return
		}
		if params.PerPage, err = intParam(c, "per_page"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid per_page parameter."})
			return
		}

		page, err := h.svc.List(c.Request.Context(), org, params)
		if err != nil {
			slog.Error("failed to list members", "organization", org.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to list members"})
			return
		}

		out := make([]MemberResponse, 0, len(page.Members))
		for _, m := range page.Members {
			out = append(out, h.serialize(m))
		}
		c.Header("Link", paginationLink(c.Request.URL, page))
		c.JSON(http.StatusOK, out)
	}
}

// @Summary      Invite a member
// @Description  Creates a member with a role and teams, and emails an invitation when invites are enabled. If the team assignment fails the member is still created; the response then carries `teamAssignment` and a Warning header.
// @Tags         Members
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        org_slug  path  string                  true  "Organization slug"
// @Param        body      body  services.InviteRequest  true  "Invitation"
// @Success      201  {object}  InviteResponse
// @Failure      400  {object}  map[string][]string
// @Failure      403  {object}  map[string]interface{}
// @Router       /api/0/organizations/{org_slug}/members/ [post]
// InviteMemberHandler creates a member invitation
// POST /api/0/organizations/:org_slug/members/
func (h *MemberHandlers) InviteMemberHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		org := middleware.GetOrganization(c)

		var req services.InviteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
			return
		}

		result, err := h.svc.Invite(c.Request.Context(), org, actorFromContext(c), req)

		var verr *services.ValidationError
		var perr *services.PermissionError
		var terr *services.TeamAssignmentError
		switch {
		case err == nil:
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, verr.Fields)
			return
		case errors.As(err, &perr):
			c.JSON(http.StatusForbidden, gin.H{perr.Field: perr.Message})
			return
		case errors.As(err, &terr) && result != nil:
			c.Header("Warning", fmt.Sprintf(`199 - "member %s created without team assignments"`, terr.MemberID))
		default:
			slog.Error("failed to invite member", "organization", org.Slug, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to create member"})
			return
		}

		resp := InviteResponse{
			MemberResponse: h.serialize(&models.MemberView{OrganizationMember: *result.Member}),
			Teams:          make([]string, 0, len(result.Teams)),
			TeamAssignment: result.TeamAssignment,
		}
		for _, t := range result.Teams {
			resp.Teams = append(resp.Teams, t.Slug)
		}
		c.JSON(http.StatusCreated, resp)
	}
}

// actorFromContext describes the caller resolved by the auth and org scope middleware
func actorFromContext(c *gin.Context) services.Actor {
	actor := services.Actor{
		Role:      c.GetString(middleware.ContextKeyOrgRole),
		Superuser: c.GetBool(middleware.ContextKeySuperuser),
		IPAddress: c.ClientIP(),
	}
	if u := middleware.GetUser(c); u != nil {
		actor.UserID = u.ID
		actor.Name = u.Name
		actor.Email = u.Email
	}
	if k := middleware.GetAPIKey(c); k != nil {
		actor.Name = k.Name
		actor.APIKeyScopes = k.Scopes
		if actor.APIKeyScopes == nil {
			actor.APIKeyScopes = []string{}
		}
	}
	return actor
}

// intParam parses an optional integer query parameter
func intParam(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// paginationLink renders the previous and next links of a page in the Link header format
func paginationLink(u *url.URL, page *services.MemberPage) string {
	link := func(cursor int, rel string, results bool) string {
		q := u.Query()
		q.Set("cursor", strconv.Itoa(cursor))
		target := url.URL{Path: u.Path, RawQuery: q.Encode()}
		return fmt.Sprintf(`<%s>; rel="%s"; results="%t"; cursor="%d"`, target.String(), rel, results, cursor)
	}

	prev := page.Offset - page.Limit
	if prev < 0 {
		prev = 0
	}
	next := page.Offset + page.Limit
	if page.Next != nil {
		next = *page.Next
	}
	return link(prev, "previous", page.Offset > 0) + ", " + link(next, "next", page.Next != nil)
}
