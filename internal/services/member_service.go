// Package services implements the business logic that coordinates repositories and
// external collaborators. MemberService owns the organization member listing and the
// invitation flow: validate, create the member, assign its teams under a per-member
// lock, then notify and audit.
package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/config"
	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/db/repositories"
	"github.com/orgmembers/orgmembers/internal/events"
	"github.com/orgmembers/orgmembers/internal/lock"
	"github.com/orgmembers/orgmembers/internal/memberquery"
	"github.com/orgmembers/orgmembers/internal/notify"
	"github.com/orgmembers/orgmembers/internal/safego"
	"github.com/orgmembers/orgmembers/internal/telemetry"
)

const (
	msgRequired       = "This field is required."
	msgInvalidEmail   = "Enter a valid email address."
	msgEmailTooLong   = "Ensure this field has no more than 75 characters."
	msgAlreadyMember  = "The user %s is already a member"
	msgPendingInvite  = "There is an existing invite request for %s"
	msgInvalidChoice  = "%q is not a valid choice."
	msgForbiddenRole  = "You do not have permission to invite that role."
	msgInvalidTeams   = "Invalid teams"
	msgFeatureBlocked = "Your organization is not allowed to invite members"

	defaultLockHold = 5 * time.Second
	inviteSendLimit = 30 * time.Second
)

// MemberStore is the member persistence used by MemberService
type MemberStore interface {
	List(ctx context.Context, orgID string, filter memberquery.Filter, limit, offset int) ([]*models.MemberView, error)
	EmailStatus(ctx context.Context, orgID, email string) (approved, pending bool, err error)
	CreateInvite(ctx context.Context, m *models.OrganizationMember) error
}

// TeamStore is the team persistence used by MemberService
type TeamStore interface {
	ListVisibleBySlugs(ctx context.Context, orgID string, slugs []string) ([]*models.Team, error)
	ReplaceMemberTeams(ctx context.Context, memberID string, teamIDs []string) error
}

// AuditRecorder writes audit entries
type AuditRecorder interface {
	Record(ctx context.Context, log *models.AuditLog) error
}

// InviteMailer delivers invitation emails
type InviteMailer interface {
	SendInvite(ctx context.Context, inv notify.Invite) error
}

// MemberOptions are the settings an invitation is evaluated against
type MemberOptions struct {
	InvitesEnabled             bool
	AllowExistingInviteRequest bool
	// InviteFeatureEnabled reports whether an organization may invite members. Nil allows all.
	InviteFeatureEnabled func(orgSlug string) bool
	InviteTokenTTL       time.Duration
	LockHold             time.Duration
	// AcceptURLBase prefixes invite acceptance links
	AcceptURLBase   string
	DefaultPageSize int
	MaxPageSize     int
}

// MemberOptionsFromConfig builds MemberOptions from the loaded configuration
func MemberOptionsFromConfig(cfg *config.Config) MemberOptions {
	members := cfg.Members
	return MemberOptions{
		InvitesEnabled:             members.InvitesEnabled,
		AllowExistingInviteRequest: members.AllowExistingInviteRequest,
		InviteFeatureEnabled:       members.InviteFeatureEnabled,
		InviteTokenTTL:             members.InviteTokenTTL,
		LockHold:                   cfg.Lock.HoldDuration,
		AcceptURLBase:              cfg.Server.BaseURL,
		DefaultPageSize:            members.DefaultPageSize,
		MaxPageSize:                members.MaxPageSize,
	}
}

// MemberServiceDeps are the collaborators of MemberService. Mailer, Events, Audit and
// Background are optional.
type MemberServiceDeps struct {
	Members    MemberStore
	Teams      TeamStore
	Roles      *auth.RoleTable
	Locker     *lock.Locker
	Audit      AuditRecorder
	Mailer     InviteMailer
	Events     events.Publisher
	Background *safego.Group
}

// Actor is the authenticated caller of a member operation
type Actor struct {
	UserID    string
	Name      string
	Email     string
	Role      string // the caller's role in the organization, empty if not a member
	Superuser bool
	// APIKeyScopes is set when the caller authenticated with an organization API key
	APIKeyScopes []string
	IPAddress    string
}

// InviteRequest is the body of an invitation
type InviteRequest struct {
	Email      string   `json:"email" validate:"required,email,max=75"`
	Role       string   `json:"role" validate:"required"`
	Teams      []string `json:"teams"`
	SendInvite *bool    `json:"sendInvite"`
	Referrer   string   `json:"referrer"`
}

func (r *InviteRequest) sendInvite() bool {
	return r.SendInvite == nil || *r.SendInvite
}

// TeamAssignmentStatus describes a team assignment that did not complete
type TeamAssignmentStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// InviteResult is the outcome of a successful member creation. TeamAssignment is set
// when the member exists but its teams could not be assigned.
type InviteResult struct {
	Member         *models.OrganizationMember
	Teams          []*models.Team
	TeamAssignment *TeamAssignmentStatus
}

// ListMembersParams selects a page of the member listing
type ListMembersParams struct {
	Query   string
	Cursor  int // offset of the first row
	PerPage int
}

// MemberPage is one page of the member listing. Next is the cursor of the following
// page, or nil on the last page.
type MemberPage struct {
	Members []*models.MemberView
	Offset  int
	Limit   int
	Next    *int
}

// MemberService lists and invites organization members
type MemberService struct {
	members  MemberStore
	teams    TeamStore
	roles    *auth.RoleTable
	locker   *lock.Locker
	audit    AuditRecorder
	mailer   InviteMailer
	events   events.Publisher
	bg       *safego.Group
	opts     MemberOptions
	validate *validator.Validate
	now      func() time.Time
}

// NewMemberService creates a MemberService
func NewMemberService(deps MemberServiceDeps, opts MemberOptions) *MemberService {
	if opts.LockHold <= 0 {
		opts.LockHold = defaultLockHold
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 100
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	bg := deps.Background
	if bg == nil {
		bg = &safego.Group{}
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})

	return &MemberService{
		members:  deps.Members,
		teams:    deps.Teams,
		roles:    deps.Roles,
		locker:   deps.Locker,
		audit:    deps.Audit,
		mailer:   deps.Mailer,
		events:   pub,
		bg:       bg,
		opts:     opts,
		validate: v,
		now:      time.Now,
	}
}

// Drain waits for background invitation emails to finish
func (s *MemberService) Drain(ctx context.Context) error {
	return s.bg.Wait(ctx)
}

func (s *MemberService) capabilities() memberquery.Capabilities {
	return memberquery.Capabilities{
		RolesWithAnyScope:  s.roles.RolesWithAnyScope,
		AuthenticatorTypes: auth.AuthenticatorTypeIDs(true),
	}
}

// List returns a page of the organization's approved members, filtered by params.Query.
// A query with an unrecognized key yields an empty page.
func (s *MemberService) List(ctx context.Context, org *models.Organization, params ListMembersParams) (*MemberPage, error) {
	limit := params.PerPage
	if limit <= 0 {
		limit = s.opts.DefaultPageSize
	}
	if limit > s.opts.MaxPageSize {
		limit = s.opts.MaxPageSize
	}
	offset := params.Cursor
	if offset < 0 {
		offset = 0
	}

	page := &MemberPage{Members: []*models.MemberView{}, Offset: offset, Limit: limit}

	filter := memberquery.Parse(params.Query, s.capabilities())
	telemetry.MemberListQueriesTotal.WithLabelValues(strconv.FormatBool(filter.None())).Inc()
	if filter.None() {
		return page, nil
	}

	rows, err := s.members.List(ctx, org.ID, filter, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
		next := offset + limit
		page.Next = &next
	}
	page.Members = rows
	return page, nil
}

// Invite validates req, creates the member and assigns its teams.
//
// The member row is committed before teams are assigned. If the team assignment fails
// the member is still returned, together with a *TeamAssignmentError, and
// result.TeamAssignment describes the failure.
func (s *MemberService) Invite(ctx context.Context, org *models.Organization, actor Actor, req InviteRequest) (*InviteResult, error) {
	if s.opts.InviteFeatureEnabled != nil && !s.opts.InviteFeatureEnabled(org.Slug) {
		return nil, &PermissionError{Field: "organization", Message: msgFeatureBlocked}
	}

	teams, err := s.validateInvite(ctx, org, actor, &req)
	if err != nil {
		return nil, err
	}

	email := req.Email
	member := &models.OrganizationMember{
		OrganizationID: org.ID,
		Email:          &email,
		Role:           req.Role,
		InviteStatus:   models.InviteStatusApproved,
	}
	if actor.UserID != "" {
		inviter := actor.UserID
		member.InviterID = &inviter
	}
	if s.opts.InvitesEnabled {
		token := newInviteToken()
		member.Token = &token
		if s.opts.InviteTokenTTL > 0 {
			expires := s.now().UTC().Add(s.opts.InviteTokenTTL)
			member.TokenExpiresAt = &expires
		}
	}

	if err := s.members.CreateInvite(ctx, member); err != nil {
		if errors.Is(err, repositories.ErrMemberExists) {
			verr := &ValidationError{}
			verr.add("email", fmt.Sprintf(msgAlreadyMember, email), ErrDuplicateMember)
			return nil, verr
		}
		return nil, fmt.Errorf("failed to create member: %w", err)
	}

	result := &InviteResult{Member: member, Teams: []*models.Team{}}
	var assignErr error
	if len(teams) > 0 {
		if err := s.SaveTeamAssignments(ctx, member.ID, teams); err != nil {
			reason := "error"
			if errors.Is(err, lock.ErrLockTimeout) {
				reason = "lock_timeout"
			}
			telemetry.TeamAssignmentFailuresTotal.WithLabelValues(reason).Inc()
			slog.Warn("member created without teams",
				"member_id", member.ID, "organization", org.Slug, "reason", reason, "error", err)
			result.TeamAssignment = &TeamAssignmentStatus{Status: "failed", Reason: reason}
			assignErr = &TeamAssignmentError{MemberID: member.ID, Err: err}
		} else {
			result.Teams = teams
		}
	}

	if s.opts.InvitesEnabled && req.sendInvite() {
		s.sendInviteEmail(org, actor, member)
		s.publishInvited(ctx, member, actor, req.Referrer)
	}

	event := models.AuditEventMemberAdd
	if s.opts.InvitesEnabled {
		event = models.AuditEventMemberInvite
	}
	s.recordAudit(ctx, org, actor, member, event)
	telemetry.MemberInvitesTotal.WithLabelValues(event).Inc()

	return result, assignErr
}

// SaveTeamAssignments replaces every team membership of a member with teams. The
// replacement runs in one transaction while the member's lock is held; concurrent calls
// for the same member serialize and the last to take the lock wins.
func (s *MemberService) SaveTeamAssignments(ctx context.Context, memberID string, teams []*models.Team) error {
	ids := make([]string, len(teams))
	for i, t := range teams {
		ids[i] = t.ID
	}
	return s.locker.Do(ctx, lock.MemberKey(memberID), s.opts.LockHold, func(ctx context.Context) error {
		return s.teams.ReplaceMemberTeams(ctx, memberID, ids)
	})
}

// validateInvite checks every field of req and returns all failures together. On
// success it returns the resolved teams.
func (s *MemberService) validateInvite(ctx context.Context, org *models.Organization, actor Actor, req *InviteRequest) ([]*models.Team, error) {
	req.Email = strings.TrimSpace(req.Email)
	verr := &ValidationError{}

	emailOK, roleSet := true, true
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return nil, fmt.Errorf("failed to validate invite: %w", err)
		}
		for _, fe := range fieldErrs {
			switch fe.Field() {
			case "email":
				emailOK = false
			case "role":
				roleSet = false
			}
			verr.add(fe.Field(), fieldMessage(fe), ErrInvalidField)
		}
	}

	if emailOK {
		approved, pending, err := s.members.EmailStatus(ctx, org.ID, req.Email)
		if err != nil {
			return nil, fmt.Errorf("failed to check existing members: %w", err)
		}
		if approved {
			verr.add("email", fmt.Sprintf(msgAlreadyMember, req.Email), ErrDuplicateMember)
		} else if pending && !s.opts.AllowExistingInviteRequest {
			verr.add("email", fmt.Sprintf(msgPendingInvite, req.Email), ErrPendingInviteConflict)
		}
	}

	if roleSet {
		if _, known := s.roles.Get(req.Role); !known {
			verr.add("role", fmt.Sprintf(msgInvalidChoice, req.Role), ErrInvalidField)
		} else if !roleAllowed(s.allowedRoles(actor), req.Role) {
			verr.add("role", msgForbiddenRole, ErrForbiddenRole)
		}
	}

	var teams []*models.Team
	if len(req.Teams) > 0 {
		var err error
		teams, err = s.teams.ListVisibleBySlugs(ctx, org.ID, req.Teams)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve teams: %w", err)
		}
		if len(teams) != len(req.Teams) {
			verr.add("teams", msgInvalidTeams, ErrInvalidTeam)
		}
	}

	if !verr.empty() {
		return nil, verr
	}
	return teams, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return msgRequired
	case "email":
		return msgInvalidEmail
	case "max":
		return msgEmailTooLong
	default:
		return fmt.Sprintf("Failed on the %q rule.", fe.Tag())
	}
}

func (s *MemberService) allowedRoles(actor Actor) []auth.Role {
	if actor.APIKeyScopes != nil && !actor.Superuser {
		return s.roles.AllowedRolesForScopes(actor.APIKeyScopes)
	}
	return s.roles.AllowedRoles(actor.Role, actor.Superuser)
}

func roleAllowed(allowed []auth.Role, id string) bool {
	for _, r := range allowed {
		if r.ID == id {
			return true
		}
	}
	return false
}

func newInviteToken() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// AcceptURL is the link an invitee follows to join
func (s *MemberService) AcceptURL(m *models.OrganizationMember) string {
	token := ""
	if m.Token != nil {
		token = *m.Token
	}
	return fmt.Sprintf("%s/accept/%s/%s/", strings.TrimRight(s.opts.AcceptURLBase, "/"), m.ID, token)
}

// sendInviteEmail dispatches the invitation in the background. Failures are logged
// and counted; they never affect the created member.
func (s *MemberService) sendInviteEmail(org *models.Organization, actor Actor, m *models.OrganizationMember) {
	if s.mailer == nil {
		telemetry.InviteEmailsTotal.WithLabelValues("skipped").Inc()
		return
	}
	inviter := actor.Name
	if inviter == "" {
		inviter = actor.Email
	}
	inv := notify.Invite{
		To:               *m.Email,
		OrganizationName: org.Name,
		InviterName:      inviter,
		Role:             m.Role,
		AcceptURL:        s.AcceptURL(m),
		ExpiresAt:        m.TokenExpiresAt,
	}
	memberID := m.ID

	s.bg.Go("send-invite-email", func() {
		ctx, cancel := context.WithTimeout(context.Background(), inviteSendLimit)
		defer cancel()
		if err := s.mailer.SendInvite(ctx, inv); err != nil {
			telemetry.InviteEmailsTotal.WithLabelValues("failed").Inc()
			slog.Error("failed to send invite email", "member_id", memberID, "error", err)
			return
		}
		telemetry.InviteEmailsTotal.WithLabelValues("sent").Inc()
		slog.Info("invite email sent", "member_id", memberID)
	})
}

func (s *MemberService) publishInvited(ctx context.Context, m *models.OrganizationMember, actor Actor, referrer string) {
	ev := events.MemberInvited{
		MemberID:       m.ID,
		OrganizationID: m.OrganizationID,
		Email:          *m.Email,
		Role:           m.Role,
		ActorID:        actor.UserID,
		Referrer:       referrer,
		Timestamp:      s.now().UTC(),
	}
	if err := s.events.PublishMemberInvited(ctx, ev); err != nil {
		slog.Warn("failed to publish member invited event", "member_id", m.ID, "error", err)
	}
}

func (s *MemberService) recordAudit(ctx context.Context, org *models.Organization, actor Actor, m *models.OrganizationMember, event string) {
	if s.audit == nil {
		return
	}
	targetType := "member"
	entry := &models.AuditLog{
		OrganizationID: &org.ID,
		Event:          event,
		TargetType:     &targetType,
		TargetID:       &m.ID,
		Data:           m.AuditData(),
	}
	if actor.UserID != "" {
		actorID := actor.UserID
		entry.ActorID = &actorID
	}
	if actor.IPAddress != "" {
		ip := actor.IPAddress
		entry.IPAddress = &ip
	}
	if err := s.audit.Record(ctx, entry); err != nil {
		slog.Error("failed to record audit log", "event", event, "member_id", m.ID, "error", err)
	}
}
