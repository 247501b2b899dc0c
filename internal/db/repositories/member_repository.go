// Package repositories implements the data access layer for the member directory.
// Each repository type encapsulates the queries for one domain entity; handlers and
// services never issue SQL directly.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/memberquery"
)

// ErrMemberExists is returned when an insert collides with an approved membership
var ErrMemberExists = errors.New("organization member already exists")

// pgUniqueViolation is the SQLSTATE for unique_violation
const pgUniqueViolation = "23505"

// MemberRepository handles organization_members database operations
type MemberRepository struct {
	db *sqlx.DB
}

// NewMemberRepository creates a new MemberRepository
func NewMemberRepository(db *sqlx.DB) *MemberRepository {
	return &MemberRepository{db: db}
}

const memberViewColumns = `
	om.id, om.organization_id, om.email, om.user_id, om.role, om.flags, om.invite_status,
	om.inviter_id, om.token, om.token_expires_at, om.created_at,
	u.email AS user_email, u.name AS user_name, u.is_active AS user_is_active`

// List returns the approved members of an organization that pass filter, ordered by
// member email then user email. Members whose linked user is inactive are excluded.
func (r *MemberRepository) List(ctx context.Context, orgID string, filter memberquery.Filter, limit, offset int) ([]*models.MemberView, error) {
	var b memberquery.SQLBuilder
	b.Where("om.organization_id = " + b.Bind(orgID))
	b.Where("om.invite_status = " + b.Bind(int(models.InviteStatusApproved)))
	b.Where("(u.is_active OR om.user_id IS NULL)")
	filter.Apply(&b)

	query := `SELECT ` + memberViewColumns + `
		FROM organization_members om
		LEFT JOIN users u ON u.id = om.user_id
		` + b.Clause() + `
		ORDER BY om.email, u.email, om.id
		LIMIT ` + b.Bind(limit) + ` OFFSET ` + b.Bind(offset)

	var views []*models.MemberView
	if err := r.db.SelectContext(ctx, &views, query, b.Args()...); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	if err := r.loadUserDetails(ctx, views); err != nil {
		return nil, err
	}
	return views, nil
}

// loadUserDetails fills the secondary emails and authenticator types of linked users
func (r *MemberRepository) loadUserDetails(ctx context.Context, views []*models.MemberView) error {
	byUser := make(map[string][]*models.MemberView)
	var userIDs []string
	for _, v := range views {
		if v.UserID == nil {
			continue
		}
		if _, seen := byUser[*v.UserID]; !seen {
			userIDs = append(userIDs, *v.UserID)
		}
		byUser[*v.UserID] = append(byUser[*v.UserID], v)
	}
	if len(userIDs) == 0 {
		return nil
	}

	var emails []models.UserEmail
	if err := r.db.SelectContext(ctx, &emails,
		`SELECT user_id, email FROM user_emails WHERE user_id = ANY($1) ORDER BY email`,
		pq.Array(userIDs)); err != nil {
		return fmt.Errorf("failed to load user emails: %w", err)
	}
	for _, e := range emails {
		for _, v := range byUser[e.UserID] {
			v.UserEmails = append(v.UserEmails, e.Email)
		}
	}

	var auths []models.Authenticator
	if err := r.db.SelectContext(ctx, &auths,
		`SELECT id, user_id, type, created_at FROM authenticators WHERE user_id = ANY($1) ORDER BY type`,
		pq.Array(userIDs)); err != nil {
		return fmt.Errorf("failed to load authenticators: %w", err)
	}
	for _, a := range auths {
		for _, v := range byUser[a.UserID] {
			v.AuthenticatorTypes = append(v.AuthenticatorTypes, a.Type)
		}
	}
	return nil
}

// GetApprovedByUser returns the approved membership of a user in an organization, or nil
func (r *MemberRepository) GetApprovedByUser(ctx context.Context, orgID, userID string) (*models.OrganizationMember, error) {
	query := `
		SELECT id, organization_id, email, user_id, role, flags, invite_status,
		       inviter_id, token, token_expires_at, created_at
		FROM organization_members
		WHERE organization_id = $1 AND user_id = $2 AND invite_status = 0
	`

	var m models.OrganizationMember
	err := r.db.GetContext(ctx, &m, query, orgID, userID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

// EmailStatus reports whether email already belongs to an approved member of the
// organization and whether it has a pending invite request. An email matches a
// member's invite address exactly, or an active linked user's address case-insensitively.
func (r *MemberRepository) EmailStatus(ctx context.Context, orgID, email string) (approved, pending bool, err error) {
	query := `
		SELECT
			COALESCE(BOOL_OR(om.invite_status = 0), FALSE),
			COALESCE(BOOL_OR(om.invite_status = ANY($3)), FALSE)
		FROM organization_members om
		LEFT JOIN users u ON u.id = om.user_id
		WHERE om.organization_id = $1
		  AND (om.email = $2 OR (u.is_active AND LOWER(u.email) = LOWER($2)))
	`

	err = r.db.QueryRowxContext(ctx, query, orgID, email, pq.Array(statusInts(models.PendingInviteStatuses))).
		Scan(&approved, &pending)
	if err != nil {
		return false, false, fmt.Errorf("failed to check member email: %w", err)
	}
	return approved, pending, nil
}

// CreateInvite inserts m in one transaction with the removal of any pending invite
// requests for the same email. ID and CreatedAt are assigned here. A collision with an
// approved member returns ErrMemberExists.
func (r *MemberRepository) CreateInvite(ctx context.Context, m *models.OrganizationMember) error {
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if m.Email != nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM organization_members WHERE organization_id = $1 AND email = $2 AND invite_status = ANY($3)`,
			m.OrganizationID, *m.Email, pq.Array(statusInts(models.PendingInviteStatuses))); err != nil {
			return fmt.Errorf("failed to clear invite requests: %w", err)
		}
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO organization_members
			(id, organization_id, email, user_id, role, flags, invite_status, inviter_id, token, token_expires_at, created_at)
		VALUES
			(:id, :organization_id, :email, :user_id, :role, :flags, :invite_status, :inviter_id, :token, :token_expires_at, :created_at)
	`, m)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation {
			return ErrMemberExists
		}
		return fmt.Errorf("failed to insert member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit member: %w", err)
	}
	return nil
}

func statusInts(statuses []models.InviteStatus) []int64 {
	out := make([]int64, len(statuses))
	for i, s := range statuses {
		out[i] = int64(s)
	}
	return out
}
