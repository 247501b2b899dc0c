package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/memberquery"
)

var errDB = errors.New("db error")

func strPtr(s string) *string { return &s }

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var memberCols = []string{
	"id", "organization_id", "email", "user_id", "role", "flags", "invite_status",
	"inviter_id", "token", "token_expires_at", "created_at",
}

var memberViewCols = append(append([]string{}, memberCols...), "user_email", "user_name", "user_is_active")

var pendingStatuses = pq.Array([]int64{1, 2})

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newMemberRepo(t *testing.T) (*MemberRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMemberRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func testCaps() memberquery.Capabilities {
	return memberquery.Capabilities{
		RolesWithAnyScope:  func([]string) []string { return []string{"owner"} },
		AuthenticatorTypes: []string{"totp", "u2f"},
	}
}

// ---------------------------------------------------------------------------
// List
// ---------------------------------------------------------------------------

func TestMemberList_LoadsUserDetails(t *testing.T) {
	repo, mock := newMemberRepo(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM organization_members om\s+LEFT JOIN users u ON u.id = om.user_id\s+WHERE om.organization_id = \$1 AND om.invite_status = \$2 AND \(u.is_active OR om.user_id IS NULL\)\s+ORDER BY om.email, u.email, om.id\s+LIMIT \$3 OFFSET \$4`).
		WithArgs("org-1", 0, 101, 0).
		WillReturnRows(sqlmock.NewRows(memberViewCols).
			AddRow("om-1", "org-1", nil, "user-1", "admin", int64(1), 0, nil, nil, nil, now, "ada@example.com", "Ada", true).
			AddRow("om-2", "org-1", "invitee@example.com", nil, "member", int64(0), 0, "user-1", "tok", now, now, nil, nil, nil))

	mock.ExpectQuery(`SELECT user_id, email FROM user_emails WHERE user_id = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"user-1"})).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "email"}).
			AddRow("user-1", "ada@work.example.com"))
	mock.ExpectQuery(`SELECT id, user_id, type, created_at FROM authenticators WHERE user_id = ANY\(\$1\)`).
		WithArgs(pq.Array([]string{"user-1"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "type", "created_at"}).
			AddRow("a-1", "user-1", "totp", now))

	views, err := repo.List(context.Background(), "org-1", memberquery.Filter{}, 101, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len = %d, want 2", len(views))
	}
	ada := views[0]
	if ada.DisplayEmail() != "ada@example.com" || !ada.Flags.Has(models.MemberFlagSSOLinked) {
		t.Errorf("unexpected first member: %+v", ada)
	}
	if len(ada.UserEmails) != 1 || ada.UserEmails[0] != "ada@work.example.com" {
		t.Errorf("UserEmails = %v", ada.UserEmails)
	}
	if len(ada.AuthenticatorTypes) != 1 || ada.AuthenticatorTypes[0] != "totp" {
		t.Errorf("AuthenticatorTypes = %v", ada.AuthenticatorTypes)
	}
	if !views[1].IsPending() || views[1].DisplayEmail() != "invitee@example.com" {
		t.Errorf("unexpected invitee: %+v", views[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMemberList_AppliesFilterAfterBaseConditions(t *testing.T) {
	repo, mock := newMemberRepo(t)
	filter := memberquery.Parse("role:admin isInvited:true", testCaps())

	mock.ExpectQuery(`WHERE om.organization_id = \$1 AND om.invite_status = \$2 AND \(u.is_active OR om.user_id IS NULL\) AND om.role = ANY\(\$3\) AND om.user_id IS NULL\s+ORDER BY .* LIMIT \$4 OFFSET \$5`).
		WithArgs("org-1", 0, pq.Array([]string{"admin"}), 10, 20).
		WillReturnRows(sqlmock.NewRows(memberViewCols))

	views, err := repo.List(context.Background(), "org-1", filter, 10, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("len = %d, want 0", len(views))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMemberList_UnknownKeyRendersFalse(t *testing.T) {
	repo, mock := newMemberRepo(t)
	filter := memberquery.Parse("color:blue", testCaps())

	mock.ExpectQuery(`AND FALSE\s+ORDER BY`).
		WillReturnRows(sqlmock.NewRows(memberViewCols))

	if _, err := repo.List(context.Background(), "org-1", filter, 100, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMemberList_DBError(t *testing.T) {
	repo, mock := newMemberRepo(t)
	mock.ExpectQuery("SELECT").WillReturnError(errDB)

	if _, err := repo.List(context.Background(), "org-1", memberquery.Filter{}, 100, 0); !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
}

// ---------------------------------------------------------------------------
// GetApprovedByUser
// ---------------------------------------------------------------------------

func TestGetApprovedByUser_Found(t *testing.T) {
	repo, mock := newMemberRepo(t)
	mock.ExpectQuery("SELECT .* FROM organization_members WHERE organization_id = \\$1 AND user_id = \\$2 AND invite_status = 0").
		WithArgs("org-1", "user-1").
		WillReturnRows(sqlmock.NewRows(memberCols).
			AddRow("om-1", "org-1", nil, "user-1", "owner", int64(0), 0, nil, nil, nil, time.Now()))

	m, err := repo.GetApprovedByUser(context.Background(), "org-1", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil || m.Role != "owner" {
		t.Fatalf("member = %+v", m)
	}
}

func TestGetApprovedByUser_NotFound(t *testing.T) {
	repo, mock := newMemberRepo(t)
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(memberCols))

	m, err := repo.GetApprovedByUser(context.Background(), "org-1", "user-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil, got %+v", m)
	}
}

// ---------------------------------------------------------------------------
// EmailStatus
// ---------------------------------------------------------------------------

func TestEmailStatus(t *testing.T) {
	tests := []struct {
		name              string
		approved, pending bool
	}{
		{"free", false, false},
		{"already member", true, false},
		{"pending request", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newMemberRepo(t)
			mock.ExpectQuery(`BOOL_OR\(om.invite_status = 0\).*LOWER\(u.email\) = LOWER\(\$2\)`).
				WithArgs("org-1", "x@example.com", pendingStatuses).
				WillReturnRows(sqlmock.NewRows([]string{"approved", "pending"}).AddRow(tt.approved, tt.pending))

			approved, pending, err := repo.EmailStatus(context.Background(), "org-1", "x@example.com")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if approved != tt.approved || pending != tt.pending {
				t.Errorf("got (%v, %v), want (%v, %v)", approved, pending, tt.approved, tt.pending)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// CreateInvite
// ---------------------------------------------------------------------------

func newInvite() *models.OrganizationMember {
	return &models.OrganizationMember{
		OrganizationID: "org-1",
		Email:          strPtr("new@example.com"),
		Role:           "member",
		InviterID:      strPtr("user-1"),
	}
}

func TestCreateInvite_ClearsRequestsAndInserts(t *testing.T) {
	repo, mock := newMemberRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM organization_members WHERE organization_id = \$1 AND email = \$2 AND invite_status = ANY\(\$3\)`).
		WithArgs("org-1", "new@example.com", pendingStatuses).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO organization_members").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	m := newInvite()
	if err := repo.CreateInvite(context.Background(), m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.ID == "" || m.CreatedAt.IsZero() {
		t.Errorf("ID/CreatedAt not assigned: %+v", m)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateInvite_UniqueViolation(t *testing.T) {
	repo, mock := newMemberRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM organization_members").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO organization_members").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CreateInvite(context.Background(), newInvite())
	if !errors.Is(err, ErrMemberExists) {
		t.Errorf("err = %v, want ErrMemberExists", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateInvite_DeleteFailsRollsBack(t *testing.T) {
	repo, mock := newMemberRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM organization_members").WillReturnError(errDB)
	mock.ExpectRollback()

	if err := repo.CreateInvite(context.Background(), newInvite()); !errors.Is(err, errDB) {
		t.Errorf("err = %v, want wrapped errDB", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
