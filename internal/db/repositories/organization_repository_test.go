package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var orgCols = []string{"id", "slug", "name", "created_at"}

func newOrgRepo(t *testing.T) (*OrganizationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewOrganizationRepository(db), mock
}

func TestGetBySlug_Found(t *testing.T) {
	repo, mock := newOrgRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations\\s+WHERE slug").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(orgCols).AddRow("org-1", "acme", "Acme", time.Now()))

	org, err := repo.GetBySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if org == nil || org.ID != "org-1" || org.Name != "Acme" {
		t.Errorf("org = %+v", org)
	}
}

func TestGetBySlug_NotFound(t *testing.T) {
	repo, mock := newOrgRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(orgCols))

	org, err := repo.GetBySlug(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if org != nil {
		t.Errorf("expected nil, got %+v", org)
	}
}

func TestGetBySlug_DBError(t *testing.T) {
	repo, mock := newOrgRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations").WillReturnError(errDB)

	if _, err := repo.GetBySlug(context.Background(), "acme"); err == nil {
		t.Error("expected error, got nil")
	}
}
