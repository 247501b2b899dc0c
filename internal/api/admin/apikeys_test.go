package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"

	"github.com/orgmembers/orgmembers/internal/auth"
	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/db/repositories"
	"github.com/orgmembers/orgmembers/internal/middleware"
)

var apiKeySQLCols = []string{
	"id", "organization_id", "name", "key_hash", "key_prefix", "scopes", "expires_at", "last_used_at", "created_at",
}

type captureAudit struct {
	entries []*models.AuditLog
	err     error
}

func (a *captureAudit) Record(_ context.Context, log *models.AuditLog) error {
	a.entries = append(a.entries, log)
	return a.err
}

// newAPIKeyRouter registers the key routes for a caller holding scopes
func newAPIKeyRouter(t *testing.T, scopes []string) (sqlmock.Sqlmock, *captureAudit, *gin.Engine) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	audit := &captureAudit{}
	h := NewAPIKeyHandlers(repositories.NewAPIKeyRepository(db), audit)

	r := gin.New()
	g := r.Group("/api/0/organizations/:org_slug", func(c *gin.Context) {
		c.Set(middleware.ContextKeyOrganization, testOrg)
		c.Set(middleware.ContextKeyUser, &models.User{ID: "u-1", IsActive: true})
		c.Set(middleware.ContextKeyScopes, scopes)
	})
	g.GET("/api-keys/", h.ListAPIKeysHandler())
	g.POST("/api-keys/", h.CreateAPIKeyHandler())
	g.DELETE("/api-keys/:key_id/", h.DeleteAPIKeyHandler())
	return mock, audit, r
}

const apiKeysPath = "/api/0/organizations/acme/api-keys/"

var ownerScopes = auth.DefaultRoles().ScopesForRole("owner")

// ---------------------------------------------------------------------------
// ListAPIKeysHandler
// ---------------------------------------------------------------------------

func TestListAPIKeysHandler(t *testing.T) {
	mock, _, r := newAPIKeyRouter(t, ownerScopes)
	mock.ExpectQuery("SELECT .+ FROM api_keys WHERE organization_id").
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows(apiKeySQLCols).
			AddRow("k1", "org-1", "CI", "secret-hash", "orgm_abc12", "{member:read}", nil, nil, time.Now()))

	w := doJSON(r, http.MethodGet, apiKeysPath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "secret-hash") {
		t.Error("response leaks the key hash")
	}
	var got []APIKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Key != "" || got[0].KeyPrefix != "orgm_abc12" {
		t.Errorf("keys = %+v", got)
	}
}

func TestListAPIKeysHandler_DBError(t *testing.T) {
	mock, _, r := newAPIKeyRouter(t, ownerScopes)
	mock.ExpectQuery("SELECT .+ FROM api_keys").WillReturnError(errors.New("db down"))

	if w := doJSON(r, http.MethodGet, apiKeysPath, nil); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

// ---------------------------------------------------------------------------
// CreateAPIKeyHandler
// ---------------------------------------------------------------------------

func TestCreateAPIKeyHandler_Success(t *testing.T) {
	mock, audit, r := newAPIKeyRouter(t, ownerScopes)
	mock.ExpectExec("INSERT INTO api_keys").WillReturnResult(sqlmock.NewResult(1, 1))

	w := doJSON(r, http.MethodPost, apiKeysPath, map[string]interface{}{
		"name": "provisioner", "scopes": []string{"member:read", "member:admin"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body: %s", w.Code, w.Body.String())
	}

	var got APIKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !auth.LooksLikeAPIKey(got.Key) {
		t.Errorf("key = %q, want an orgm_ key", got.Key)
	}
	if got.KeyPrefix != auth.KeyDisplayPrefix(got.Key) {
		t.Errorf("key_prefix = %q, want prefix of %q", got.KeyPrefix, got.Key)
	}
	if len(audit.entries) != 1 || audit.entries[0].Event != models.AuditEventAPIKeyCreate {
		t.Errorf("audit entries = %+v", audit.entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateAPIKeyHandler_Rejections(t *testing.T) {
	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	tests := []struct {
		name   string
		scopes []string
		body   string
		want   int
	}{
		{"missing name", ownerScopes, `{"scopes":["member:read"]}`, http.StatusBadRequest},
		{"no scopes", ownerScopes, `{"name":"ci","scopes":[]}`, http.StatusBadRequest},
		{"unknown scope", ownerScopes, `{"name":"ci","scopes":["root"]}`, http.StatusBadRequest},
		{"expired", ownerScopes, `{"name":"ci","scopes":["member:read"],"expires_at":"` + past + `"}`, http.StatusBadRequest},
		{"scope the caller lacks", []string{"org:admin", "member:read"}, `{"name":"ci","scopes":["member:admin"]}`, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, _, r := newAPIKeyRouter(t, tt.scopes)
			if w := doJSON(r, http.MethodPost, apiKeysPath, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d; body: %s", w.Code, tt.want, w.Body.String())
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Error(err)
			}
		})
	}
}

func TestCreateAPIKeyHandler_DBError(t *testing.T) {
	mock, audit, r := newAPIKeyRouter(t, ownerScopes)
	mock.ExpectExec("INSERT INTO api_keys").WillReturnError(errors.New("db down"))

	w := doJSON(r, http.MethodPost, apiKeysPath, `{"name":"ci","scopes":["member:read"]}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if len(audit.entries) != 0 {
		t.Error("audit entry recorded for a failed create")
	}
}

// ---------------------------------------------------------------------------
// DeleteAPIKeyHandler
// ---------------------------------------------------------------------------

func TestDeleteAPIKeyHandler(t *testing.T) {
	mock, audit, r := newAPIKeyRouter(t, ownerScopes)
	mock.ExpectExec("DELETE FROM api_keys").WithArgs("k1", "org-1").WillReturnResult(sqlmock.NewResult(0, 1))

	if w := doJSON(r, http.MethodDelete, apiKeysPath+"k1/", nil); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if len(audit.entries) != 1 || audit.entries[0].Event != models.AuditEventAPIKeyRemove {
		t.Errorf("audit entries = %+v", audit.entries)
	}
}

func TestDeleteAPIKeyHandler_NotFound(t *testing.T) {
	mock, _, r := newAPIKeyRouter(t, ownerScopes)
	mock.ExpectExec("DELETE FROM api_keys").WillReturnResult(sqlmock.NewResult(0, 0))

	if w := doJSON(r, http.MethodDelete, apiKeysPath+"missing/", nil); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
