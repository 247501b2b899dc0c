// api_key_repository.go implements APIKeyRepository: creation, listing, revocation,
// prefix lookup for authentication and last-used tracking of organization API keys.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/orgmembers/orgmembers/internal/db/models"
)

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// CreateAPIKey stores a new key. The caller supplies the hash and display prefix.
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO api_keys (id, organization_id, name, key_hash, key_prefix, scopes, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		key.ID,
		key.OrganizationID,
		key.Name,
		key.KeyHash,
		key.KeyPrefix,
		pq.Array(key.Scopes),
		key.ExpiresAt,
		key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

const apiKeyColumns = `id, organization_id, name, key_hash, key_prefix, scopes, expires_at, last_used_at, created_at`

// GetAPIKeysByPrefix returns the keys sharing a display prefix, newest first
func (r *APIKeyRepository) GetAPIKeysByPrefix(ctx context.Context, keyPrefix string) ([]*models.APIKey, error) {
	return r.queryKeys(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 ORDER BY created_at DESC`, keyPrefix)
}

// ListByOrganization returns every key of an organization, newest first
func (r *APIKeyRepository) ListByOrganization(ctx context.Context, orgID string) ([]*models.APIKey, error) {
	return r.queryKeys(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE organization_id = $1 ORDER BY created_at DESC`, orgID)
}

func (r *APIKeyRepository) queryKeys(ctx context.Context, query string, args ...interface{}) ([]*models.APIKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		k := &models.APIKey{}
		if err := rows.Scan(
			&k.ID,
			&k.OrganizationID,
			&k.Name,
			&k.KeyHash,
			&k.KeyPrefix,
			pq.Array(&k.Scopes),
			&k.ExpiresAt,
			&k.LastUsedAt,
			&k.CreatedAt,
		); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey removes a key of an organization. Returns sql.ErrNoRows if the
// organization has no such key.
func (r *APIKeyRepository) DeleteAPIKey(ctx context.Context, orgID, keyID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND organization_id = $2`, keyID, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateLastUsed stamps the key as used now
func (r *APIKeyRepository) UpdateLastUsed(ctx context.Context, keyID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, keyID, time.Now().UTC())
	return err
}
