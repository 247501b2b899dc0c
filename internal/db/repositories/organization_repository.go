// organization_repository.go implements OrganizationRepository, resolving the organizations
// addressed by URL slug.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/orgmembers/orgmembers/internal/db/models"
)

// OrganizationRepository handles database operations for organizations
type OrganizationRepository struct {
	db *sql.DB
}

// NewOrganizationRepository creates a new organization repository
func NewOrganizationRepository(db *sql.DB) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// GetBySlug retrieves an organization by its slug
func (r *OrganizationRepository) GetBySlug(ctx context.Context, slug string) (*models.Organization, error) {
	query := `
		SELECT id, slug, name, created_at
		FROM organizations
		WHERE slug = $1
	`

	org := &models.Organization{}
	err := r.db.QueryRowContext(ctx, query, slug).Scan(
		&org.ID,
		&org.Slug,
		&org.Name,
		&org.CreatedAt,
	)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}

	return org, nil
}
