// team_repository.go implements TeamRepository: team lookup by slug and the
// all-or-nothing replacement of a member's team memberships.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/orgmembers/orgmembers/internal/db/models"
	"github.com/orgmembers/orgmembers/internal/lock"
)

// TeamRepository handles teams and organization_member_teams
type TeamRepository struct {
	db *sqlx.DB
}

// NewTeamRepository creates a new TeamRepository
func NewTeamRepository(db *sqlx.DB) *TeamRepository {
	return &TeamRepository{db: db}
}

// ListVisibleBySlugs returns the visible teams of an organization whose slug is in slugs.
// Teams pending deletion are never returned.
func (r *TeamRepository) ListVisibleBySlugs(ctx context.Context, orgID string, slugs []string) ([]*models.Team, error) {
	if len(slugs) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, organization_id, slug, name, status, created_at
		FROM teams
		WHERE organization_id = $1 AND status = $2 AND slug = ANY($3)
		ORDER BY slug
	`

	var teams []*models.Team
	if err := r.db.SelectContext(ctx, &teams, query, orgID, int(models.TeamStatusVisible), pq.Array(slugs)); err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return teams, nil
}

// ReplaceMemberTeams deletes every membership of the member and inserts one row per
// team in teamIDs, in a single transaction. An empty teamIDs leaves the member on no team.
// Inside a Postgres member lock the replacement runs on the lock's own transaction and
// is committed by the lock holder.
func (r *TeamRepository) ReplaceMemberTeams(ctx context.Context, memberID string, teamIDs []string) error {
	if tx, ok := lock.TxFromContext(ctx); ok {
		return replaceMemberTeams(ctx, tx, memberID, teamIDs)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := replaceMemberTeams(ctx, tx, memberID, teamIDs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit member teams: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func replaceMemberTeams(ctx context.Context, tx execer, memberID string, teamIDs []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM organization_member_teams WHERE organization_member_id = $1`, memberID); err != nil {
		return fmt.Errorf("failed to clear member teams: %w", err)
	}

	if len(teamIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO organization_member_teams (organization_member_id, team_id)
			SELECT $1, t FROM UNNEST($2::uuid[]) AS t
		`, memberID, pq.Array(teamIDs)); err != nil {
			return fmt.Errorf("failed to insert member teams: %w", err)
		}
	}
	return nil
}
