// audit_repository.go implements AuditRepository, writing member audit entries and
// reading them back per organization.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orgmembers/orgmembers/internal/db/models"
)

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters narrows ListAuditLogs
type AuditFilters struct {
	OrganizationID *string
	ActorID        *string
	Event          *string
	TargetID       *string
}

// CreateAuditLog creates a new audit log entry
func (r *AuditRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	log.ID = uuid.New().String()
	log.CreatedAt = time.Now()

	var dataJSON []byte
	var err error
	if log.Data != nil {
		dataJSON, err = json.Marshal(log.Data)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO audit_logs (id, actor_id, organization_id, event, target_type, target_id, data, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = r.db.ExecContext(ctx, query,
		log.ID,
		log.ActorID,
		log.OrganizationID,
		log.Event,
		log.TargetType,
		log.TargetID,
		dataJSON,
		log.IPAddress,
		log.CreatedAt,
	)

	return err
}

// ListAuditLogs returns entries matching filters, newest first, with the total match count
func (r *AuditRepository) ListAuditLogs(ctx context.Context, filters AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0, 6)
	add := func(column string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		where += fmt.Sprintf(` AND %s = $%d`, column, len(args))
	}
	add("organization_id", filters.OrganizationID)
	add("actor_id", filters.ActorID)
	add("event", filters.Event)
	add("target_id", filters.TargetID)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, actor_id, organization_id, event, target_type, target_id, data, ip_address, created_at
		FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, 0, err
		}
		logs = append(logs, log)
	}

	return logs, total, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditLog(row rowScanner) (*models.AuditLog, error) {
	log := &models.AuditLog{}
	var dataJSON []byte
	if err := row.Scan(
		&log.ID,
		&log.ActorID,
		&log.OrganizationID,
		&log.Event,
		&log.TargetType,
		&log.TargetID,
		&dataJSON,
		&log.IPAddress,
		&log.CreatedAt,
	); err != nil {
		return nil, err
	}
	if dataJSON != nil {
		if err := json.Unmarshal(dataJSON, &log.Data); err != nil {
			return nil, err
		}
	}
	return log, nil
}

// GetAuditLog retrieves a single audit log entry by ID
func (r *AuditRepository) GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error) {
	query := `
		SELECT id, actor_id, organization_id, event, target_type, target_id, data, ip_address, created_at
		FROM audit_logs
		WHERE id = $1
	`

	log, err := scanAuditLog(r.db.QueryRowContext(ctx, query, logID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return log, nil
}
