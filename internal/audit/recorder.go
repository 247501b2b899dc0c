package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/orgmembers/orgmembers/internal/db/models"
)

// Store persists audit entries
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes an entry to the store, then copies it to the shipper.
// Shipping is best-effort: failures are logged and counted, never returned.
type Recorder struct {
	store   Store
	shipper Shipper
}

// NewRecorder creates a Recorder. A nil store disables recording; a nil shipper
// disables shipping.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper}
}

// Record persists log and ships it
func (r *Recorder) Record(ctx context.Context, log *models.AuditLog) error {
	if r == nil || r.store == nil {
		return nil
	}
	if err := r.store.CreateAuditLog(ctx, log); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	if r.shipper != nil {
		if err := r.shipper.Ship(ctx, toEntry(log)); err != nil {
			slog.Warn("failed to ship audit log", "event", log.Event, "error", err)
		}
	}
	return nil
}

func toEntry(log *models.AuditLog) *LogEntry {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	return &LogEntry{
		Timestamp:      log.CreatedAt,
		Event:          log.Event,
		ActorID:        deref(log.ActorID),
		OrganizationID: deref(log.OrganizationID),
		TargetType:     deref(log.TargetType),
		TargetID:       deref(log.TargetID),
		IPAddress:      deref(log.IPAddress),
		Data:           log.Data,
	}
}
