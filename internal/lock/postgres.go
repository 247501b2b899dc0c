package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// GenLockID maps a lock name onto the bigint keyspace of Postgres advisory locks
func GenLockID(name string) int64 {
	hash := fnv.New64()
	_, _ = hash.Write([]byte(name))
	return int64(hash.Sum64())
}

// PostgresBackend uses transaction-level advisory locks. Each held lock is an open
// transaction; the critical section writes through that same transaction, so a lock
// holder never needs a second pooled connection. Ending the transaction releases the
// lock, and the transaction is rolled back once the hold duration passes.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a backend on db
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// TryAcquire implements Backend. The returned Guard is a TxGuard.
func (b *PostgresBackend) TryAcquire(ctx context.Context, key string, hold time.Duration) (Guard, error) {
	txCtx, cancel := context.WithTimeout(ctx, hold)
	tx, err := b.db.BeginTx(txCtx, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("postgres lock %q: %w", key, err)
	}

	var ok bool
	if err := tx.QueryRowContext(txCtx, "SELECT pg_try_advisory_xact_lock($1)", GenLockID(key)).Scan(&ok); err != nil {
		_ = tx.Rollback()
		cancel()
		return nil, fmt.Errorf("postgres lock %q: %w", key, err)
	}
	if !ok {
		_ = tx.Rollback()
		cancel()
		return nil, ErrNotAcquired
	}
	return &postgresGuard{tx: tx, cancel: cancel, key: key}, nil
}

type postgresGuard struct {
	tx     *sql.Tx
	cancel context.CancelFunc
	key    string
	once   sync.Once
}

func (g *postgresGuard) Tx() *sql.Tx {
	return g.tx
}

// Commit makes the critical section's writes visible and releases the lock
func (g *postgresGuard) Commit() error {
	return g.finish(true)
}

// Release rolls back anything not yet committed and releases the lock
func (g *postgresGuard) Release(context.Context) error {
	return g.finish(false)
}

func (g *postgresGuard) finish(commit bool) (err error) {
	g.once.Do(func() {
		defer g.cancel()
		if commit {
			if cerr := g.tx.Commit(); cerr != nil {
				err = fmt.Errorf("postgres lock %q: commit: %w", g.key, cerr)
			}
			return
		}
		// the hold deadline rolls the transaction back on its own
		if rerr := g.tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			err = fmt.Errorf("postgres unlock %q: %w", g.key, rerr)
		}
	})
	return err
}
