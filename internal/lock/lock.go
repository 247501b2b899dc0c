// Package lock provides named advisory locks with a hold ceiling and bounded retry.
//
// A Backend makes a single acquisition attempt; Locker wraps a backend with a retry
// policy. Locks expire after their hold duration so a crashed holder cannot wedge a key.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotAcquired is returned by a backend when the key is held by someone else
var ErrNotAcquired = errors.New("lock is held by another owner")

// ErrLockTimeout is matched by errors.Is against a *TimeoutError
var ErrLockTimeout = errors.New("lock acquisition timed out")

// TimeoutError reports that the retry budget ran out before the lock was acquired
type TimeoutError struct {
	Key      string
	Attempts int
	Waited   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("unable to acquire lock %q after %d attempts (%s)", e.Key, e.Attempts, e.Waited.Round(time.Millisecond))
}

// Is makes errors.Is(err, ErrLockTimeout) true
func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}

// Guard is a held lock. Release is safe to call more than once.
type Guard interface {
	Release(ctx context.Context) error
}

// TxGuard is a lock that lives inside an open database transaction. Work done on Tx
// becomes visible when Commit releases the lock; Release without Commit rolls it back.
type TxGuard interface {
	Guard
	Tx() *sql.Tx
	Commit() error
}

type txKey struct{}

// ContextWithTx returns a context carrying the transaction that holds a lock
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TxFromContext returns the lock-holding transaction of ctx, if any. Stores that find
// one must write through it instead of opening their own transaction.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

// Backend makes one attempt to take a lock
type Backend interface {
	// TryAcquire takes key for at most hold, or returns ErrNotAcquired
	TryAcquire(ctx context.Context, key string, hold time.Duration) (Guard, error)
}

// MemberKey is the lock key guarding a member's team assignments
func MemberKey(memberID string) string {
	return "org:member:" + memberID
}
