package lock

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/orgmembers/orgmembers/internal/telemetry"
)

// RetryPolicy bounds how long Acquire keeps trying
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first
	Attempts int
	// Exponential doubles the delay between tries; otherwise the delay is fixed
	Exponential bool
	// Interval is the fixed delay, or the first exponential delay
	Interval time.Duration
	// MaxInterval caps exponential growth
	MaxInterval time.Duration
}

// DefaultRetryPolicy is ten attempts with exponential backoff from 50ms up to 1s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    10,
		Exponential: true,
		Interval:    50 * time.Millisecond,
		MaxInterval: time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Interval
		if p.MaxInterval > 0 {
			eb.MaxInterval = p.MaxInterval
		}
		eb.MaxElapsedTime = 0 // bounded by attempts instead
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Interval)
	}
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Locker acquires locks from a backend, retrying while the key is held
type Locker struct {
	backend Backend
	policy  RetryPolicy
	name    string
}

// NewLocker wraps backend with policy. name labels metrics and logs ("redis", "postgres", "memory").
func NewLocker(backend Backend, policy RetryPolicy, name string) *Locker {
	return &Locker{backend: backend, policy: policy, name: name}
}

// Acquire takes key for at most hold. It returns a *TimeoutError once the retry
// budget is spent, and ctx.Err() if the context ends first.
func (l *Locker) Acquire(ctx context.Context, key string, hold time.Duration) (Guard, error) {
	start := time.Now()
	attempts := 0
	var guard Guard

	err := backoff.Retry(func() error {
		attempts++
		g, err := l.backend.TryAcquire(ctx, key, hold)
		if errors.Is(err, ErrNotAcquired) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		guard = g
		return nil
	}, l.policy.backOff(ctx))

	waited := time.Since(start)
	telemetry.LockWaitDuration.WithLabelValues(l.name).Observe(waited.Seconds())

	switch {
	case err == nil:
		return guard, nil
	case errors.Is(err, ErrNotAcquired):
		telemetry.LockTimeoutsTotal.WithLabelValues(l.name).Inc()
		slog.Warn("lock acquisition timed out", "key", key, "attempts", attempts, "waited", waited, "backend", l.name)
		return nil, &TimeoutError{Key: key, Attempts: attempts, Waited: waited}
	default:
		return nil, err
	}
}

// Do runs fn while holding key. The lock is released on every exit path, including panics.
// When the backend holds the lock in a transaction, fn receives it through the context
// (see TxFromContext) and the transaction commits only if fn succeeds.
func (l *Locker) Do(ctx context.Context, key string, hold time.Duration, fn func(ctx context.Context) error) (err error) {
	guard, err := l.Acquire(ctx, key, hold)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := guard.Release(releaseCtx); rerr != nil {
			slog.Error("failed to release lock", "key", key, "backend", l.name, "error", rerr)
		}
	}()

	txGuard, transactional := guard.(TxGuard)
	if transactional {
		ctx = ContextWithTx(ctx, txGuard.Tx())
	}
	if err := fn(ctx); err != nil {
		return err
	}
	if transactional {
		return txGuard.Commit()
	}
	return nil
}
