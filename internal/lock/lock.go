// Package lock provides at-most-one execution of named recurring jobs
// across engine replicas that share a store. It relies only on the
// store's atomic single-statement primitives: a conditional update and
// an insert that detects uniqueness conflicts.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/flowd/internal/store"
)

// DefaultLease is the lock lease used when callers pass a
// non-positive duration.
const DefaultLease = 5 * time.Minute

// Manager coordinates job execution through shared lock rows.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

func NewManager(st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, logger: logger}
}

// WithLock runs fn while holding the named lock, or returns
// immediately when another replica holds it. Contention is a silent
// skip, never an error. A panic inside fn is recovered and logged; the
// lock is always released afterwards, so a crash-free holder never
// blocks the next tick. A holder that dies without releasing is
// covered by the lease: once lockedUntil passes, the row becomes
// acquirable again.
func (m *Manager) WithLock(ctx context.Context, jobID string, lease time.Duration, fn func(ctx context.Context)) error {
	if lease <= 0 {
		lease = DefaultLease
	}

	acquired, err := m.acquire(ctx, jobID, lease)
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", jobID, err)
	}
	if !acquired {
		m.logger.DebugContext(ctx, "lock held elsewhere, skipping", "job_id", jobID)
		return nil
	}

	defer func() {
		// Release runs on a fresh context: the job's context may
		// already be cancelled, and an unreleased row would stall the
		// job until the lease expires.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.store.ReleaseLock(releaseCtx, jobID); err != nil {
			m.logger.ErrorContext(ctx, "lock release failed", "job_id", jobID, "error", err)
		}
	}()

	func() {
		defer func() {
			if r := recover(); r != nil {
				m.logger.ErrorContext(ctx, "locked job panicked", "job_id", jobID, "panic", r)
			}
		}()
		fn(ctx)
	}()

	return nil
}

// acquire tries the conditional update first (existing row with an
// expired lease), then a fresh insert. A uniqueness conflict on the
// insert means another replica won the race.
func (m *Manager) acquire(ctx context.Context, jobID string, lease time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	until := now + lease.Milliseconds()

	ok, err := m.store.TryAcquireLock(ctx, jobID, until, now)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	err = m.store.InsertLock(ctx, jobID, until, now)
	if errors.Is(err, store.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
