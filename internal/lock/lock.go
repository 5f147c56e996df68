// Package lock provides a keyed mutual-exclusion capability with a bounded
// hold time. Backends are Redis (cross-process) and in-memory (tests).
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotAcquired is returned when the key is already held by someone else.
var ErrNotAcquired = errors.New("lock not acquired")

// Release gives the lock back. It must be safe to call after the TTL expired.
type Release func(ctx context.Context) error

// Locker acquires a lock for key without blocking. The lock expires on its own
// after ttl so a crashed holder cannot wedge the key forever.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// WithLock runs fn while holding key. It fails fast with ErrNotAcquired when
// the key is taken. The lock is released on every exit path, panics included,
// and fn's context is cancelled once ttl elapses.
//
// A failed release never masks fn's outcome: the key expires after ttl anyway,
// so the error is logged through zerolog.Ctx(ctx) and dropped.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	release, err := l.TryAcquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	return run(ctx, key, release, ttl, fn)
}

// WithLockWait is WithLock but keeps retrying acquisition for up to wait
// before giving up with ErrNotAcquired.
func WithLockWait(ctx context.Context, l Locker, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	release, err := acquireWait(ctx, l, key, ttl, wait)
	if err != nil {
		return err
	}
	return run(ctx, key, release, ttl, fn)
}

// ContentKey is the lock shared by the commit path and the deletion worker so
// a blob is never removed while a record for the same hash is committing.
func ContentKey(hash string) string { return "content:" + hash }

const retryInterval = 10 * time.Millisecond

func acquireWait(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (Release, error) {
	deadline := time.Now().Add(wait)
	for {
		release, err := l.TryAcquire(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrNotAcquired) || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

func run(ctx context.Context, key string, release Release, ttl time.Duration, fn func(ctx context.Context) error) error {
	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer func() {
		cancel()
		// Release with a fresh context: the caller's may already be done.
		relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer relCancel()
		if err := release(relCtx); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("lock_key", key).Dur("ttl", ttl).Msg("release lock")
		}
	}()
	return fn(fnCtx)
}
