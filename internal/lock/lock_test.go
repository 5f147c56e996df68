package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "test:lock:"), mr
}

func lockers(t *testing.T) map[string]Locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]Locker{
		"memory": NewMemoryLocker(),
		"redis":  redisLocker,
	}
}

func TestWithLockFailsFastWhenHeld(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entered := make(chan struct{})
			done := make(chan struct{})
			go func() {
				_ = WithLock(ctx, l, "k", time.Minute, func(context.Context) error {
					close(entered)
					<-done
					return nil
				})
			}()
			<-entered
			err := WithLock(ctx, l, "k", time.Minute, func(context.Context) error {
				t.Fatal("second holder must not run")
				return nil
			})
			assert.ErrorIs(t, err, ErrNotAcquired)
			close(done)
		})
	}
}

func TestWithLockReleasesOnErrorAndPanic(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("boom")
			err := WithLock(ctx, l, "k", time.Minute, func(context.Context) error { return boom })
			require.ErrorIs(t, err, boom)

			func() {
				defer func() { require.NotNil(t, recover()) }()
				_ = WithLock(ctx, l, "k", time.Minute, func(context.Context) error { panic("kaput") })
			}()

			ran := false
			require.NoError(t, WithLock(ctx, l, "k", time.Minute, func(context.Context) error {
				ran = true
				return nil
			}))
			assert.True(t, ran)
		})
	}
}

type stuckLocker struct{ released atomic.Int32 }

func (l *stuckLocker) TryAcquire(context.Context, string, time.Duration) (Release, error) {
	return func(context.Context) error {
		l.released.Add(1)
		return errors.New("connection refused")
	}, nil
}

func TestFailedReleaseKeepsOutcome(t *testing.T) {
	l := &stuckLocker{}
	ctx := context.Background()
	require.NoError(t, WithLock(ctx, l, "k", time.Minute, func(context.Context) error { return nil }))

	boom := errors.New("boom")
	err := WithLockWait(ctx, l, "k", time.Minute, time.Second, func(context.Context) error { return boom })
	assert.Equal(t, boom, err)
	assert.Equal(t, int32(2), l.released.Load())
}

func TestWithLockWaitSerializes(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside, total int32
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := WithLockWait(ctx, l, "k", time.Minute, 5*time.Second, func(context.Context) error {
						n := atomic.AddInt32(&inside, 1)
						for {
							m := atomic.LoadInt32(&maxInside)
							if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
								break
							}
						}
						time.Sleep(time.Millisecond)
						atomic.AddInt32(&inside, -1)
						atomic.AddInt32(&total, 1)
						return nil
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
			assert.Equal(t, int32(10), total)
		})
	}
}

func TestMemoryLockerExpires(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Now()
	l.clock = func() time.Time { return now }
	_, err := l.TryAcquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	_, err = l.TryAcquire(context.Background(), "k", time.Second)
	require.ErrorIs(t, err, ErrNotAcquired)
	now = now.Add(2 * time.Second)
	_, err = l.TryAcquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
}

func TestRedisLockerStaleReleaseKeepsNewHolder(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()
	release, err := l.TryAcquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	_, err = l.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	// The first holder's release must not drop the second holder's lock.
	require.NoError(t, release(ctx))
	_, err = l.TryAcquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrNotAcquired)
}
