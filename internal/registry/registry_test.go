package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

type backend struct {
	reg     Registry
	advance func(time.Duration)
}

func backends(t *testing.T, ttl time.Duration) map[string]backend {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := NewMemoryRegistry(ttl)
	now := time.Now()
	mem.clock = func() time.Time { return now }

	return map[string]backend{
		"memory": {reg: mem, advance: func(d time.Duration) { now = now.Add(d) }},
		"redis":  {reg: NewRedisRegistry(client, "test:", ttl), advance: mr.FastForward},
	}
}

var sampleMeta = model.TaskMeta{
	UserID:       "u1",
	FileName:     "leaf.jpg",
	FileSize:     30,
	FileType:     "image/jpeg",
	DeclaredHash: "abc",
	TotalChunks:  3,
}

func TestRegistryLifecycle(t *testing.T) {
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task, err := b.reg.Create(ctx, sampleMeta)
			require.NoError(t, err)
			assert.True(t, ValidID(task.ID))
			assert.Empty(t, task.Received)

			for _, idx := range []int{1, 0, 1, 2} {
				require.NoError(t, b.reg.AddChunk(ctx, task.ID, idx))
			}
			got, err := b.reg.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, []int{0, 1, 2}, got.Received)
			assert.Equal(t, sampleMeta, got.TaskMeta)
			assert.True(t, got.Complete())

			require.NoError(t, b.reg.Retire(ctx, task.ID))
			_, err = b.reg.Get(ctx, task.ID)
			assert.ErrorIs(t, err, ErrTaskNotFound)
			assert.ErrorIs(t, b.reg.AddChunk(ctx, task.ID, 0), ErrTaskNotFound)
		})
	}
}

func TestRegistryExpiry(t *testing.T) {
	for name, b := range backends(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			task, err := b.reg.Create(ctx, sampleMeta)
			require.NoError(t, err)
			require.NoError(t, b.reg.AddChunk(ctx, task.ID, 0))

			b.advance(2 * time.Minute)
			_, err = b.reg.Get(ctx, task.ID)
			assert.ErrorIs(t, err, ErrTaskNotFound)
			assert.ErrorIs(t, b.reg.AddChunk(ctx, task.ID, 1), ErrTaskNotFound)
		})
	}
}

func TestRegistryConcurrentAddChunk(t *testing.T) {
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			meta := sampleMeta
			meta.TotalChunks = 50
			task, err := b.reg.Create(ctx, meta)
			require.NoError(t, err)

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(2)
				go func(idx int) { defer wg.Done(); assert.NoError(t, b.reg.AddChunk(ctx, task.ID, idx)) }(i)
				go func(idx int) { defer wg.Done(); assert.NoError(t, b.reg.AddChunk(ctx, task.ID, idx)) }(i)
			}
			wg.Wait()
			got, err := b.reg.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Len(t, got.Received, 50)
			assert.True(t, got.Complete())
		})
	}
}

func TestRegistryCompletionMarker(t *testing.T) {
	for name, b := range backends(t, time.Hour) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c, err := b.reg.Completion(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, c)

			want := model.Completion{FileID: "f1", Hash: "h", DedupHit: true}
			require.NoError(t, b.reg.MarkCompleted(ctx, "t1", want, time.Minute))
			c, err = b.reg.Completion(ctx, "t1")
			require.NoError(t, err)
			require.NotNil(t, c)
			assert.Equal(t, want, *c)

			b.advance(2 * time.Minute)
			c, err = b.reg.Completion(ctx, "t1")
			require.NoError(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestValidID(t *testing.T) {
	id, err := NewTaskID()
	require.NoError(t, err)
	assert.True(t, ValidID(id))
	assert.False(t, ValidID("../../etc/passwd"))
	assert.False(t, ValidID(""))
}
