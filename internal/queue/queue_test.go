package queue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(30))

	fn := p.RetryDelayFunc()
	assert.Equal(t, time.Second, fn(0, nil, nil))
	assert.Equal(t, 2*time.Second, fn(1, nil, nil))
}

func TestDeletionTaskRoundTrip(t *testing.T) {
	job := model.DeletionJob{Hash: "h", Path: "h/hh"}
	task, err := NewDeletionTask(job)
	require.NoError(t, err)
	assert.Equal(t, DeleteContentTask, task.Type())
	got, err := DecodeDeletion(task)
	require.NoError(t, err)
	assert.Equal(t, job, got)

	_, err = DecodeDeletion(asynq.NewTask(DeleteContentTask, []byte(`{}`)))
	assert.Error(t, err)
}

func TestEnqueueDeletionSchedulesFollowUpOnConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := NewAsynqQueue(client, RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute})
	ctx := context.Background()
	job := model.DeletionJob{Hash: "abc", Path: "ab/abc"}

	taskKeys := func() []string {
		var out []string
		for _, k := range mr.Keys() {
			if strings.HasPrefix(k, "asynq:{"+DeletionQueue+"}:t:"+DeletionTaskID(job.Hash)) {
				out = append(out, k)
			}
		}
		return out
	}
	require.NoError(t, q.EnqueueDeletion(ctx, job))
	assert.Equal(t, []string{"asynq:{deletion}:t:delete:abc"}, taskKeys())

	require.NoError(t, q.EnqueueDeletion(ctx, job))
	assert.Len(t, taskKeys(), 2)
	scheduled, err := mr.ZMembers("asynq:{deletion}:scheduled")
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	assert.True(t, strings.HasPrefix(scheduled[0], DeletionTaskID(job.Hash)+":"))
}

func immediate(q *MemoryQueue) {
	q.after = func(_ time.Duration, f func()) { go f() }
}

func TestMemoryQueueSuccessIsDiscarded(t *testing.T) {
	var runs int32
	q := NewMemoryQueue(func(context.Context, model.DeletionJob) error {
		atomic.AddInt32(&runs, 1)
		return nil
	}, DefaultRetryPolicy, 2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.EnqueueDeletion(ctx, model.DeletionJob{Hash: "a", Path: "a"}))
	require.NoError(t, q.EnqueueDeletion(ctx, model.DeletionJob{Hash: "b", Path: "b"}))
	q.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
	assert.Empty(t, q.Failed())
}

func TestMemoryQueueRetriesWithBackoffThenFails(t *testing.T) {
	var attempts []int
	boom := errors.New("disk busy")
	q := NewMemoryQueue(func(_ context.Context, job model.DeletionJob) error {
		attempts = append(attempts, job.Attempt)
		return boom
	}, RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}, 1, zerolog.Nop())
	immediate(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.EnqueueDeletion(ctx, model.DeletionJob{Hash: "h", Path: "p"}))
	q.Wait()

	assert.Equal(t, []int{1, 2, 3}, attempts)
	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "h", failed[0].Job.Hash)
	assert.Equal(t, 3, failed[0].Job.Attempt)
	assert.ErrorIs(t, failed[0].Err, boom)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, failed[0].Delays)
}

func TestMemoryQueueRecoversAfterTransientFailure(t *testing.T) {
	var calls int32
	q := NewMemoryQueue(func(context.Context, model.DeletionJob) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("transient")
		}
		return nil
	}, RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}, 1, zerolog.Nop())
	immediate(q)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	require.NoError(t, q.EnqueueDeletion(ctx, model.DeletionJob{Hash: "h", Path: "p"}))
	q.Wait()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Empty(t, q.Failed())
}

func TestFailedTaskFromArchive(t *testing.T) {
	task, err := NewDeletionTask(model.DeletionJob{Hash: "abc", Path: "ab/abc"})
	require.NoError(t, err)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ft := failedTask(&asynq.TaskInfo{
		ID:           "delete:abc",
		Type:         task.Type(),
		Payload:      task.Payload(),
		Retried:      2,
		LastErr:      "io timeout",
		LastFailedAt: at,
	})
	assert.Equal(t, "delete:abc", ft.ID)
	assert.Equal(t, model.DeletionJob{Hash: "abc", Path: "ab/abc", Attempt: 3}, ft.Job)
	assert.Equal(t, "io timeout", ft.LastErr)
	assert.Equal(t, at, ft.LastFailedAt)
}
