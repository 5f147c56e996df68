// Package queue carries deletion jobs from the upload service to the
// deletion worker. AsynqQueue is the durable Redis-backed queue; MemoryQueue
// runs the same retry semantics in process.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// Handler processes one job. A nil error means the job is done.
type Handler func(ctx context.Context, job model.DeletionJob) error

// FailedJob is a job that ran out of attempts.
type FailedJob struct {
	Job      model.DeletionJob
	Err      error
	Delays   []time.Duration
	FailedAt time.Time
}

// MemoryQueue is an in-process Queue with a fixed pool of workers. Jobs are
// retried with the policy's backoff, dropped on success, and kept in Failed
// once their attempts are used up. Nothing survives a restart.
type MemoryQueue struct {
	handler Handler
	policy  RetryPolicy
	jobs    chan *memoryJob
	workers int
	log     zerolog.Logger

	// after schedules f after d; swapped in tests.
	after func(d time.Duration, f func())

	mu      sync.Mutex
	failed  []FailedJob
	pending sync.WaitGroup
}

type memoryJob struct {
	job    model.DeletionJob
	delays []time.Duration
}

// NewMemoryQueue builds a MemoryQueue. Call Start before enqueueing.
func NewMemoryQueue(handler Handler, policy RetryPolicy, workers int, log zerolog.Logger) *MemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	return &MemoryQueue{
		handler: handler,
		policy:  policy,
		jobs:    make(chan *memoryJob, workers*16),
		workers: workers,
		log:     log,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		go q.worker(ctx)
	}
}

// EnqueueDeletion implements Queue. It blocks while the buffer is full
// rather than dropping the job.
func (q *MemoryQueue) EnqueueDeletion(ctx context.Context, job model.DeletionJob) error {
	q.pending.Add(1)
	select {
	case q.jobs <- &memoryJob{job: job}:
		return nil
	case <-ctx.Done():
		q.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until every enqueued job succeeded or failed for good.
func (q *MemoryQueue) Wait() {
	q.pending.Wait()
}

// Failed returns the jobs that exhausted their attempts.
func (q *MemoryQueue) Failed() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedJob(nil), q.failed...)
}

func (q *MemoryQueue) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.jobs:
			q.process(ctx, j)
		}
	}
}

func (q *MemoryQueue) process(ctx context.Context, j *memoryJob) {
	j.job.Attempt++
	err := q.handler(ctx, j.job)
	if err == nil {
		q.pending.Done()
		return
	}
	log := q.log.With().Str("hash", j.job.Hash).Int("attempt", j.job.Attempt).Logger()
	if j.job.Attempt >= q.policy.Attempts {
		log.Error().Err(err).Msg("deletion job failed, attempts exhausted")
		q.mu.Lock()
		q.failed = append(q.failed, FailedJob{Job: j.job, Err: err, Delays: j.delays, FailedAt: time.Now().UTC()})
		q.mu.Unlock()
		q.pending.Done()
		return
	}
	delay := q.policy.Delay(j.job.Attempt)
	j.delays = append(j.delays, delay)
	log.Warn().Err(err).Dur("retry_in", delay).Msg("deletion job failed, retrying")
	q.after(delay, func() {
		select {
		case q.jobs <- j:
		case <-ctx.Done():
			q.pending.Done()
		}
	})
}
