package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

const (
	// DeleteContentTask is scheduled when the last record for a hash is gone.
	DeleteContentTask = "content:delete"
	// DeletionQueue is the asynq queue deletion jobs run on.
	DeletionQueue = "deletion"
)

// ErrDeletionJob marks a deletion run that failed and should be retried.
var ErrDeletionJob = errors.New("deletion job failed")

// Queue is the Durable Job Queue contract used by the upload service.
type Queue interface {
	EnqueueDeletion(ctx context.Context, job model.DeletionJob) error
}

// RetryPolicy bounds how often and how fast a failing job is retried.
type RetryPolicy struct {
	// Attempts is the total number of runs, first one included.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is three attempts starting at one second.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}

// Delay returns the wait before the next run after the given number of
// failed runs: BaseDelay, 2*BaseDelay, 4*BaseDelay, ... capped at MaxDelay.
func (p RetryPolicy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := p.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RetryDelayFunc adapts the policy for asynq.Config. asynq passes the number
// of retries already performed, so the first retry sees n == 0.
func (p RetryPolicy) RetryDelayFunc() asynq.RetryDelayFunc {
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return p.Delay(n + 1)
	}
}

// NewDeletionTask encodes job as an asynq task.
func NewDeletionTask(job model.DeletionJob) (*asynq.Task, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(DeleteContentTask, data), nil
}

// DecodeDeletion reads the job back out of a task payload.
func DecodeDeletion(task *asynq.Task) (model.DeletionJob, error) {
	var job model.DeletionJob
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return job, fmt.Errorf("decode payload: %w", err)
	}
	if job.Hash == "" || job.Path == "" {
		return job, errors.New("decode payload: hash and path are required")
	}
	return job, nil
}

// AsynqQueue enqueues deletion jobs on Redis through asynq. Completed jobs
// are dropped by asynq; jobs out of retries are archived for inspection.
type AsynqQueue struct {
	client *asynq.Client
	policy RetryPolicy
}

// NewAsynqQueue constructs an AsynqQueue.
func NewAsynqQueue(client *asynq.Client, policy RetryPolicy) *AsynqQueue {
	return &AsynqQueue{client: client, policy: policy}
}

// DeletionTaskID is the asynq task id of the first deletion job for hash.
func DeletionTaskID(hash string) string { return "delete:" + hash }

// EnqueueDeletion implements Queue. Jobs for one hash share a task id so
// bursts collapse into one run. When that id is taken the existing task may
// already be running or archived and would miss this orphaning, so a
// follow-up job with its own id is scheduled one retry delay later. Extra
// runs are harmless: every run re-checks the reference count.
func (q *AsynqQueue) EnqueueDeletion(ctx context.Context, job model.DeletionJob) error {
	task, err := NewDeletionTask(job)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.Queue(DeletionQueue),
		asynq.MaxRetry(max(q.policy.Attempts-1, 0)),
	}
	_, err = q.client.EnqueueContext(ctx, task, append(opts, asynq.TaskID(DeletionTaskID(job.Hash)))...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		followUp := DeletionTaskID(job.Hash) + ":" + uuid.NewString()
		_, err = q.client.EnqueueContext(ctx, task,
			append(opts, asynq.TaskID(followUp), asynq.ProcessIn(q.policy.Delay(1)))...)
	}
	if err != nil {
		return fmt.Errorf("enqueue deletion task: %w", err)
	}
	return nil
}
