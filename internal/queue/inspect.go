package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// FailedTask is an archived deletion job: it used up its retries.
type FailedTask struct {
	ID           string            `json:"id"`
	Job          model.DeletionJob `json:"job"`
	Retried      int               `json:"retried"`
	LastErr      string            `json:"lastError"`
	LastFailedAt time.Time         `json:"lastFailedAt"`
}

// Inspector lists and re-runs failed deletion jobs.
type Inspector struct {
	in *asynq.Inspector
}

// NewInspector connects to the asynq Redis instance.
func NewInspector(opt asynq.RedisConnOpt) *Inspector {
	return &Inspector{in: asynq.NewInspector(opt)}
}

// Close releases the Redis connection.
func (i *Inspector) Close() error { return i.in.Close() }

// Failed returns up to limit archived deletion jobs.
func (i *Inspector) Failed(limit int) ([]FailedTask, error) {
	if limit <= 0 {
		limit = 50
	}
	infos, err := i.in.ListArchivedTasks(DeletionQueue, asynq.PageSize(limit))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	out := make([]FailedTask, 0, len(infos))
	for _, info := range infos {
		out = append(out, failedTask(info))
	}
	return out, nil
}

// Retry moves an archived job back to pending so a worker picks it up.
func (i *Inspector) Retry(id string) error {
	if err := i.in.RunTask(DeletionQueue, id); err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	return nil
}

// RetryAll re-queues every archived deletion job and reports how many.
func (i *Inspector) RetryAll() (int, error) {
	n, err := i.in.RunAllArchivedTasks(DeletionQueue)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry archived tasks: %w", err)
	}
	return n, nil
}

func failedTask(info *asynq.TaskInfo) FailedTask {
	ft := FailedTask{
		ID:           info.ID,
		Retried:      info.Retried,
		LastErr:      info.LastErr,
		LastFailedAt: info.LastFailedAt,
	}
	if job, err := DecodeDeletion(asynq.NewTask(info.Type, info.Payload)); err == nil {
		job.Attempt = info.Retried + 1
		ft.Job = job
	}
	return ft
}
