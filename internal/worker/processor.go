package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/contentstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/lock"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metrics"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
)

// Processor removes content objects nothing references anymore.
type Processor struct {
	meta     metadata.Store
	contents contentstore.Store
	locker   lock.Locker
	lockTTL  time.Duration
	lockWait time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// Config configures a Processor.
type Config struct {
	Meta     metadata.Store
	Contents contentstore.Store
	Locker   lock.Locker
	LockTTL  time.Duration
	LockWait time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// NewProcessor constructs a worker processor.
func NewProcessor(cfg Config) *Processor {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	return &Processor{
		meta:     cfg.Meta,
		contents: cfg.Contents,
		locker:   cfg.Locker,
		lockTTL:  cfg.LockTTL,
		lockWait: cfg.LockWait,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Handler registers the deletion job handler.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.DeleteContentTask, p.handleDelete)
	return mux
}

func (p *Processor) handleDelete(ctx context.Context, task *asynq.Task) error {
	job, err := queue.DecodeDeletion(task)
	if err != nil {
		// A payload that cannot be decoded will never succeed.
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	job.Attempt = retried + 1
	return p.Delete(ctx, job)
}

// Delete re-checks the reference count for the job's hash and removes the
// blob when it is zero. A blob that is already gone counts as removed.
func (p *Processor) Delete(ctx context.Context, job model.DeletionJob) error {
	log := p.log.With().Str("hash", job.Hash).Int("attempt", job.Attempt).Logger()
	ctx = log.WithContext(ctx)
	err := lock.WithLockWait(ctx, p.locker, lock.ContentKey(job.Hash), p.lockTTL, p.lockWait, func(ctx context.Context) error {
		var refs int64
		err := p.meta.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
			if err := tx.LockHash(ctx, job.Hash); err != nil {
				return err
			}
			var err error
			refs, err = tx.CountReferencesByHash(ctx, job.Hash)
			return err
		})
		if err != nil {
			return fmt.Errorf("count references: %w", err)
		}
		if refs > 0 {
			p.metrics.DeletionJob("referenced")
			log.Info().Int64("refs", refs).Msg("content referenced again, keeping blob")
			return nil
		}
		if err := p.contents.Remove(ctx, job.Path); err != nil {
			return err
		}
		p.metrics.DeletionJob("removed")
		log.Info().Str("path", job.Path).Msg("content object removed")
		return nil
	})
	if err != nil {
		p.metrics.DeletionJob("error")
		log.Warn().Err(err).Msg("deletion attempt failed")
		return fmt.Errorf("%w: %w", queue.ErrDeletionJob, err)
	}
	return nil
}
