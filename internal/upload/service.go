// Package upload is the entry point of the upload pipeline: chunked and
// single-shot uploads, completion, and reference-counted deletion.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/dedup"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/lock"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/merge"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metrics"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/registry"
)

// Config holds the limits and lock timings of a Service.
type Config struct {
	MaxFileSize  int64
	MaxChunkSize int64
	// MaxChunks caps the chunk count a task may declare.
	MaxChunks int
	// StagingDir receives single-shot uploads before they are committed. It
	// must be on the same filesystem as a local content store.
	StagingDir string
	// CompleteLockTTL bounds how long one completion may hold its task.
	CompleteLockTTL time.Duration
	// ChunkLockTTL bounds the per-task lock around registry updates.
	ChunkLockTTL time.Duration
	// LockWait is how long short critical sections wait for their lock.
	LockWait time.Duration
	// CompletionTTL is how long a committed result can be replayed.
	CompletionTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 1 << 30
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 8 << 20
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 10000
	}
	if c.CompleteLockTTL <= 0 {
		c.CompleteLockTTL = 5 * time.Minute
	}
	if c.ChunkLockTTL <= 0 {
		c.ChunkLockTTL = 5 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 10 * time.Second
	}
	if c.CompletionTTL <= 0 {
		c.CompletionTTL = 24 * time.Hour
	}
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Registry registry.Registry
	Chunks   *chunkstore.Store
	Merger   *merge.Engine
	Resolver *dedup.Resolver
	Meta     metadata.Store
	Queue    queue.Queue
	Locker   lock.Locker
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Service implements the upload contract.
type Service struct {
	cfg      Config
	registry registry.Registry
	chunks   *chunkstore.Store
	merger   *merge.Engine
	resolver *dedup.Resolver
	meta     metadata.Store
	queue    queue.Queue
	locker   lock.Locker
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// NewService validates deps and returns a ready Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	switch {
	case deps.Registry == nil, deps.Chunks == nil, deps.Merger == nil, deps.Resolver == nil:
		return nil, errors.New("upload: registry, chunk store, merger and resolver are required")
	case deps.Meta == nil, deps.Queue == nil, deps.Locker == nil:
		return nil, errors.New("upload: metadata store, queue and locker are required")
	case cfg.StagingDir == "":
		return nil, errors.New("upload: staging dir is required")
	}
	cfg.setDefaults()
	return &Service{
		cfg:      cfg,
		registry: deps.Registry,
		chunks:   deps.Chunks,
		merger:   deps.Merger,
		resolver: deps.Resolver,
		meta:     deps.Meta,
		queue:    deps.Queue,
		locker:   deps.Locker,
		log:      deps.Logger,
		metrics:  deps.Metrics,
	}, nil
}

func chunkLockKey(taskID string) string    { return "upload:chunk:" + taskID }
func completeLockKey(taskID string) string { return "upload:complete:" + taskID }

// CreateTask registers a new chunked upload. The declared size is binding:
// completion fails unless the chunks add up to exactly FileSize bytes.
func (s *Service) CreateTask(ctx context.Context, meta model.TaskMeta) (*model.UploadTask, error) {
	switch {
	case meta.UserID == "":
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidTask)
	case meta.FileName == "":
		return nil, fmt.Errorf("%w: file name is required", ErrInvalidTask)
	case meta.FileSize < 1 || meta.FileSize > s.cfg.MaxFileSize:
		return nil, fmt.Errorf("%w: file size %d outside [1, %d]", ErrInvalidTask, meta.FileSize, s.cfg.MaxFileSize)
	case meta.TotalChunks <= 0 || meta.TotalChunks > s.cfg.MaxChunks:
		return nil, fmt.Errorf("%w: total chunks %d outside [1, %d]", ErrInvalidTask, meta.TotalChunks, s.cfg.MaxChunks)
	case int64(meta.TotalChunks) > meta.FileSize:
		return nil, fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidTask, meta.TotalChunks, meta.FileSize)
	case meta.FileSize > int64(meta.TotalChunks)*s.cfg.MaxChunkSize:
		return nil, fmt.Errorf("%w: %d chunks of at most %d bytes cannot hold %d bytes",
			ErrInvalidTask, meta.TotalChunks, s.cfg.MaxChunkSize, meta.FileSize)
	}
	task, err := s.registry.Create(ctx, meta)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("task_id", task.ID).Str("user_id", meta.UserID).
		Int("total_chunks", meta.TotalChunks).Msg("upload task created")
	return task, nil
}

// ownedTask loads taskID and hides it from anyone but its owner.
func (s *Service) ownedTask(ctx context.Context, taskID, userID string) (*model.UploadTask, error) {
	task, err := s.registry.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// completion returns the remembered result of taskID if userID owns it.
func (s *Service) completion(ctx context.Context, taskID, userID string) (*model.Completion, error) {
	done, err := s.registry.Completion(ctx, taskID)
	if err != nil || done == nil {
		return nil, err
	}
	if done.UserID != userID {
		return nil, ErrTaskNotFound
	}
	return done, nil
}

// UploadChunk stores one chunk and records its index. The bytes are written
// outside any lock so chunks of one task land in parallel; only the registry
// update is serialized. Re-sending an index overwrites it.
func (s *Service) UploadChunk(ctx context.Context, taskID, userID string, index int, r io.Reader) (int64, error) {
	task, err := s.ownedTask(ctx, taskID, userID)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= task.TotalChunks {
		return 0, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidChunk, index, task.TotalChunks)
	}
	n, err := s.chunks.Write(ctx, taskID, index, r, s.cfg.MaxChunkSize)
	if errors.Is(err, chunkstore.ErrChunkTooLarge) {
		return 0, fmt.Errorf("%w: %w", ErrInvalidChunk, err)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrChunkWrite, err)
	}
	err = lock.WithLockWait(ctx, s.locker, chunkLockKey(taskID), s.cfg.ChunkLockTTL, s.cfg.LockWait, func(ctx context.Context) error {
		return s.registry.AddChunk(ctx, taskID, index)
	})
	if err != nil {
		return 0, err
	}
	s.metrics.ChunkReceived()
	s.log.Debug().Str("task_id", taskID).Int("chunk_index", index).Int64("size", n).Msg("chunk stored")
	return n, nil
}

// Status reports upload progress. Once the task has been committed and
// retired, Completion is set instead.
type Status struct {
	TaskID      string            `json:"taskId"`
	TotalChunks int               `json:"totalChunks,omitempty"`
	Received    []int             `json:"received,omitempty"`
	Missing     []int             `json:"missing,omitempty"`
	Complete    bool              `json:"complete"`
	ExpiresAt   time.Time         `json:"expiresAt,omitzero"`
	Completion  *model.Completion `json:"completion,omitempty"`
}

// TaskStatus returns the received and missing indices of a task.
func (s *Service) TaskStatus(ctx context.Context, taskID, userID string) (*Status, error) {
	task, err := s.ownedTask(ctx, taskID, userID)
	if errors.Is(err, registry.ErrTaskNotFound) {
		done, cerr := s.completion(ctx, taskID, userID)
		if cerr != nil {
			return nil, cerr
		}
		if done == nil {
			return nil, err
		}
		return &Status{TaskID: taskID, Complete: true, Completion: done}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Status{
		TaskID:      task.ID,
		TotalChunks: task.TotalChunks,
		Received:    task.Indices(),
		Missing:     task.Missing(),
		Complete:    task.Complete(),
		ExpiresAt:   task.ExpiresAt,
	}, nil
}

// CompleteUpload merges the chunks of taskID, resolves the content hash and
// commits the file record. Only one completion per task runs at a time; a
// concurrent call fails with ErrMergeInProgress. A call arriving after a
// successful completion gets the committed result back.
//
// Nothing is thrown away until the commit succeeds, so any failure can be
// retried by calling CompleteUpload again. When the chunks do not add up to
// the declared size the client can re-send the wrong chunks and retry.
func (s *Service) CompleteUpload(ctx context.Context, taskID, userID string) (*model.Completion, error) {
	if done, err := s.completion(ctx, taskID, userID); err != nil {
		return nil, err
	} else if done != nil {
		return done, nil
	}

	var (
		result *model.Completion
		held   bool
	)
	err := lock.WithLock(ctx, s.locker, completeLockKey(taskID), s.cfg.CompleteLockTTL, func(ctx context.Context) error {
		held = true
		// The previous holder may have finished between the check above and
		// acquiring the lock.
		done, err := s.completion(ctx, taskID, userID)
		if err != nil {
			return err
		}
		if done != nil {
			result = done
			return nil
		}
		task, err := s.ownedTask(ctx, taskID, userID)
		if err != nil {
			return err
		}
		merged, err := s.merger.Merge(ctx, task)
		if errors.Is(err, merge.ErrSizeMismatch) {
			return fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
		if err != nil {
			return err
		}
		result, err = s.commit(ctx, task.TaskMeta, merged.Path, pathChunked)
		if err != nil {
			return err
		}
		s.finish(ctx, task, *result)
		return nil
	})
	if !held && errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: task %s", ErrMergeInProgress, taskID)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finish runs after a successful commit. The record exists at this point, so
// failures here are logged and never reported to the client.
func (s *Service) finish(ctx context.Context, task *model.UploadTask, c model.Completion) {
	log := s.log.With().Str("task_id", task.ID).Str("file_id", c.FileID).Logger()
	if err := s.registry.MarkCompleted(ctx, task.ID, c, s.cfg.CompletionTTL); err != nil {
		log.Warn().Err(err).Msg("store completion marker")
	}
	if err := s.registry.Retire(ctx, task.ID); err != nil {
		log.Warn().Err(err).Msg("retire task")
	}
	if err := s.chunks.DeleteAll(task.ID, task.Indices()); err != nil {
		log.Warn().Err(err).Msg("delete merged chunks")
	}
}
