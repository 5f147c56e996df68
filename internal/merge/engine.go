// Package merge assembles the chunks of a finished upload into one file.
package merge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metrics"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

var (
	// ErrIncompleteUpload is returned when not every chunk index has arrived.
	ErrIncompleteUpload = errors.New("upload is incomplete")
	// ErrSizeMismatch is returned when the chunks do not add up to the
	// declared file size.
	ErrSizeMismatch = errors.New("merged size does not match declared size")
)

const defaultBatchSize = 8

// Engine streams chunks into a staging directory.
type Engine struct {
	chunks     *chunkstore.Store
	stagingDir string
	batchSize  int
	log        zerolog.Logger
	metrics    *metrics.Metrics
}

// Config configures an Engine.
type Config struct {
	Chunks     *chunkstore.Store
	StagingDir string
	// BatchSize caps how many chunk files are open at once.
	BatchSize int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// New creates the staging directory and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.StagingDir, 0o750); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Engine{
		chunks:     cfg.Chunks,
		stagingDir: cfg.StagingDir,
		batchSize:  cfg.BatchSize,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Result describes the assembled file.
type Result struct {
	Path string
	Size int64
}

// OutputPath is where the merged file for taskID ends up.
func (e *Engine) OutputPath(taskID string) string {
	return filepath.Join(e.stagingDir, taskID+".merged")
}

// Merge writes the chunks of task, in index order, into a temp file and
// renames it to OutputPath once every byte is on disk. On failure the temp
// file is removed and the chunks are left alone so the caller can retry.
// Chunks are not deleted here; that is the caller's job once the result has
// been committed. Callers must make sure only one merge per task runs.
//
// The merged file must be exactly task.FileSize bytes. Copying stops as soon
// as the chunks exceed it.
func (e *Engine) Merge(ctx context.Context, task *model.UploadTask) (*Result, error) {
	if !task.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks received", ErrIncompleteUpload, len(task.Received), task.TotalChunks)
	}
	start := time.Now()
	tmp, err := os.CreateTemp(e.stagingDir, ".merge-"+task.ID+"-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create merge file: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (*Result, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		e.log.Warn().Err(err).Str("task_id", task.ID).Msg("merge failed, chunks kept for retry")
		return nil, err
	}

	var size int64
	buf := make([]byte, 32*1024)
	err = e.chunks.ReadAllOrdered(ctx, task.ID, task.Indices(), e.batchSize, func(idx int, r io.Reader) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.CopyBuffer(tmp, io.LimitReader(r, task.FileSize-size+1), buf)
		size += n
		if err != nil {
			return fmt.Errorf("copy chunk %d: %w", idx, err)
		}
		if size > task.FileSize {
			return fmt.Errorf("%w: more than %d bytes at chunk %d", ErrSizeMismatch, task.FileSize, idx)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if size != task.FileSize {
		return fail(fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, size, task.FileSize))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync merge file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("close merge file: %w", err)
	}
	out := e.OutputPath(task.ID)
	if err := os.Rename(tmpPath, out); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("rename merge file: %w", err)
	}
	e.metrics.Merged(time.Since(start), size)
	e.log.Info().Str("task_id", task.ID).Int("chunks", task.TotalChunks).Int64("size", size).Msg("chunks merged")
	return &Result{Path: out, Size: size}, nil
}
