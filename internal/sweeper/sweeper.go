// Package sweeper garbage-collects what abandoned uploads leave on disk:
// chunk directories of expired tasks and stale files in the staging dir.
package sweeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metrics"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/registry"
)

// Config configures a Sweeper.
type Config struct {
	Chunks     *chunkstore.Store
	Registry   registry.Registry
	StagingDir string
	// MaxAge is how old a directory or staging file must be before it is
	// considered abandoned. Use at least the task TTL.
	MaxAge   time.Duration
	Interval time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Sweeper periodically removes leftovers of expired uploads.
type Sweeper struct {
	chunks     *chunkstore.Store
	registry   registry.Registry
	stagingDir string
	maxAge     time.Duration
	interval   time.Duration
	log        zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New constructs a Sweeper.
func New(cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	return &Sweeper{
		chunks:     cfg.Chunks,
		registry:   cfg.Registry,
		stagingDir: cfg.StagingDir,
		maxAge:     cfg.MaxAge,
		interval:   cfg.Interval,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}
}

// Result counts what one sweep removed.
type Result struct {
	Tasks   int
	Staging int
}

// Start sweeps once right away and then every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Msg("sweep failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Sweep runs one pass. A task directory is removed only when it is older
// than MaxAge and the registry no longer knows the task.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.now().Add(-s.maxAge)
	dirs, err := s.chunks.ListTasks()
	if err != nil {
		return res, err
	}
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if d.ModTime.After(cutoff) {
			continue
		}
		if registry.ValidID(d.TaskID) {
			_, err := s.registry.Get(ctx, d.TaskID)
			if err == nil {
				continue
			}
			if !errors.Is(err, registry.ErrTaskNotFound) {
				return res, err
			}
		}
		if err := s.chunks.RemoveTask(d.TaskID); err != nil {
			s.log.Warn().Err(err).Str("task_id", d.TaskID).Msg("remove expired chunks")
			continue
		}
		res.Tasks++
		s.log.Info().Str("task_id", d.TaskID).Msg("expired task chunks removed")
	}

	if s.stagingDir != "" {
		n, err := s.sweepStaging(cutoff)
		res.Staging = n
		if err != nil {
			return res, err
		}
	}
	s.metrics.Swept(res.Tasks)
	return res, nil
}

func (s *Sweeper) sweepStaging(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.stagingDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var removed int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.stagingDir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn().Err(err).Str("path", path).Msg("remove stale staging file")
			continue
		}
		removed++
	}
	return removed, nil
}
