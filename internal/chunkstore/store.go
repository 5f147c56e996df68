// Package chunkstore keeps in-flight chunk blobs on local disk, one file per
// (task, index) under a directory per task.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrMissingChunk means a chunk the registry knows about has no file.
	ErrMissingChunk = errors.New("chunk file missing")
	// ErrChunkTooLarge is returned when a chunk exceeds the write limit.
	ErrChunkTooLarge = errors.New("chunk exceeds size limit")
	// ErrInvalidTaskID guards against ids that would escape the chunk dir.
	ErrInvalidTaskID = errors.New("invalid task id")
)

const copyBufferSize = 32 * 1024

// Store is a directory of chunk files.
type Store struct {
	dir string
}

// New creates the chunk directory if needed.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create chunk dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) taskDir(taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\.`) {
		return "", ErrInvalidTaskID
	}
	return filepath.Join(s.dir, taskID), nil
}

// Path returns where chunk index of taskID lives.
func (s *Store) Path(taskID string, index int) (string, error) {
	dir, err := s.taskDir(taskID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strconv.Itoa(index)+".chunk"), nil
}

// Write streams r into the chunk file for (taskID, index). The bytes land in
// a temp file first and are renamed into place, so a concurrent re-send of the
// same index never exposes a torn file; the last rename wins. At most limit
// bytes are accepted when limit > 0.
func (s *Store) Write(ctx context.Context, taskID string, index int, r io.Reader, limit int64) (int64, error) {
	path, err := s.Path(taskID, index)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, fmt.Errorf("create task dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".chunk-*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp chunk: %w", err)
	}
	tmpPath := tmp.Name()
	fail := func(err error) (int64, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	src := io.Reader(&ctxReader{ctx: ctx, r: r})
	if limit > 0 {
		src = io.LimitReader(src, limit+1)
	}
	buf := make([]byte, copyBufferSize)
	written, err := io.CopyBuffer(tmp, src, buf)
	if err != nil {
		return fail(fmt.Errorf("write chunk %d: %w", index, err))
	}
	if limit > 0 && written > limit {
		return fail(ErrChunkTooLarge)
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync chunk %d: %w", index, err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("close chunk %d: %w", index, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("rename chunk %d: %w", index, err)
	}
	return written, nil
}

// ReadAllOrdered calls fn for every index in ascending order with the chunk
// contents. Files are opened batchSize at a time so the number of open
// handles stays bounded regardless of the chunk count.
func (s *Store) ReadAllOrdered(ctx context.Context, taskID string, indices []int, batchSize int, fn func(index int, r io.Reader) error) error {
	if batchSize <= 0 {
		batchSize = 1
	}
	ordered := append([]int(nil), indices...)
	sort.Ints(ordered)
	for start := 0; start < len(ordered); start += batchSize {
		end := min(start+batchSize, len(ordered))
		batch := ordered[start:end]
		files, err := s.openBatch(ctx, taskID, batch)
		if err != nil {
			return err
		}
		err = consume(batch, files, fn)
		closeAll(files)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) openBatch(ctx context.Context, taskID string, batch []int) ([]*os.File, error) {
	files := make([]*os.File, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i, idx := range batch {
		g.Go(func() error {
			// Skip the open once a sibling failed or the caller gave up.
			if err := gctx.Err(); err != nil {
				return err
			}
			path, err := s.Path(taskID, idx)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: task %s index %d", ErrMissingChunk, taskID, idx)
			}
			if err != nil {
				return fmt.Errorf("open chunk %d: %w", idx, err)
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		closeAll(files)
		return nil, err
	}
	return files, nil
}

func consume(batch []int, files []*os.File, fn func(int, io.Reader) error) error {
	for i, idx := range batch {
		if err := fn(idx, files[i]); err != nil {
			return err
		}
	}
	return nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

// DeleteAll removes the chunk files for taskID and then its directory.
// Failures are collected rather than stopping at the first one.
func (s *Store) DeleteAll(taskID string, indices []int) error {
	var errs []error
	for _, idx := range indices {
		path, err := s.Path(taskID, idx)
		if err != nil {
			return err
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.RemoveTask(taskID); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RemoveTask deletes the task directory and anything left inside it.
func (s *Store) RemoveTask(taskID string) error {
	dir, err := s.taskDir(taskID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return nil
}

// TaskDir describes one task directory on disk.
type TaskDir struct {
	TaskID  string
	ModTime time.Time
}

// ListTasks returns every task directory currently present.
func (s *Store) ListTasks() ([]TaskDir, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list chunk dir: %w", err)
	}
	out := make([]TaskDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, TaskDir{TaskID: e.Name(), ModTime: info.ModTime()})
	}
	return out, nil
}

// ctxReader stops a long copy once the request context is gone.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
