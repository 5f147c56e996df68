package contentstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStore keeps content objects in a directory tree.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create content dir: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Key implements Store.
func (s *LocalStore) Key(hash string) string { return KeyFor(hash) }

// Path resolves a key to its file on disk.
func (s *LocalStore) Path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// Promote implements Store with a rename, so the staging directory must live
// on the same filesystem. Identical hashes carry identical bytes, so a rename
// over an existing object is harmless.
func (s *LocalStore) Promote(_ context.Context, localPath, hash, _ string) (string, error) {
	key := s.Key(hash)
	dst := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("create content prefix dir: %w", err)
	}
	if err := os.Rename(localPath, dst); err != nil {
		return "", fmt.Errorf("promote %s: %w", hash, err)
	}
	return key, nil
}

// Remove implements Store.
func (s *LocalStore) Remove(_ context.Context, key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Exists implements Store.
func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Open implements Store.
func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}
