// Package contentstore holds ContentObject blobs, one per content hash. Keys
// derive from the hash alone, never from a user-visible file name.
package contentstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Open for absent keys.
var ErrNotFound = errors.New("content object not found")

// Store is the physical storage for content objects.
type Store interface {
	// Key returns the storage key for hash.
	Key(hash string) string
	// Promote moves the local file at localPath into the store under the
	// key for hash. The local file is consumed on success.
	Promote(ctx context.Context, localPath, hash, contentType string) (string, error)
	// Remove deletes key. Removing an absent key succeeds.
	Remove(ctx context.Context, key string) error
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)
	// Open streams the object at key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// KeyFor fans blobs out over 256 prefixes: "ab/abcdef...".
func KeyFor(hash string) string {
	if len(hash) < 2 {
		return hash
	}
	return hash[:2] + "/" + hash
}
