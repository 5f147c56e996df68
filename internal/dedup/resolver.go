// Package dedup decides whether freshly written bytes become a new content
// object or collapse onto an existing one with the same hash.
package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/contentstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// Resolver hashes files and resolves them against the metadata store.
type Resolver struct {
	contents contentstore.Store
	log      zerolog.Logger
}

// New constructs a Resolver.
func New(contents contentstore.Store, log zerolog.Logger) *Resolver {
	return &Resolver{contents: contents, log: log}
}

// Digest is the identity of a file's bytes.
type Digest struct {
	Hash string
	Size int64
}

// HashFile streams path once through MD5. MD5 is used as a dedup identity,
// not for integrity against an adversary.
func HashFile(path string) (Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("open for hashing: %w", err)
	}
	defer f.Close()
	h := md5.New()
	n, err := io.CopyBuffer(h, f, make([]byte, 32*1024))
	if err != nil {
		return Digest{}, fmt.Errorf("hash file: %w", err)
	}
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Object model.ContentObject
	// Hit means an object with the same hash already existed and the local
	// file is redundant.
	Hit bool
}

// Resolve looks the digest up inside tx. On a hit the existing object is
// returned and localPath is left for Discard once the transaction commits. On
// a miss localPath is promoted into the content store and becomes the new
// object. The caller should hold tx.LockHash for the digest.
func (r *Resolver) Resolve(ctx context.Context, tx metadata.Tx, localPath string, d Digest, fileType string) (*Resolution, error) {
	existing, err := tx.FindByHash(ctx, d.Hash)
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	if existing != nil {
		r.log.Debug().Str("hash", d.Hash).Msg("dedup hit")
		return &Resolution{Object: *existing, Hit: true}, nil
	}
	key, err := r.contents.Promote(ctx, localPath, d.Hash, fileType)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Object: model.ContentObject{Hash: d.Hash, Path: key, Size: d.Size, FileType: fileType},
	}, nil
}

// Discard removes a redundant local file after a dedup hit committed.
func (r *Resolver) Discard(localPath string) {
	if err := os.Remove(localPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn().Err(err).Str("path", localPath).Msg("discard redundant file")
	}
}
