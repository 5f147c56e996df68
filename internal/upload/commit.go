package upload

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/dedup"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/lock"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

const (
	pathChunked = "chunked"
	pathSingle  = "single"

	defaultFileType = "application/octet-stream"
)

// commit hashes the file at localPath and creates a FileRecord for it in one
// unit of work. On a dedup miss the file becomes the content object; on a hit
// the record points at the existing object and the file is discarded after
// the transaction commits. On failure the file is left where it is.
//
// The content lock and the row lock on the hash keep this from interleaving
// with the deletion worker's reference check for the same hash.
func (s *Service) commit(ctx context.Context, meta model.TaskMeta, localPath, source string) (*model.Completion, error) {
	start := time.Now()
	digest, err := dedup.HashFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataCommit, err)
	}
	fileType := meta.FileType
	if fileType == "" {
		fileType = defaultFileType
	}
	rec := &model.FileRecord{
		ID:           uuid.NewString(),
		UserID:       meta.UserID,
		OriginalName: meta.FileName,
		ContentHash:  digest.Hash,
		Version:      1,
		Access:       model.AccessPrivate,
	}
	var hit bool
	err = lock.WithLockWait(ctx, s.locker, lock.ContentKey(digest.Hash), s.cfg.CompleteLockTTL, s.cfg.LockWait, func(ctx context.Context) error {
		return s.meta.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
			if err := tx.LockHash(ctx, digest.Hash); err != nil {
				return err
			}
			res, err := s.resolver.Resolve(ctx, tx, localPath, digest, fileType)
			if err != nil {
				return err
			}
			hit = res.Hit
			rec.StoragePath = res.Object.Path
			rec.Size = res.Object.Size
			rec.FileType = res.Object.FileType
			return tx.CreateRecord(ctx, rec)
		})
	})
	s.metrics.Committed(time.Since(start), err)
	log := s.log.With().Str("file_id", rec.ID).Str("hash", digest.Hash).Logger()
	if err != nil {
		log.Error().Err(err).Msg("metadata commit failed")
		return nil, fmt.Errorf("%w: %w", ErrMetadataCommit, err)
	}
	if hit {
		s.resolver.Discard(localPath)
	}
	s.metrics.UploadCompleted(source, hit)
	log.Info().Str("path", source).Bool("dedup", hit).Int64("size", rec.Size).Msg("file committed")

	c := &model.Completion{FileID: rec.ID, UserID: rec.UserID, Hash: digest.Hash, DedupHit: hit}
	if meta.DeclaredHash != "" {
		matches := strings.EqualFold(meta.DeclaredHash, digest.Hash)
		c.HashMatches = &matches
		if !matches {
			log.Warn().Str("declared_hash", meta.DeclaredHash).Msg("declared hash differs from content")
		}
	}
	return c, nil
}
