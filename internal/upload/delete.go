package upload

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// DeleteFile removes one of userID's file records.
func (s *Service) DeleteFile(ctx context.Context, fileID, userID string) error {
	return s.DeleteFiles(ctx, []string{fileID}, userID)
}

// DeleteFiles removes file records owned by userID. Either all of them go or
// none do. For every hash left with no references a deletion job is queued;
// the blob itself is removed by the worker.
func (s *Service) DeleteFiles(ctx context.Context, fileIDs []string, userID string) error {
	ids := uniqueStrings(fileIDs)
	if len(ids) == 0 {
		return nil
	}
	var jobs []model.DeletionJob
	err := s.meta.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		jobs = nil
		paths := make(map[string]string)
		for _, id := range ids {
			rec, err := tx.GetRecord(ctx, id, userID)
			if errors.Is(err, metadata.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrFileNotFound, id)
			}
			if err != nil {
				return err
			}
			paths[rec.ContentHash] = rec.StoragePath
		}
		hashes := make([]string, 0, len(paths))
		for h := range paths {
			hashes = append(hashes, h)
		}
		// Sorted so two batches touching the same hashes lock in one order.
		sort.Strings(hashes)
		for _, h := range hashes {
			if err := tx.LockHash(ctx, h); err != nil {
				return err
			}
		}
		for _, id := range ids {
			if _, err := tx.DeleteRecord(ctx, id, userID); err != nil {
				if errors.Is(err, metadata.ErrNotFound) {
					return fmt.Errorf("%w: %s", ErrFileNotFound, id)
				}
				return err
			}
		}
		for _, h := range hashes {
			refs, err := tx.CountReferencesByHash(ctx, h)
			if err != nil {
				return err
			}
			if refs == 0 {
				jobs = append(jobs, model.DeletionJob{Hash: h, Path: paths[h]})
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("user_id", userID).Int("files", len(ids)).Int("orphaned", len(jobs)).Msg("file records deleted")

	var errs []error
	for _, job := range jobs {
		if err := s.queue.EnqueueDeletion(ctx, job); err != nil {
			// The record is gone but the blob stays until someone schedules it.
			s.log.Error().Err(err).Str("hash", job.Hash).Str("path", job.Path).Msg("enqueue deletion job")
			errs = append(errs, fmt.Errorf("hash %s: %w", job.Hash, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDeletionJob, errors.Join(errs...))
	}
	return nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
