package upload

import (
	"errors"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/merge"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/registry"
)

// Errors returned by Service. Match them with errors.Is.
var (
	// ErrTaskNotFound: the task is unknown or expired; the client must start over.
	ErrTaskNotFound = registry.ErrTaskNotFound
	// ErrIncompleteUpload: some chunk indices have not arrived yet.
	ErrIncompleteUpload = merge.ErrIncompleteUpload
	// ErrMissingChunk: the registry lists a chunk the chunk store does not
	// have. Retrying will not help.
	ErrMissingChunk = chunkstore.ErrMissingChunk
	// ErrSizeMismatch: the chunks do not add up to the declared file size.
	// It always comes wrapped in ErrInvalidTask.
	ErrSizeMismatch = merge.ErrSizeMismatch
	// ErrDeletionJob: the deletion job could not be scheduled.
	ErrDeletionJob = queue.ErrDeletionJob

	ErrChunkWrite      = errors.New("chunk write failed")
	ErrMetadataCommit  = errors.New("metadata commit failed")
	ErrMergeInProgress = errors.New("completion already in progress")
	ErrFileNotFound    = errors.New("file not found")
	ErrInvalidChunk    = errors.New("invalid chunk")
	ErrInvalidTask     = errors.New("invalid upload")
)
