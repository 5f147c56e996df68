// Package registry tracks uploads in progress: what the client declared and
// which chunk indices have arrived. Entries expire after a TTL so abandoned
// uploads do not accumulate.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// ErrTaskNotFound is returned for unknown or expired task ids.
var ErrTaskNotFound = errors.New("upload task not found or expired")

// Registry is the Task Registry contract.
type Registry interface {
	// Create stores a new task with an empty received set.
	Create(ctx context.Context, meta model.TaskMeta) (*model.UploadTask, error)
	// Get returns the current task state.
	Get(ctx context.Context, id string) (*model.UploadTask, error)
	// AddChunk records index as received. Re-adding an index is a no-op.
	AddChunk(ctx context.Context, id string, index int) error
	// Retire removes the task. Retiring an absent task is not an error.
	Retire(ctx context.Context, id string) error
	// MarkCompleted remembers the committed result for ttl so a replayed
	// completion can be answered after the task is retired.
	MarkCompleted(ctx context.Context, id string, c model.Completion, ttl time.Duration) error
	// Completion returns the remembered result, or nil when there is none.
	Completion(ctx context.Context, id string) (*model.Completion, error)
}

// NewTaskID returns a random 128-bit hex token.
func NewTaskID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidID reports whether id looks like a token produced by NewTaskID. Task
// ids end up in file paths, so anything else is rejected.
func ValidID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
