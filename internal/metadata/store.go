// Package metadata defines the Metadata Store contract: a transactional unit
// of work over file records.
package metadata

import (
	"context"
	"errors"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// ErrNotFound is returned when a file record does not exist or belongs to
// another user.
var ErrNotFound = errors.New("file record not found")

// Store runs units of work. WithTx commits when fn returns nil and rolls
// back when it returns an error or panics; the underlying connection is
// released on every path.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of operations available inside a unit of work.
type Tx interface {
	// LockHash serializes units of work touching the same content hash
	// until the transaction ends. Callers locking several hashes must do so
	// in sorted order.
	LockHash(ctx context.Context, hash string) error
	// FindByHash returns the content object some record already points at,
	// or nil when the hash is unknown.
	FindByHash(ctx context.Context, hash string) (*model.ContentObject, error)
	// CountReferencesByHash counts records pointing at hash.
	CountReferencesByHash(ctx context.Context, hash string) (int64, error)
	CreateRecord(ctx context.Context, rec *model.FileRecord) error
	// GetRecord loads a record owned by userID.
	GetRecord(ctx context.Context, id, userID string) (*model.FileRecord, error)
	// DeleteRecord removes a record owned by userID and returns it.
	DeleteRecord(ctx context.Context, id, userID string) (*model.FileRecord, error)
}
