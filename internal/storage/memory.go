// Package storage contains the in-memory Metadata Store. It needs no external
// services and backs the tests.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// MemoryStore keeps file records in a map. A unit of work holds the write
// lock for its whole duration and works on a copy, so units are serialized
// and a failed one leaves nothing behind.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
	// failCommit, when set, makes the next commit fail. Used by tests.
	failCommit error
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.FileRecord)}
}

// FailNextCommit makes the next WithTx roll back with err after fn succeeds.
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCommit = err
}

// WithTx implements metadata.Store.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx metadata.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTx{records: make(map[string]*model.FileRecord, len(m.records))}
	for id, rec := range m.records {
		cp := *rec
		tx.records[id] = &cp
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := m.failCommit; err != nil {
		m.failCommit = nil
		return fmt.Errorf("commit: %w", err)
	}
	m.records = tx.records
	return nil
}

// Records returns a copy of every record, ordered by id.
func (m *MemoryStore) Records() []model.FileRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryTx struct {
	records map[string]*model.FileRecord
}

// LockHash is a no-op: the whole unit of work already runs under the store
// mutex.
func (t *memoryTx) LockHash(context.Context, string) error { return nil }

func (t *memoryTx) FindByHash(_ context.Context, hash string) (*model.ContentObject, error) {
	var oldest *model.FileRecord
	for _, rec := range t.records {
		if rec.ContentHash != hash {
			continue
		}
		if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
			oldest = rec
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return &model.ContentObject{
		Hash:     oldest.ContentHash,
		Path:     oldest.StoragePath,
		Size:     oldest.Size,
		FileType: oldest.FileType,
	}, nil
}

func (t *memoryTx) CountReferencesByHash(_ context.Context, hash string) (int64, error) {
	var n int64
	for _, rec := range t.records {
		if rec.ContentHash == hash {
			n++
		}
	}
	return n, nil
}

func (t *memoryTx) CreateRecord(_ context.Context, rec *model.FileRecord) error {
	if _, exists := t.records[rec.ID]; exists {
		return fmt.Errorf("file record %s already exists", rec.ID)
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	cp := *rec
	t.records[rec.ID] = &cp
	return nil
}

func (t *memoryTx) GetRecord(_ context.Context, id, userID string) (*model.FileRecord, error) {
	rec, ok := t.records[id]
	if !ok || rec.UserID != userID {
		return nil, metadata.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (t *memoryTx) DeleteRecord(ctx context.Context, id, userID string) (*model.FileRecord, error) {
	rec, err := t.GetRecord(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	delete(t.records, id)
	return rec, nil
}
