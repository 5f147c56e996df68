package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// FileRepository is the Postgres Metadata Store.
type FileRepository struct {
	pool *pgxpool.Pool
}

// NewFileRepository constructs a repository.
func NewFileRepository(pool *pgxpool.Pool) *FileRepository {
	return &FileRepository{pool: pool}
}

// WithTx begins a transaction, runs fn, and commits on success or rolls back
// on error or panic. Panics are rethrown after the rollback.
func (r *FileRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx metadata.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()
	if err = fn(ctx, &fileTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type fileTx struct {
	tx pgx.Tx
}

const recordColumns = `id, user_id, original_name, content_hash, storage_path, file_size, file_type, version, access, created_at, updated_at`

// LockHash takes a transaction-scoped advisory lock derived from the hash.
func (t *fileTx) LockHash(ctx context.Context, hash string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, hash); err != nil {
		return fmt.Errorf("lock hash: %w", err)
	}
	return nil
}

func (t *fileTx) FindByHash(ctx context.Context, hash string) (*model.ContentObject, error) {
	var obj model.ContentObject
	row := t.tx.QueryRow(ctx, `
		SELECT content_hash, storage_path, file_size, file_type
		FROM file_records WHERE content_hash=$1
		ORDER BY created_at ASC LIMIT 1
	`, hash)
	if err := row.Scan(&obj.Hash, &obj.Path, &obj.Size, &obj.FileType); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select by hash: %w", err)
	}
	return &obj, nil
}

func (t *fileTx) CountReferencesByHash(ctx context.Context, hash string) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM file_records WHERE content_hash=$1`, hash).Scan(&n); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

func (t *fileTx) CreateRecord(ctx context.Context, rec *model.FileRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Version == 0 {
		rec.Version = 1
	}
	if rec.Access == "" {
		rec.Access = model.AccessPrivate
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO file_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.ID, rec.UserID, rec.OriginalName, rec.ContentHash, rec.StoragePath, rec.Size, rec.FileType,
		rec.Version, rec.Access, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert file record: %w", err)
	}
	return nil
}

func (t *fileTx) GetRecord(ctx context.Context, id, userID string) (*model.FileRecord, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM file_records WHERE id=$1 AND user_id=$2`, id, userID)
	return scanRecord(row)
}

func (t *fileTx) DeleteRecord(ctx context.Context, id, userID string) (*model.FileRecord, error) {
	row := t.tx.QueryRow(ctx, `DELETE FROM file_records WHERE id=$1 AND user_id=$2 RETURNING `+recordColumns, id, userID)
	return scanRecord(row)
}

func scanRecord(row pgx.Row) (*model.FileRecord, error) {
	var rec model.FileRecord
	err := row.Scan(&rec.ID, &rec.UserID, &rec.OriginalName, &rec.ContentHash, &rec.StoragePath, &rec.Size,
		&rec.FileType, &rec.Version, &rec.Access, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, metadata.ErrNotFound
		}
		return nil, fmt.Errorf("scan file record: %w", err)
	}
	return &rec, nil
}
