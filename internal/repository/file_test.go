package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/database"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

// These tests need a disposable Postgres database; they are skipped unless
// AGRODROP_TEST_DATABASE_URL points at one.
func newRepo(t *testing.T) *FileRepository {
	t.Helper()
	dsn := os.Getenv("AGRODROP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AGRODROP_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))
	return NewFileRepository(pool)
}

func newRecord(user, hash string) *model.FileRecord {
	return &model.FileRecord{
		ID: uuid.NewString(), UserID: user, OriginalName: "leaf.png", ContentHash: hash,
		StoragePath: "ab/" + hash, Size: 10, FileType: "image/png",
	}
}

func TestFileRepositoryRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	hash := uuid.NewString()
	a, b := newRecord("u1", hash), newRecord("u2", hash)

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		require.NoError(t, tx.LockHash(ctx, hash))
		require.NoError(t, tx.CreateRecord(ctx, a))
		return tx.CreateRecord(ctx, b)
	}))

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		obj, err := tx.FindByHash(ctx, hash)
		require.NoError(t, err)
		require.NotNil(t, obj)
		assert.Equal(t, a.StoragePath, obj.Path)

		got, err := tx.GetRecord(ctx, a.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, model.AccessPrivate, got.Access)
		assert.Equal(t, 1, got.Version)

		_, err = tx.GetRecord(ctx, a.ID, "u2")
		assert.ErrorIs(t, err, metadata.ErrNotFound)

		deleted, err := tx.DeleteRecord(ctx, a.ID, "u1")
		require.NoError(t, err)
		assert.Equal(t, hash, deleted.ContentHash)

		n, err := tx.CountReferencesByHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		return nil
	}))
}

func TestFileRepositoryRollback(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	hash := uuid.NewString()
	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		require.NoError(t, tx.CreateRecord(ctx, newRecord("u1", hash)))
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, repo.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		n, err := tx.CountReferencesByHash(ctx, hash)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
}
