package dedup

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/contentstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metadata"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/storage"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("rice blast"), 0o600))
	d, err := HashFile(path)
	require.NoError(t, err)
	sum := md5.Sum([]byte("rice blast"))
	assert.Equal(t, hex.EncodeToString(sum[:]), d.Hash)
	assert.Equal(t, int64(10), d.Size)
}

func TestResolveMissThenHit(t *testing.T) {
	root := t.TempDir()
	contents, err := contentstore.NewLocalStore(filepath.Join(root, "content"))
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	r := New(contents, zerolog.Nop())
	ctx := context.Background()

	write := func(name string) (string, Digest) {
		p := filepath.Join(root, name)
		require.NoError(t, os.WriteFile(p, []byte("same bytes"), 0o600))
		d, err := HashFile(p)
		require.NoError(t, err)
		return p, d
	}

	first, d := write("first")
	var res *Resolution
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		res, err = r.Resolve(ctx, tx, first, d, "text/plain")
		if err != nil {
			return err
		}
		return tx.CreateRecord(ctx, &model.FileRecord{
			ID: "r1", UserID: "u", OriginalName: "a.txt",
			ContentHash: d.Hash, StoragePath: res.Object.Path, Size: d.Size, FileType: "text/plain",
		})
	}))
	assert.False(t, res.Hit)
	ok, err := contents.Exists(ctx, res.Object.Path)
	require.NoError(t, err)
	assert.True(t, ok)

	second, d2 := write("second")
	require.NoError(t, store.WithTx(ctx, func(ctx context.Context, tx metadata.Tx) error {
		res, err = r.Resolve(ctx, tx, second, d2, "text/plain")
		return err
	}))
	assert.True(t, res.Hit)
	assert.Equal(t, contents.Key(d.Hash), res.Object.Path)
	r.Discard(second)
	_, err = os.Stat(second)
	assert.True(t, os.IsNotExist(err))
}
