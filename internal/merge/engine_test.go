package merge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
)

const taskID = "fedcba9876543210fedcba9876543210"

func setup(t *testing.T, batch int) (*Engine, *chunkstore.Store, string) {
	t.Helper()
	root := t.TempDir()
	chunks, err := chunkstore.New(filepath.Join(root, "chunks"))
	require.NoError(t, err)
	staging := filepath.Join(root, "staging")
	e, err := New(Config{Chunks: chunks, StagingDir: staging, BatchSize: batch, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return e, chunks, staging
}

func task(size int64, total int, received ...int) *model.UploadTask {
	return &model.UploadTask{ID: taskID, TaskMeta: model.TaskMeta{FileSize: size, TotalChunks: total}, Received: received}
}

func TestMergeConcatenatesInIndexOrder(t *testing.T) {
	e, chunks, _ := setup(t, 2)
	ctx := context.Background()
	parts := []string{"alpha-", "beta-", "gamma-", "delta-", "omega"}
	for _, idx := range []int{3, 1, 4, 0, 2} {
		_, err := chunks.Write(ctx, taskID, idx, strings.NewReader(parts[idx]), 0)
		require.NoError(t, err)
	}
	res, err := e.Merge(ctx, task(28, 5, 4, 2, 0, 1, 3))
	require.NoError(t, err)
	data, err := os.ReadFile(res.Path)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(parts, ""), string(data))
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Equal(t, e.OutputPath(taskID), res.Path)

	// Chunks stay until the caller commits.
	p, _ := chunks.Path(taskID, 0)
	_, err = os.Stat(p)
	assert.NoError(t, err)
}

func TestMergeRejectsIncompleteTask(t *testing.T) {
	e, _, _ := setup(t, 2)
	_, err := e.Merge(context.Background(), task(3, 3, 0, 2))
	assert.ErrorIs(t, err, ErrIncompleteUpload)
}

func TestMergeMissingChunkLeavesNoOutput(t *testing.T) {
	e, chunks, staging := setup(t, 1)
	ctx := context.Background()
	_, err := chunks.Write(ctx, taskID, 0, strings.NewReader("a"), 0)
	require.NoError(t, err)

	_, err = e.Merge(ctx, task(2, 2, 0, 1))
	require.ErrorIs(t, err, chunkstore.ErrMissingChunk)

	entries, err := os.ReadDir(staging)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be discarded")
	p, _ := chunks.Path(taskID, 0)
	_, err = os.Stat(p)
	assert.NoError(t, err, "existing chunks survive a failed merge")
}

func TestMergeIsRepeatable(t *testing.T) {
	e, chunks, _ := setup(t, 4)
	ctx := context.Background()
	for i, s := range []string{"x", "y"} {
		_, err := chunks.Write(ctx, taskID, i, strings.NewReader(s), 0)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		res, err := e.Merge(ctx, task(2, 2, 0, 1))
		require.NoError(t, err)
		data, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		assert.Equal(t, "xy", string(data))
	}
}

func TestMergeEnforcesDeclaredSize(t *testing.T) {
	e, chunks, staging := setup(t, 2)
	ctx := context.Background()
	for i, s := range []string{"abc", "def"} {
		_, err := chunks.Write(ctx, taskID, i, strings.NewReader(s), 0)
		require.NoError(t, err)
	}
	for name, size := range map[string]int64{"short": 4, "long": 7, "empty": 0} {
		t.Run(name, func(t *testing.T) {
			_, err := e.Merge(ctx, task(size, 2, 0, 1))
			require.ErrorIs(t, err, ErrSizeMismatch)
			entries, err := os.ReadDir(staging)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
	res, err := e.Merge(ctx, task(6, 2, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.Size)
}
