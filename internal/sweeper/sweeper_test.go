package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/metrics"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/model"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/registry"
)

func TestSweepRemovesOnlyExpiredTasks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	chunks, err := chunkstore.New(filepath.Join(root, "chunks"))
	require.NoError(t, err)
	staging := filepath.Join(root, "staging")
	require.NoError(t, os.MkdirAll(staging, 0o750))
	reg := registry.NewMemoryRegistry(100 * time.Hour)

	live, err := reg.Create(ctx, model.TaskMeta{UserID: "u", FileName: "f", TotalChunks: 1})
	require.NoError(t, err)
	orphan, err := registry.NewTaskID()
	require.NoError(t, err)
	for _, id := range []string{live.ID, orphan} {
		_, err := chunks.Write(ctx, id, 0, strings.NewReader("bytes"), 1024)
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(staging, ".single-123"), []byte("x"), 0o600))

	m := metrics.New(prometheus.NewRegistry())
	s := New(Config{Chunks: chunks, Registry: reg, StagingDir: staging, MaxAge: time.Hour, Logger: zerolog.Nop(), Metrics: m})

	// Nothing is old enough yet.
	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Tasks: 1, Staging: 1}, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SweptTasks))

	dirs, err := chunks.ListTasks()
	require.NoError(t, err)
	require.Len(t, dirs, 1)
	assert.Equal(t, live.ID, dirs[0].TaskID)
	_, err = os.Stat(filepath.Join(staging, ".single-123"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepWithoutStagingDir(t *testing.T) {
	chunks, err := chunkstore.New(t.TempDir())
	require.NoError(t, err)
	s := New(Config{Chunks: chunks, Registry: registry.NewMemoryRegistry(time.Hour), StagingDir: filepath.Join(t.TempDir(), "absent"), Logger: zerolog.Nop()})
	res, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
