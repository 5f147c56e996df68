package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, int64(8<<20), cfg.Upload.MaxChunkSize)
	assert.Equal(t, 10000, cfg.Upload.MaxChunks)
	assert.Equal(t, 24*time.Hour, cfg.Upload.TaskTTL)
	assert.Equal(t, 3, cfg.Worker.DeletionAttempts)
	assert.Equal(t, "agrodrop:", cfg.Redis.Prefix)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGRODROP_ADDRESS", ":9090")
	t.Setenv("AGRODROP_REDIS_ADDR", "redis:6379")
	t.Setenv("AGRODROP_UPLOAD_TASK_TTL", "2h")
	t.Setenv("AGRODROP_UPLOAD_MAX_CHUNK_SIZE", "1024")
	t.Setenv("AGRODROP_WORKER_DELETION_ATTEMPTS", "5")
	t.Setenv("AGRODROP_STORAGE_BACKEND", "MinIO")
	t.Setenv("AGRODROP_STORAGE_MINIO_USE_SSL", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Address)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Hour, cfg.Upload.TaskTTL)
	assert.Equal(t, int64(1024), cfg.Upload.MaxChunkSize)
	assert.Equal(t, 5, cfg.Worker.DeletionAttempts)
	assert.Equal(t, BackendMinIO, cfg.Storage.Backend)
	assert.True(t, cfg.Storage.MinIO.UseSSL)
}

func TestLoadClampsInvalidValues(t *testing.T) {
	t.Setenv("AGRODROP_UPLOAD_MAX_FILE_SIZE", "100")
	t.Setenv("AGRODROP_UPLOAD_MAX_CHUNK_SIZE", "-5")
	t.Setenv("AGRODROP_WORKER_CONCURRENCY", "0")
	t.Setenv("AGRODROP_WORKER_BASE_BACKOFF", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(100), cfg.Upload.MaxChunkSize)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Worker.MaxBackoff)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("AGRODROP_STORAGE_BACKEND", "ftp")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agrodrop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("address: \":7070\"\nupload:\n  merge_batch_size: 3\n"), 0o600))
	t.Setenv("AGRODROP_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Address)
	assert.Equal(t, 3, cfg.Upload.MergeBatchSize)
}
