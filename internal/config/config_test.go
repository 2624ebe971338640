package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// inTempDir runs the test from an empty directory so no config file is found.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5001", cfg.Server.Port)
	assert.Equal(t, "http://localhost:3001", cfg.Server.BackendURL)
	assert.Equal(t, "railway.app", cfg.Server.PublicHostSuffix)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "./jobs", cfg.Storage.JobsDir)
	assert.Equal(t, int64(50*1024*1024), cfg.Upload.MaxSize)
	assert.Equal(t, "local", cfg.Queue.Backend)
	assert.Equal(t, 5*time.Second, cfg.Separation.ProgressInterval)
	assert.Equal(t, 24*time.Hour, cfg.Retention.MaxAge)
	assert.Equal(t, time.Hour, cfg.Retention.Interval)
	assert.Zero(t, cfg.RateLimit.SubmitPerHour)
	assert.Equal(t, uint64(4096)*1024*1024, cfg.MemoryLimitBytes())
	assert.False(t, cfg.UsesRedis())
}

func TestLoadEnvironment(t *testing.T) {
	inTempDir(t)
	t.Setenv("PORT", "8080")
	t.Setenv("STORAGE_BACKEND", "redis")
	t.Setenv("MAX_FILE_SIZE", "1024")
	t.Setenv("PROGRESS_INTERVAL", "250ms")
	t.Setenv("DEMUCS_MEMORY_LIMIT_MB", "0")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, int64(1024), cfg.Upload.MaxSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Separation.ProgressInterval)
	assert.Zero(t, cfg.MemoryLimitBytes())
	assert.True(t, cfg.UsesRedis())
}

func TestLoadConfigFile(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	yaml := "queue:\n  backend: asynq\n  concurrency: 2\nretention:\n  max_age: 2h\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "asynq", cfg.Queue.Backend)
	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.Equal(t, 2*time.Hour, cfg.Retention.MaxAge)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	inTempDir(t)
	t.Setenv("QUEUE_BACKEND", "kafka")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestReadSecret(t *testing.T) {
	dir := inTempDir(t)
	secret := filepath.Join(dir, "redis_password")
	require.NoError(t, os.WriteFile(secret, []byte("s3cret\n"), 0o600))
	t.Setenv("REDIS_PASSWORD", "")
	t.Setenv("REDIS_PASSWORD_FILE", secret)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
}
