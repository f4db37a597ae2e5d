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
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Engine.DefaultPriority)
	assert.Equal(t, 7*24*time.Hour, cfg.Engine.DefaultDeadline)
	assert.Equal(t, "localhost:6379", cfg.Storage.Redis.Addr)
	assert.Equal(t, 5*time.Minute, cfg.Storage.Redis.IdleTimeout)
	assert.Equal(t, uint32(5), cfg.Events.BreakerMaxFailures)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approval.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
storage:
  driver: redis
  redis:
    addr: redis:6379
    db: 4
engine:
  default_deadline: 48h
  retry_delay: 250ms
`), 0o600))
	t.Setenv("APPROVAL_STORAGE_REDIS_ADDR", "cache:6380")
	t.Setenv("APPROVAL_ENGINE_MAX_RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, DriverRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6380", cfg.Storage.Redis.Addr)
	assert.Equal(t, 4, cfg.Storage.Redis.DB)
	assert.Equal(t, 48*time.Hour, cfg.Engine.DefaultDeadline)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.RetryDelay)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Equal(t, 10, cfg.Storage.Redis.PoolSize)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("APPROVAL_STORAGE_DRIVER", "sqlite")
	chdir(t, t.TempDir())
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown storage driver")
}

func TestValidate(t *testing.T) {
	cfg := Config{Storage: Storage{Driver: DriverPostgres}, Engine: Engine{DefaultPriority: 0}}
	assert.Error(t, cfg.Validate())
	cfg.Engine.DefaultPriority = 1
	cfg.Engine.MaxRetries = -1
	assert.Error(t, cfg.Validate())
	cfg.Engine.MaxRetries = 0
	assert.NoError(t, cfg.Validate())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
