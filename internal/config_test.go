package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDeliveryConfigFromFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "fedpool.toml")
	content := `
pool_size = 16
wait_timeout_ms = 1500
reclaim_idle = true
concurrency = 4
user_agent = "test-agent/0.1"
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadDeliveryConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.PoolSize)
	assert.Equal(t, 1500*time.Millisecond, cfg.WaitTimeout())
	assert.True(t, cfg.ReclaimIdle)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, "test-agent/0.1", cfg.UserAgent)
	assert.Equal(t, "debug", cfg.LogLevel)

	// untouched keys keep their defaults
	assert.Equal(t, 30*time.Second, cfg.MaxIdleTime())
	assert.Equal(t, 30*time.Second, cfg.ReapInterval())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoadDeliveryConfigWritesDefaultsOnFirstRun(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadDeliveryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.PoolSize)
	assert.Equal(t, 5*time.Second, cfg.WaitTimeout())
	assert.False(t, cfg.ReclaimIdle, "reclaim is opt-in")

	_, err = os.Stat(path)
	require.NoError(t, err, "defaults should be persisted")

	again, err := LoadDeliveryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.InstanceID, again.InstanceID)
}

func TestLoadDeliveryConfigEnvOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FEDPOOL_POOL_SIZE", "7")
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size = 64\n"), 0o600))

	cfg, err := LoadDeliveryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.PoolSize)
}

func TestLoadDeliveryConfigRejectsInvalid(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("pool_size = 0\n"), 0o600))

	_, err := LoadDeliveryConfig(path)
	assert.ErrorContains(t, err, "pool_size")
}

func TestDeliveryConfigSaveRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "saved.toml")
	cfg := &DeliveryConfig{
		PoolSize:         3,
		WaitTimeoutMs:    0,
		MaxIdleTimeSecs:  5,
		ReapIntervalSecs: 0,
		RequestTimeoutMs: 100,
		Concurrency:      2,
		MaxRetries:       0,
		UserAgent:        "ua",
		InstanceID:       "instance-1",
		LogLevel:         "warn",
		MetricsAddr:      "127.0.0.1:9400",
	}
	written, err := cfg.Save(path)
	require.NoError(t, err)
	assert.Equal(t, path, written)

	loaded, err := LoadDeliveryConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConfigureLogger(t *testing.T) {
	t.Cleanup(func() { SetLogLevel(LevelInfo) })

	require.NoError(t, ConfigureLogger("DEBUG"))
	assert.Equal(t, LevelDebug, getLevel())

	assert.Error(t, ConfigureLogger("chatty"))
	assert.Equal(t, LevelInfo, getLevel())

	require.NoError(t, ConfigureLogger(""))
	assert.Equal(t, LevelInfo, getLevel())
}
