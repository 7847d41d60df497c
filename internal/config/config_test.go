package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:4000/api", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5, cfg.Sync.MaxAttempts)
	assert.Equal(t, 4, cfg.Sync.MaxParallelism)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Sync.BackoffMax)
	assert.Equal(t, uint64(50<<20), cfg.Sync.MinFreeDiskSpace)
	assert.Equal(t, time.Hour, cfg.Warmup.CacheTTL)
	assert.Equal(t, 10*time.Second, cfg.Network.CheckInterval)
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.NotEmpty(t, cfg.File())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: https://farm.example.com/api
sync:
  interval: 1m
  max_attempts: 8
web:
  port: 9090
`)
	t.Setenv("FIELDSYNC_SYNC_MAX_PARALLELISM", "2")
	t.Setenv("FIELDSYNC_API_TOKEN", "secret")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://farm.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 8, cfg.Sync.MaxAttempts)
	assert.Equal(t, 2, cfg.Sync.MaxParallelism)
	assert.Equal(t, 9090, cfg.Web.Port)
	assert.Equal(t, "secret", cfg.Auth.Token)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad url", "api:\n  base_url: ftp://x\n"},
		{"no host", "api:\n  base_url: http://\n"},
		{"zero attempts", "sync:\n  max_attempts: 0\n"},
		{"zero parallelism", "sync:\n  max_parallelism: 0\n"},
		{"backoff inverted", "sync:\n  backoff_base: 10m\n  backoff_max: 1m\n"},
		{"bad port", "web:\n  port: 70000\n"},
		{"no storage", "storage:\n  path: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, "invalid configuration")
		})
	}
}

func TestLoadBrokenFile(t *testing.T) {
	_, err := Load(writeConfig(t, "sync: [\n"))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestWatchAppliesChanges(t *testing.T) {
	path := writeConfig(t, "sync:\n  interval: 30s\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	cfg.Watch(func(c *Config) { changes <- c })

	// an invalid edit is ignored, the next valid one is applied
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  max_attempts: 0\n"), 0o644))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 45s\n"), 0o644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changes:
			if c.Sync.Interval == 45*time.Second {
				return
			}
		case <-deadline:
			t.Fatal("config change was not applied")
		}
	}
}
