package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftwarden/driftwarden/pkg/engine"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "fs", cfg.Git.Backend)
	assert.Equal(t, "main", cfg.Git.Branch)
	assert.Equal(t, "info", cfg.Telemetry.LogLevel)
	assert.Equal(t, 300, cfg.Sweeper.ScanIntervalSeconds)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
data_dir: /var/lib/warden
git:
  backend: memory
  branch: snapshots
telemetry:
  log_level: debug
  metrics_enabled: true
  metrics_listen: ":9191"
sweeper:
  scan_interval_seconds: 30
api_keys:
  env-prod: secret-token
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/warden", cfg.DataDir)
	assert.Equal(t, "memory", cfg.Git.Backend)
	assert.Equal(t, "snapshots", cfg.Git.Branch)
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
	assert.Equal(t, "secret-token", cfg.APIKeys["env-prod"])

	sw := cfg.SweeperConfig()
	assert.Equal(t, 30*time.Second, sw.ScanInterval)
	assert.Equal(t, 30*time.Minute, sw.ArtifactTimeout)

	tel := cfg.TelemetryConfig()
	assert.Equal(t, "debug", tel.Logging.Level)
	assert.True(t, tel.Metrics.Enabled)
	assert.Equal(t, ":9191", tel.Metrics.ListenAddress)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
data_dir: /var/lib/warden
snapshot_dir: /tmp/oops
`))
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestParseRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "telemetry:\n  log_level: verbose\n"},
		{"bad git backend", "git:\n  backend: svn\n"},
		{"negative interval", "sweeper:\n  scan_interval_seconds: -5\n"},
		{"sampling rate out of range", "telemetry:\n  sampling_rate: 2.5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, engine.IsValidation(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, engine.IsValidation(err))
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /one\n"), 0o644))

	w, err := NewWatcher(path, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	go w.Watch(ctx, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /two\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "/two", cfg.DataDir)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherSkipsInvalidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /one\n"), 0o644))

	w, err := NewWatcher(path, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 2)
	go w.Watch(ctx, func(cfg *Config) { reloaded <- cfg })

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("git:\n  backend: svn\n"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("invalid config was delivered: %+v", cfg)
	case <-time.After(1500 * time.Millisecond):
	}
}
