package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
storage:
  file_path: "custom.db"

remote:
  base_url: "http://remote:8080"
  probe_timeout: "2s"

sync:
  interval: "10s"
  max_retries: 3

recovery:
  backup_dir: "backups"
  battery_threshold: 10.0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "custom.db", cfg.Storage.FilePath)
	assert.Equal(t, "http://remote:8080", cfg.Remote.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Remote.GetProbeTimeout())
	assert.Equal(t, 10*time.Second, cfg.Sync.GetInterval())
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, 10.0, cfg.Recovery.BatteryThreshold)

	// Defaults fill everything the file leaves out.
	assert.Equal(t, 15*time.Second, cfg.Remote.GetRequestTimeout())
	assert.Equal(t, 1024, cfg.Sync.QueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Recovery.GetCloudInterval())
	assert.Equal(t, "offline_photos", cfg.Media.PhotoDir)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDurationFallbacks(t *testing.T) {
	var r RemoteConfig
	assert.Equal(t, 5*time.Second, r.GetProbeTimeout())

	s := SyncConfig{Interval: "garbage"}
	assert.Equal(t, 30*time.Second, s.GetInterval())

	rec := RecoveryConfig{MonitorInterval: "-3s"}
	assert.Equal(t, 10*time.Second, rec.GetMonitorInterval())
}
