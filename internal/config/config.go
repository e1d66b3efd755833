package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Media    MediaConfig    `mapstructure:"media"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type StorageConfig struct {
	FilePath string `mapstructure:"file_path"`
}

type RemoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	StatusEndpoint string `mapstructure:"status_endpoint"`
	ProbeTimeout   string `mapstructure:"probe_timeout"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

func (r RemoteConfig) GetProbeTimeout() time.Duration {
	d, _ := time.ParseDuration(r.ProbeTimeout)
	if d <= 0 {
		d = 5 * time.Second
	}
	return d
}

func (r RemoteConfig) GetRequestTimeout() time.Duration {
	d, _ := time.ParseDuration(r.RequestTimeout)
	if d <= 0 {
		d = 15 * time.Second
	}
	return d
}

type SyncConfig struct {
	Interval   string `mapstructure:"interval"`
	MaxRetries int    `mapstructure:"max_retries"`
	QueueSize  int    `mapstructure:"queue_size"`
}

func (s SyncConfig) GetInterval() time.Duration {
	d, _ := time.ParseDuration(s.Interval)
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

type RecoveryConfig struct {
	BackupDir        string  `mapstructure:"backup_dir"`
	AutosaveInterval string  `mapstructure:"autosave_interval"`
	CloudInterval    string  `mapstructure:"cloud_interval"`
	MonitorInterval  string  `mapstructure:"monitor_interval"`
	BatteryThreshold float64 `mapstructure:"battery_threshold"`
	StorageThreshold float64 `mapstructure:"storage_threshold_mb"`
}

func (r RecoveryConfig) GetAutosaveInterval() time.Duration {
	d, _ := time.ParseDuration(r.AutosaveInterval)
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func (r RecoveryConfig) GetCloudInterval() time.Duration {
	d, _ := time.ParseDuration(r.CloudInterval)
	if d <= 0 {
		d = 5 * time.Minute
	}
	return d
}

func (r RecoveryConfig) GetMonitorInterval() time.Duration {
	d, _ := time.ParseDuration(r.MonitorInterval)
	if d <= 0 {
		d = 10 * time.Second
	}
	return d
}

type MediaConfig struct {
	PhotoDir string `mapstructure:"photo_dir"`
	VoiceDir string `mapstructure:"voice_dir"`
}

type ServerConfig struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads the yaml config file, applying OFFLINE_SYNC_* environment
// overrides and defaults for anything not set.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OFFLINE_SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.file_path", "offline_data.db")
	v.SetDefault("remote.status_endpoint", "/api/system/status")
	v.SetDefault("remote.probe_timeout", "5s")
	v.SetDefault("remote.request_timeout", "15s")
	v.SetDefault("sync.interval", "30s")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.queue_size", 1024)
	v.SetDefault("recovery.backup_dir", "device_backups")
	v.SetDefault("recovery.autosave_interval", "30s")
	v.SetDefault("recovery.cloud_interval", "300s")
	v.SetDefault("recovery.monitor_interval", "10s")
	v.SetDefault("recovery.battery_threshold", 5.0)
	v.SetDefault("recovery.storage_threshold_mb", 100.0)
	v.SetDefault("media.photo_dir", "offline_photos")
	v.SetDefault("media.voice_dir", "offline_voice")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
