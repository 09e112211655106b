// Package config loads and exposes application configuration (TOML).
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath       = "config.toml"
	DefaultHTTPAddr         = ":8080"
	DefaultBaseURL          = "http://127.0.0.1:8080"
	DefaultJWTExpiresIn     = "24h"
	DefaultUpstreamAdapter  = "telegram"
	DefaultPollIntervalSecs = 30
	DefaultQueueSize        = 256
	DefaultWorkers          = 4
	DefaultProgressStep     = 10
	DefaultStorageBackend   = "local"
	DefaultLocalRoot        = "storage"
	DefaultSweepSpec        = "0 3 * * *"
	DefaultRetentionDays    = 30
)

// Config is the root application configuration loaded from TOML.
type Config struct {
	Log         LogConfig         `toml:"log"`
	Server      ServerConfig      `toml:"server"`
	Auth        AuthConfig        `toml:"auth"`
	Upstream    UpstreamConfig    `toml:"upstream"`
	Monitor     MonitorConfig     `toml:"monitor"`
	Pipeline    PipelineConfig    `toml:"pipeline"`
	Storage     StorageConfig     `toml:"storage"`
	Maintenance MaintenanceConfig `toml:"maintenance"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ServerConfig holds the HTTP listen address and the externally reachable
// base URL used for callback-style integrations.
type ServerConfig struct {
	Addr    string `toml:"addr"`
	BaseURL string `toml:"base_url"`
}

// AuthConfig holds JWT secret and token expiry (e.g. 24h).
type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// UpstreamConfig selects the upstream platform adapter and its app
// credential pair.
type UpstreamConfig struct {
	Adapter   string `toml:"adapter"`
	AppID     string `toml:"app_id"`
	AppSecret string `toml:"app_secret"`
}

// MonitorConfig holds the channel scan interval.
type MonitorConfig struct {
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
}

// PipelineConfig holds download worker pool sizing and progress reporting.
type PipelineConfig struct {
	QueueSize    int `toml:"queue_size"`
	Workers      int `toml:"workers"`
	ProgressStep int `toml:"progress_step"`
}

// StorageConfig selects the storage backend and its settings.
type StorageConfig struct {
	Backend string       `toml:"backend"`
	Local   LocalStorage `toml:"local"`
	S3      S3Storage    `toml:"s3"`
}

// LocalStorage holds the local-disk backend root directory.
type LocalStorage struct {
	Root string `toml:"root"`
}

// S3Storage holds object-storage credentials and addressing.
type S3Storage struct {
	Endpoint  string `toml:"endpoint"`
	Region    string `toml:"region"`
	Bucket    string `toml:"bucket"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
}

// MaintenanceConfig holds the retention sweep schedule and window.
type MaintenanceConfig struct {
	SweepSpec     string `toml:"sweep_spec"`
	RetentionDays int    `toml:"retention_days"`
}

// Load reads and parses the TOML config file at path and applies default
// values for missing fields. A missing file yields pure defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:    DefaultHTTPAddr,
			BaseURL: DefaultBaseURL,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Upstream: UpstreamConfig{
			Adapter: DefaultUpstreamAdapter,
		},
		Monitor: MonitorConfig{
			PollIntervalSeconds: DefaultPollIntervalSecs,
		},
		Pipeline: PipelineConfig{
			QueueSize:    DefaultQueueSize,
			Workers:      DefaultWorkers,
			ProgressStep: DefaultProgressStep,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			Local: LocalStorage{
				Root: DefaultLocalRoot,
			},
		},
		Maintenance: MaintenanceConfig{
			SweepSpec:     DefaultSweepSpec,
			RetentionDays: DefaultRetentionDays,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
