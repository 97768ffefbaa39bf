// Scanwatch
// Copyright (c) 2016, 2025, DCSO GmbH

// Package config holds the YAML configuration of the scanwatch command.
package config

import (
	"os"
	"time"

	"github.com/DCSO/scanwatch/history"
	"github.com/DCSO/scanwatch/poller"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Scanwatch ScanwatchConfig `yaml:"scanwatch"`
}

// ScanwatchConfig is the project configuration.
type ScanwatchConfig struct {
	Backend BackendConfig `yaml:"backend"`
	Polling PollingConfig `yaml:"polling"`
	History HistoryConfig `yaml:"history"`
	Feed    FeedConfig    `yaml:"feed"`
	Archive ArchiveConfig `yaml:"archive"`
	Janitor JanitorConfig `yaml:"janitor"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// BackendConfig locates the dashboard backend and the submitting user.
type BackendConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Email    string        `yaml:"email"`
	FullName string        `yaml:"full_name"`
	// Token is sent as bearer token to the AI summary endpoint.
	Token       string `yaml:"token"`
	MaxFileSize int64  `yaml:"max_file_size"`
}

// PollingConfig controls the analysis status polling.
type PollingConfig struct {
	Interval          time.Duration `yaml:"interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	MaxBackoffFactor  int           `yaml:"max_backoff_factor"`
	DefaultRetryAfter time.Duration `yaml:"default_retry_after"`
	TolerateUnknown   bool          `yaml:"tolerate_unknown"`
}

// HistoryConfig controls the history sink.
type HistoryConfig struct {
	Limit int `yaml:"limit"`
	// Path is the directory of the local history database. Only used
	// when no backend user is configured.
	Path string `yaml:"path"`
}

// FeedConfig controls AMQP publishing of finished investigations.
type FeedConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	Exchange string `yaml:"exchange"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ArchiveConfig controls S3 archival of submitted samples.
type ArchiveConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	SSL             bool   `yaml:"ssl"`
	ScratchDir      string `yaml:"scratch_dir"`
}

// JanitorConfig limits the archive scratch directory.
type JanitorConfig struct {
	MaxAge time.Duration `yaml:"max_age"`
	// MaxSpace is in MB.
	MaxSpace  uint          `yaml:"max_space"`
	CheckTick time.Duration `yaml:"check_tick"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	sw := &cfg.Scanwatch
	if sw.Backend.URL == "" {
		sw.Backend.URL = "http://localhost:5000"
	}
	if sw.Backend.Timeout <= 0 {
		sw.Backend.Timeout = 60 * time.Second
	}

	pd := poller.DefaultConfig()
	if sw.Polling.Interval <= 0 {
		sw.Polling.Interval = pd.Interval
	}
	if sw.Polling.MaxAttempts <= 0 {
		sw.Polling.MaxAttempts = pd.MaxAttempts
	}
	if sw.Polling.MaxBackoffFactor <= 0 {
		sw.Polling.MaxBackoffFactor = pd.MaxBackoffFactor
	}
	if sw.Polling.DefaultRetryAfter <= 0 {
		sw.Polling.DefaultRetryAfter = pd.DefaultRetryAfter
	}

	if sw.History.Limit <= 0 {
		sw.History.Limit = history.DefaultLimit
	}
	if sw.History.Path == "" {
		sw.History.Path = "/var/lib/scanwatch/"
	}

	if sw.Feed.URI == "" {
		sw.Feed.URI = "localhost:5672"
	}
	if sw.Feed.Exchange == "" {
		sw.Feed.Exchange = "scanwatch"
	}
	if sw.Feed.User == "" {
		sw.Feed.User = "sensor"
	}
	if sw.Feed.Password == "" {
		sw.Feed.Password = "sensor"
	}

	if sw.Archive.ScratchDir == "" {
		sw.Archive.ScratchDir = "/tmp/scanwatch_scratch"
	}

	if sw.Janitor.MaxAge <= 0 {
		sw.Janitor.MaxAge = 30 * 24 * time.Hour
	}
	if sw.Janitor.MaxSpace == 0 {
		sw.Janitor.MaxSpace = 20000
	}
	if sw.Janitor.CheckTick <= 0 {
		sw.Janitor.CheckTick = 60 * time.Second
	}

	if sw.Logging.Level == "" {
		sw.Logging.Level = "info"
	}
}

// Poller converts the polling section.
func (p PollingConfig) Poller() poller.Config {
	return poller.Config{
		Interval:          p.Interval,
		MaxAttempts:       p.MaxAttempts,
		MaxBackoffFactor:  p.MaxBackoffFactor,
		DefaultRetryAfter: p.DefaultRetryAfter,
		TolerateUnknown:   p.TolerateUnknown,
	}
}
