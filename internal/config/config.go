// Package config provides YAML configuration loading and validation for the
// sync agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config fields accept the usual Go
// duration strings ("2s", "1m30s") in YAML. yaml.v3 has no built-in
// understanding of time.Duration; it decodes scalars against the
// underlying Go kind, so a bare time.Duration field would only ever
// accept a raw integer nanosecond count.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the wrapped value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure for the sync agent.
type Config struct {
	// BasePath is the root under which producer subtrees live. Required.
	BasePath string `yaml:"base_path"`

	// RegistryPath is the location of the producer list, relative to
	// BasePath. Defaults to "config/pc_registry.json".
	RegistryPath string `yaml:"registry_path"`

	// ErrorFolder is the name of the quarantine subfolder, relative to
	// BasePath. Defaults to "_error".
	ErrorFolder string `yaml:"error_folder"`

	// FilePattern is the glob filter for ingestion. Defaults to "*.json".
	FilePattern string `yaml:"file_pattern"`

	// Remote holds the remote store endpoint, credential, and conflict key.
	Remote RemoteConfig `yaml:"remote"`

	// PollInterval is the Watcher tick period. Defaults to 2s.
	PollInterval Duration `yaml:"poll_interval"`

	// BatchSize and FlushInterval bound the BatchQueue. Defaults: 50, 30s.
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`

	// OfflineQueue bounds the durable queue.
	OfflineQueue OfflineQueueConfig `yaml:"offline_queue"`

	// QueueProcessInterval is the drain loop period. Defaults to 10s.
	QueueProcessInterval Duration `yaml:"queue_process_interval"`

	// RateLimit is the backoff schedule applied to RateLimit failures.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// RegistryCheckInterval is the registry reload period. Defaults to 30s.
	RegistryCheckInterval Duration `yaml:"registry_check_interval"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// HealthAddr is the listen address for the /healthz HTTP server.
	// Defaults to "127.0.0.1:9100" when omitted.
	HealthAddr string `yaml:"health_addr"`

	// RecordMode selects the Parser/Dispatcher variant: "aggregated" or
	// "normalised". Defaults to "aggregated".
	RecordMode string `yaml:"record_mode"`
}

// RemoteConfig holds the remote store endpoint and credential.
type RemoteConfig struct {
	// URL is the remote store's base endpoint. Required.
	URL string `yaml:"url"`

	// Secret is the API credential, used both as the apikey header and to
	// sign the bearer JWT. Required.
	Secret string `yaml:"secret"`

	// Table is the target table name for aggregated upserts. Required.
	Table string `yaml:"table"`

	// ConflictKey is "session_id" or a composite such as
	// "gfx_pc_id,file_hash". Defaults to "session_id".
	ConflictKey string `yaml:"conflict_key"`

	// RequestsPerSecond caps the client-side outbound call rate; 0 leaves
	// it unbounded. Defaults to 0.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// OfflineQueueConfig bounds the durable local queue.
type OfflineQueueConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"`
	MaxRetries int    `yaml:"max_retries"`
}

// RateLimitConfig is the backoff schedule for RateLimit failures.
type RateLimitConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validRecordModes = map[string]bool{
	"aggregated": true,
	"normalised": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.RegistryPath == "" {
		cfg.RegistryPath = "config/pc_registry.json"
	}
	if cfg.ErrorFolder == "" {
		cfg.ErrorFolder = "_error"
	}
	if cfg.FilePattern == "" {
		cfg.FilePattern = "*.json"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = Duration(2 * time.Second)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = Duration(30 * time.Second)
	}
	if cfg.OfflineQueue.MaxRetries <= 0 {
		cfg.OfflineQueue.MaxRetries = 5
	}
	if cfg.QueueProcessInterval <= 0 {
		cfg.QueueProcessInterval = Duration(10 * time.Second)
	}
	if cfg.RateLimit.MaxRetries <= 0 {
		cfg.RateLimit.MaxRetries = 3
	}
	if cfg.RateLimit.BaseDelay <= 0 {
		cfg.RateLimit.BaseDelay = Duration(time.Second)
	}
	if cfg.RegistryCheckInterval <= 0 {
		cfg.RegistryCheckInterval = Duration(30 * time.Second)
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = "127.0.0.1:9100"
	}
	if cfg.RecordMode == "" {
		cfg.RecordMode = "aggregated"
	}
	if cfg.Remote.ConflictKey == "" {
		cfg.Remote.ConflictKey = "session_id"
	}
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.BasePath == "" {
		errs = append(errs, errors.New("base_path is required"))
	}
	if cfg.Remote.URL == "" {
		errs = append(errs, errors.New("remote.url is required"))
	}
	if cfg.Remote.Secret == "" {
		errs = append(errs, errors.New("remote.secret is required"))
	}
	if cfg.Remote.Table == "" {
		errs = append(errs, errors.New("remote.table is required"))
	}
	if cfg.OfflineQueue.Path == "" {
		errs = append(errs, errors.New("offline_queue.path is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validRecordModes[cfg.RecordMode] {
		errs = append(errs, fmt.Errorf("record_mode %q must be one of: aggregated, normalised", cfg.RecordMode))
	}

	return errors.Join(errs...)
}
