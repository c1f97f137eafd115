package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gfxsync/agent/internal/config"
)

// writeTemp writes content to a temp file and returns its path.
func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

const validYAML = `
base_path: "/mnt/nas/gfx"
remote:
  url: "https://example.supabase.co"
  secret: "super-secret"
  table: "gfx_hand_sessions"
  conflict_key: "session_id"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
  max_size: 10000
  max_retries: 5
poll_interval: 5s
flush_interval: 1m
queue_process_interval: 15s
registry_check_interval: 45s
rate_limit:
  max_retries: 4
  base_delay: 500ms
log_level: debug
health_addr: "127.0.0.1:9100"
record_mode: normalised
`

func TestLoadConfigValid(t *testing.T) {
	path := writeTemp(t, validYAML)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BasePath != "/mnt/nas/gfx" {
		t.Errorf("BasePath = %q", cfg.BasePath)
	}
	if cfg.Remote.URL != "https://example.supabase.co" {
		t.Errorf("Remote.URL = %q", cfg.Remote.URL)
	}
	if cfg.Remote.Table != "gfx_hand_sessions" {
		t.Errorf("Remote.Table = %q", cfg.Remote.Table)
	}
	if cfg.OfflineQueue.MaxSize != 10000 {
		t.Errorf("OfflineQueue.MaxSize = %d", cfg.OfflineQueue.MaxSize)
	}
	if cfg.PollInterval.Duration() != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval.Duration())
	}
	if cfg.FlushInterval.Duration() != time.Minute {
		t.Errorf("FlushInterval = %v, want 1m", cfg.FlushInterval.Duration())
	}
	if cfg.QueueProcessInterval.Duration() != 15*time.Second {
		t.Errorf("QueueProcessInterval = %v, want 15s", cfg.QueueProcessInterval.Duration())
	}
	if cfg.RegistryCheckInterval.Duration() != 45*time.Second {
		t.Errorf("RegistryCheckInterval = %v, want 45s", cfg.RegistryCheckInterval.Duration())
	}
	if cfg.RateLimit.BaseDelay.Duration() != 500*time.Millisecond {
		t.Errorf("RateLimit.BaseDelay = %v, want 500ms", cfg.RateLimit.BaseDelay.Duration())
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.RecordMode != "normalised" {
		t.Errorf("RecordMode = %q, want normalised", cfg.RecordMode)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	yaml := `
base_path: "/mnt/nas/gfx"
remote:
  url: "https://example.supabase.co"
  secret: "super-secret"
  table: "gfx_hand_sessions"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
`
	path := writeTemp(t, yaml)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.HealthAddr != "127.0.0.1:9100" {
		t.Errorf("default HealthAddr = %q", cfg.HealthAddr)
	}
	if cfg.RecordMode != "aggregated" {
		t.Errorf("default RecordMode = %q, want aggregated", cfg.RecordMode)
	}
	if cfg.PollInterval.Duration() != 2*time.Second {
		t.Errorf("default PollInterval = %v, want 2s", cfg.PollInterval.Duration())
	}
	if cfg.BatchSize != 50 {
		t.Errorf("default BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.RegistryPath != "config/pc_registry.json" {
		t.Errorf("default RegistryPath = %q", cfg.RegistryPath)
	}
	if cfg.Remote.ConflictKey != "session_id" {
		t.Errorf("default Remote.ConflictKey = %q", cfg.Remote.ConflictKey)
	}
}

func TestLoadConfigMissingBasePath(t *testing.T) {
	yaml := `
remote:
  url: "https://example.supabase.co"
  secret: "super-secret"
  table: "gfx_hand_sessions"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing base_path, got nil")
	}
	if !strings.Contains(err.Error(), "base_path") {
		t.Errorf("error %q does not mention base_path", err.Error())
	}
}

func TestLoadConfigMissingRemoteFields(t *testing.T) {
	yaml := `
base_path: "/mnt/nas/gfx"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for missing remote fields, got nil")
	}
	for _, want := range []string{"remote.url", "remote.secret", "remote.table"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err.Error(), want)
		}
	}
}

func TestLoadConfigInvalidLogLevel(t *testing.T) {
	yaml := `
base_path: "/mnt/nas/gfx"
remote:
  url: "https://example.supabase.co"
  secret: "super-secret"
  table: "gfx_hand_sessions"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
log_level: "verbose"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error %q does not mention log_level", err.Error())
	}
}

func TestLoadConfigInvalidRecordMode(t *testing.T) {
	yaml := `
base_path: "/mnt/nas/gfx"
remote:
  url: "https://example.supabase.co"
  secret: "super-secret"
  table: "gfx_hand_sessions"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
record_mode: "denormalised"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid record_mode, got nil")
	}
	if !strings.Contains(err.Error(), "record_mode") {
		t.Errorf("error %q does not mention record_mode", err.Error())
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	missingPath := filepath.Join(t.TempDir(), "nonexistent.yaml")
	_, err := config.LoadConfig(missingPath)
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeTemp(t, ":::invalid yaml:::")
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoadConfigInvalidDurationString(t *testing.T) {
	yaml := `
base_path: "/mnt/nas/gfx"
remote:
  url: "https://example.supabase.co"
  secret: "super-secret"
  table: "gfx_hand_sessions"
offline_queue:
  path: "/var/lib/gfxsync/queue.db"
poll_interval: "not-a-duration"
`
	path := writeTemp(t, yaml)
	_, err := config.LoadConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid poll_interval duration, got nil")
	}
}
