package registry_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gfxsync/agent/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeRegistryFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write registry file: %v", err)
	}
	return path
}

const docV1 = `{
  "pcs": [
    {"id": "PC01", "watch_path": "PC01/hands", "enabled": true, "description": "rail 1"},
    {"id": "PC02", "enabled": true}
  ]
}`

func TestLoadParsesEnabledEntries(t *testing.T) {
	dir := t.TempDir()
	writeRegistryFile(t, dir, "pc_registry.json", docV1)

	r := registry.New(dir, "pc_registry.json", testLogger())
	producers := r.Load()

	if len(producers) != 2 {
		t.Fatalf("expected 2 producers, got %d", len(producers))
	}
	pc01, ok := producers["PC01"]
	if !ok {
		t.Fatal("expected PC01 to be present")
	}
	if pc01.WatchPath != filepath.Join(dir, "PC01/hands") {
		t.Errorf("PC01.WatchPath = %q", pc01.WatchPath)
	}
	pc02, ok := producers["PC02"]
	if !ok {
		t.Fatal("expected PC02 to be present")
	}
	if pc02.WatchPath != filepath.Join(dir, "PC02", "hands") {
		t.Errorf("PC02.WatchPath default = %q", pc02.WatchPath)
	}
}

func TestLoadSkipsDisabledEntries(t *testing.T) {
	dir := t.TempDir()
	doc := `{"pcs": [
		{"id": "PC01", "enabled": true},
		{"id": "PC02", "enabled": false}
	]}`
	writeRegistryFile(t, dir, "pc_registry.json", doc)

	r := registry.New(dir, "pc_registry.json", testLogger())
	producers := r.Load()

	if _, ok := producers["PC02"]; ok {
		t.Fatal("expected disabled PC02 to be excluded")
	}
	if _, ok := producers["PC01"]; !ok {
		t.Fatal("expected enabled PC01 to be present")
	}
}

func TestLoadMissingFileReturnsEmptyTable(t *testing.T) {
	dir := t.TempDir()
	r := registry.New(dir, "does-not-exist.json", testLogger())
	producers := r.Load()
	if len(producers) != 0 {
		t.Fatalf("expected empty table for missing file, got %d entries", len(producers))
	}
}

func TestLoadMalformedJSONKeepsPriorTable(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistryFile(t, dir, "pc_registry.json", docV1)

	r := registry.New(dir, "pc_registry.json", testLogger())
	first := r.Load()
	if len(first) != 2 {
		t.Fatalf("expected 2 producers after initial load, got %d", len(first))
	}

	if err := os.WriteFile(path, []byte("{not valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	second := r.Load()
	if len(second) != 2 {
		t.Fatalf("expected prior table of 2 to be retained after malformed reload, got %d", len(second))
	}
}

func TestReloadDetectsAddedAndRemoved(t *testing.T) {
	dir := t.TempDir()
	path := writeRegistryFile(t, dir, "pc_registry.json", docV1)
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatal(err)
	}

	r := registry.New(dir, "pc_registry.json", testLogger())
	r.Load()

	if changed := r.HasChanges(); changed {
		t.Fatal("expected no changes immediately after Load")
	}

	updated := `{"pcs": [
		{"id": "PC01", "enabled": true},
		{"id": "PC03", "enabled": true}
	]}`
	writeRegistryFile(t, dir, "pc_registry.json", updated)
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		t.Fatal(err)
	}

	if !r.HasChanges() {
		t.Fatal("expected HasChanges to report true after mtime advance")
	}

	diff, changed := r.Reload()
	if !changed {
		t.Fatal("expected Reload to report changed=true")
	}
	if len(diff.Added) != 1 || diff.Added[0] != "PC03" {
		t.Errorf("diff.Added = %v, want [PC03]", diff.Added)
	}
	if len(diff.Removed) != 1 || diff.Removed[0] != "PC02" {
		t.Errorf("diff.Removed = %v, want [PC02]", diff.Removed)
	}
}

func TestReloadNoopWhenMtimeUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeRegistryFile(t, dir, "pc_registry.json", docV1)

	r := registry.New(dir, "pc_registry.json", testLogger())
	r.Load()

	diff, changed := r.Reload()
	if changed {
		t.Fatal("expected Reload to report changed=false when mtime has not advanced")
	}
	if len(diff.Added) != 0 || len(diff.Removed) != 0 {
		t.Errorf("expected empty diff, got %+v", diff)
	}
}

func TestGetEnabledPCsAndWatchPaths(t *testing.T) {
	dir := t.TempDir()
	writeRegistryFile(t, dir, "pc_registry.json", docV1)

	r := registry.New(dir, "pc_registry.json", testLogger())
	r.Load()

	pcs := r.GetEnabledPCs()
	if len(pcs) != 2 {
		t.Fatalf("expected 2 enabled producers, got %d", len(pcs))
	}

	paths := r.GetWatchPaths()
	if paths["PC01"] != filepath.Join(dir, "PC01/hands") {
		t.Errorf("GetWatchPaths()[PC01] = %q", paths["PC01"])
	}

	p, ok := r.Get("PC01")
	if !ok || p.ID != "PC01" {
		t.Fatalf("expected Get(PC01) to succeed, got %+v, ok=%v", p, ok)
	}

	if _, ok := r.Get("PC99"); ok {
		t.Fatal("expected Get of unknown id to report not found")
	}
}
