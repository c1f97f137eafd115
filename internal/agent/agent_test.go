package agent_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gfxsync/agent/internal/agent"
	"github.com/gfxsync/agent/internal/config"
	"github.com/gfxsync/agent/internal/model"
	"github.com/gfxsync/agent/internal/registry"
)

// fakeWatcher is a minimal in-memory agent.Watcher double.
type fakeWatcher struct {
	mu         sync.Mutex
	existing   map[string][]string
	registered []string
	stopped    bool
}

func (f *fakeWatcher) Register(id, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, id)
}
func (f *fakeWatcher) Unregister(id string) {}
func (f *fakeWatcher) Run(ctx context.Context, handler func(ctx context.Context, evt model.FileEvent) error) {
	<-ctx.Done()
}
func (f *fakeWatcher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}
func (f *fakeWatcher) ScanExisting() map[string][]string {
	return f.existing
}

// fakeDispatcher records every dispatched event.
type fakeDispatcher struct {
	mu      sync.Mutex
	events  []model.FileEvent
	flushed []string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, evt model.FileEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}
func (f *fakeDispatcher) FlushBatchQueue(ctx context.Context, producer, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, producer)
}

// fakeOfflineQueue is a no-op OfflineQueue double.
type fakeOfflineQueue struct{}

func (f *fakeOfflineQueue) DequeueBatch(ctx context.Context, limit int) ([]model.QueueItem, error) {
	return nil, nil
}
func (f *fakeOfflineQueue) MarkCompleted(ctx context.Context, ids []int64) error { return nil }
func (f *fakeOfflineQueue) MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) (bool, error) {
	return false, nil
}
func (f *fakeOfflineQueue) Count() int           { return 0 }
func (f *fakeOfflineQueue) DeadLetterCount() int { return 0 }
func (f *fakeOfflineQueue) Close() error         { return nil }

func testRegistry(t *testing.T, basePath string, pcs []string) *registry.Registry {
	t.Helper()
	cfgDir := filepath.Join(basePath, "config")
	if err := os.MkdirAll(cfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := `{"pcs":[`
	for i, id := range pcs {
		if i > 0 {
			body += ","
		}
		body += `{"id":"` + id + `","watch_path":"` + id + `","enabled":true}`
	}
	body += `]}`
	if err := os.WriteFile(filepath.Join(cfgDir, "pc_registry.json"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return registry.New(basePath, "config/pc_registry.json", slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

func testConfig(basePath string) *config.Config {
	return &config.Config{
		BasePath:              basePath,
		RecordMode:            "aggregated",
		QueueProcessInterval:  config.Duration(50 * time.Millisecond),
		RegistryCheckInterval: config.Duration(50 * time.Millisecond),
		OfflineQueue:          config.OfflineQueueConfig{MaxRetries: 3},
	}
}

func TestRunRegistersProducersAndDispatchesInitialScan(t *testing.T) {
	base := t.TempDir()
	reg := testRegistry(t, base, []string{"PC01"})

	w := &fakeWatcher{existing: map[string][]string{"PC01": {"PC01/a.json"}}}
	d := &fakeDispatcher{}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	a := agent.New(testConfig(base), logger, reg, w, d, &fakeOfflineQueue{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if len(w.registered) != 1 || w.registered[0] != "PC01" {
		t.Fatalf("expected PC01 registered, got %v", w.registered)
	}

	d.mu.Lock()
	n := len(d.events)
	d.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 dispatched initial-scan event, got %d", n)
	}

	cancel()
	a.Stop(context.Background())

	if !w.stopped {
		t.Fatal("expected watcher Stop to be called")
	}
	d.mu.Lock()
	flushedCount := len(d.flushed)
	d.mu.Unlock()
	if flushedCount != 1 {
		t.Fatalf("expected batch queue flushed for 1 producer, got %d", flushedCount)
	}
}

func TestHealthReportsStatus(t *testing.T) {
	base := t.TempDir()
	reg := testRegistry(t, base, []string{"PC01", "PC02"})
	reg.Load()

	a := agent.New(testConfig(base), slog.New(slog.NewTextHandler(os.Stderr, nil)), reg,
		&fakeWatcher{existing: map[string][]string{}}, &fakeDispatcher{}, &fakeOfflineQueue{}, nil)

	h := a.Health()
	if h.Status != "ok" {
		t.Fatalf("expected status ok, got %q", h.Status)
	}
	if h.NumProducers != 2 {
		t.Fatalf("expected 2 producers, got %d", h.NumProducers)
	}
}
