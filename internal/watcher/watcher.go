// Package watcher polls one or more producer subtrees on a shared
// filesystem and diffs each against a per-root snapshot to detect new and
// rewritten files. It intentionally avoids kernel inode-watch APIs (inotify,
// FSEvents, kqueue) since the watched roots may be SMB or NFS mounts where
// those APIs are unavailable or unreliable.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gfxsync/agent/internal/model"
)

// DefaultPollInterval is used when the caller supplies a zero interval.
const DefaultPollInterval = 2 * time.Second

// Handler is invoked once per detected FileEvent, serially within a single
// tick. If it returns an error, the error is logged and the next entry in
// the tick is still processed.
type Handler func(ctx context.Context, evt model.FileEvent) error

// fileState is the snapshot entry recorded for one path.
type fileState struct {
	modTime time.Time
}

// Watcher polls a set of named producer roots and emits FileEvents through a
// caller-supplied Handler. It is safe for concurrent use; Stop is idempotent.
type Watcher struct {
	logger      *slog.Logger
	interval    time.Duration
	filePattern string

	mu    sync.Mutex
	roots map[string]string // producer id -> root path
	snap  map[string]map[string]fileState // producer id -> path -> state

	warnedMissing map[string]bool

	handler Handler

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Watcher. filePattern is the glob applied within each
// root (e.g. "*.json"); interval <= 0 uses DefaultPollInterval.
func New(filePattern string, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		logger:        logger,
		interval:      interval,
		filePattern:   filePattern,
		roots:         make(map[string]string),
		snap:          make(map[string]map[string]fileState),
		warnedMissing: make(map[string]bool),
		done:          make(chan struct{}),
	}
}

// Register adds or replaces the watched root for a producer id. Safe to call
// while the polling loop is running.
func (w *Watcher) Register(producerID, root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roots[producerID] = root
	if _, ok := w.snap[producerID]; !ok {
		w.snap[producerID] = make(map[string]fileState)
	}
}

// Unregister removes a producer's watch root and snapshot.
func (w *Watcher) Unregister(producerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.roots, producerID)
	delete(w.snap, producerID)
	delete(w.warnedMissing, producerID)
}

// Run starts the poll loop and blocks until ctx is cancelled or Stop is
// called. It polls once immediately, then once per interval. It is intended
// to be run in its own goroutine by the Agent.
func (w *Watcher) Run(ctx context.Context, handler Handler) {
	w.handler = handler
	w.wg.Add(1)
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// Stop signals Run to return. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

// tick performs one poll pass over all registered roots, diffing against the
// stored snapshot and invoking the handler serially for each change.
func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	roots := make(map[string]string, len(w.roots))
	for id, root := range w.roots {
		roots[id] = root
	}
	w.mu.Unlock()

	for producerID, root := range roots {
		current, err := w.scanRoot(root)
		if err != nil {
			w.mu.Lock()
			already := w.warnedMissing[producerID]
			w.warnedMissing[producerID] = true
			w.mu.Unlock()
			if !already {
				w.logger.Warn("watcher: cannot scan root", slog.String("producer", producerID), slog.String("root", root), slog.Any("error", err))
			}
			continue
		}
		w.mu.Lock()
		w.warnedMissing[producerID] = false
		prev := w.snap[producerID]
		w.mu.Unlock()

		events := diff(prev, current, producerID)

		for _, evt := range events {
			if err := w.handler(ctx, evt); err != nil {
				w.logger.Error("watcher: handler error", slog.String("path", evt.Path), slog.Any("error", err))
			}
		}

		w.mu.Lock()
		w.snap[producerID] = current
		w.mu.Unlock()
	}
}

// diff compares an old snapshot to a new one and returns the FileEvents
// implied by strictly-advancing mtimes. Disappeared paths are ignored:
// producers are append/overwrite only.
func diff(old, current map[string]fileState, producerID string) []model.FileEvent {
	var events []model.FileEvent
	for path, cur := range current {
		prev, existed := old[path]
		switch {
		case !existed:
			events = append(events, model.FileEvent{Path: path, Kind: model.EventCreated, Producer: producerID})
		case cur.modTime.After(prev.modTime):
			events = append(events, model.FileEvent{Path: path, Kind: model.EventModified, Producer: producerID})
		}
	}
	return events
}

// scanRoot walks a single producer root non-recursively and returns the
// mtime snapshot of every entry matching the watcher's file pattern.
func (w *Watcher) scanRoot(root string) (map[string]fileState, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	result := make(map[string]fileState, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.Contains(e.Name(), "registry") {
			continue
		}
		if w.filePattern != "" {
			ok, err := filepath.Match(w.filePattern, e.Name())
			if err != nil || !ok {
				continue
			}
		}
		info, err := e.Info()
		if err != nil {
			// Stat races (file removed between ReadDir and Info) are skipped,
			// not fatal.
			continue
		}
		result[filepath.Join(root, e.Name())] = fileState{modTime: info.ModTime()}
	}
	return result, nil
}

// ScanExisting returns the current files per registered producer root
// without mutating any snapshot. Used once at startup by the Agent's
// initial-scan loop to reconcile pre-existing inventory as "created" events.
func (w *Watcher) ScanExisting() map[string][]string {
	w.mu.Lock()
	roots := make(map[string]string, len(w.roots))
	for id, root := range w.roots {
		roots[id] = root
	}
	w.mu.Unlock()

	out := make(map[string][]string, len(roots))
	for producerID, root := range roots {
		current, err := w.scanRoot(root)
		if err != nil {
			w.logger.Warn("watcher: cannot scan root for initial inventory", slog.String("producer", producerID), slog.Any("error", err))
			continue
		}
		paths := make([]string, 0, len(current))
		for p := range current {
			paths = append(paths, p)
		}
		out[producerID] = paths
	}
	return out
}
