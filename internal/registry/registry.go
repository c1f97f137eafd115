// Package registry reads and hot-reloads the list of producer identities and
// their watch subpaths from a JSON document on the shared filesystem.
package registry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Producer is a single enabled entry in the registry: an opaque identity
// plus the absolute path of its watch subtree.
type Producer struct {
	ID          string
	WatchPath   string
	Description string
}

// producerDoc mirrors the on-disk JSON shape:
//
//	{ "pcs": [ { "id": "PC01", "watch_path": "PC01/hands", "enabled": true, "description": "…" } ] }
type producerDoc struct {
	PCs []producerEntry `json:"pcs"`
}

type producerEntry struct {
	ID          string `json:"id"`
	WatchPath   string `json:"watch_path"`
	Enabled     *bool  `json:"enabled"`
	Description string `json:"description"`
}

// Diff reports the identities added and removed by a Reload call.
type Diff struct {
	Added   []string
	Removed []string
}

// Registry owns the current producer table. It is safe for concurrent use.
type Registry struct {
	basePath string
	path     string
	logger   *slog.Logger

	mu        sync.RWMutex
	producers map[string]Producer
	lastMtime time.Time
}

// New constructs a Registry that reads registryFile (relative to basePath)
// and resolves each watch_path relative to basePath.
func New(basePath, registryFile string, logger *slog.Logger) *Registry {
	return &Registry{
		basePath:  basePath,
		path:      filepath.Join(basePath, registryFile),
		logger:    logger,
		producers: make(map[string]Producer),
	}
}

// Load parses the registry file, keeping only enabled entries, and replaces
// the in-memory table atomically only on a successful parse. A missing file
// or malformed JSON yields a warning and leaves the prior table untouched
// (or empty, the first time).
func (r *Registry) Load() map[string]Producer {
	data, err := os.ReadFile(r.path)
	if err != nil {
		r.logger.Warn("registry: cannot read file", slog.String("path", r.path), slog.Any("error", err))
		return r.snapshot()
	}

	var doc producerDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("registry: malformed JSON", slog.String("path", r.path), slog.Any("error", err))
		return r.snapshot()
	}

	next := make(map[string]Producer, len(doc.PCs))
	for _, e := range doc.PCs {
		if e.ID == "" {
			r.logger.Warn("registry: entry missing id", slog.Any("entry", e))
			continue
		}
		if e.Enabled != nil && !*e.Enabled {
			continue
		}
		watchPath := e.WatchPath
		if watchPath == "" {
			watchPath = filepath.Join(e.ID, "hands")
		}
		if _, exists := next[e.ID]; exists {
			r.logger.Warn("registry: duplicate id, later entry wins", slog.String("id", e.ID))
		}
		next[e.ID] = Producer{
			ID:          e.ID,
			WatchPath:   filepath.Join(r.basePath, watchPath),
			Description: e.Description,
		}
	}

	if info, err := os.Stat(r.path); err == nil {
		r.mu.Lock()
		r.lastMtime = info.ModTime()
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.producers = next
	r.mu.Unlock()

	r.logger.Info("registry: loaded", slog.Int("count", len(next)))
	return r.snapshot()
}

// HasChanges reports whether the registry file's modification time has
// advanced since the last successful Load, without reloading.
func (r *Registry) HasChanges() bool {
	info, err := os.Stat(r.path)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return info.ModTime().After(r.lastMtime)
}

// Reload re-reads the file iff its mtime has advanced, returning the set of
// added and removed producer ids. It returns a zero-value Diff and false if
// nothing changed.
func (r *Registry) Reload() (Diff, bool) {
	info, err := os.Stat(r.path)
	if err != nil {
		return Diff{}, false
	}

	r.mu.RLock()
	unchanged := !info.ModTime().After(r.lastMtime)
	old := r.snapshotIDsLocked()
	r.mu.RUnlock()
	if unchanged {
		return Diff{}, false
	}

	r.Load()

	r.mu.RLock()
	next := r.snapshotIDsLocked()
	r.mu.RUnlock()

	diff := diffIDs(old, next)
	if len(diff.Added) > 0 {
		r.logger.Info("registry: producers added", slog.Any("ids", diff.Added))
	}
	if len(diff.Removed) > 0 {
		r.logger.Info("registry: producers removed", slog.Any("ids", diff.Removed))
	}
	return diff, true
}

// GetEnabledPCs returns the currently enabled producers.
func (r *Registry) GetEnabledPCs() []Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Producer, 0, len(r.producers))
	for _, p := range r.producers {
		out = append(out, p)
	}
	return out
}

// GetWatchPaths returns the id→watch_path map for the current table.
func (r *Registry) GetWatchPaths() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.producers))
	for id, p := range r.producers {
		out[id] = p.WatchPath
	}
	return out
}

// Get returns the Producer for id, if present.
func (r *Registry) Get(id string) (Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Registry) snapshot() map[string]Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Producer, len(r.producers))
	for k, v := range r.producers {
		out[k] = v
	}
	return out
}

func (r *Registry) snapshotIDsLocked() map[string]struct{} {
	out := make(map[string]struct{}, len(r.producers))
	for k := range r.producers {
		out[k] = struct{}{}
	}
	return out
}

func diffIDs(old, next map[string]struct{}) Diff {
	var d Diff
	for id := range next {
		if _, ok := old[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	for id := range old {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	return d
}
