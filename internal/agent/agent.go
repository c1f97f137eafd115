// Package agent contains the sync agent orchestrator. It wires together the
// Registry, Watcher, Dispatcher, and OfflineQueue drain loop, managing their
// lifecycle through a shared context.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gfxsync/agent/internal/config"
	"github.com/gfxsync/agent/internal/model"
	"github.com/gfxsync/agent/internal/registry"
)

// Watcher is the interface satisfied by *watcher.Watcher. It is declared here
// so Agent depends on a narrow surface rather than the concrete type.
type Watcher interface {
	Register(producerID, path string)
	Unregister(producerID string)
	Run(ctx context.Context, handler func(ctx context.Context, evt model.FileEvent) error)
	Stop()
	ScanExisting() map[string][]string
}

// Dispatcher is the interface satisfied by *dispatcher.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt model.FileEvent) error
	FlushBatchQueue(ctx context.Context, producerID, watchPath string)
}

// OfflineQueue is the interface satisfied by *offlinequeue.Queue.
type OfflineQueue interface {
	DequeueBatch(ctx context.Context, limit int) ([]model.QueueItem, error)
	MarkCompleted(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) (bool, error)
	Count() int
	DeadLetterCount() int
	Close() error
}

// Redeliverer resubmits a dequeued offline-queue item to the remote store.
// It returns nil on success.
type Redeliverer func(ctx context.Context, item model.QueueItem) error

// Agent is the central orchestrator of the sync agent. It runs an initial
// scan, a Watcher poll loop, an offline-queue drain loop, and a registry
// hot-reload loop concurrently, all governed by a shared context.
type Agent struct {
	cfg         *config.Config
	logger      *slog.Logger
	registry    *registry.Registry
	watcher     Watcher
	dispatcher  Dispatcher
	offline     OfflineQueue
	redeliver   Redeliverer

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// New constructs an Agent from its collaborators. All parameters are
// required except redeliver, which may be nil only in tests that do not
// exercise the drain loop.
func New(cfg *config.Config, logger *slog.Logger, reg *registry.Registry, w Watcher, d Dispatcher, oq OfflineQueue, redeliver Redeliverer) *Agent {
	return &Agent{
		cfg:        cfg,
		logger:     logger,
		registry:   reg,
		watcher:    w,
		dispatcher: d,
		offline:    oq,
		redeliver:  redeliver,
	}
}

// Run performs the initial scan, registers every enabled producer with the
// Watcher, and starts the watcher, drain, and registry-refresh loops in
// background goroutines. It returns once the loops are started; the loops
// run until ctx is cancelled or Stop is called.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.registry.Load()

	a.logger.Info("starting sync agent",
		slog.String("base_path", a.cfg.BasePath),
		slog.String("record_mode", a.cfg.RecordMode),
		slog.Int("num_producers", len(a.registry.GetEnabledPCs())),
	)

	for _, p := range a.registry.GetEnabledPCs() {
		a.watcher.Register(p.ID, p.WatchPath)
	}

	a.runInitialScan(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watcher.Run(ctx, func(ctx context.Context, evt model.FileEvent) error {
			return a.dispatcher.Dispatch(ctx, evt)
		})
	}()

	a.wg.Add(1)
	go a.drainLoop(ctx)

	a.wg.Add(1)
	go a.registryRefreshLoop(ctx)

	a.logger.Info("sync agent started")
	return nil
}

// runInitialScan dispatches a "created" event for every file already present
// under each registered producer's watch path, so files written while the
// agent was down are not silently skipped.
func (a *Agent) runInitialScan(ctx context.Context) {
	existing := a.watcher.ScanExisting()
	for producerID, paths := range existing {
		for _, path := range paths {
			a.dispatcher.Dispatch(ctx, model.FileEvent{
				Path:     path,
				Kind:     model.EventCreated,
				Producer: producerID,
			})
		}
	}
}

// drainLoop periodically dequeues batches from the OfflineQueue and attempts
// redelivery, marking each item completed or failed depending on the
// outcome.
func (a *Agent) drainLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.QueueProcessInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.drainOnce(ctx)
		}
	}
}

func (a *Agent) drainOnce(ctx context.Context) {
	if a.redeliver == nil {
		return
	}
	items, err := a.offline.DequeueBatch(ctx, 50)
	if err != nil {
		a.logger.Warn("drain loop: dequeue failed", slog.Any("error", err))
		return
	}
	var completed []int64
	for _, item := range items {
		if err := a.redeliver(ctx, item); err != nil {
			if _, failErr := a.offline.MarkFailed(ctx, item.ID, err.Error(), a.cfg.OfflineQueue.MaxRetries); failErr != nil {
				a.logger.Warn("drain loop: mark failed error", slog.Any("error", failErr))
			}
			continue
		}
		completed = append(completed, item.ID)
	}
	if len(completed) > 0 {
		if err := a.offline.MarkCompleted(ctx, completed); err != nil {
			a.logger.Warn("drain loop: mark completed error", slog.Any("error", err))
		}
	}
}

// registryRefreshLoop periodically reloads the producer registry and
// registers/unregisters producers with the Watcher as they appear and
// disappear.
func (a *Agent) registryRefreshLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RegistryCheckInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			diff, changed := a.registry.Reload()
			if !changed {
				continue
			}
			for _, id := range diff.Added {
				if p, ok := a.registry.Get(id); ok {
					a.watcher.Register(p.ID, p.WatchPath)
					a.logger.Info("registry: producer added", slog.String("producer", id))
				}
			}
			for _, id := range diff.Removed {
				a.watcher.Unregister(id)
				a.logger.Info("registry: producer removed", slog.String("producer", id))
			}
		}
	}
}

// Stop signals the watcher and background loops to shut down, flushes the
// batch queue once, closes the OfflineQueue, and waits for every goroutine
// to exit. It is safe to call Stop multiple times.
func (a *Agent) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	a.watcher.Stop()

	if a.cancel != nil {
		a.cancel()
	}

	a.wg.Wait()

	for _, p := range a.registry.GetEnabledPCs() {
		a.dispatcher.FlushBatchQueue(ctx, p.ID, p.WatchPath)
	}

	if a.offline != nil {
		if err := a.offline.Close(); err != nil {
			a.logger.Warn("error closing offline queue", slog.Any("error", err))
		}
	}

	a.logger.Info("sync agent stopped")
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status          string  `json:"status"`
	UptimeS         float64 `json:"uptime_s"`
	NumProducers    int     `json:"num_producers"`
	OfflineDepth    int     `json:"offline_queue_depth"`
	DeadLetterCount int     `json:"dead_letter_count"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:       "ok",
		UptimeS:      time.Since(a.startTime).Seconds(),
		NumProducers: len(a.registry.GetEnabledPCs()),
	}
	if a.offline != nil {
		h.OfflineDepth = a.offline.Count()
		h.DeadLetterCount = a.offline.DeadLetterCount()
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
