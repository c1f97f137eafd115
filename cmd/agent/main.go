// Command agent is the sync agent binary. It loads a YAML configuration
// file, opens the offline queue and registry, starts the watcher and
// dispatch pipeline, exposes a /healthz liveness endpoint, and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gfxsync/agent/internal/agent"
	"github.com/gfxsync/agent/internal/batchqueue"
	"github.com/gfxsync/agent/internal/config"
	"github.com/gfxsync/agent/internal/dispatcher"
	"github.com/gfxsync/agent/internal/health"
	"github.com/gfxsync/agent/internal/model"
	"github.com/gfxsync/agent/internal/notifier"
	"github.com/gfxsync/agent/internal/offlinequeue"
	"github.com/gfxsync/agent/internal/parser"
	"github.com/gfxsync/agent/internal/registry"
	"github.com/gfxsync/agent/internal/remoteclient"
	"github.com/gfxsync/agent/internal/unitofwork"
	"github.com/gfxsync/agent/internal/watcher"
)

func main() {
	configPath := flag.String("config", "/etc/gfxsync/config.yaml", "path to the sync agent YAML configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gfxsync-agent: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("base_path", cfg.BasePath),
		slog.String("record_mode", cfg.RecordMode),
		slog.String("health_addr", cfg.HealthAddr),
	)

	oq, err := offlinequeue.Open(cfg.OfflineQueue.Path, cfg.OfflineQueue.MaxSize, logger)
	if err != nil {
		logger.Error("failed to open offline queue", slog.String("path", cfg.OfflineQueue.Path), slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("offline queue opened", slog.String("path", cfg.OfflineQueue.Path), slog.Int("pending", oq.Count()))

	remote := remoteclient.New(cfg.Remote.URL, cfg.Remote.Secret, 30*time.Second, cfg.Remote.RequestsPerSecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := remote.WaitUntilReachable(ctx, 5); err != nil {
		logger.Error("remote store not reachable at startup", slog.Any("error", err))
		os.Exit(1)
	}

	reg := registry.New(cfg.BasePath, cfg.RegistryPath, logger)

	w := watcher.New(cfg.FilePattern, cfg.PollInterval.Duration(), logger)

	p := parser.New("gfxsync-agent")

	batch := batchqueue.New[map[string]any](cfg.BatchSize, cfg.FlushInterval.Duration())

	uow := unitofwork.New(remote, unitofwork.Tables{
		Players:     "gfx_players",
		Sessions:    "gfx_sessions",
		Hands:       "gfx_hands",
		HandPlayers: "gfx_hand_players",
		Events:      "gfx_events",
	})

	notify := notifier.NewLogNotifier(logger)

	d := dispatcher.New(dispatcher.Options{
		BasePath:           cfg.BasePath,
		Table:              cfg.Remote.Table,
		ConflictKey:        cfg.Remote.ConflictKey,
		ErrorFolder:        cfg.ErrorFolder,
		RateLimitRetries:   cfg.RateLimit.MaxRetries,
		RateLimitBaseDelay: cfg.RateLimit.BaseDelay.Duration(),
		RecordMode:         dispatcher.RecordMode(cfg.RecordMode),
	}, logger, p, batch, oq, remote, uow, notify)

	redeliver := func(ctx context.Context, item model.QueueItem) error {
		var fields map[string]any
		if err := json.Unmarshal(item.RecordJSON, &fields); err != nil {
			return fmt.Errorf("redeliver: decode record: %w", err)
		}
		result := remote.Upsert(ctx, cfg.Remote.Table, []map[string]any{fields}, cfg.Remote.ConflictKey)
		if !result.Success {
			return fmt.Errorf("redeliver: %s", result.Error)
		}
		return nil
	}

	ag := agent.New(cfg, logger, reg, w, d, oq, redeliver)

	if err := ag.Run(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      health.NewRouter(ag),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	healthListener, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		logger.Error("failed to bind healthz listener", slog.String("addr", cfg.HealthAddr), slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		logger.Info("healthz server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.Serve(healthListener); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	ag.Stop(shutdownCtx)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("healthz server shutdown error", slog.Any("error", err))
	}

	logger.Info("sync agent exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
