// Package notifier defines the opaque post-write broadcast sink the
// Dispatcher calls after a confirmed successful upsert. The real-time
// broadcaster that ultimately fans these out to operator-facing dashboards
// is an external collaborator; this package only needs to satisfy the call
// shape and provide a safe default when no such collaborator is configured.
package notifier

import (
	"context"
	"log/slog"
)

// Notifier is the single-method opaque sink the Dispatcher publishes to.
type Notifier interface {
	Notify(ctx context.Context, event string, detail map[string]any)
}

// LogNotifier is the default Notifier: it logs the event at debug level and
// performs no network fan-out. Suitable when no external broadcaster is
// configured; swap in a real implementation that publishes over the wire
// when one becomes available.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the event and detail at debug level. It never blocks and
// never returns an error to the caller: notification is best-effort.
func (n *LogNotifier) Notify(_ context.Context, event string, detail map[string]any) {
	n.logger.Debug("notifier: event", slog.String("event", event), slog.Any("detail", detail))
}
