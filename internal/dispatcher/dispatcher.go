// Package dispatcher routes FileEvents through the parser and onward to the
// remote store, choosing between the immediate single-record path and the
// batched path, and falling back to the offline queue on delivery failure.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/gfxsync/agent/internal/batchqueue"
	"github.com/gfxsync/agent/internal/model"
	"github.com/gfxsync/agent/internal/offlinequeue"
	"github.com/gfxsync/agent/internal/parser"
	"github.com/gfxsync/agent/internal/remoteclient"
	"github.com/gfxsync/agent/internal/unitofwork"
)

// RecordMode selects which Parser variant a Dispatcher drives.
type RecordMode string

const (
	ModeAggregated RecordMode = "aggregated"
	ModeNormalised RecordMode = "normalised"
)

// Notifier is the opaque post-write broadcast sink. Its own internals are
// out of scope; the Dispatcher only calls it after a confirmed upsert.
type Notifier interface {
	Notify(ctx context.Context, event string, detail map[string]any)
}

// Options configures a Dispatcher.
type Options struct {
	BasePath           string
	Table              string
	ConflictKey        string // "session_id" or a composite such as "gfx_pc_id,file_hash"
	ErrorFolder        string
	RateLimitRetries   int
	RateLimitBaseDelay time.Duration
	RecordMode         RecordMode
}

// Dispatcher is the single entry point per FileEvent.
type Dispatcher struct {
	opts    Options
	logger  *slog.Logger
	parser  *parser.Parser
	batch   *batchqueue.Queue[map[string]any]
	offline *offlinequeue.Queue
	remote  *remoteclient.Client
	uow     *unitofwork.UnitOfWork
	notify  Notifier
}

// New constructs a Dispatcher.
func New(opts Options, logger *slog.Logger, p *parser.Parser, batch *batchqueue.Queue[map[string]any], offline *offlinequeue.Queue, remote *remoteclient.Client, uow *unitofwork.UnitOfWork, notify Notifier) *Dispatcher {
	return &Dispatcher{
		opts: opts, logger: logger, parser: p, batch: batch, offline: offline, remote: remote, uow: uow, notify: notify,
	}
}

// Dispatch is the FileEvent handler registered with the Watcher and invoked
// once per initial-scan entry.
func (d *Dispatcher) Dispatch(ctx context.Context, evt model.FileEvent) error {
	if d.opts.RecordMode == ModeNormalised {
		return d.dispatchNormalised(ctx, evt)
	}
	return d.dispatchAggregated(ctx, evt)
}

func (d *Dispatcher) dispatchAggregated(ctx context.Context, evt model.FileEvent) error {
	rec, perr := d.parser.ParseAggregatedFile(evt.Path, evt.Producer)
	if perr != nil {
		if perr.Kind == parser.ErrFileNotFound {
			d.logger.Info("dispatcher: source disappeared before read", slog.String("path", evt.Path))
			return nil
		}
		d.quarantine(evt.Producer, evt.Path)
		d.logger.Warn("dispatcher: parse failure, quarantined", slog.String("path", evt.Path), slog.String("kind", string(perr.Kind)), slog.Any("error", perr))
		return nil
	}

	fields := toFields(rec)

	switch evt.Kind {
	case model.EventCreated:
		d.upsertSingle(ctx, fields, evt.Producer, evt.Path)
	case model.EventModified:
		if batch, flushed := d.batch.Add(fields); flushed {
			d.upsertBatch(ctx, batch, evt.Producer, evt.Path)
		}
	}
	return nil
}

func (d *Dispatcher) dispatchNormalised(ctx context.Context, evt model.FileEvent) error {
	nd, perr := d.parser.ParseNormalisedFile(evt.Path, evt.Producer)
	if perr != nil {
		if perr.Kind == parser.ErrFileNotFound {
			d.logger.Info("dispatcher: source disappeared before read", slog.String("path", evt.Path))
			return nil
		}
		d.quarantine(evt.Producer, evt.Path)
		d.logger.Warn("dispatcher: parse failure, quarantined", slog.String("path", evt.Path), slog.String("kind", string(perr.Kind)), slog.Any("error", perr))
		return nil
	}

	result := d.uow.SaveNormalised(ctx, *nd)
	if result.Success {
		d.notify.Notify(ctx, "synced", nd.Stats())
		return nil
	}

	d.logger.Warn("dispatcher: unit of work failed, queuing", slog.String("path", evt.Path), slog.String("error", result.Error))
	payload, _ := json.Marshal(nd)
	if _, err := d.offline.Enqueue(ctx, payload, evt.Producer, evt.Path); err != nil {
		return fmt.Errorf("dispatcher: enqueue failed: %w", err)
	}
	return nil
}

// upsertSingle performs the immediate path with in-band rate-limit backoff,
// bounded at opts.RateLimitRetries attempts, then falls back to the offline
// queue.
func (d *Dispatcher) upsertSingle(ctx context.Context, fields map[string]any, producer, path string) {
	for attempt := 0; attempt < d.opts.RateLimitRetries; attempt++ {
		result := d.remote.Upsert(ctx, d.opts.Table, []map[string]any{fields}, d.opts.ConflictKey)
		if result.Success {
			d.notify.Notify(ctx, "synced", map[string]any{"path": path})
			return
		}
		if result.Kind == remoteclient.ErrRateLimit {
			backoff := rateLimitBackoff(attempt, d.opts.RateLimitBaseDelay)
			d.logger.Warn("dispatcher: rate limited, backing off", slog.Int("attempt", attempt), slog.Duration("sleep", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			continue
		}

		// Any other failure: queue immediately, no further in-band retry.
		d.enqueueSingle(ctx, fields, producer, path, result.Error)
		return
	}

	// Exhausted retries.
	d.enqueueSingle(ctx, fields, producer, path, "rate_limit_exceeded")
}

func (d *Dispatcher) enqueueSingle(ctx context.Context, fields map[string]any, producer, path, reason string) {
	payload, err := json.Marshal(fields)
	if err != nil {
		d.logger.Error("dispatcher: cannot marshal record for offline queue", slog.Any("error", err))
		return
	}
	if _, err := d.offline.Enqueue(ctx, payload, producer, path); err != nil {
		d.logger.Error("dispatcher: offline enqueue failed", slog.Any("error", err), slog.String("reason", reason))
	}
}

// upsertBatch performs a single upsert for the whole batch; on failure every
// record is enqueued individually. Rate-limit retry is not applied here —
// the drain loop absorbs rate limiting for batched records.
func (d *Dispatcher) upsertBatch(ctx context.Context, batch []map[string]any, producer, path string) {
	result := d.remote.Upsert(ctx, d.opts.Table, batch, d.opts.ConflictKey)
	if result.Success {
		d.notify.Notify(ctx, "synced_batch", map[string]any{"count": len(batch)})
		return
	}
	for _, rec := range batch {
		d.enqueueSingle(ctx, rec, producer, path, result.Error)
	}
}

// FlushBatchQueue drains any pending batched records and upserts them,
// independent of the size/age trigger. Used on shutdown.
func (d *Dispatcher) FlushBatchQueue(ctx context.Context, producer, path string) {
	batch := d.batch.Flush()
	if len(batch) == 0 {
		return
	}
	d.upsertBatch(ctx, batch, producer, path)
}

// quarantine moves an unparseable file to "<base>/_error/<producer>_<name>",
// directly under BasePath regardless of the producer's watch-path depth.
// Idempotent: a repeated quarantine of an already-moved file is a no-op.
func (d *Dispatcher) quarantine(producer, path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	errorDir := filepath.Join(d.opts.BasePath, d.opts.ErrorFolder)
	if err := os.MkdirAll(errorDir, 0o755); err != nil {
		d.logger.Error("dispatcher: cannot create error folder", slog.Any("error", err))
		return
	}
	dest := filepath.Join(errorDir, fmt.Sprintf("%s_%s", producer, filepath.Base(path)))
	if err := os.Rename(path, dest); err != nil {
		d.logger.Error("dispatcher: quarantine move failed", slog.String("path", path), slog.Any("error", err))
	}
}

// rateLimitBackoff implements backoff = (2^attempt) * base_delay + uniform(0,1) seconds.
func rateLimitBackoff(attempt int, base time.Duration) time.Duration {
	exp := float64(int64(1) << uint(attempt))
	jitter := rand.Float64()
	seconds := exp*base.Seconds() + jitter
	return time.Duration(seconds * float64(time.Second))
}

// toFields strips internal-only bookkeeping fields (leading underscore
// convention, here the fields tagged json:"-") and returns the
// RemoteClient-ready record as a plain map.
func toFields(rec *model.AggregatedRecord) map[string]any {
	data, _ := json.Marshal(rec)
	var fields map[string]any
	_ = json.Unmarshal(data, &fields)
	return fields
}
