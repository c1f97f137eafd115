// Package offlinequeue is a WAL-mode SQLite-backed durable queue used as the
// fallback delivery path when the remote store is unreachable or rejects a
// record. Failed drains increment a per-row retry counter; a row that would
// exceed the configured retry ceiling is atomically promoted to a terminal
// dead_letter table instead.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that the
// Dispatcher's enqueue path and the Agent's drain loop can proceed without
// blocking each other. A single writer connection serialises every mutation
// through database/sql's own pool, avoiding "database is locked" errors.
package offlinequeue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/gfxsync/agent/internal/model"
)

// Queue is a WAL-mode SQLite-backed durable queue. Safe for concurrent use.
type Queue struct {
	db        *sql.DB
	logger    *slog.Logger
	maxSize   int
	depth     atomic.Int64
	deadCount atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL mode and
// a busy timeout, and applies the schema. maxSize bounds the pending table;
// enqueue evicts the oldest rows once the bound is reached.
func Open(path string, maxSize int, logger *slog.Logger) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises every mutation through this package's own call sites.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("offlinequeue: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offlinequeue: apply schema: %w", err)
	}

	q := &Queue{db: db, logger: logger, maxSize: maxSize}

	var pending, dead int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM pending`).Scan(&pending); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offlinequeue: count pending: %w", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM dead_letter`).Scan(&dead); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("offlinequeue: count dead_letter: %w", err)
	}
	q.depth.Store(pending)
	q.deadCount.Store(dead)

	return q, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS pending (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    record_json BLOB    NOT NULL,
    producer_id TEXT    NOT NULL,
    file_path   TEXT    NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    last_error  TEXT
);
CREATE INDEX IF NOT EXISTS idx_pending_retry ON pending (retry_count, id);
CREATE INDEX IF NOT EXISTS idx_pending_producer ON pending (producer_id);

CREATE TABLE IF NOT EXISTS dead_letter (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    record_json  BLOB    NOT NULL,
    producer_id  TEXT    NOT NULL,
    file_path    TEXT    NOT NULL,
    retry_count  INTEGER NOT NULL,
    error_reason TEXT    NOT NULL,
    created_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_dead_letter_producer ON dead_letter (producer_id);
`

// Enqueue serialises record and appends it to the pending table. If the row
// count would exceed maxSize, the oldest rows (by created_at ascending) are
// evicted down to maxSize-1 first, and a warning identifying their producers
// is logged. Returns the new row id.
func (q *Queue) Enqueue(ctx context.Context, recordJSON []byte, producer, path string) (int64, error) {
	if q.maxSize > 0 {
		var count int64
		if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending`).Scan(&count); err != nil {
			return 0, fmt.Errorf("offlinequeue: count: %w", err)
		}
		if count >= int64(q.maxSize) {
			if err := q.evictOldest(ctx, count-int64(q.maxSize)+1); err != nil {
				return 0, err
			}
		}
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO pending (record_json, producer_id, file_path) VALUES (?, ?, ?)`,
		recordJSON, producer, path)
	if err != nil {
		return 0, fmt.Errorf("offlinequeue: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("offlinequeue: enqueue: %w", err)
	}
	q.depth.Add(1)
	return id, nil
}

func (q *Queue) evictOldest(ctx context.Context, n int64) error {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, producer_id FROM pending ORDER BY created_at ASC, id ASC LIMIT ?`, n)
	if err != nil {
		return fmt.Errorf("offlinequeue: evict select: %w", err)
	}
	var ids []int64
	var producers []string
	for rows.Next() {
		var id int64
		var producer string
		if err := rows.Scan(&id, &producer); err != nil {
			rows.Close()
			return fmt.Errorf("offlinequeue: evict scan: %w", err)
		}
		ids = append(ids, id)
		producers = append(producers, producer)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("offlinequeue: evict rows: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := q.deleteByIDs(ctx, "pending", ids); err != nil {
		return err
	}
	q.depth.Add(-int64(len(ids)))
	q.logger.Warn("offlinequeue: evicted oldest rows at capacity",
		slog.Int64("count", int64(len(ids))), slog.Any("producers", producers))
	return nil
}

// DequeueBatch returns up to limit pending rows ordered by ascending
// (retry_count, id) — lowest-retry-first, then FIFO.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, record_json, producer_id, file_path, retry_count, created_at, COALESCE(last_error, '')
		 FROM pending ORDER BY retry_count ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: dequeue: %w", err)
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var createdAt string
		if err := rows.Scan(&item.ID, &item.RecordJSON, &item.ProducerID, &item.FilePath, &item.RetryCount, &createdAt, &item.LastError); err != nil {
			return nil, fmt.Errorf("offlinequeue: dequeue scan: %w", err)
		}
		item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// MarkCompleted deletes the given rows from pending.
func (q *Queue) MarkCompleted(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.deleteByIDs(ctx, "pending", ids); err != nil {
		return err
	}
	q.depth.Add(-int64(len(ids)))
	return nil
}

// MarkFailed handles one failed drain attempt for id. If the row's current
// retry_count would reach maxRetries, it is atomically promoted to
// dead_letter (moved=true); otherwise the counter is incremented and
// last_error stored (moved=false).
func (q *Queue) MarkFailed(ctx context.Context, id int64, errMsg string, maxRetries int) (moved bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("offlinequeue: mark_failed begin: %w", err)
	}
	defer tx.Rollback()

	var recordJSON []byte
	var producer, path string
	var retryCount int
	row := tx.QueryRowContext(ctx,
		`SELECT record_json, producer_id, file_path, retry_count FROM pending WHERE id = ?`, id)
	if err := row.Scan(&recordJSON, &producer, &path, &retryCount); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("offlinequeue: mark_failed select: %w", err)
	}

	if retryCount >= maxRetries-1 {
		nextCount := retryCount + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letter (record_json, producer_id, file_path, retry_count, error_reason) VALUES (?, ?, ?, ?, ?)`,
			recordJSON, producer, path, nextCount, errMsg); err != nil {
			return false, fmt.Errorf("offlinequeue: mark_failed insert dead_letter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending WHERE id = ?`, id); err != nil {
			return false, fmt.Errorf("offlinequeue: mark_failed delete pending: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("offlinequeue: mark_failed commit: %w", err)
		}
		q.depth.Add(-1)
		q.deadCount.Add(1)
		return true, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE pending SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`, errMsg, id); err != nil {
		return false, fmt.Errorf("offlinequeue: mark_failed update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("offlinequeue: mark_failed commit: %w", err)
	}
	return false, nil
}

// Count returns the number of pending rows.
func (q *Queue) Count() int { return int(q.depth.Load()) }

// DeadLetterCount returns the number of dead_letter rows.
func (q *Queue) DeadLetterCount() int { return int(q.deadCount.Load()) }

// GetDeadLetters returns up to limit dead_letter rows, oldest first.
func (q *Queue) GetDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, record_json, producer_id, file_path, retry_count, error_reason, created_at
		 FROM dead_letter ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("offlinequeue: get_dead_letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetterItem
	for rows.Next() {
		var item model.DeadLetterItem
		var createdAt string
		if err := rows.Scan(&item.ID, &item.RecordJSON, &item.ProducerID, &item.FilePath, &item.RetryCount, &item.ErrorReason, &createdAt); err != nil {
			return nil, fmt.Errorf("offlinequeue: get_dead_letters scan: %w", err)
		}
		item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, item)
	}
	return out, rows.Err()
}

// RetryDeadLetter re-inserts a dead_letter row into pending with retry_count
// reset to 0, and deletes it from dead_letter. Operator-initiated only.
func (q *Queue) RetryDeadLetter(ctx context.Context, id int64) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("offlinequeue: retry_dead_letter begin: %w", err)
	}
	defer tx.Rollback()

	var recordJSON []byte
	var producer, path string
	row := tx.QueryRowContext(ctx, `SELECT record_json, producer_id, file_path FROM dead_letter WHERE id = ?`, id)
	if err := row.Scan(&recordJSON, &producer, &path); err != nil {
		return fmt.Errorf("offlinequeue: retry_dead_letter select: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pending (record_json, producer_id, file_path, retry_count) VALUES (?, ?, ?, 0)`,
		recordJSON, producer, path); err != nil {
		return fmt.Errorf("offlinequeue: retry_dead_letter insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = ?`, id); err != nil {
		return fmt.Errorf("offlinequeue: retry_dead_letter delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("offlinequeue: retry_dead_letter commit: %w", err)
	}
	q.depth.Add(1)
	q.deadCount.Add(-1)
	return nil
}

// Stats is the pending/dead-letter summary exposed on the health surface.
type Stats struct {
	Pending     int
	DeadLetter  int
	ByProducer  map[string]int
}

// Stats returns a point-in-time summary including a per-producer pending breakdown.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Pending: q.Count(), DeadLetter: q.DeadLetterCount(), ByProducer: map[string]int{}}

	rows, err := q.db.QueryContext(ctx, `SELECT producer_id, COUNT(*) FROM pending GROUP BY producer_id`)
	if err != nil {
		return stats, fmt.Errorf("offlinequeue: stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var producer string
		var n int
		if err := rows.Scan(&producer, &n); err != nil {
			return stats, fmt.Errorf("offlinequeue: stats scan: %w", err)
		}
		stats.ByProducer[producer] = n
	}
	return stats, rows.Err()
}

func (q *Queue) deleteByIDs(ctx context.Context, table string, ids []int64) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, table, placeholders), args...)
	if err != nil {
		return fmt.Errorf("offlinequeue: delete from %s: %w", table, err)
	}
	return nil
}

// Close closes the underlying database connection.
func (q *Queue) Close() error {
	return q.db.Close()
}
