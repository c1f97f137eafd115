// Package batchqueue provides an in-memory bounded buffer that flushes on
// size or age, used for the "modified" event delivery path.
package batchqueue

import (
	"sync"
	"time"
)

// Stats reports BatchQueue counters for the health surface.
type Stats struct {
	TotalAdded   int64
	TotalFlushed int64
	Pending      int
	SinceFlush   time.Duration
}

// Queue is an in-memory bounded buffer. add returns a drained batch when
// either the size or age threshold is reached. All operations are mutually
// exclusive. Queue never drops records silently.
type Queue[T any] struct {
	mu            sync.Mutex
	maxSize       int
	flushInterval time.Duration

	buf          []T
	lastFlush    time.Time
	totalAdded   int64
	totalFlushed int64
}

// New constructs a Queue with the given size and age flush thresholds.
func New[T any](maxSize int, flushInterval time.Duration) *Queue[T] {
	return &Queue[T]{
		maxSize:       maxSize,
		flushInterval: flushInterval,
		lastFlush:     time.Now(),
	}
}

// Add buffers record and returns (batch, true) if a flush condition (size or
// age) is met, draining the entire buffer in insertion order and resetting
// the flush clock. Otherwise it returns (nil, false).
func (q *Queue[T]) Add(record T) ([]T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf = append(q.buf, record)
	q.totalAdded++

	if len(q.buf) >= q.maxSize || time.Since(q.lastFlush) >= q.flushInterval {
		return q.drainLocked(), true
	}
	return nil, false
}

// Flush unconditionally drains the buffer, returning nil if it was empty.
func (q *Queue[T]) Flush() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return nil
	}
	return q.drainLocked()
}

func (q *Queue[T]) drainLocked() []T {
	out := q.buf
	q.buf = nil
	q.lastFlush = time.Now()
	q.totalFlushed += int64(len(out))
	return out
}

// Stats returns a point-in-time snapshot of the queue's counters.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalAdded:   q.totalAdded,
		TotalFlushed: q.totalFlushed,
		Pending:      len(q.buf),
		SinceFlush:   time.Since(q.lastFlush),
	}
}
