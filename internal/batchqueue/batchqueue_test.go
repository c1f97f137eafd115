package batchqueue

import (
	"testing"
	"time"
)

func TestFlushCompletenessOnSize(t *testing.T) {
	q := New[int](3, time.Minute)

	var got []int
	for _, v := range []int{10, 11, 12} {
		batch, flushed := q.Add(v)
		if flushed {
			got = append(got, batch...)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected a size-triggered batch of 3, got %v", got)
	}
	for i, want := range []int{10, 11, 12} {
		if got[i] != want {
			t.Fatalf("batch order mismatch at %d: got %d want %d", i, got[i], want)
		}
	}

	stats := q.Stats()
	if stats.Pending != 0 {
		t.Fatalf("expected empty queue after flush, got pending=%d", stats.Pending)
	}
}

func TestFlushOnAge(t *testing.T) {
	q := New[int](100, 10*time.Millisecond)
	q.Add(1)
	time.Sleep(20 * time.Millisecond)
	batch, flushed := q.Add(2)
	if !flushed {
		t.Fatal("expected age-triggered flush")
	}
	if len(batch) != 2 {
		t.Fatalf("expected both records in the age-triggered batch, got %v", batch)
	}
}

func TestExplicitFlushDrainsEverything(t *testing.T) {
	q := New[string](100, time.Hour)
	q.Add("a")
	q.Add("b")
	batch := q.Flush()
	if len(batch) != 2 {
		t.Fatalf("expected 2 items, got %v", batch)
	}
	if q.Flush() != nil {
		t.Fatal("expected nil from flushing an empty queue")
	}
}
