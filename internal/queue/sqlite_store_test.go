package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/infraspectre/amoskys/internal/errs"
)

func openTestQueue(t *testing.T, limits Limits) *SQLiteQueue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.db")
	q, err := Open(path, limits)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	q, err := Open(path, Limits{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer q.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")

	for i := 0; i < 3; i++ {
		q, err := Open(path, Limits{})
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		q.Close()
	}
}

func TestEnqueue_IdempotentForPendingRecord(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Limits{})

	inserted, err := q.Enqueue(ctx, "event-1", []byte("env-1"), 100)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !inserted {
		t.Errorf("Enqueue (first) inserted = false, want true")
	}

	inserted, err = q.Enqueue(ctx, "event-1", []byte("env-1-resend"), 200)
	if err != nil {
		t.Fatalf("Enqueue (re-enqueue) should be a no-op, got error: %v", err)
	}
	if inserted {
		t.Errorf("Enqueue (re-enqueue) inserted = true, want false (must report duplicate, not a fresh insert)")
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1 {
		t.Errorf("Size() = %d, want 1 (idempotent re-enqueue must not duplicate)", size)
	}
}

func TestEnqueue_RejectsAtCapacity(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Limits{MaxRecords: 1})

	if _, err := q.Enqueue(ctx, "event-1", []byte("env-1"), 100); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}

	_, err := q.Enqueue(ctx, "event-2", []byte("env-2"), 200)
	if !errs.Is(err, errs.KindQueueFull) {
		t.Fatalf("Enqueue at capacity = %v, want QUEUE_FULL", err)
	}

	size, _ := q.Size(ctx)
	if size != 1 {
		t.Errorf("Size() after rejected enqueue = %d, want 1 (reject newest)", size)
	}
}

func TestPeekBatch_FIFOOrderAndInflightTransition(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Limits{})

	for i, id := range []string{"event-a", "event-b", "event-c"} {
		if _, err := q.Enqueue(ctx, id, []byte("env"), int64(100+i)); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}

	batch, err := q.PeekBatch(ctx, 2, 1000)
	if err != nil {
		t.Fatalf("PeekBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("PeekBatch returned %d records, want 2", len(batch))
	}
	if batch[0].EventID != "event-a" || batch[1].EventID != "event-b" {
		t.Errorf("PeekBatch order = [%s, %s], want FIFO [event-a, event-b]", batch[0].EventID, batch[1].EventID)
	}
	for _, r := range batch {
		if r.State != StateInflight {
			t.Errorf("record %s state = %s, want INFLIGHT after peek", r.EventID, r.State)
		}
	}

	second, err := q.PeekBatch(ctx, 2, 1000)
	if err != nil {
		t.Fatalf("second PeekBatch: %v", err)
	}
	if len(second) != 1 || second[0].EventID != "event-c" {
		t.Errorf("second PeekBatch should return only event-c (others are inflight), got %v", second)
	}
}

func TestAckRemovesFromActiveCount(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Limits{})

	if _, err := q.Enqueue(ctx, "event-1", []byte("env"), 100); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.PeekBatch(ctx, 10, 1000); err != nil {
		t.Fatalf("PeekBatch: %v", err)
	}
	if err := q.Ack(ctx, []string{"event-1"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Errorf("Size() after ack = %d, want 0", size)
	}

	freed, err := q.GC(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if freed != 1 {
		t.Errorf("GC() freed = %d, want 1", freed)
	}
}

func TestNackReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Limits{})

	if _, err := q.Enqueue(ctx, "event-1", []byte("env"), 100); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.PeekBatch(ctx, 10, 1000); err != nil {
		t.Fatalf("PeekBatch: %v", err)
	}
	if err := q.Nack(ctx, []string{"event-1"}, 1000, 5000); err != nil {
		t.Fatalf("Nack: %v", err)
	}

	immediate, err := q.PeekBatch(ctx, 10, 1000)
	if err != nil {
		t.Fatalf("PeekBatch immediate: %v", err)
	}
	if len(immediate) != 0 {
		t.Errorf("PeekBatch before backoff elapses returned %d records, want 0", len(immediate))
	}

	later, err := q.PeekBatch(ctx, 10, 6000)
	if err != nil {
		t.Fatalf("PeekBatch later: %v", err)
	}
	if len(later) != 1 {
		t.Errorf("PeekBatch after backoff elapses returned %d records, want 1", len(later))
	}
}

func TestOldestAgeNs(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t, Limits{})

	age, err := q.OldestAgeNs(ctx, 1000)
	if err != nil {
		t.Fatalf("OldestAgeNs (empty): %v", err)
	}
	if age != 0 {
		t.Errorf("OldestAgeNs (empty) = %d, want 0", age)
	}

	if _, err := q.Enqueue(ctx, "event-1", []byte("env"), 100); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	age, err = q.OldestAgeNs(ctx, 1500)
	if err != nil {
		t.Fatalf("OldestAgeNs: %v", err)
	}
	if age != 1400 {
		t.Errorf("OldestAgeNs = %d, want 1400", age)
	}
}
