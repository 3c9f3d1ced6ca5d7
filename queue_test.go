package driftline

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestQueue(t *testing.T) (*MutationQueue, *SyncStore, *ManualClock) {
	t.Helper()
	store := newTestStore(t)
	clock := NewManualClock(time.Unix(1000, 0))
	q, err := NewMutationQueue(store, QueueConfig{CoalesceUpdates: true}, clock)
	if err != nil {
		t.Fatalf("NewMutationQueue: %v", err)
	}
	return q, store, clock
}

func testMutation(id string, kind MutationKind, changes map[string]any) *PendingMutation {
	return &PendingMutation{
		ID:         id,
		RecordType: "ticket",
		Kind:       kind,
		Changes:    changes,
		EditorID:   "alice",
	}
}

func TestQueue_EnqueueDequeueAck(t *testing.T) {
	q, _, _ := newTestQueue(t)

	m := testMutation("t1", MutationCreate, map[string]any{"title": "hello"})
	if err := q.Enqueue(m); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("len = %d, want 1", q.Len())
	}

	batch := q.DequeueBatch("ticket", 10)
	if len(batch) != 1 || batch[0].ID != "t1" {
		t.Fatalf("unexpected batch %+v", batch)
	}
	if !q.InFlight("t1") {
		t.Error("dequeued mutation must be in flight")
	}

	if err := q.Ack("t1"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("len after ack = %d, want 0", q.Len())
	}
}

func TestQueue_CoalescesUpdates(t *testing.T) {
	q, _, _ := newTestQueue(t)

	first := testMutation("t1", MutationUpdate, map[string]any{"status": "Open"})
	first.BaseVersion = "v1"
	first.BaseFields = map[string]any{"status": "New", "title": "A"}
	first.EditedAt = 100
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	second := testMutation("t1", MutationUpdate, map[string]any{"status": "Closed", "title": "B"})
	second.BaseVersion = "v2"
	second.EditedAt = 200
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1 after coalescing", q.Len())
	}

	m, ok := q.PendingFor("t1")
	if !ok {
		t.Fatal("no pending mutation")
	}
	// Later values win; the earliest base survives for conflict detection.
	if m.Changes["status"] != "Closed" || m.Changes["title"] != "B" {
		t.Errorf("coalesced changes = %v", m.Changes)
	}
	if m.BaseVersion != "v1" {
		t.Errorf("base version = %q, want the earliest v1", m.BaseVersion)
	}
	if m.BaseFields["title"] != "A" {
		t.Errorf("base fields = %v, want the earliest snapshot", m.BaseFields)
	}
	if m.EditedAt != 200 {
		t.Errorf("edited at = %d, want the latest 200", m.EditedAt)
	}
}

func TestQueue_NoCoalesceAcrossInFlight(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if err := q.Enqueue(testMutation("t1", MutationUpdate, map[string]any{"a": 1})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	batch := q.DequeueBatch("ticket", 10)
	if len(batch) != 1 {
		t.Fatalf("batch = %d, want 1", len(batch))
	}

	// The in-flight entry must not absorb new edits made mid-push.
	if err := q.Enqueue(testMutation("t1", MutationUpdate, map[string]any{"a": 2})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestQueue_PerRecordExclusivity(t *testing.T) {
	q, _, _ := newTestQueue(t)

	for i := 0; i < 3; i++ {
		m := testMutation("t1", MutationUpdate, map[string]any{"n": i})
		m.Kind = MutationDelete // deletes never coalesce
		if err := q.Enqueue(m); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.Enqueue(testMutation("t2", MutationCreate, map[string]any{"n": 9})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	batch := q.DequeueBatch("ticket", 10)
	if len(batch) != 2 {
		t.Fatalf("batch = %d, want 2 (one per record)", len(batch))
	}
	seen := map[string]int{}
	for _, m := range batch {
		seen[m.ID]++
	}
	if seen["t1"] != 1 || seen["t2"] != 1 {
		t.Errorf("batch not one-per-record: %v", seen)
	}

	// A second dequeue while t1 is in flight yields nothing for t1.
	if extra := q.DequeueBatch("ticket", 10); len(extra) != 0 {
		t.Errorf("dequeued %d while in flight, want 0", len(extra))
	}
}

func TestQueue_BackoffWindowSkipped(t *testing.T) {
	q, _, clock := newTestQueue(t)

	if err := q.Enqueue(testMutation("t1", MutationCreate, map[string]any{"a": 1})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	batch := q.DequeueBatch("ticket", 10)
	if len(batch) != 1 {
		t.Fatalf("batch = %d, want 1", len(batch))
	}

	notBefore := clock.Now().Add(30 * time.Second).UnixNano()
	if err := q.Requeue(batch[0], "network failure", notBefore); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	if batch := q.DequeueBatch("ticket", 10); len(batch) != 0 {
		t.Errorf("mutation dequeued inside its backoff window")
	}

	clock.Advance(31 * time.Second)
	batch = q.DequeueBatch("ticket", 10)
	if len(batch) != 1 {
		t.Fatalf("batch after window = %d, want 1", len(batch))
	}
	if batch[0].AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", batch[0].AttemptCount)
	}
	if batch[0].LastError != "network failure" {
		t.Errorf("last error = %q", batch[0].LastError)
	}
}

func TestQueue_RequeueNowKeepsAttemptBudget(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if err := q.Enqueue(testMutation("t1", MutationCreate, map[string]any{"a": 1})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	batch := q.DequeueBatch("ticket", 10)
	if len(batch) != 1 {
		t.Fatalf("batch = %d, want 1", len(batch))
	}

	if err := q.RequeueNow(batch[0], "version conflict"); err != nil {
		t.Fatalf("RequeueNow: %v", err)
	}

	// Immediately eligible again, attempt budget untouched.
	batch = q.DequeueBatch("ticket", 10)
	if len(batch) != 1 {
		t.Fatalf("batch after requeue = %d, want 1", len(batch))
	}
	if batch[0].AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0", batch[0].AttemptCount)
	}
	if batch[0].ConflictRetries != 1 {
		t.Errorf("conflict retries = %d, want 1", batch[0].ConflictRetries)
	}
	if batch[0].LastError != "version conflict" {
		t.Errorf("last error = %q", batch[0].LastError)
	}
}

func TestQueue_ParkAndTake(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if err := q.Enqueue(testMutation("t1", MutationUpdate, map[string]any{"a": 1})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.DequeueBatch("ticket", 10)

	remote := &Record{Type: "ticket", ID: "t1", Version: "v5"}
	if err := q.Park("t1", "needs user decision", remote); err != nil {
		t.Fatalf("Park: %v", err)
	}

	pc, ok := q.Parked("t1")
	if !ok || pc.Reason != "needs user decision" || pc.Remote.Version != "v5" {
		t.Fatalf("unexpected parked conflict %+v", pc)
	}
	if batch := q.DequeueBatch("ticket", 10); len(batch) != 0 {
		t.Error("parked mutation must not dequeue")
	}

	taken, err := q.TakeParked("t1")
	if err != nil {
		t.Fatalf("TakeParked: %v", err)
	}
	if taken.Mutation.ID != "t1" {
		t.Errorf("taken = %+v", taken.Mutation)
	}
	if _, err := q.TakeParked("t1"); err != ErrNoParkedConflict {
		t.Errorf("second take err = %v, want ErrNoParkedConflict", err)
	}
}

func TestQueue_DeadLetter(t *testing.T) {
	q, _, _ := newTestQueue(t)

	if err := q.Enqueue(testMutation("t1", MutationUpdate, map[string]any{"a": 1})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.DequeueBatch("ticket", 10)

	if err := q.DeadLetter("t1", "validation rejected"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	dead := q.DeadLetters()
	if len(dead) != 1 || dead[0].LastError != "validation rejected" {
		t.Fatalf("dead letters = %+v", dead)
	}

	if err := q.AckDeadLetter("t1"); err != nil {
		t.Fatalf("AckDeadLetter: %v", err)
	}
	if len(q.DeadLetters()) != 0 {
		t.Error("dead letter survived ack")
	}
}

func TestQueue_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	clock := NewManualClock(time.Unix(1000, 0))

	store, err := NewSyncStore(StoreConfig{Path: path, CompressPayloads: true}, nil)
	if err != nil {
		t.Fatalf("NewSyncStore: %v", err)
	}
	q, err := NewMutationQueue(store, QueueConfig{CoalesceUpdates: true}, clock)
	if err != nil {
		t.Fatalf("NewMutationQueue: %v", err)
	}

	if err := q.Enqueue(testMutation("t1", MutationCreate, map[string]any{"title": "a"})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(testMutation("t2", MutationCreate, map[string]any{"title": "b"})); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.DequeueBatch("ticket", 1)
	if err := q.Park("t1", "conflict", &Record{Type: "ticket", ID: "t1", Version: "v9"}); err != nil {
		t.Fatalf("Park: %v", err)
	}
	store.Close()

	// Crash and restart: pending and parked state must both come back.
	store, err = NewSyncStore(StoreConfig{Path: path, CompressPayloads: true}, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store.Close()
	q, err = NewMutationQueue(store, QueueConfig{CoalesceUpdates: true}, clock)
	if err != nil {
		t.Fatalf("reload queue: %v", err)
	}

	if q.Len() != 1 {
		t.Errorf("pending after restart = %d, want 1", q.Len())
	}
	if _, ok := q.PendingFor("t2"); !ok {
		t.Error("t2 lost across restart")
	}
	pc, ok := q.Parked("t1")
	if !ok {
		t.Fatal("parked conflict lost across restart")
	}
	if pc.Remote == nil || pc.Remote.Version != "v9" {
		t.Errorf("parked remote snapshot lost: %+v", pc.Remote)
	}
}

func TestQueue_ConcurrentEnqueue(t *testing.T) {
	q, _, _ := newTestQueue(t)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := fmt.Sprintf("rec-%d", (w*100+i)%50)
				m := testMutation(id, MutationUpdate, map[string]any{"n": i})
				if err := q.Enqueue(m); err != nil {
					t.Errorf("Enqueue: %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	// At most one in-flight mutation per record id, regardless of how many
	// were enqueued concurrently.
	batch := q.DequeueBatch("ticket", 1000)
	seen := map[string]bool{}
	for _, m := range batch {
		if seen[m.ID] {
			t.Fatalf("record %s dequeued twice in one batch", m.ID)
		}
		seen[m.ID] = true
	}
}
