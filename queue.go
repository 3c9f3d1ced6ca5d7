package driftline

import (
	"fmt"
	"sync"
)

// queueEntry pairs a mutation with its durable row.
type queueEntry struct {
	seq    int64
	m      *PendingMutation
	remote *Record // remote snapshot observed at park time, nil otherwise
	reason string  // park or dead-letter reason
}

// ParkedConflict describes a mutation awaiting a user decision.
type ParkedConflict struct {
	Mutation *PendingMutation `json:"mutation"`
	// Remote is the remote record snapshot observed when the conflict was
	// detected; nil when the record was deleted upstream.
	Remote *Record `json:"remote,omitempty"`
	Reason string  `json:"reason"`
}

// MutationQueue is the durable, ordered store of pending local writes.
// Every mutating operation is persisted before it returns, so a crash never
// loses an unacknowledged edit. All cross-goroutine access goes through the
// exported methods.
//
// Ordering: mutations to the same record id are delivered in enqueue order,
// and at most one mutation per record id is in flight at a time.
type MutationQueue struct {
	mu     sync.Mutex
	store  *SyncStore
	config QueueConfig
	clock  Clock

	pending  []*queueEntry
	inflight map[string]*queueEntry
	parked   map[string]*queueEntry
	dead     []*queueEntry
}

// NewMutationQueue creates a queue backed by the given store, reloading any
// state persisted by a previous process.
func NewMutationQueue(store *SyncStore, config QueueConfig, clock Clock) (*MutationQueue, error) {
	q := &MutationQueue{
		store:    store,
		config:   config,
		clock:    clock,
		inflight: make(map[string]*queueEntry),
		parked:   make(map[string]*queueEntry),
	}

	pending, err := store.LoadMutations(mutationStatePending)
	if err != nil {
		return nil, fmt.Errorf("reload pending mutations: %w", err)
	}
	for _, sm := range pending {
		q.pending = append(q.pending, &queueEntry{seq: sm.Seq, m: sm.Mutation})
	}

	parked, err := store.LoadMutations(mutationStateParked)
	if err != nil {
		return nil, fmt.Errorf("reload parked mutations: %w", err)
	}
	for _, sm := range parked {
		q.parked[sm.Mutation.ID] = &queueEntry{
			seq: sm.Seq, m: sm.Mutation, remote: sm.Remote, reason: sm.Mutation.LastError,
		}
	}

	dead, err := store.LoadMutations(mutationStateDead)
	if err != nil {
		return nil, fmt.Errorf("reload dead letters: %w", err)
	}
	for _, sm := range dead {
		q.dead = append(q.dead, &queueEntry{seq: sm.Seq, m: sm.Mutation, reason: sm.Mutation.LastError})
	}

	return q, nil
}

// Enqueue appends a mutation in FIFO order. Consecutive updates to the same
// record coalesce into one pending entry: later values win locally while the
// earliest base version is preserved, so conflict detection still runs
// against the snapshot the first edit was made on.
func (q *MutationQueue) Enqueue(m *PendingMutation) error {
	if m.ID == "" || m.RecordType == "" {
		return fmt.Errorf("mutation requires record id and type")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.MaxPending > 0 && len(q.pending) >= q.config.MaxPending {
		return fmt.Errorf("mutation queue full (%d pending)", q.config.MaxPending)
	}

	m = m.Clone()
	m.EnqueuedAt = q.clock.Now().UnixNano()

	if q.config.CoalesceUpdates && m.Kind == MutationUpdate {
		if last := q.lastPendingLocked(m.ID); last != nil && q.inflight[m.ID] != last {
			if last.m.Kind == MutationUpdate || last.m.Kind == MutationCreate {
				if last.m.Changes == nil {
					last.m.Changes = make(map[string]any, len(m.Changes))
				}
				for f, v := range m.Changes {
					last.m.Changes[f] = cloneValue(v)
				}
				last.m.EditedAt = m.EditedAt
				last.m.EditorID = m.EditorID
				last.m.EditorRole = m.EditorRole
				// BaseVersion and BaseFields stay at the earliest seen.
				return q.store.UpdateMutation(last.seq, last.m, mutationStatePending, nil)
			}
		}
	}

	seq, err := q.store.InsertMutation(m, mutationStatePending)
	if err != nil {
		return err
	}
	q.pending = append(q.pending, &queueEntry{seq: seq, m: m})
	return nil
}

func (q *MutationQueue) lastPendingLocked(id string) *queueEntry {
	for i := len(q.pending) - 1; i >= 0; i-- {
		if q.pending[i].m.ID == id {
			return q.pending[i]
		}
	}
	return nil
}

// DequeueBatch returns up to max ready mutations of the given record type in
// enqueue order and marks them in flight. A record with an in-flight or
// parked mutation is skipped, as are mutations still inside their backoff
// window. Returned mutations are copies; pass results back via Ack, Requeue,
// Park, or DeadLetter.
func (q *MutationQueue) DequeueBatch(recordType string, max int) []*PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UnixNano()
	var batch []*PendingMutation
	seen := make(map[string]bool)

	for _, e := range q.pending {
		if len(batch) >= max {
			break
		}
		if recordType != "" && e.m.RecordType != recordType {
			continue
		}
		id := e.m.ID
		if seen[id] || q.inflight[id] != nil || q.parked[id] != nil {
			seen[id] = true
			continue
		}
		if e.m.NotBefore > now {
			seen[id] = true
			continue
		}
		seen[id] = true
		q.inflight[id] = e
		batch = append(batch, e.m.Clone())
	}
	return batch
}

// Ack removes an in-flight mutation on confirmed remote acceptance.
func (q *MutationQueue) Ack(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.inflight[id]
	if e == nil {
		return fmt.Errorf("no in-flight mutation for record %s", id)
	}
	if err := q.store.DeleteMutation(e.seq); err != nil {
		return err
	}
	delete(q.inflight, id)
	q.removePendingLocked(e)
	return nil
}

// Requeue returns an in-flight mutation to the queue after a failed attempt.
// The caller supplies the updated attempt count, error text, and the earliest
// next-attempt time computed by the backoff controller.
func (q *MutationQueue) Requeue(m *PendingMutation, lastError string, notBefore int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.inflight[m.ID]
	if e == nil {
		return fmt.Errorf("no in-flight mutation for record %s", m.ID)
	}
	e.m = m.Clone()
	e.m.AttemptCount++
	e.m.LastError = lastError
	e.m.NotBefore = notBefore
	if err := q.store.UpdateMutation(e.seq, e.m, mutationStatePending, nil); err != nil {
		return err
	}
	delete(q.inflight, m.ID)
	return nil
}

// RequeueNow returns an in-flight mutation to the pending queue for an
// immediate retry without charging the attempt budget. Used when the retry
// is not a remote failure, e.g. a version conflict that must re-resolve
// against a newer remote snapshot.
func (q *MutationQueue) RequeueNow(m *PendingMutation, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.inflight[m.ID]
	if e == nil {
		return fmt.Errorf("no in-flight mutation for record %s", m.ID)
	}
	e.m = m.Clone()
	e.m.ConflictRetries++
	e.m.LastError = lastError
	e.m.NotBefore = 0
	if err := q.store.UpdateMutation(e.seq, e.m, mutationStatePending, nil); err != nil {
		return err
	}
	delete(q.inflight, m.ID)
	return nil
}

// Park moves a mutation into the pending-user-decision state. remote is the
// remote snapshot observed at detection time (nil for stale deletes). Works
// on the in-flight entry or, for the pull path, the oldest pending entry.
func (q *MutationQueue) Park(id, reason string, remote *Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.inflight[id]
	if e == nil {
		e = q.firstPendingLocked(id)
	}
	if e == nil {
		return fmt.Errorf("no mutation to park for record %s", id)
	}
	e.m.LastError = reason
	e.reason = reason
	e.remote = remote
	if err := q.store.UpdateMutation(e.seq, e.m, mutationStateParked, remote); err != nil {
		return err
	}
	delete(q.inflight, id)
	q.removePendingLocked(e)
	q.parked[id] = e
	return nil
}

// DeadLetter moves a mutation to the terminal dead-letter set. Dead letters
// are retained until explicitly acknowledged; no edit is silently lost.
func (q *MutationQueue) DeadLetter(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.inflight[id]
	if e == nil {
		return fmt.Errorf("no in-flight mutation for record %s", id)
	}
	e.m.LastError = reason
	e.reason = reason
	if err := q.store.UpdateMutation(e.seq, e.m, mutationStateDead, nil); err != nil {
		return err
	}
	delete(q.inflight, id)
	q.removePendingLocked(e)
	q.dead = append(q.dead, e)
	return nil
}

// Parked returns the parked conflict for a record, if any.
func (q *MutationQueue) Parked(id string) (*ParkedConflict, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.parked[id]
	if !ok {
		return nil, false
	}
	return &ParkedConflict{Mutation: e.m.Clone(), Remote: e.remote.Clone(), Reason: e.reason}, true
}

// ParkedConflicts returns all parked conflicts.
func (q *MutationQueue) ParkedConflicts() []*ParkedConflict {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*ParkedConflict, 0, len(q.parked))
	for _, e := range q.parked {
		out = append(out, &ParkedConflict{Mutation: e.m.Clone(), Remote: e.remote.Clone(), Reason: e.reason})
	}
	return out
}

// TakeParked removes and returns a parked conflict for user resolution.
func (q *MutationQueue) TakeParked(id string) (*ParkedConflict, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.parked[id]
	if !ok {
		return nil, ErrNoParkedConflict
	}
	if err := q.store.DeleteMutation(e.seq); err != nil {
		return nil, err
	}
	delete(q.parked, id)
	return &ParkedConflict{Mutation: e.m.Clone(), Remote: e.remote.Clone(), Reason: e.reason}, nil
}

// HasPending reports whether a record has a pending or in-flight mutation.
func (q *MutationQueue) HasPending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstPendingLocked(id) != nil
}

// PendingFor returns a copy of the oldest pending mutation for a record.
func (q *MutationQueue) PendingFor(id string) (*PendingMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e := q.firstPendingLocked(id)
	if e == nil {
		return nil, false
	}
	return e.m.Clone(), true
}

// RebasePending rewrites the oldest pending mutation for a record after a
// pull-side merge moved its base forward. Fails if the mutation is in flight.
func (q *MutationQueue) RebasePending(id string, rebased *PendingMutation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[id] != nil {
		return fmt.Errorf("mutation for record %s is in flight", id)
	}
	e := q.firstPendingLocked(id)
	if e == nil {
		return fmt.Errorf("no pending mutation for record %s", id)
	}
	e.m = rebased.Clone()
	return q.store.UpdateMutation(e.seq, e.m, mutationStatePending, nil)
}

// DropPending removes the oldest pending mutation for a record without a
// push, used when a pull-side merge left nothing to write. Fails if the
// mutation is in flight.
func (q *MutationQueue) DropPending(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inflight[id] != nil {
		return fmt.Errorf("mutation for record %s is in flight", id)
	}
	e := q.firstPendingLocked(id)
	if e == nil {
		return fmt.Errorf("no pending mutation for record %s", id)
	}
	if err := q.store.DeleteMutation(e.seq); err != nil {
		return err
	}
	q.removePendingLocked(e)
	return nil
}

// DeadLetters returns all dead-lettered mutations.
func (q *MutationQueue) DeadLetters() []*PendingMutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*PendingMutation, 0, len(q.dead))
	for _, e := range q.dead {
		out = append(out, e.m.Clone())
	}
	return out
}

// AckDeadLetter removes the oldest dead letter for a record after the user
// has acknowledged the lost edit.
func (q *MutationQueue) AckDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.dead {
		if e.m.ID == id {
			if err := q.store.DeleteMutation(e.seq); err != nil {
				return err
			}
			q.dead = append(q.dead[:i], q.dead[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("no dead letter for record %s", id)
}

// Len returns the number of pending mutations.
func (q *MutationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight reports whether a record currently has an in-flight mutation.
func (q *MutationQueue) InFlight(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight[id] != nil
}

func (q *MutationQueue) firstPendingLocked(id string) *queueEntry {
	for _, e := range q.pending {
		if e.m.ID == id {
			return e
		}
	}
	return nil
}

func (q *MutationQueue) removePendingLocked(target *queueEntry) {
	for i, e := range q.pending {
		if e == target {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
