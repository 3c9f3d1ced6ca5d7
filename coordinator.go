package driftline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
)

// SyncState describes what a collection's sync loop is doing.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncPushing
	SyncPulling
	SyncBackoff
)

func (s SyncState) String() string {
	switch s {
	case SyncIdle:
		return "idle"
	case SyncPushing:
		return "pushing"
	case SyncPulling:
		return "pulling"
	case SyncBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Editor identifies the author of a local edit.
type Editor struct {
	ID   string
	Role string
}

// ConflictChoice is a user's decision on a parked conflict.
type ConflictChoice int

const (
	// ChoiceAcceptLocal re-applies the local edit on top of the current
	// remote version.
	ChoiceAcceptLocal ConflictChoice = iota
	// ChoiceAcceptRemote discards the local edit and keeps the remote state.
	ChoiceAcceptRemote
	// ChoiceUseMerged replaces the local edit with a caller-supplied field
	// set, based on the current remote version.
	ChoiceUseMerged
	// ChoiceRecreate re-submits the edited record as a brand-new record with
	// a fresh id. The only way to resurrect content deleted upstream.
	ChoiceRecreate
)

func (c ConflictChoice) String() string {
	switch c {
	case ChoiceAcceptLocal:
		return "accept-local"
	case ChoiceAcceptRemote:
		return "accept-remote"
	case ChoiceUseMerged:
		return "use-merged"
	case ChoiceRecreate:
		return "recreate"
	default:
		return "unknown"
	}
}

// CoordinatorOption customizes coordinator construction.
type CoordinatorOption func(*SyncCoordinator)

// WithClock substitutes the time source. Used by tests to drive backoff and
// scheduling without real time passing.
func WithClock(clock Clock) CoordinatorOption {
	return func(sc *SyncCoordinator) { sc.clock = clock }
}

// WithNotifier substitutes the change-notification source, overriding the
// Notify config section.
func WithNotifier(n ChangeNotifier) CoordinatorOption {
	return func(sc *SyncCoordinator) { sc.notifier = n }
}

// WithBackoffSeed fixes the jitter seed for reproducible retry schedules.
func WithBackoffSeed(seed int64) CoordinatorOption {
	return func(sc *SyncCoordinator) { sc.backoffSeed = &seed }
}

type recordSub struct {
	id string
	ch chan *Record
}

// SyncCoordinator drives the push and pull cycles for every configured
// collection, wiring the queue, detector, resolver, backoff controller, and
// audit log together over a RemoteStore.
//
// Collections sync concurrently; cycles within one collection never overlap
// because each collection is served by a single goroutine.
type SyncCoordinator struct {
	config   SyncConfig
	policies *PolicyTable
	remote   RemoteStore

	store    *SyncStore
	queue    *MutationQueue
	detector *ConflictDetector
	resolver *FieldMergeResolver
	backoff  *BackoffController
	audit    *AuditLog
	cursors  *CursorStore
	clock    Clock
	counters *syncCounters

	notifier ChangeNotifier
	ws       *WebSocketNotifier
	exporter *RemoteWriteExporter
	archiver *AuditArchiver

	backoffSeed *int64

	mu           sync.Mutex
	states       map[string]SyncState
	recordSubs   map[string][]*recordSub
	pushTriggers map[string]chan struct{}
	pullTriggers map[string]chan struct{}
	running      bool
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSyncCoordinator creates a coordinator. The store is opened (and
// migrated) immediately; queued mutations, cursors, and the audit chain from
// a previous process are reloaded. Call Start to begin syncing.
func NewSyncCoordinator(config SyncConfig, policies *PolicyTable, remote RemoteStore, opts ...CoordinatorOption) (*SyncCoordinator, error) {
	config.normalize()
	if config.Store.Path == "" {
		return nil, errors.New("store path is required")
	}
	if len(config.Collections) == 0 {
		return nil, errors.New("at least one collection is required")
	}
	if remote == nil {
		return nil, errors.New("remote store is required")
	}
	if policies == nil {
		policies = NewPolicyTable()
	}

	sc := &SyncCoordinator{
		config:       config,
		policies:     policies,
		remote:       remote,
		clock:        SystemClock(),
		counters:     &syncCounters{},
		states:       make(map[string]SyncState),
		recordSubs:   make(map[string][]*recordSub),
		pushTriggers: make(map[string]chan struct{}),
		pullTriggers: make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(sc)
	}

	store, err := NewSyncStore(config.Store, config.Encryption)
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}
	queue, err := NewMutationQueue(store, config.Queue, sc.clock)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restore mutation queue: %w", err)
	}
	audit, err := NewAuditLog(store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restore audit log: %w", err)
	}
	cursors, err := NewCursorStore(store, sc.clock)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restore cursors: %w", err)
	}

	seed := sc.clock.Now().UnixNano()
	if sc.backoffSeed != nil {
		seed = *sc.backoffSeed
	}

	sc.store = store
	sc.queue = queue
	sc.audit = audit
	sc.cursors = cursors
	sc.detector = NewConflictDetector()
	sc.resolver = NewFieldMergeResolver(policies, sc.clock)
	sc.backoff = NewBackoffController(config.Backoff, sc.clock, seed)

	for _, col := range config.Collections {
		key := col.Key()
		sc.states[key] = SyncIdle
		sc.pushTriggers[key] = make(chan struct{}, 1)
		sc.pullTriggers[key] = make(chan struct{}, 1)
	}

	if sc.notifier == nil && config.Notify != nil && config.Notify.Enabled {
		sc.ws = NewWebSocketNotifier(*config.Notify, sc.clock)
		sc.notifier = sc.ws
	}
	if config.Telemetry != nil && config.Telemetry.Enabled {
		sc.exporter = NewRemoteWriteExporter(*config.Telemetry, sc.counters)
	}
	if config.Archive != nil && config.Archive.Enabled {
		archiver, err := NewAuditArchiver(*config.Archive, audit, sc.clock)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create audit archiver: %w", err)
		}
		sc.archiver = archiver
	}

	return sc, nil
}

// Start launches the per-collection sync loops and any optional
// collaborators. Safe to call once; subsequent calls are no-ops.
func (sc *SyncCoordinator) Start() {
	sc.mu.Lock()
	if sc.running || sc.closed {
		sc.mu.Unlock()
		return
	}
	sc.running = true
	sc.ctx, sc.cancel = context.WithCancel(context.Background())
	sc.mu.Unlock()

	if sc.ws != nil {
		sc.ws.Start()
	}
	if sc.exporter != nil {
		sc.exporter.Start()
	}
	if sc.archiver != nil {
		sc.archiver.Start()
	}

	for _, col := range sc.config.Collections {
		sc.wg.Add(1)
		go sc.syncLoop(col)
	}
	if sc.notifier != nil {
		sc.wg.Add(1)
		go sc.dispatchNotifications()
	}
}

// Stop halts all sync loops, flushes nothing (queued mutations are already
// durable), and closes the store.
func (sc *SyncCoordinator) Stop() error {
	sc.mu.Lock()
	if !sc.running {
		if !sc.closed {
			sc.closed = true
			sc.mu.Unlock()
			return sc.store.Close()
		}
		sc.mu.Unlock()
		return nil
	}
	sc.running = false
	sc.closed = true
	sc.mu.Unlock()

	sc.cancel()
	if sc.notifier != nil {
		sc.notifier.Close()
	}
	sc.wg.Wait()

	if sc.exporter != nil {
		sc.exporter.Stop()
	}
	if sc.archiver != nil {
		sc.archiver.Stop()
	}
	return sc.store.Close()
}

// SubmitEdit records a local field edit and queues it for push. Returns
// immediately; the edit is durable before the call returns. The edit is
// applied to the local record view so reads observe it at once.
//
// A record with a parked conflict rejects further edits until the conflict
// is resolved.
func (sc *SyncCoordinator) SubmitEdit(recordType, id string, changes map[string]any, editor Editor) error {
	if err := sc.checkOpen(); err != nil {
		return err
	}
	if len(changes) == 0 {
		return errors.New("edit has no changes")
	}
	if _, parked := sc.queue.Parked(id); parked {
		return ErrMutationParked
	}

	now := sc.clock.Now().UnixNano()
	base, err := sc.store.LoadLocalRecord(id)
	if err != nil {
		return err
	}

	m := &PendingMutation{
		ID:         id,
		RecordType: recordType,
		Kind:       MutationUpdate,
		EditorID:   editor.ID,
		EditorRole: editor.Role,
		EditedAt:   now,
		EnqueuedAt: now,
		Changes:    cloneFields(changes),
	}
	if base == nil || base.Deleted {
		m.Kind = MutationCreate
	} else {
		m.BaseVersion = base.Version
		m.BaseFields = cloneFields(base.Fields)
	}

	if err := sc.queue.Enqueue(m); err != nil {
		return err
	}
	sc.counters.add(func(s *SyncStats) { s.MutationsEnqueued++ })

	// Optimistic local view.
	view := &Record{Type: recordType, ID: id, Fields: cloneFields(changes)}
	if base != nil && !base.Deleted {
		view = base.Clone()
		for f, v := range changes {
			view.Fields[f] = cloneValue(v)
		}
	}
	if err := sc.store.SaveLocalRecord(view); err != nil {
		return err
	}
	sc.notifyRecord(view)

	sc.triggerPush(recordType)
	return nil
}

// SubmitDelete queues a record deletion.
func (sc *SyncCoordinator) SubmitDelete(recordType, id string, editor Editor) error {
	if err := sc.checkOpen(); err != nil {
		return err
	}
	if _, parked := sc.queue.Parked(id); parked {
		return ErrMutationParked
	}

	base, err := sc.store.LoadLocalRecord(id)
	if err != nil {
		return err
	}
	if base == nil || base.Deleted {
		return ErrRecordNotFound
	}

	now := sc.clock.Now().UnixNano()
	m := &PendingMutation{
		ID:          id,
		RecordType:  recordType,
		Kind:        MutationDelete,
		BaseVersion: base.Version,
		BaseFields:  cloneFields(base.Fields),
		EditorID:    editor.ID,
		EditorRole:  editor.Role,
		EditedAt:    now,
		EnqueuedAt:  now,
	}
	if err := sc.queue.Enqueue(m); err != nil {
		return err
	}
	sc.counters.add(func(s *SyncStats) { s.MutationsEnqueued++ })

	view := base.Clone()
	view.Deleted = true
	if err := sc.store.SaveLocalRecord(view); err != nil {
		return err
	}
	sc.notifyRecord(view)

	sc.triggerPush(recordType)
	return nil
}

// Record returns the current local view of a record, or nil when unknown.
func (sc *SyncCoordinator) Record(id string) (*Record, error) {
	if err := sc.checkOpen(); err != nil {
		return nil, err
	}
	return sc.store.LoadLocalRecord(id)
}

// ObserveRecord streams local-view updates for one record. The current
// snapshot, if any, is delivered first. Slow consumers drop updates rather
// than stall the sync loops; the latest state is always re-readable via
// Record.
func (sc *SyncCoordinator) ObserveRecord(id string) (<-chan *Record, func()) {
	sub := &recordSub{id: id, ch: make(chan *Record, 16)}

	sc.mu.Lock()
	sc.recordSubs[id] = append(sc.recordSubs[id], sub)
	sc.mu.Unlock()

	if rec, err := sc.store.LoadLocalRecord(id); err == nil && rec != nil {
		sub.ch <- rec
	}

	cancel := func() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		subs := sc.recordSubs[id]
		for i, s := range subs {
			if s == sub {
				sc.recordSubs[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(sc.recordSubs[id]) == 0 {
			delete(sc.recordSubs, id)
		}
	}
	return sub.ch, cancel
}

// ObserveConflicts streams audit entries as they are appended: resolved
// merges, parked conflicts, and dead letters.
func (sc *SyncCoordinator) ObserveConflicts() (<-chan *ConflictLogEntry, func()) {
	return sc.audit.Subscribe(16)
}

// ParkedConflicts lists all conflicts awaiting a user decision.
func (sc *SyncCoordinator) ParkedConflicts() []*ParkedConflict {
	return sc.queue.ParkedConflicts()
}

// ResolveParkedConflict applies a user decision to a parked conflict and
// returns the id of the record the decision produced (a new id only for
// ChoiceRecreate). The decision is recorded in the audit log.
func (sc *SyncCoordinator) ResolveParkedConflict(id string, choice ConflictChoice, merged map[string]any) (string, error) {
	if err := sc.checkOpen(); err != nil {
		return "", err
	}

	// Validate the decision against the parked state before consuming it, so
	// a rejected decision leaves the conflict parked and retryable.
	peek, ok := sc.queue.Parked(id)
	if !ok {
		return "", ErrNoParkedConflict
	}
	switch choice {
	case ChoiceAcceptLocal, ChoiceUseMerged:
		if peek.Remote == nil {
			return "", fmt.Errorf("record %s was deleted upstream: accept the deletion or recreate", id)
		}
		if choice == ChoiceUseMerged && len(merged) == 0 {
			return "", errors.New("merged field set is required for use-merged")
		}
	case ChoiceAcceptRemote, ChoiceRecreate:
	default:
		return "", fmt.Errorf("unknown conflict choice %d", choice)
	}

	pc, err := sc.queue.TakeParked(id)
	if err != nil {
		return "", err
	}
	m := pc.Mutation
	now := sc.clock.Now().UnixNano()

	entry := &ConflictLogEntry{
		OpID:             MergeOpID(m.RecordType, id, m.BaseVersion, "user:"+choice.String()),
		RecordID:         id,
		RecordType:       m.RecordType,
		DetectedAt:       now,
		FieldsInConflict: m.ChangedFields(),
		Reason:           "user decision: " + choice.String(),
	}
	if _, err := sc.audit.Append(entry); err != nil {
		return "", err
	}

	switch choice {
	case ChoiceAcceptRemote:
		view := pc.Remote
		if view == nil {
			view = &Record{Type: m.RecordType, ID: id, Deleted: true}
		}
		if err := sc.store.SaveLocalRecord(view); err != nil {
			return "", err
		}
		sc.notifyRecord(view)
		return id, nil

	case ChoiceAcceptLocal:
		next := m.Clone()
		next.BaseVersion = pc.Remote.Version
		next.BaseFields = cloneFields(pc.Remote.Fields)
		next.AttemptCount = 0
		next.LastError = ""
		next.NotBefore = 0
		next.EnqueuedAt = now
		if err := sc.queue.Enqueue(next); err != nil {
			return "", err
		}
		sc.triggerPush(m.RecordType)
		return id, nil

	case ChoiceUseMerged:
		next := &PendingMutation{
			ID:          id,
			RecordType:  m.RecordType,
			Kind:        MutationUpdate,
			BaseVersion: pc.Remote.Version,
			BaseFields:  cloneFields(pc.Remote.Fields),
			Changes:     cloneFields(merged),
			EditorID:    m.EditorID,
			EditorRole:  m.EditorRole,
			EditedAt:    now,
			EnqueuedAt:  now,
		}
		if err := sc.queue.Enqueue(next); err != nil {
			return "", err
		}
		sc.triggerPush(m.RecordType)
		return id, nil

	case ChoiceRecreate:
		fields := cloneFields(m.BaseFields)
		if fields == nil {
			fields = make(map[string]any)
		}
		for f, v := range m.Changes {
			fields[f] = cloneValue(v)
		}
		newID := uuid.NewString()
		next := &PendingMutation{
			ID:         newID,
			RecordType: m.RecordType,
			Kind:       MutationCreate,
			Changes:    fields,
			EditorID:   m.EditorID,
			EditorRole: m.EditorRole,
			EditedAt:   now,
			EnqueuedAt: now,
		}
		if err := sc.queue.Enqueue(next); err != nil {
			return "", err
		}
		view := &Record{Type: m.RecordType, ID: newID, Fields: cloneFields(fields)}
		if err := sc.store.SaveLocalRecord(view); err != nil {
			return "", err
		}
		sc.notifyRecord(view)
		sc.triggerPush(m.RecordType)
		return newID, nil

	default:
		return "", fmt.Errorf("unknown conflict choice %d", choice)
	}
}

// DeadLetters lists mutations retained after exhausting retries or a fatal
// rejection.
func (sc *SyncCoordinator) DeadLetters() []*PendingMutation {
	return sc.queue.DeadLetters()
}

// AckDeadLetter discards an acknowledged dead letter.
func (sc *SyncCoordinator) AckDeadLetter(id string) error {
	return sc.queue.AckDeadLetter(id)
}

// AuditEntries returns audit entries after the given sequence number.
func (sc *SyncCoordinator) AuditEntries(since int64, limit int) ([]*ConflictLogEntry, error) {
	return sc.audit.Entries(since, limit)
}

// VerifyAudit re-checks the audit hash chain end to end.
func (sc *SyncCoordinator) VerifyAudit() (bool, error) {
	return sc.audit.Verify()
}

// PendingCount returns the number of unpushed mutations.
func (sc *SyncCoordinator) PendingCount() int {
	return sc.queue.Len()
}

// State reports what a collection's sync loop is currently doing.
func (sc *SyncCoordinator) State(col Collection) SyncState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.states[col.Key()]
}

// Stats returns a snapshot of engine counters.
func (sc *SyncCoordinator) Stats() SyncStats {
	return sc.counters.snapshot()
}

// SyncNow nudges a collection's loop to push and pull immediately instead of
// waiting for the next scheduled cycle.
func (sc *SyncCoordinator) SyncNow(col Collection) {
	key := col.Key()
	sc.mu.Lock()
	push := sc.pushTriggers[key]
	pull := sc.pullTriggers[key]
	sc.mu.Unlock()
	nudge(push)
	nudge(pull)
}

func (sc *SyncCoordinator) checkOpen() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return ErrClosed
	}
	return nil
}

func (sc *SyncCoordinator) setState(col Collection, s SyncState) {
	sc.mu.Lock()
	sc.states[col.Key()] = s
	sc.mu.Unlock()
}

func (sc *SyncCoordinator) triggerPush(recordType string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.running {
		return
	}
	for _, col := range sc.config.Collections {
		if col.RecordType == recordType {
			nudge(sc.pushTriggers[col.Key()])
		}
	}
}

func nudge(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (sc *SyncCoordinator) notifyRecord(rec *Record) {
	sc.mu.Lock()
	subs := make([]*recordSub, len(sc.recordSubs[rec.ID]))
	copy(subs, sc.recordSubs[rec.ID])
	sc.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- rec.Clone():
		default:
		}
	}
}

func (sc *SyncCoordinator) syncLoop(col Collection) {
	defer sc.wg.Done()

	key := col.Key()
	sc.mu.Lock()
	pushTrigger := sc.pushTriggers[key]
	pullTrigger := sc.pullTriggers[key]
	sc.mu.Unlock()

	pushTimer := sc.clock.After(sc.config.Push.Interval)
	pullTimer := sc.clock.After(sc.config.Pull.Interval)

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-pushTimer:
			sc.runPush(col)
			pushTimer = sc.clock.After(sc.config.Push.Interval)
		case <-pushTrigger:
			sc.runPush(col)
		case <-pullTimer:
			sc.runPull(col)
			pullTimer = sc.clock.After(sc.config.Pull.Interval)
		case <-pullTrigger:
			sc.runPull(col)
		}
	}
}

func (sc *SyncCoordinator) dispatchNotifications() {
	defer sc.wg.Done()
	for {
		select {
		case <-sc.ctx.Done():
			return
		case n, ok := <-sc.notifier.Notifications():
			if !ok {
				return
			}
			key := n.Collection().Key()
			sc.mu.Lock()
			trigger := sc.pullTriggers[key]
			sc.mu.Unlock()
			nudge(trigger)
		}
	}
}

// pushItem pairs a dequeued mutation with its resolved outcome until the
// batch write reports per-record results.
type pushItem struct {
	m   *PendingMutation
	out *MergeOutcome
}

func (sc *SyncCoordinator) runPush(col Collection) {
	sc.setState(col, SyncPushing)
	defer sc.setState(col, SyncIdle)
	sc.counters.add(func(s *SyncStats) { s.PushCycles++ })

	// A shared rate-limit gate paces every collection's pushes.
	if d := sc.backoff.GlobalDelay(); d > 0 {
		sc.setState(col, SyncBackoff)
		select {
		case <-sc.ctx.Done():
			return
		case <-sc.clock.After(d):
		}
		sc.setState(col, SyncPushing)
	}

	batch := sc.queue.DequeueBatch(col.RecordType, sc.config.Push.BatchSize)
	if len(batch) == 0 {
		return
	}

	var items []pushItem
	var writes []RecordWrite

	for _, m := range batch {
		if sc.ctx.Err() != nil {
			return
		}
		sc.backoff.Begin(m.ID)

		remote, err := sc.remote.ReadRecord(sc.ctx, m.RecordType, m.ID)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			sc.handleFailure(m, err)
			continue
		}

		plan := sc.detector.Classify(m, remote)
		out, err := sc.resolver.Resolve(plan)
		if err != nil {
			log.Printf("driftline: resolve %s/%s: %v", m.RecordType, m.ID, err)
			sc.requeueNow(m, err)
			continue
		}

		// The audit entry lands before the write so a crash between the two
		// replays idempotently: the entry's op id dedupes on retry.
		if out.Entry != nil {
			if _, err := sc.audit.Append(out.Entry); err != nil {
				sc.requeueNow(m, err)
				continue
			}
		}

		if out.Parked {
			if err := sc.queue.Park(m.ID, out.ParkReason, plan.Remote); err != nil {
				log.Printf("driftline: park %s: %v", m.ID, err)
			}
			sc.backoff.Release(m.ID)
			sc.counters.add(func(s *SyncStats) { s.ConflictsParked++ })
			continue
		}
		if out.Entry != nil {
			sc.counters.add(func(s *SyncStats) { s.ConflictsResolved++ })
		}

		items = append(items, pushItem{m: m, out: out})
		writes = append(writes, RecordWrite{Record: out.Merged, ExpectedVersion: out.ExpectedVersion})
	}

	for len(writes) > 0 {
		if sc.ctx.Err() != nil {
			return
		}
		n := min(sc.config.Push.MaxBatchSize, len(writes))
		results, err := sc.remote.WriteBatch(sc.ctx, writes[:n])
		if err != nil {
			for _, it := range items[:n] {
				sc.handleFailure(it.m, err)
			}
		} else {
			for i, res := range results {
				sc.finishWrite(items[i], res)
			}
		}
		writes = writes[n:]
		items = items[n:]
	}
}

func (sc *SyncCoordinator) finishWrite(it pushItem, res WriteResult) {
	m := it.m
	if res.Err == nil {
		confirmed := it.out.Merged.Clone()
		confirmed.Version = res.NewVersion
		sc.stampFieldMeta(confirmed, m)
		if err := sc.store.SaveLocalRecord(confirmed); err != nil {
			log.Printf("driftline: save record %s: %v", m.ID, err)
		}
		if err := sc.queue.Ack(m.ID); err != nil {
			log.Printf("driftline: ack %s: %v", m.ID, err)
		}
		sc.backoff.OnSuccess(m.ID)
		sc.counters.add(func(s *SyncStats) { s.MutationsAcked++ })
		sc.notifyRecord(confirmed)
		return
	}

	if errors.Is(res.Err, ErrVersionConflict) {
		// The remote advanced between read and write. Requeue immediately;
		// the next cycle re-reads and re-resolves against the new version.
		sc.requeueNow(m, res.Err)
		return
	}
	if IsFatal(res.Err) {
		sc.deadLetter(m, res.Err)
		return
	}
	sc.handleFailure(m, res.Err)
}

// handleFailure classifies a push failure and schedules the retry, the
// dead-letter transition, or the global rate-limit gate.
func (sc *SyncCoordinator) handleFailure(m *PendingMutation, err error) {
	if IsFatal(err) {
		sc.deadLetter(m, err)
		return
	}
	if !IsTransient(err) {
		sc.requeueNow(m, err)
		return
	}

	sc.counters.add(func(s *SyncStats) { s.TransientFailures++ })
	if errors.Is(err, ErrRateLimited) {
		sc.counters.add(func(s *SyncStats) { s.RateLimitHits++ })
		sc.backoff.NoteRateLimited(retryAfterHint(err))
	}

	delay, dead := sc.backoff.OnTransientFailure(m.ID, m.AttemptCount+1)
	if dead {
		sc.deadLetter(m, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, m.AttemptCount+1, err))
		return
	}
	notBefore := sc.clock.Now().Add(delay).UnixNano()
	if err := sc.queue.Requeue(m, err.Error(), notBefore); err != nil {
		log.Printf("driftline: requeue %s: %v", m.ID, err)
	}
}

func (sc *SyncCoordinator) requeueNow(m *PendingMutation, cause error) {
	sc.backoff.Release(m.ID)
	if err := sc.queue.RequeueNow(m, cause.Error()); err != nil {
		log.Printf("driftline: requeue %s: %v", m.ID, err)
	}
}

func (sc *SyncCoordinator) deadLetter(m *PendingMutation, cause error) {
	entry := &ConflictLogEntry{
		OpID:             MergeOpID(m.RecordType, m.ID, m.BaseVersion, "dead-letter"),
		RecordID:         m.ID,
		RecordType:       m.RecordType,
		DetectedAt:       sc.clock.Now().UnixNano(),
		FieldsInConflict: m.ChangedFields(),
		Terminal:         true,
		Reason:           cause.Error(),
	}
	if _, err := sc.audit.Append(entry); err != nil {
		log.Printf("driftline: audit dead letter %s: %v", m.ID, err)
	}
	if err := sc.queue.DeadLetter(m.ID, cause.Error()); err != nil {
		log.Printf("driftline: dead letter %s: %v", m.ID, err)
	}
	sc.backoff.Release(m.ID)
	sc.counters.add(func(s *SyncStats) { s.DeadLetters++ })
}

// stampFieldMeta records local edit attribution for the fields this mutation
// changed. Server-assigned metadata from the next pull supersedes it.
func (sc *SyncCoordinator) stampFieldMeta(rec *Record, m *PendingMutation) {
	if len(m.Changes) == 0 {
		return
	}
	if rec.FieldMeta == nil {
		rec.FieldMeta = make(map[string]FieldMeta, len(m.Changes))
	}
	for f := range m.Changes {
		rec.FieldMeta[f] = FieldMeta{
			ModifiedAt: m.EditedAt,
			EditorID:   m.EditorID,
			EditorRole: m.EditorRole,
		}
	}
}

func (sc *SyncCoordinator) runPull(col Collection) {
	sc.setState(col, SyncPulling)
	defer sc.setState(col, SyncIdle)
	sc.counters.add(func(s *SyncStats) { s.PullCycles++ })

	cursor := sc.cursors.Get(col)
	for {
		if sc.ctx.Err() != nil {
			return
		}
		recs, next, err := sc.remote.FetchChanges(sc.ctx, col, cursor, sc.config.Pull.PageSize)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				sc.counters.add(func(s *SyncStats) { s.RateLimitHits++ })
				sc.backoff.NoteRateLimited(retryAfterHint(err))
			}
			log.Printf("driftline: pull %s: %v", col.Key(), err)
			return
		}

		for _, rec := range recs {
			sc.counters.add(func(s *SyncStats) { s.RecordsPulled++ })
			if err := sc.applyRemoteChange(rec); err != nil {
				log.Printf("driftline: apply remote change %s: %v", rec.ID, err)
			}
		}

		// The cursor only advances after every record in the page is applied,
		// so an interrupted pull resumes without gaps.
		if next != "" && next != cursor {
			if err := sc.cursors.Advance(col, next); err != nil {
				log.Printf("driftline: advance cursor %s: %v", col.Key(), err)
				return
			}
			cursor = next
		}
		if len(recs) < sc.config.Pull.PageSize || next == "" || next == cursor {
			return
		}
	}
}

// applyRemoteChange folds one pulled record into the local view. A pending
// local mutation for the same record is rebased onto the pulled version, or
// parked when the overlap needs a user decision.
func (sc *SyncCoordinator) applyRemoteChange(rec *Record) error {
	m, ok := sc.queue.PendingFor(rec.ID)
	if !ok {
		if err := sc.store.SaveLocalRecord(rec); err != nil {
			return err
		}
		sc.notifyRecord(rec)
		return nil
	}
	if sc.queue.InFlight(rec.ID) {
		// The push path owns this mutation and reconciles versions on its
		// outcome. Keep the local edit layered over the pulled state so
		// observers never see it regress mid-push.
		if err := sc.store.SaveLocalRecord(rec); err != nil {
			return err
		}
		sc.notifyRecord(sc.localView(rec, m))
		return nil
	}

	plan := sc.detector.Classify(m, rec)
	if plan.Class == ConflictClean {
		// Remote has not advanced past the mutation's base. Keep the pending
		// edit layered over the pulled state.
		if err := sc.store.SaveLocalRecord(rec); err != nil {
			return err
		}
		sc.notifyRecord(sc.localView(rec, m))
		return nil
	}

	out, err := sc.resolver.Resolve(plan)
	if err != nil {
		return err
	}
	if out.Entry != nil {
		if _, err := sc.audit.Append(out.Entry); err != nil {
			return err
		}
	}

	if out.Parked {
		if err := sc.queue.Park(rec.ID, out.ParkReason, plan.Remote); err != nil {
			return err
		}
		sc.counters.add(func(s *SyncStats) { s.ConflictsParked++ })
		if err := sc.store.SaveLocalRecord(rec); err != nil {
			return err
		}
		sc.notifyRecord(rec)
		return nil
	}
	if out.Entry != nil {
		sc.counters.add(func(s *SyncStats) { s.ConflictsResolved++ })
	}

	// Rebase the pending mutation: its changes become whatever still differs
	// between the merged result and the pulled record.
	changes := make(map[string]any)
	for f, v := range out.Merged.Fields {
		cur, exists := rec.Fields[f]
		if !exists || !valuesEqual(v, cur) {
			changes[f] = cloneValue(v)
		}
	}

	if len(changes) == 0 {
		if err := sc.queue.DropPending(rec.ID); err != nil {
			return err
		}
	} else {
		rebased := m.Clone()
		rebased.Kind = MutationUpdate
		rebased.BaseVersion = rec.Version
		rebased.BaseFields = cloneFields(rec.Fields)
		rebased.Changes = changes
		if err := sc.queue.RebasePending(rec.ID, rebased); err != nil {
			return err
		}
	}

	if err := sc.store.SaveLocalRecord(rec); err != nil {
		return err
	}

	view := out.Merged.Clone()
	view.Version = rec.Version
	sc.notifyRecord(view)
	return nil
}

// localView layers a pending mutation over a pulled record for observers.
func (sc *SyncCoordinator) localView(rec *Record, m *PendingMutation) *Record {
	view := rec.Clone()
	if m.Kind == MutationDelete {
		view.Deleted = true
		return view
	}
	if view.Fields == nil {
		view.Fields = make(map[string]any, len(m.Changes))
	}
	for f, v := range m.Changes {
		view.Fields[f] = cloneValue(v)
	}
	return view
}
