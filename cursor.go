package driftline

import "sync"

// CursorStore tracks the last-applied remote change token per collection,
// enabling delta pulls to resume after restart without refetching the full
// dataset. Cursors advance only on successful pulls.
type CursorStore struct {
	mu     sync.Mutex
	store  *SyncStore
	clock  Clock
	tokens map[string]string
}

// NewCursorStore creates a cursor store, reloading persisted cursors.
func NewCursorStore(store *SyncStore, clock Clock) (*CursorStore, error) {
	cs := &CursorStore{store: store, clock: clock, tokens: make(map[string]string)}

	cursors, err := store.LoadCursors()
	if err != nil {
		return nil, err
	}
	for _, c := range cursors {
		cs.tokens[Collection{RecordType: c.RecordType, Partition: c.Partition}.Key()] = c.Token
	}
	return cs, nil
}

// Get returns the stored token for a collection, or empty for a full fetch.
func (cs *CursorStore) Get(col Collection) string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.tokens[col.Key()]
}

// Advance durably stores a new token for a collection.
func (cs *CursorStore) Advance(col Collection, token string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := cs.store.SaveCursor(ChangeCursor{
		RecordType: col.RecordType,
		Partition:  col.Partition,
		Token:      token,
		UpdatedAt:  cs.clock.Now().UnixNano(),
	}); err != nil {
		return err
	}
	cs.tokens[col.Key()] = token
	return nil
}
