package driftline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
)

// AuditLog is the append-only sink for conflict log entries. Entries are
// hash-chained: each entry's hash covers its canonical encoding and the
// previous hash, so tampering with history is detectable.
//
// Append is idempotent by merge operation id: an entry is written before the
// corresponding remote write is attempted, and a retry of that write reuses
// the id without duplicating the entry.
type AuditLog struct {
	mu       sync.Mutex
	store    *SyncStore
	lastHash string
	lastSeq  int64
	subs     []chan *ConflictLogEntry
}

// auditGenesisHash anchors the first entry of the chain.
const auditGenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// NewAuditLog opens the audit log, resuming the chain from the store tail.
func NewAuditLog(store *SyncStore) (*AuditLog, error) {
	seq, hash, err := store.AuditTail()
	if err != nil {
		return nil, fmt.Errorf("load audit tail: %w", err)
	}
	if hash == "" {
		hash = auditGenesisHash
	}
	return &AuditLog{store: store, lastHash: hash, lastSeq: seq}, nil
}

// Append writes an entry to the chain. Re-appending an entry with a known
// operation id is a no-op and returns false.
func (a *AuditLog) Append(entry *ConflictLogEntry) (bool, error) {
	if entry.OpID == "" {
		return false, fmt.Errorf("audit entry requires an operation id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	hash, err := auditEntryHash(entry, a.lastHash)
	if err != nil {
		return false, err
	}
	inserted, seq, err := a.store.InsertAuditEntry(entry, hash, a.lastHash)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}
	a.lastHash = hash
	a.lastSeq = seq

	for _, ch := range a.subs {
		select {
		case ch <- entry:
		default:
			// A slow observer never blocks the sync path.
		}
	}
	return true, nil
}

// Entries returns entries with sequence numbers greater than since.
func (a *AuditLog) Entries(since int64, limit int) ([]*ConflictLogEntry, error) {
	stored, err := a.store.LoadAuditEntries(since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*ConflictLogEntry, len(stored))
	for i, s := range stored {
		out[i] = s.Entry
	}
	return out, nil
}

// Verify walks the full chain and reports whether every link is intact.
func (a *AuditLog) Verify() (bool, error) {
	stored, err := a.store.LoadAuditEntries(0, 0)
	if err != nil {
		return false, err
	}
	prev := auditGenesisHash
	for _, s := range stored {
		if s.PrevHash != prev {
			return false, nil
		}
		hash, err := auditEntryHash(s.Entry, prev)
		if err != nil {
			return false, err
		}
		if hash != s.Hash {
			return false, nil
		}
		prev = s.Hash
	}
	return true, nil
}

// Subscribe returns a channel receiving every newly appended entry, for
// user-facing conflict notices. Call the returned cancel function to stop.
func (a *AuditLog) Subscribe(buffer int) (<-chan *ConflictLogEntry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *ConflictLogEntry, buffer)

	a.mu.Lock()
	a.subs = append(a.subs, ch)
	a.mu.Unlock()

	cancel := func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, sub := range a.subs {
			if sub == ch {
				a.subs = append(a.subs[:i], a.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// LastSeq returns the sequence number of the newest entry.
func (a *AuditLog) LastSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

func auditEntryHash(entry *ConflictLogEntry, prevHash string) (string, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("encode audit entry: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
