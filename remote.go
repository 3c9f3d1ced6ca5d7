package driftline

import "context"

// RecordWrite is one optimistic-concurrency write in a batch.
type RecordWrite struct {
	Record *Record
	// ExpectedVersion is the version the write is conditioned on. Empty for
	// creates.
	ExpectedVersion string
}

// WriteResult is the per-record outcome of a batch write.
type WriteResult struct {
	ID         string
	NewVersion string
	// Err classifies a failed write (ErrVersionConflict, ErrRateLimited,
	// ErrQuotaExceeded, ...). Nil on success.
	Err error
}

// RemoteStore is the engine's view of the remote record store. It is the
// external collaborator: implementations adapt a concrete backend API and
// classify its failures into the package error taxonomy.
//
// All calls may suspend on the network and honor ctx cancellation.
type RemoteStore interface {
	// ReadRecord fetches the current snapshot of a record, or
	// ErrRecordNotFound.
	ReadRecord(ctx context.Context, recordType, id string) (*Record, error)

	// WriteRecord writes one record conditioned on expectedVersion and
	// returns the newly assigned version. Fails with ErrVersionConflict when
	// the remote version advanced.
	WriteRecord(ctx context.Context, rec *Record, expectedVersion string) (string, error)

	// WriteBatch writes up to the store's batch limit in one call, returning
	// one result per write in input order. A per-record failure does not
	// fail the whole batch.
	WriteBatch(ctx context.Context, writes []RecordWrite) ([]WriteResult, error)

	// FetchChanges returns records changed since the cursor, plus the next
	// cursor token. An empty cursor fetches from the beginning.
	FetchChanges(ctx context.Context, col Collection, cursor string, limit int) ([]*Record, string, error)
}

// ChangeNotification signals that a collection has remote changes; it only
// triggers an opportunistic pull cycle, never carries the change itself.
type ChangeNotification struct {
	RecordType string `json:"record_type"`
	Partition  string `json:"partition,omitempty"`
}

// Collection returns the collection the notification belongs to.
func (n ChangeNotification) Collection() Collection {
	return Collection{RecordType: n.RecordType, Partition: n.Partition}
}

// ChangeNotifier streams change notifications from the remote store.
// Notifications are advisory; pulls also run on the fallback schedule.
type ChangeNotifier interface {
	// Notifications returns the stream. The channel closes when the
	// notifier shuts down.
	Notifications() <-chan ChangeNotification

	// Close stops the notifier.
	Close() error
}
