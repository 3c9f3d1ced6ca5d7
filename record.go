package driftline

import (
	"fmt"
	"reflect"
	"sort"
)

// MutationKind identifies the intent of a pending local write.
type MutationKind int

const (
	// MutationCreate inserts a record that does not exist remotely.
	MutationCreate MutationKind = iota
	// MutationUpdate modifies fields of an existing record.
	MutationUpdate
	// MutationDelete tombstones an existing record.
	MutationDelete
)

// String returns a human-readable name for the mutation kind.
func (k MutationKind) String() string {
	switch k {
	case MutationCreate:
		return "create"
	case MutationUpdate:
		return "update"
	case MutationDelete:
		return "delete"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// FieldMeta carries server-assigned metadata for a single field of a remote
// record. It is consulted by merge strategies; local device timestamps are
// advisory only.
type FieldMeta struct {
	// ModifiedAt is the server-assigned last-modified time in unix nanos.
	ModifiedAt int64 `json:"modified_at"`
	// EditorID identifies the principal that last changed the field.
	EditorID string `json:"editor_id,omitempty"`
	// EditorRole is the role of that principal, used by role-precedence merges.
	EditorRole string `json:"editor_role,omitempty"`
}

// Record is a typed, versioned document owned by the remote store. The engine
// holds a cached copy; Version is an opaque token compared only for equality.
type Record struct {
	Type    string         `json:"type"`
	ID      string         `json:"id"`
	Version string         `json:"version"`
	Fields  map[string]any `json:"fields"`
	Deleted bool           `json:"deleted,omitempty"`

	// FieldMeta maps field names to server-assigned metadata. Entries may be
	// absent for fields the remote store does not track individually.
	FieldMeta map[string]FieldMeta `json:"field_meta,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		Type:    r.Type,
		ID:      r.ID,
		Version: r.Version,
		Deleted: r.Deleted,
	}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = cloneValue(v)
		}
	}
	if r.FieldMeta != nil {
		out.FieldMeta = make(map[string]FieldMeta, len(r.FieldMeta))
		for k, v := range r.FieldMeta {
			out.FieldMeta[k] = v
		}
	}
	return out
}

// Meta returns the field metadata for a field, or the zero value if the
// remote store did not report any.
func (r *Record) Meta(field string) FieldMeta {
	if r == nil || r.FieldMeta == nil {
		return FieldMeta{}
	}
	return r.FieldMeta[field]
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// valuesEqual reports whether two field values are equal. Values are the
// JSON-decoded forms stored in Record.Fields.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// PendingMutation is a queued local intent that has not been confirmed by the
// remote store. It carries the base snapshot the edit was made against so
// conflict detection does not depend on the (mutable) local record cache.
type PendingMutation struct {
	ID         string       `json:"id"`
	RecordType string       `json:"record_type"`
	Kind       MutationKind `json:"kind"`

	// BaseVersion is the record version the edit was made against. Empty for
	// creates.
	BaseVersion string `json:"base_version,omitempty"`
	// BaseFields is the field snapshot at enqueue time, used to compute the
	// true per-field conflict set.
	BaseFields map[string]any `json:"base_fields,omitempty"`
	// Changes maps field names to new values. Empty for deletes.
	Changes map[string]any `json:"changes,omitempty"`

	EditorID   string `json:"editor_id,omitempty"`
	EditorRole string `json:"editor_role,omitempty"`
	// EditedAt is the local device time of the edit in unix nanos. Advisory:
	// server-assigned ordering is preferred when available.
	EditedAt int64 `json:"edited_at"`

	EnqueuedAt int64 `json:"enqueued_at"`
	// AttemptCount counts push attempts that failed transiently. It bounds
	// the retry budget against MaxAttempts.
	AttemptCount int `json:"attempt_count"`
	// ConflictRetries counts immediate re-resolutions after the remote
	// version advanced mid-push. Tracked apart from AttemptCount: losing a
	// version race is progress elsewhere, not a failing remote.
	ConflictRetries int    `json:"conflict_retries,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	// NotBefore is the earliest unix-nano time the mutation is eligible for
	// another push attempt. Zero means immediately eligible.
	NotBefore int64 `json:"not_before,omitempty"`
}

// Clone returns a deep copy of the mutation.
func (m *PendingMutation) Clone() *PendingMutation {
	if m == nil {
		return nil
	}
	out := *m
	if m.BaseFields != nil {
		out.BaseFields = make(map[string]any, len(m.BaseFields))
		for k, v := range m.BaseFields {
			out.BaseFields[k] = cloneValue(v)
		}
	}
	if m.Changes != nil {
		out.Changes = make(map[string]any, len(m.Changes))
		for k, v := range m.Changes {
			out.Changes[k] = cloneValue(v)
		}
	}
	return &out
}

// ChangedFields returns the mutation's changed field names in sorted order.
func (m *PendingMutation) ChangedFields() []string {
	fields := make([]string, 0, len(m.Changes))
	for f := range m.Changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// ChangeCursor marks the last-applied remote change token for one
// (recordType, partition) pair. Advanced only by successful delta pulls.
type ChangeCursor struct {
	RecordType string `json:"record_type"`
	Partition  string `json:"partition"`
	Token      string `json:"token"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Collection identifies one synchronized record collection. Sync cycles for
// distinct collections may run concurrently; cycles within one collection
// never overlap.
type Collection struct {
	RecordType string `json:"record_type"`
	Partition  string `json:"partition,omitempty"`
}

// Key returns a stable map key for the collection.
func (c Collection) Key() string {
	return c.RecordType + "/" + c.Partition
}
