package driftline

import "sort"

// ConflictClass classifies a pending mutation against the current remote
// record snapshot.
type ConflictClass int

const (
	// ConflictClean means the remote version still equals the mutation's
	// base version; the mutation applies directly with no merge.
	ConflictClean ConflictClass = iota
	// ConflictFields means the remote version advanced; the per-field
	// conflict set must go through the resolver.
	ConflictFields
	// ConflictStaleDelete means the record was deleted upstream while a
	// local mutation was queued. Never auto-resolved.
	ConflictStaleDelete
	// ConflictDeleteEdit means a local delete raced a remote edit. Treated
	// like a rejected conflict: the user decides.
	ConflictDeleteEdit
)

// String returns a human-readable class name.
func (c ConflictClass) String() string {
	switch c {
	case ConflictClean:
		return "clean"
	case ConflictFields:
		return "conflicting"
	case ConflictStaleDelete:
		return "stale-delete"
	case ConflictDeleteEdit:
		return "delete-edit"
	default:
		return "unknown"
	}
}

// ResolutionPlan is the detector's output, consumed by the resolver.
type ResolutionPlan struct {
	Class    ConflictClass
	Mutation *PendingMutation
	// Remote is the record snapshot fetched fresh at detection time. Nil for
	// stale deletes where the record no longer exists.
	Remote *Record

	// Overlapping lists fields changed on both sides since the base: the
	// true per-field conflicts. Sorted for deterministic resolution.
	Overlapping []string
	// LocalOnly lists fields changed only locally. Always survive.
	LocalOnly []string
	// RemoteOnly lists fields changed only remotely. Always survive.
	RemoteOnly []string
}

// ConflictDetector compares pending mutations against fresh remote
// snapshots. It is stateless and safe for concurrent use.
type ConflictDetector struct{}

// NewConflictDetector creates a conflict detector.
func NewConflictDetector() *ConflictDetector {
	return &ConflictDetector{}
}

// Classify builds the resolution plan for a mutation against the current
// remote snapshot. remote is nil when the remote store reported the record
// as not found.
func (d *ConflictDetector) Classify(m *PendingMutation, remote *Record) *ResolutionPlan {
	plan := &ResolutionPlan{Mutation: m, Remote: remote}

	// Upstream deletion, observed either as a missing record or a tombstone.
	if m.Kind != MutationCreate && (remote == nil || remote.Deleted) {
		plan.Class = ConflictStaleDelete
		return plan
	}

	if m.Kind == MutationCreate {
		if remote == nil {
			plan.Class = ConflictClean
			return plan
		}
		// The id already exists remotely: every changed field that differs
		// from the remote value is in true conflict.
		plan.Class = ConflictFields
		for _, f := range m.ChangedFields() {
			if !valuesEqual(m.Changes[f], remote.Fields[f]) {
				plan.Overlapping = append(plan.Overlapping, f)
			}
		}
		plan.RemoteOnly = remoteOnlyFields(m, remote, nil)
		return plan
	}

	if remote.Version == m.BaseVersion {
		plan.Class = ConflictClean
		return plan
	}

	if m.Kind == MutationDelete {
		// The record changed remotely after the local delete was staged.
		plan.Class = ConflictDeleteEdit
		return plan
	}

	// The remote version advanced. Only the intersection of locally changed
	// and remotely changed fields is a true conflict; non-overlapping
	// changes always both survive.
	plan.Class = ConflictFields
	remoteChanged := make(map[string]bool)
	for f, v := range remote.Fields {
		if !valuesEqual(v, m.BaseFields[f]) {
			remoteChanged[f] = true
		}
	}
	for f := range m.BaseFields {
		if _, ok := remote.Fields[f]; !ok {
			remoteChanged[f] = true
		}
	}

	for _, f := range m.ChangedFields() {
		if remoteChanged[f] {
			plan.Overlapping = append(plan.Overlapping, f)
		} else {
			plan.LocalOnly = append(plan.LocalOnly, f)
		}
	}
	plan.RemoteOnly = remoteOnlyFields(m, remote, remoteChanged)
	return plan
}

// remoteOnlyFields returns the sorted remotely-changed fields the mutation
// does not touch.
func remoteOnlyFields(m *PendingMutation, remote *Record, remoteChanged map[string]bool) []string {
	var out []string
	if remoteChanged != nil {
		for f := range remoteChanged {
			if _, ok := m.Changes[f]; !ok {
				out = append(out, f)
			}
		}
	} else {
		for f := range remote.Fields {
			if _, ok := m.Changes[f]; !ok {
				out = append(out, f)
			}
		}
	}
	sort.Strings(out)
	return out
}
