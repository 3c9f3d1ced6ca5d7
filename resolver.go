package driftline

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// mergeOpNamespace is the UUID namespace for deterministic merge operation
// ids. The same (record, base version, remote version) triple always yields
// the same id, so a retried merge reuses its audit entry.
var mergeOpNamespace = uuid.MustParse("8f3c6a42-5d1e-4b8a-9c70-2f4e6d8a1b3c")

// MergeOpID returns the deterministic operation id for one merge attempt.
func MergeOpID(recordType, id, baseVersion, remoteVersion string) string {
	name := recordType + "\x00" + id + "\x00" + baseVersion + "\x00" + remoteVersion
	return uuid.NewSHA1(mergeOpNamespace, []byte(name)).String()
}

// DiscardedValue records a value dropped during a merge, for user-facing
// undo and notices.
type DiscardedValue struct {
	// Side is "local" or "remote".
	Side  string `json:"side"`
	Value any    `json:"value"`
}

// ConflictLogEntry is the immutable audit record of one conflict, resolved
// or parked. Exactly one entry exists per merge operation id.
type ConflictLogEntry struct {
	OpID       string `json:"op_id"`
	RecordID   string `json:"record_id"`
	RecordType string `json:"record_type"`
	DetectedAt int64  `json:"detected_at"`

	FieldsInConflict []string          `json:"fields_in_conflict"`
	StrategyApplied  map[string]string `json:"strategy_applied,omitempty"`
	ResolvedVersion  string            `json:"resolved_version,omitempty"`

	// LoserSummary maps field names to the discarded value.
	LoserSummary map[string]DiscardedValue `json:"loser_summary,omitempty"`

	// Parked is true when the conflict awaits a user decision instead of an
	// automatic resolution.
	Parked bool `json:"parked,omitempty"`
	// Terminal is true for dead-lettered mutations: the edit could not be
	// applied and is retained for user acknowledgment.
	Terminal bool   `json:"terminal,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// MergeOutcome is the resolver's result for one mutation.
type MergeOutcome struct {
	OpID string

	// Parked signals the mutation needs a user decision and must not be
	// pushed. Merged is nil in that case.
	Parked     bool
	ParkReason string

	// Merged is the record body to push. Its Version field is untouched;
	// ExpectedVersion is the optimistic-concurrency token for the write.
	Merged          *Record
	ExpectedVersion string

	// Entry is the audit record for this merge. Nil when no field was in
	// true conflict (clean applies and non-overlapping merges).
	Entry *ConflictLogEntry
}

// FieldMergeResolver applies the merge policy table to resolution plans.
// Resolution is deterministic: identical (base, local, remote) triples with
// a fixed policy table produce identical outcomes.
type FieldMergeResolver struct {
	table *PolicyTable
	clock Clock
}

// NewFieldMergeResolver creates a resolver over the given policy table.
func NewFieldMergeResolver(table *PolicyTable, clock Clock) *FieldMergeResolver {
	return &FieldMergeResolver{table: table, clock: clock}
}

// Resolve computes the merged record for a plan, or a parked outcome when a
// field policy or the conflict class requires a user decision.
func (r *FieldMergeResolver) Resolve(plan *ResolutionPlan) (*MergeOutcome, error) {
	m := plan.Mutation
	remoteVersion := ""
	if plan.Remote != nil {
		remoteVersion = plan.Remote.Version
	}
	opID := MergeOpID(m.RecordType, m.ID, m.BaseVersion, remoteVersion)

	switch plan.Class {
	case ConflictClean:
		return r.resolveClean(plan, opID)
	case ConflictStaleDelete:
		return r.parkedOutcome(plan, opID, "record deleted upstream; recreate or accept deletion"), nil
	case ConflictDeleteEdit:
		return r.parkedOutcome(plan, opID, "local delete raced a remote edit"), nil
	case ConflictFields:
		return r.resolveFields(plan, opID)
	default:
		return nil, fmt.Errorf("unknown conflict class %d", plan.Class)
	}
}

func (r *FieldMergeResolver) resolveClean(plan *ResolutionPlan, opID string) (*MergeOutcome, error) {
	m := plan.Mutation
	out := &MergeOutcome{OpID: opID, ExpectedVersion: m.BaseVersion}

	switch m.Kind {
	case MutationCreate:
		out.Merged = &Record{Type: m.RecordType, ID: m.ID, Fields: cloneFields(m.Changes)}
		out.ExpectedVersion = ""
	case MutationUpdate:
		merged := plan.Remote.Clone()
		for f, v := range m.Changes {
			merged.Fields[f] = cloneValue(v)
		}
		out.Merged = merged
	case MutationDelete:
		merged := plan.Remote.Clone()
		merged.Deleted = true
		out.Merged = merged
	}
	return out, nil
}

func (r *FieldMergeResolver) resolveFields(plan *ResolutionPlan, opID string) (*MergeOutcome, error) {
	m := plan.Mutation
	remote := plan.Remote

	merged := remote.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any)
	}
	for _, f := range plan.LocalOnly {
		merged.Fields[f] = cloneValue(m.Changes[f])
	}
	if m.Kind == MutationCreate {
		// Fields only present locally survive alongside the remote record.
		for f, v := range m.Changes {
			if !contains(plan.Overlapping, f) {
				merged.Fields[f] = cloneValue(v)
			}
		}
	}

	strategies := make(map[string]string, len(plan.Overlapping))
	losers := make(map[string]DiscardedValue)
	var rejected []string

	for _, f := range plan.Overlapping {
		policy := r.table.Lookup(m.RecordType, f)
		strategies[f] = policy.Strategy.String()

		localVal := m.Changes[f]
		remoteVal := remote.Fields[f]

		switch policy.Strategy {
		case StrategyRejectConflict:
			rejected = append(rejected, f)

		case StrategyUnionAppend:
			merged.Fields[f] = unionValues(localVal, remoteVal)

		case StrategyLockOverride:
			if truthy(remote.Fields[policy.AuthorityField]) {
				// Authority hold set remotely: the local value is discarded,
				// and the discard is logged rather than silently dropped.
				losers[f] = DiscardedValue{Side: "local", Value: localVal}
				continue
			}
			r.applyLWW(merged, m, remote, f, localVal, remoteVal, losers)

		case StrategyRolePrecedence:
			lr := roleRank(policy.RoleOrder, m.EditorRole)
			rr := roleRank(policy.RoleOrder, remote.Meta(f).EditorRole)
			switch {
			case lr < rr:
				merged.Fields[f] = cloneValue(localVal)
				losers[f] = DiscardedValue{Side: "remote", Value: remoteVal}
			case rr < lr:
				losers[f] = DiscardedValue{Side: "local", Value: localVal}
			default:
				r.applyLWW(merged, m, remote, f, localVal, remoteVal, losers)
			}

		case StrategyLastWriteWins:
			r.applyLWW(merged, m, remote, f, localVal, remoteVal, losers)
		}
	}

	out := &MergeOutcome{OpID: opID, ExpectedVersion: remote.Version}

	if len(rejected) > 0 {
		sort.Strings(rejected)
		reason := fmt.Sprintf("fields require user decision: %v", rejected)
		entry := r.newEntry(plan, opID, rejected, strategies, nil)
		entry.Parked = true
		entry.Reason = reason
		out.Parked = true
		out.ParkReason = reason
		out.Entry = entry
		return out, nil
	}

	out.Merged = merged
	if len(plan.Overlapping) > 0 {
		out.Entry = r.newEntry(plan, opID, plan.Overlapping, strategies, losers)
	}
	return out, nil
}

// applyLWW resolves one field by edit time: the mutation's local edit time
// against the server-assigned field modification time, with a deterministic
// editor-id tiebreak so resolution never depends on clock skew alone.
func (r *FieldMergeResolver) applyLWW(merged *Record, m *PendingMutation, remote *Record, f string, localVal, remoteVal any, losers map[string]DiscardedValue) {
	meta := remote.Meta(f)
	localWins := m.EditedAt > meta.ModifiedAt ||
		(m.EditedAt == meta.ModifiedAt && m.EditorID > meta.EditorID)
	if localWins {
		merged.Fields[f] = cloneValue(localVal)
		losers[f] = DiscardedValue{Side: "remote", Value: remoteVal}
	} else {
		losers[f] = DiscardedValue{Side: "local", Value: localVal}
	}
}

func (r *FieldMergeResolver) parkedOutcome(plan *ResolutionPlan, opID, reason string) *MergeOutcome {
	entry := r.newEntry(plan, opID, plan.Mutation.ChangedFields(), nil, nil)
	entry.Parked = true
	entry.Reason = reason
	return &MergeOutcome{
		OpID:       opID,
		Parked:     true,
		ParkReason: reason,
		Entry:      entry,
	}
}

func (r *FieldMergeResolver) newEntry(plan *ResolutionPlan, opID string, fields []string, strategies map[string]string, losers map[string]DiscardedValue) *ConflictLogEntry {
	m := plan.Mutation
	entry := &ConflictLogEntry{
		OpID:             opID,
		RecordID:         m.ID,
		RecordType:       m.RecordType,
		DetectedAt:       r.clock.Now().UnixNano(),
		FieldsInConflict: append([]string(nil), fields...),
		StrategyApplied:  strategies,
		LoserSummary:     losers,
	}
	if plan.Remote != nil {
		entry.ResolvedVersion = plan.Remote.Version
	}
	return entry
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// unionValues merges two set-like field values. Inputs that are not slices
// are treated as single-element sets. The result is deduplicated and sorted
// by canonical encoding, so unions are deterministic.
func unionValues(a, b any) []any {
	seen := make(map[string]any)
	add := func(v any) {
		for _, e := range asSlice(v) {
			key := canonicalKey(e)
			if _, ok := seen[key]; !ok {
				seen[key] = e
			}
		}
	}
	add(a)
	add(b)

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out
}

func asSlice(v any) []any {
	switch val := v.(type) {
	case nil:
		return nil
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	default:
		return []any{val}
	}
}

func canonicalKey(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// truthy reports whether an authority flag value is set.
func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "1"
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}
