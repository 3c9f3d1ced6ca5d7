package driftline

import (
	"reflect"
	"sort"
	"testing"
	"time"
)

func testResolver(table *PolicyTable) (*ConflictDetector, *FieldMergeResolver) {
	if table == nil {
		table = NewPolicyTable()
	}
	clock := NewManualClock(time.Unix(1000, 0))
	return NewConflictDetector(), NewFieldMergeResolver(table, clock)
}

func TestResolve_CleanUpdate(t *testing.T) {
	d, r := testResolver(nil)

	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1",
		BaseFields:  map[string]any{"status": "Open"},
		Changes:     map[string]any{"status": "Closed"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v1",
		Fields: map[string]any{"status": "Open"}}

	out, err := r.Resolve(d.Classify(m, remote))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Parked {
		t.Fatal("clean update must not park")
	}
	if out.ExpectedVersion != "v1" {
		t.Errorf("expected version = %q, want v1", out.ExpectedVersion)
	}
	if out.Merged.Fields["status"] != "Closed" {
		t.Errorf("merged status = %v, want Closed", out.Merged.Fields["status"])
	}
	if out.Entry != nil {
		t.Error("clean update must not produce an audit entry")
	}
}

func TestResolve_DisjointFieldsBothSurvive(t *testing.T) {
	d, r := testResolver(nil)

	// Local changed status, remote changed title. No true conflict; both
	// changes land and no audit entry is produced.
	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1",
		BaseFields:  map[string]any{"status": "Open", "title": "A"},
		Changes:     map[string]any{"status": "Closed"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"status": "Open", "title": "B"}}

	out, err := r.Resolve(d.Classify(m, remote))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if out.Parked {
		t.Fatal("disjoint edit must not park")
	}
	if out.Merged.Fields["status"] != "Closed" {
		t.Errorf("merged status = %v, want Closed", out.Merged.Fields["status"])
	}
	if out.Merged.Fields["title"] != "B" {
		t.Errorf("merged title = %v, want B", out.Merged.Fields["title"])
	}
	if out.ExpectedVersion != "v2" {
		t.Errorf("expected version = %q, want v2", out.ExpectedVersion)
	}
	if out.Entry != nil {
		t.Error("no audit entry expected when no field truly overlaps")
	}
}

func TestResolve_LastWriteWins(t *testing.T) {
	table := NewPolicyTable()
	table.Set("ticket", "status", MergePolicy{Strategy: StrategyLastWriteWins})
	d, r := testResolver(table)

	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"status": "Resolved"},
		FieldMeta: map[string]FieldMeta{
			"status": {ModifiedAt: 500, EditorID: "bob"},
		}}

	t.Run("LocalNewerWins", func(t *testing.T) {
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
			BaseVersion: "v1", EditorID: "alice", EditedAt: 900,
			BaseFields: map[string]any{"status": "Open"},
			Changes:    map[string]any{"status": "Closed"}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["status"] != "Closed" {
			t.Errorf("merged status = %v, want Closed", out.Merged.Fields["status"])
		}
		if out.Entry == nil {
			t.Fatal("overlapping merge must produce an audit entry")
		}
		loser, ok := out.Entry.LoserSummary["status"]
		if !ok || loser.Side != "remote" || loser.Value != "Resolved" {
			t.Errorf("unexpected loser summary %+v", out.Entry.LoserSummary)
		}
	})

	t.Run("RemoteNewerWins", func(t *testing.T) {
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
			BaseVersion: "v1", EditorID: "alice", EditedAt: 100,
			BaseFields: map[string]any{"status": "Open"},
			Changes:    map[string]any{"status": "Closed"}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["status"] != "Resolved" {
			t.Errorf("merged status = %v, want Resolved", out.Merged.Fields["status"])
		}
		loser := out.Entry.LoserSummary["status"]
		if loser.Side != "local" || loser.Value != "Closed" {
			t.Errorf("unexpected loser summary %+v", loser)
		}
	})

	t.Run("TimestampTieBreaksOnEditorID", func(t *testing.T) {
		// Equal timestamps must still resolve deterministically: the
		// lexicographically greater editor id wins.
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
			BaseVersion: "v1", EditorID: "zoe", EditedAt: 500,
			BaseFields: map[string]any{"status": "Open"},
			Changes:    map[string]any{"status": "Closed"}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["status"] != "Closed" {
			t.Errorf("merged status = %v, want Closed (zoe > bob)", out.Merged.Fields["status"])
		}
	})
}

func TestResolve_Deterministic(t *testing.T) {
	table := NewPolicyTable()
	table.Set("ticket", "status", MergePolicy{Strategy: StrategyLastWriteWins})
	d, r := testResolver(table)

	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1", EditorID: "alice", EditedAt: 900,
		BaseFields: map[string]any{"status": "Open"},
		Changes:    map[string]any{"status": "Closed"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"status": "Resolved"}}

	first, err := r.Resolve(d.Classify(m, remote))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := r.Resolve(d.Classify(m.Clone(), remote.Clone()))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if first.OpID != second.OpID {
		t.Errorf("op ids differ: %s vs %s", first.OpID, second.OpID)
	}
	if !reflect.DeepEqual(first.Merged.Fields, second.Merged.Fields) {
		t.Errorf("merged fields differ: %v vs %v", first.Merged.Fields, second.Merged.Fields)
	}
}

func TestResolve_RolePrecedence(t *testing.T) {
	table := NewPolicyTable()
	table.Set("ticket", "priority", MergePolicy{
		Strategy:  StrategyRolePrecedence,
		RoleOrder: []string{"admin", "agent", "customer"},
	})
	d, r := testResolver(table)

	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"priority": "low"},
		FieldMeta: map[string]FieldMeta{
			"priority": {ModifiedAt: 999, EditorID: "bob", EditorRole: "agent"},
		}}

	t.Run("HigherRoleWins", func(t *testing.T) {
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
			BaseVersion: "v1", EditorID: "alice", EditorRole: "admin", EditedAt: 100,
			BaseFields: map[string]any{"priority": "medium"},
			Changes:    map[string]any{"priority": "high"}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["priority"] != "high" {
			t.Errorf("merged priority = %v, want high (admin beats agent)", out.Merged.Fields["priority"])
		}
	})

	t.Run("LowerRoleLoses", func(t *testing.T) {
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
			BaseVersion: "v1", EditorID: "carl", EditorRole: "customer", EditedAt: 9999,
			BaseFields: map[string]any{"priority": "medium"},
			Changes:    map[string]any{"priority": "high"}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["priority"] != "low" {
			t.Errorf("merged priority = %v, want low (agent beats customer)", out.Merged.Fields["priority"])
		}
		loser := out.Entry.LoserSummary["priority"]
		if loser.Side != "local" {
			t.Errorf("loser side = %q, want local", loser.Side)
		}
	})
}

func TestResolve_UnionAppend(t *testing.T) {
	table := NewPolicyTable()
	table.Set("ticket", "watchers", MergePolicy{Strategy: StrategyUnionAppend})
	d, r := testResolver(table)

	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1",
		BaseFields:  map[string]any{"watchers": []any{"alice"}},
		Changes:     map[string]any{"watchers": []any{"alice", "carol"}}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"watchers": []any{"alice", "bob"}}}

	out, err := r.Resolve(d.Classify(m, remote))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got := out.Merged.Fields["watchers"].([]any)
	var names []string
	for _, v := range got {
		names = append(names, v.(string))
	}
	sort.Strings(names)
	if !reflect.DeepEqual(names, []string{"alice", "bob", "carol"}) {
		t.Errorf("union = %v, want [alice bob carol]", names)
	}
}

func TestResolve_LockOverride(t *testing.T) {
	table := NewPolicyTable()
	table.Set("ticket", "assignee", MergePolicy{
		Strategy:       StrategyLockOverride,
		AuthorityField: "locked",
	})
	d, r := testResolver(table)

	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1", EditorID: "alice", EditedAt: 9999,
		BaseFields: map[string]any{"assignee": "alice"},
		Changes:    map[string]any{"assignee": "carol"}}

	t.Run("LockedRemoteWins", func(t *testing.T) {
		remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
			Fields: map[string]any{"assignee": "bob", "locked": true}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["assignee"] != "bob" {
			t.Errorf("merged assignee = %v, want bob (locked)", out.Merged.Fields["assignee"])
		}
		loser := out.Entry.LoserSummary["assignee"]
		if loser.Side != "local" || loser.Value != "carol" {
			t.Errorf("discarded local value not logged: %+v", loser)
		}
	})

	t.Run("UnlockedFallsBackToLWW", func(t *testing.T) {
		remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
			Fields: map[string]any{"assignee": "bob", "locked": false},
			FieldMeta: map[string]FieldMeta{
				"assignee": {ModifiedAt: 100, EditorID: "bob"},
			}}

		out, err := r.Resolve(d.Classify(m, remote))
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if out.Merged.Fields["assignee"] != "carol" {
			t.Errorf("merged assignee = %v, want carol (local newer)", out.Merged.Fields["assignee"])
		}
	})
}

func TestResolve_RejectParks(t *testing.T) {
	d, r := testResolver(nil) // empty table: every field rejects

	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1",
		BaseFields:  map[string]any{"body": "draft"},
		Changes:     map[string]any{"body": "local edit"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"body": "remote edit"}}

	out, err := r.Resolve(d.Classify(m, remote))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Parked {
		t.Fatal("reject policy must park the mutation")
	}
	if out.Merged != nil {
		t.Error("parked outcome must not carry a merged record")
	}
	if out.Entry == nil || !out.Entry.Parked {
		t.Fatalf("parked outcome must produce a parked audit entry, got %+v", out.Entry)
	}
	if !reflect.DeepEqual(out.Entry.FieldsInConflict, []string{"body"}) {
		t.Errorf("fields in conflict = %v, want [body]", out.Entry.FieldsInConflict)
	}
}

func TestResolve_StaleDeleteParks(t *testing.T) {
	d, r := testResolver(nil)

	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1", Changes: map[string]any{"status": "Closed"}}

	out, err := r.Resolve(d.Classify(m, nil))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !out.Parked {
		t.Fatal("stale delete must park")
	}
	if out.Entry == nil || !out.Entry.Parked {
		t.Fatal("stale delete must produce a parked audit entry")
	}
}

func TestMergeOpID_Deterministic(t *testing.T) {
	a := MergeOpID("ticket", "t1", "v1", "v2")
	b := MergeOpID("ticket", "t1", "v1", "v2")
	if a != b {
		t.Errorf("same inputs produced different op ids: %s vs %s", a, b)
	}
	c := MergeOpID("ticket", "t1", "v1", "v3")
	if a == c {
		t.Error("different remote versions must produce different op ids")
	}
}

func TestUnionValues(t *testing.T) {
	got := unionValues([]any{"a", "b"}, []any{"b", "c"})
	if len(got) != 3 {
		t.Errorf("union length = %d, want 3: %v", len(got), got)
	}

	t.Run("ScalarPromotedToSlice", func(t *testing.T) {
		got := unionValues("a", []any{"b"})
		if len(got) != 2 {
			t.Errorf("union length = %d, want 2: %v", len(got), got)
		}
	})
}
