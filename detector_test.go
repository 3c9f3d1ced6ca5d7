package driftline

import (
	"reflect"
	"testing"
)

func TestClassify_Clean(t *testing.T) {
	d := NewConflictDetector()

	t.Run("CreateAgainstNothing", func(t *testing.T) {
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationCreate,
			Changes: map[string]any{"title": "hello"}}
		plan := d.Classify(m, nil)
		if plan.Class != ConflictClean {
			t.Errorf("class = %s, want clean", plan.Class)
		}
	})

	t.Run("UpdateAgainstUnchangedBase", func(t *testing.T) {
		m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
			BaseVersion: "v1",
			BaseFields:  map[string]any{"title": "hello"},
			Changes:     map[string]any{"title": "world"}}
		remote := &Record{Type: "ticket", ID: "t1", Version: "v1",
			Fields: map[string]any{"title": "hello"}}
		plan := d.Classify(m, remote)
		if plan.Class != ConflictClean {
			t.Errorf("class = %s, want clean", plan.Class)
		}
	})
}

func TestClassify_StaleDelete(t *testing.T) {
	d := NewConflictDetector()
	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1", Changes: map[string]any{"title": "x"}}

	t.Run("RecordGone", func(t *testing.T) {
		plan := d.Classify(m, nil)
		if plan.Class != ConflictStaleDelete {
			t.Errorf("class = %s, want stale-delete", plan.Class)
		}
	})

	t.Run("RecordTombstoned", func(t *testing.T) {
		remote := &Record{Type: "ticket", ID: "t1", Version: "v9", Deleted: true}
		plan := d.Classify(m, remote)
		if plan.Class != ConflictStaleDelete {
			t.Errorf("class = %s, want stale-delete", plan.Class)
		}
	})
}

func TestClassify_DeleteEdit(t *testing.T) {
	d := NewConflictDetector()
	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationDelete,
		BaseVersion: "v1", BaseFields: map[string]any{"title": "hello"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"title": "edited upstream"}}

	plan := d.Classify(m, remote)
	if plan.Class != ConflictDeleteEdit {
		t.Errorf("class = %s, want delete-edit", plan.Class)
	}
}

func TestClassify_FieldSets(t *testing.T) {
	d := NewConflictDetector()

	// Base had three fields; local changed status and title, remote changed
	// status and priority. Only status truly overlaps.
	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1",
		BaseFields:  map[string]any{"status": "Open", "title": "A", "priority": "low"},
		Changes:     map[string]any{"status": "Closed", "title": "B"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{"status": "Resolved", "title": "A", "priority": "high"}}

	plan := d.Classify(m, remote)
	if plan.Class != ConflictFields {
		t.Fatalf("class = %s, want conflict-fields", plan.Class)
	}
	if !reflect.DeepEqual(plan.Overlapping, []string{"status"}) {
		t.Errorf("overlapping = %v, want [status]", plan.Overlapping)
	}
	if !reflect.DeepEqual(plan.LocalOnly, []string{"title"}) {
		t.Errorf("local-only = %v, want [title]", plan.LocalOnly)
	}
	if !reflect.DeepEqual(plan.RemoteOnly, []string{"priority"}) {
		t.Errorf("remote-only = %v, want [priority]", plan.RemoteOnly)
	}
}

func TestClassify_RemoteFieldRemoved(t *testing.T) {
	d := NewConflictDetector()

	// A field removed upstream counts as remotely changed.
	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationUpdate,
		BaseVersion: "v1",
		BaseFields:  map[string]any{"label": "urgent"},
		Changes:     map[string]any{"label": "blocked"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v2",
		Fields: map[string]any{}}

	plan := d.Classify(m, remote)
	if plan.Class != ConflictFields {
		t.Fatalf("class = %s, want conflict-fields", plan.Class)
	}
	if !reflect.DeepEqual(plan.Overlapping, []string{"label"}) {
		t.Errorf("overlapping = %v, want [label]", plan.Overlapping)
	}
}

func TestClassify_CreateAgainstExisting(t *testing.T) {
	d := NewConflictDetector()
	m := &PendingMutation{ID: "t1", RecordType: "ticket", Kind: MutationCreate,
		Changes: map[string]any{"title": "mine", "status": "Open"}}
	remote := &Record{Type: "ticket", ID: "t1", Version: "v3",
		Fields: map[string]any{"title": "theirs", "status": "Open"}}

	plan := d.Classify(m, remote)
	if plan.Class != ConflictFields {
		t.Fatalf("class = %s, want conflict-fields", plan.Class)
	}
	// status matches on both sides, so only title conflicts.
	if !reflect.DeepEqual(plan.Overlapping, []string{"title"}) {
		t.Errorf("overlapping = %v, want [title]", plan.Overlapping)
	}
}
