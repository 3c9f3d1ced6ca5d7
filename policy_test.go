package driftline

import "testing"

const testPolicyYAML = `
apiVersion: v1
kind: MergePolicyTable
recordTypes:
  - type: ticket
    fields:
      - name: status
        strategy: last-write-wins
      - name: watchers
        strategy: union-append
      - name: priority
        strategy: role-precedence
        roles: [admin, agent, customer]
      - name: assignee
        strategy: lock-override
        authorityField: locked
`

func TestLoadPolicyTable(t *testing.T) {
	table, err := LoadPolicyTable([]byte(testPolicyYAML))
	if err != nil {
		t.Fatalf("LoadPolicyTable: %v", err)
	}
	if table.Len() != 4 {
		t.Errorf("expected 4 policies, got %d", table.Len())
	}

	p := table.Lookup("ticket", "status")
	if p.Strategy != StrategyLastWriteWins {
		t.Errorf("status strategy = %s, want last-write-wins", p.Strategy)
	}

	p = table.Lookup("ticket", "priority")
	if p.Strategy != StrategyRolePrecedence {
		t.Errorf("priority strategy = %s, want role-precedence", p.Strategy)
	}
	if len(p.RoleOrder) != 3 || p.RoleOrder[0] != "admin" {
		t.Errorf("unexpected role order %v", p.RoleOrder)
	}

	p = table.Lookup("ticket", "assignee")
	if p.AuthorityField != "locked" {
		t.Errorf("authority field = %q, want locked", p.AuthorityField)
	}
}

func TestPolicyTable_DefaultsToReject(t *testing.T) {
	table := NewPolicyTable()
	p := table.Lookup("ticket", "undeclared")
	if p.Strategy != StrategyRejectConflict {
		t.Errorf("undeclared field strategy = %s, want reject", p.Strategy)
	}
}

func TestLoadPolicyTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"BadKind", "kind: SomethingElse\n"},
		{"MissingType", "recordTypes:\n  - fields:\n      - name: a\n        strategy: reject\n"},
		{"MissingFieldName", "recordTypes:\n  - type: ticket\n    fields:\n      - strategy: reject\n"},
		{"UnknownStrategy", "recordTypes:\n  - type: ticket\n    fields:\n      - name: a\n        strategy: nope\n"},
		{"RolePrecedenceNoRoles", "recordTypes:\n  - type: ticket\n    fields:\n      - name: a\n        strategy: role-precedence\n"},
		{"LockOverrideNoAuthority", "recordTypes:\n  - type: ticket\n    fields:\n      - name: a\n        strategy: lock-override\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadPolicyTable([]byte(tt.doc)); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestParseMergeStrategy_RoundTrip(t *testing.T) {
	strategies := []MergeStrategy{
		StrategyRejectConflict,
		StrategyLastWriteWins,
		StrategyUnionAppend,
		StrategyRolePrecedence,
		StrategyLockOverride,
	}
	for _, s := range strategies {
		parsed, err := ParseMergeStrategy(s.String())
		if err != nil {
			t.Fatalf("ParseMergeStrategy(%q): %v", s.String(), err)
		}
		if parsed != s {
			t.Errorf("round trip %s -> %s", s, parsed)
		}
	}
}

func TestRoleRank(t *testing.T) {
	order := []string{"admin", "agent", "customer"}
	if roleRank(order, "admin") != 0 {
		t.Errorf("admin rank = %d, want 0", roleRank(order, "admin"))
	}
	if roleRank(order, "customer") != 2 {
		t.Errorf("customer rank = %d, want 2", roleRank(order, "customer"))
	}
	if roleRank(order, "intern") != 3 {
		t.Errorf("unknown role rank = %d, want 3", roleRank(order, "intern"))
	}
}

func TestPolicyTable_Fields(t *testing.T) {
	table := NewPolicyTable()
	table.Set("ticket", "status", MergePolicy{Strategy: StrategyLastWriteWins})
	table.Set("ticket", "assignee", MergePolicy{Strategy: StrategyLastWriteWins})
	table.Set("note", "body", MergePolicy{Strategy: StrategyRejectConflict})

	fields := table.Fields("ticket")
	if len(fields) != 2 || fields[0] != "assignee" || fields[1] != "status" {
		t.Errorf("unexpected fields %v", fields)
	}
}
