package driftline

import (
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MergeStrategy identifies a field-level conflict resolution strategy.
type MergeStrategy int

const (
	// StrategyRejectConflict escalates the conflict to a user decision.
	// The default for any field without a declared policy.
	StrategyRejectConflict MergeStrategy = iota
	// StrategyLastWriteWins keeps the later of the two edits.
	StrategyLastWriteWins
	// StrategyUnionAppend keeps the set union of both values. Never drops
	// data; for append-only collections such as watcher lists.
	StrategyUnionAppend
	// StrategyRolePrecedence keeps the edit made by the higher-precedence
	// role, falling back to last-write-wins on a tie.
	StrategyRolePrecedence
	// StrategyLockOverride keeps the remote value unconditionally while a
	// designated authority flag is set remotely.
	StrategyLockOverride
)

// String returns the canonical name used in policy documents.
func (s MergeStrategy) String() string {
	switch s {
	case StrategyLastWriteWins:
		return "last-write-wins"
	case StrategyUnionAppend:
		return "union-append"
	case StrategyRolePrecedence:
		return "role-precedence"
	case StrategyLockOverride:
		return "lock-override"
	case StrategyRejectConflict:
		return "reject"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseMergeStrategy parses a strategy name from a policy document.
func ParseMergeStrategy(name string) (MergeStrategy, error) {
	switch name {
	case "last-write-wins":
		return StrategyLastWriteWins, nil
	case "union-append":
		return StrategyUnionAppend, nil
	case "role-precedence":
		return StrategyRolePrecedence, nil
	case "lock-override":
		return StrategyLockOverride, nil
	case "reject":
		return StrategyRejectConflict, nil
	default:
		return StrategyRejectConflict, fmt.Errorf("unknown merge strategy %q", name)
	}
}

// MergePolicy declares how one field of one record type resolves conflicts.
type MergePolicy struct {
	Strategy MergeStrategy

	// RoleOrder lists roles in descending precedence for
	// StrategyRolePrecedence.
	RoleOrder []string

	// AuthorityField names the remote boolean field that, when set,
	// forces the remote value for StrategyLockOverride.
	AuthorityField string
}

type policyKey struct {
	recordType string
	field      string
}

// PolicyTable is a static mapping from (recordType, field) to a merge
// policy. Lookups for undeclared fields return StrategyRejectConflict.
type PolicyTable struct {
	mu       sync.RWMutex
	policies map[policyKey]MergePolicy
}

// NewPolicyTable creates an empty policy table.
func NewPolicyTable() *PolicyTable {
	return &PolicyTable{policies: make(map[policyKey]MergePolicy)}
}

// Set declares the policy for one field of one record type.
func (t *PolicyTable) Set(recordType, field string, policy MergePolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.policies[policyKey{recordType, field}] = policy
}

// Lookup returns the declared policy for a field. Undeclared fields default
// to reject-conflict so nothing is ever auto-resolved without a declaration.
func (t *PolicyTable) Lookup(recordType, field string) MergePolicy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.policies[policyKey{recordType, field}]; ok {
		return p
	}
	return MergePolicy{Strategy: StrategyRejectConflict}
}

// Fields returns the declared field names for a record type, sorted.
func (t *PolicyTable) Fields(recordType string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var fields []string
	for k := range t.policies {
		if k.recordType == recordType {
			fields = append(fields, k.field)
		}
	}
	sort.Strings(fields)
	return fields
}

// Len returns the number of declared policies.
func (t *PolicyTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.policies)
}

// PolicyDocument is the YAML form of a policy table.
type PolicyDocument struct {
	APIVersion  string             `json:"apiVersion" yaml:"apiVersion"`
	Kind        string             `json:"kind" yaml:"kind"`
	RecordTypes []RecordTypePolicy `json:"recordTypes" yaml:"recordTypes"`
}

// RecordTypePolicy declares the field policies for one record type.
type RecordTypePolicy struct {
	Type   string        `json:"type" yaml:"type"`
	Fields []FieldPolicy `json:"fields" yaml:"fields"`
}

// FieldPolicy declares the policy for one field.
type FieldPolicy struct {
	Name           string   `json:"name" yaml:"name"`
	Strategy       string   `json:"strategy" yaml:"strategy"`
	Roles          []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	AuthorityField string   `json:"authorityField,omitempty" yaml:"authorityField,omitempty"`
}

// LoadPolicyTable parses a YAML policy document into a table.
func LoadPolicyTable(data []byte) (*PolicyTable, error) {
	var doc PolicyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	if doc.Kind != "" && doc.Kind != "MergePolicyTable" {
		return nil, fmt.Errorf("unexpected document kind %q", doc.Kind)
	}

	table := NewPolicyTable()
	for _, rt := range doc.RecordTypes {
		if rt.Type == "" {
			return nil, fmt.Errorf("record type entry missing type")
		}
		for _, fp := range rt.Fields {
			if fp.Name == "" {
				return nil, fmt.Errorf("record type %q: field entry missing name", rt.Type)
			}
			strategy, err := ParseMergeStrategy(fp.Strategy)
			if err != nil {
				return nil, fmt.Errorf("record type %q field %q: %w", rt.Type, fp.Name, err)
			}
			policy := MergePolicy{
				Strategy:       strategy,
				RoleOrder:      fp.Roles,
				AuthorityField: fp.AuthorityField,
			}
			if strategy == StrategyRolePrecedence && len(policy.RoleOrder) == 0 {
				return nil, fmt.Errorf("record type %q field %q: role-precedence requires roles", rt.Type, fp.Name)
			}
			if strategy == StrategyLockOverride && policy.AuthorityField == "" {
				return nil, fmt.Errorf("record type %q field %q: lock-override requires authorityField", rt.Type, fp.Name)
			}
			table.Set(rt.Type, fp.Name, policy)
		}
	}
	return table, nil
}

// roleRank returns the precedence rank of a role within an order, lower is
// higher precedence. Unknown roles rank below every declared role.
func roleRank(order []string, role string) int {
	for i, r := range order {
		if r == role {
			return i
		}
	}
	return len(order)
}
