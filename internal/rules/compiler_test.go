package rules

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/rules/expr"
)

type stubGroupResolver struct {
	descendants map[uuid.UUID][]uuid.UUID
}

func (s *stubGroupResolver) DescendantsOf(_ context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	return s.descendants[groupID], nil
}

func testRegistry() *expr.Registry {
	reg := expr.NewRegistry()
	reg.Register(expr.NewSchema("workdata", "Ticket", "status", "priority", "owner", "group_id"))
	return reg
}

func id(t *testing.T) uuid.UUID {
	t.Helper()
	v, err := uuid.NewV7()
	if err != nil {
		t.Fatalf("uuid: %v", err)
	}
	return v
}

func singleRuleSet(t *testing.T, combine expr.Combine, conds ...Condition) RuleSet {
	t.Helper()
	groupID, rootID := id(t), id(t)
	set := RuleSet{
		Group: Group{ID: groupID, Name: "test", DbContext: "workdata", Entity: "Ticket"},
		Rules: []Rule{{ID: rootID, GroupID: groupID, Combine: combine}},
	}
	for i := range conds {
		conds[i].ID = id(t)
		conds[i].GroupID = groupID
		conds[i].RuleID = rootID
		set.Conditions = append(set.Conditions, conds[i])
	}
	return set
}

func compileAndRun(t *testing.T, set RuleSet, vars Context, resolver GroupResolver, rec expr.Record) bool {
	t.Helper()
	compiler := NewCompiler(testRegistry(), resolver)
	serialized, err := compiler.CompileFilter(context.Background(), set, vars)
	if err != nil {
		t.Fatalf("compile filter: %v", err)
	}
	// Run what a cache consumer would run: the deserialized form.
	restored, err := expr.Unmarshal(serialized)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	schema, err := testRegistry().Find("workdata", "Ticket")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	pred, err := expr.Compile(restored, schema)
	if err != nil {
		t.Fatalf("compile predicate: %v", err)
	}
	return pred(rec)
}

func TestCompileAndLiteralConditions(t *testing.T) {
	set := singleRuleSet(t, expr.CombineAnd,
		Condition{Field: "status", Op: expr.OpEqual, Value: "open"},
		Condition{Field: "priority", Op: expr.OpEqual, Value: "high"},
	)
	if !compileAndRun(t, set, Context{}, nil, expr.Record{"status": "open", "priority": "high"}) {
		t.Fatalf("expected match")
	}
	if compileAndRun(t, set, Context{}, nil, expr.Record{"status": "open", "priority": "low"}) {
		t.Fatalf("expected reject")
	}
}

func TestUserNameSubstitution(t *testing.T) {
	set := singleRuleSet(t, expr.CombineAnd,
		Condition{Field: "owner", Op: expr.OpEqual, Value: VarUserName},
	)
	alice := Context{UserName: "alice"}
	if !compileAndRun(t, set, alice, nil, expr.Record{"owner": "alice"}) {
		t.Fatalf("alice must see her own records")
	}
	if compileAndRun(t, set, alice, nil, expr.Record{"owner": "bob"}) {
		t.Fatalf("alice must not see bob's records")
	}
	// Another user's compilation is independent.
	if !compileAndRun(t, set, Context{UserName: "bob"}, nil, expr.Record{"owner": "bob"}) {
		t.Fatalf("bob must see his own records")
	}
}

func TestUserGroupExpansion(t *testing.T) {
	g, c1, c2 := id(t), id(t), id(t)
	resolver := &stubGroupResolver{descendants: map[uuid.UUID][]uuid.UUID{
		g: {g, c1, c2},
	}}
	set := singleRuleSet(t, expr.CombineAnd,
		Condition{Field: "group_id", Op: expr.OpListContain, Value: VarUserGroupID},
	)
	vars := Context{UserName: "alice", GroupID: g}
	for _, member := range []uuid.UUID{g, c1, c2} {
		if !compileAndRun(t, set, vars, resolver, expr.Record{"group_id": member.String()}) {
			t.Fatalf("descendant group %s must match", member)
		}
	}
	if compileAndRun(t, set, vars, resolver, expr.Record{"group_id": id(t).String()}) {
		t.Fatalf("foreign group must not match")
	}
}

func TestUserGroupUnsetSkipsCondition(t *testing.T) {
	set := singleRuleSet(t, expr.CombineAnd,
		Condition{Field: "group_id", Op: expr.OpListContain, Value: VarUserGroupID},
		Condition{Field: "status", Op: expr.OpEqual, Value: "open"},
	)
	vars := Context{UserName: "alice"} // no group
	if !compileAndRun(t, set, vars, &stubGroupResolver{}, expr.Record{"status": "open", "group_id": "anything"}) {
		t.Fatalf("groupless user must not be constrained by the group condition")
	}
	if compileAndRun(t, set, vars, &stubGroupResolver{}, expr.Record{"status": "closed"}) {
		t.Fatalf("remaining conditions still apply")
	}
}

func TestEmptyRuleNeutralElement(t *testing.T) {
	andSet := singleRuleSet(t, expr.CombineAnd)
	if !compileAndRun(t, andSet, Context{}, nil, expr.Record{}) {
		t.Fatalf("empty and rule must compile to always-true")
	}
	orSet := singleRuleSet(t, expr.CombineOr)
	if compileAndRun(t, orSet, Context{}, nil, expr.Record{}) {
		t.Fatalf("empty or rule must compile to always-false")
	}
}

func TestNestedRuleTree(t *testing.T) {
	groupID, rootID, childID := id(t), id(t), id(t)
	set := RuleSet{
		Group: Group{ID: groupID, DbContext: "workdata", Entity: "Ticket"},
		Rules: []Rule{
			{ID: rootID, GroupID: groupID, Combine: expr.CombineAnd},
			{ID: childID, GroupID: groupID, UpRuleID: rootID, Combine: expr.CombineOr},
		},
		Conditions: []Condition{
			{ID: id(t), GroupID: groupID, RuleID: rootID, Field: "status", Op: expr.OpEqual, Value: "open"},
			{ID: id(t), GroupID: groupID, RuleID: childID, Field: "priority", Op: expr.OpEqual, Value: "high"},
			{ID: id(t), GroupID: groupID, RuleID: childID, Field: "owner", Op: expr.OpEqual, Value: VarUserName},
		},
	}
	vars := Context{UserName: "alice"}
	// (priority == high OR owner == alice) AND status == open
	if !compileAndRun(t, set, vars, nil, expr.Record{"status": "open", "priority": "high", "owner": "bob"}) {
		t.Fatalf("or-branch priority must match")
	}
	if !compileAndRun(t, set, vars, nil, expr.Record{"status": "open", "priority": "low", "owner": "alice"}) {
		t.Fatalf("or-branch owner must match")
	}
	if compileAndRun(t, set, vars, nil, expr.Record{"status": "closed", "priority": "high", "owner": "alice"}) {
		t.Fatalf("and-branch status must reject")
	}
}

func TestCompileErrors(t *testing.T) {
	groupID, rootID := id(t), id(t)
	base := Group{ID: groupID, DbContext: "workdata", Entity: "Ticket"}

	cases := []struct {
		name string
		set  RuleSet
	}{
		{"no root", RuleSet{Group: base, Rules: []Rule{{ID: rootID, GroupID: groupID, UpRuleID: id(t), Combine: expr.CombineAnd}}}},
		{"two roots", RuleSet{Group: base, Rules: []Rule{
			{ID: rootID, GroupID: groupID, Combine: expr.CombineAnd},
			{ID: id(t), GroupID: groupID, Combine: expr.CombineOr},
		}}},
		{"dangling condition", RuleSet{Group: base,
			Rules:      []Rule{{ID: rootID, GroupID: groupID, Combine: expr.CombineAnd}},
			Conditions: []Condition{{ID: id(t), GroupID: groupID, RuleID: id(t), Field: "status", Op: expr.OpEqual, Value: "x"}},
		}},
		{"unknown field", singleRuleSet(t, expr.CombineAnd, Condition{Field: "nope", Op: expr.OpEqual, Value: "x"})},
		{"unknown variable", singleRuleSet(t, expr.CombineAnd, Condition{Field: "status", Op: expr.OpEqual, Value: "${Nope}"})},
	}
	compiler := NewCompiler(testRegistry(), nil)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := compiler.CompileFilter(context.Background(), tc.set, Context{UserName: "alice"})
			var cerr *expr.CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected CompileError, got %v", err)
			}
		})
	}
}

func TestLiteralListValueSplit(t *testing.T) {
	set := singleRuleSet(t, expr.CombineAnd,
		Condition{Field: "status", Op: expr.OpListContain, Value: "open, pending"},
	)
	if !compileAndRun(t, set, Context{}, nil, expr.Record{"status": "pending"}) {
		t.Fatalf("comma list member must match")
	}
	if compileAndRun(t, set, Context{}, nil, expr.Record{"status": "closed"}) {
		t.Fatalf("non-member must not match")
	}
}

func TestSerializedFilterIsJSON(t *testing.T) {
	set := singleRuleSet(t, expr.CombineAnd,
		Condition{Field: "status", Op: expr.OpEqual, Value: "open"},
	)
	compiler := NewCompiler(testRegistry(), nil)
	serialized, err := compiler.CompileFilter(context.Background(), set, Context{})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !json.Valid(serialized) {
		t.Fatalf("serialized filter must be valid JSON: %s", serialized)
	}
}
