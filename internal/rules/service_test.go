package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/rules/expr"
)

type memoryRuleRepo struct {
	sets map[uuid.UUID]RuleSet
}

func newMemoryRuleRepo() *memoryRuleRepo {
	return &memoryRuleRepo{sets: make(map[uuid.UUID]RuleSet)}
}

func (m *memoryRuleRepo) GetGroup(_ context.Context, id uuid.UUID) (Group, error) {
	set, ok := m.sets[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return set.Group, nil
}

func (m *memoryRuleRepo) ListGroups(_ context.Context) ([]Group, error) {
	var groups []Group
	for _, set := range m.sets {
		groups = append(groups, set.Group)
	}
	return groups, nil
}

func (m *memoryRuleRepo) GetRuleSet(_ context.Context, groupID uuid.UUID) (RuleSet, error) {
	set, ok := m.sets[groupID]
	if !ok {
		return RuleSet{}, ErrNotFound
	}
	return set, nil
}

func (m *memoryRuleRepo) ReplaceRuleSet(_ context.Context, set RuleSet) error {
	m.sets[set.Group.ID] = set
	return nil
}

func (m *memoryRuleRepo) DeleteGroup(_ context.Context, id uuid.UUID) error {
	if _, ok := m.sets[id]; !ok {
		return ErrNotFound
	}
	delete(m.sets, id)
	return nil
}

type countingInvalidator struct {
	calls int
}

func (c *countingInvalidator) InvalidateAllUsers(context.Context) error {
	c.calls++
	return nil
}

func newTestService(repo RepositoryPort, cache FilterCacheInvalidator) *Service {
	return NewService(repo, NewCompiler(testRegistry(), nil), cache, nil)
}

func sampleEdit() EditRequest {
	return EditRequest{
		Name:      "open tickets",
		DbContext: "workdata",
		Entity:    "Ticket",
		Rules: []EditRule{
			{TempID: "1", Combine: expr.CombineAnd},
			{TempID: "2", UpTempID: "1", Combine: expr.CombineOr},
		},
		Conditions: []EditCondition{
			{RuleTempID: "1", Field: "status", Op: expr.OpEqual, Value: "open"},
			{RuleTempID: "2", Field: "priority", Op: expr.OpEqual, Value: "high"},
		},
	}
}

func TestAddOrUpdateRemapsTopology(t *testing.T) {
	repo := newMemoryRuleRepo()
	cache := &countingInvalidator{}
	svc := newTestService(repo, cache)

	group, err := svc.AddOrUpdate(context.Background(), sampleEdit(), Context{UserName: "alice"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if group.ID == uuid.Nil {
		t.Fatalf("expected a generated group id")
	}
	if cache.calls != 1 {
		t.Fatalf("expected one cache invalidation, got %d", cache.calls)
	}

	set := repo.sets[group.ID]
	if len(set.Rules) != 2 || len(set.Conditions) != 2 {
		t.Fatalf("unexpected persisted shape: %d rules, %d conditions", len(set.Rules), len(set.Conditions))
	}
	byParent := map[uuid.UUID]int{}
	for _, rule := range set.Rules {
		if rule.ID == uuid.Nil || rule.GroupID != group.ID {
			t.Fatalf("rule ids must be fresh and group scoped: %+v", rule)
		}
		byParent[rule.UpRuleID]++
	}
	if byParent[uuid.Nil] != 1 {
		t.Fatalf("expected exactly one root after remap, got %d", byParent[uuid.Nil])
	}
	for _, cond := range set.Conditions {
		found := false
		for _, rule := range set.Rules {
			if cond.RuleID == rule.ID {
				found = true
			}
		}
		if !found {
			t.Fatalf("condition %s not attached to a persisted rule", cond.ID)
		}
	}
}

func TestAddOrUpdateReplacesExistingGroup(t *testing.T) {
	repo := newMemoryRuleRepo()
	svc := newTestService(repo, &countingInvalidator{})

	group, err := svc.AddOrUpdate(context.Background(), sampleEdit(), Context{UserName: "alice"})
	if err != nil {
		t.Fatalf("first add: %v", err)
	}

	second := EditRequest{
		GroupID:   group.ID.String(),
		Name:      "renamed",
		DbContext: "workdata",
		Entity:    "Ticket",
		Rules:     []EditRule{{TempID: "only", Combine: expr.CombineAnd}},
		Conditions: []EditCondition{
			{RuleTempID: "only", Field: "owner", Op: expr.OpEqual, Value: VarUserName},
		},
	}
	updated, err := svc.AddOrUpdate(context.Background(), second, Context{UserName: "alice"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.ID != group.ID {
		t.Fatalf("update must keep the group id: %s vs %s", updated.ID, group.ID)
	}
	if updated.Name != "renamed" {
		t.Fatalf("update must replace group attributes: %q", updated.Name)
	}
	set := repo.sets[group.ID]
	if len(set.Rules) != 1 || len(set.Conditions) != 1 {
		t.Fatalf("old rules must be gone: %d rules, %d conditions", len(set.Rules), len(set.Conditions))
	}
}

func TestAddOrUpdateTreatsWrappedNotFoundAsNewGroup(t *testing.T) {
	svc := newTestService(wrappingRuleRepo{RepositoryPort: newMemoryRuleRepo()}, nil)

	req := sampleEdit()
	req.GroupID = uuid.New().String()
	group, err := svc.AddOrUpdate(context.Background(), req, Context{UserName: "alice"})
	if err != nil {
		t.Fatalf("unknown group id must start a fresh group, got %v", err)
	}
	if group.ID == uuid.Nil || group.ID.String() == req.GroupID {
		t.Fatalf("expected a freshly generated group id, got %s", group.ID)
	}
}

func TestAddOrUpdateRejectsBadEditWithoutSideEffects(t *testing.T) {
	repo := newMemoryRuleRepo()
	cache := &countingInvalidator{}
	svc := newTestService(repo, cache)

	bad := sampleEdit()
	bad.Conditions[0].Field = "does_not_exist"
	_, err := svc.AddOrUpdate(context.Background(), bad, Context{UserName: "alice"})
	var cerr *expr.CompileError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if len(repo.sets) != 0 {
		t.Fatalf("rejected edit must not persist anything")
	}
	if cache.calls != 0 {
		t.Fatalf("rejected edit must not invalidate caches")
	}
}

func TestAddOrUpdateRejectsBrokenTopology(t *testing.T) {
	svc := newTestService(newMemoryRuleRepo(), nil)

	cases := []struct {
		name   string
		mutate func(*EditRequest)
	}{
		{"duplicate rule ids", func(r *EditRequest) { r.Rules[1].TempID = r.Rules[0].TempID }},
		{"missing parent", func(r *EditRequest) { r.Rules[1].UpTempID = "ghost" }},
		{"condition on missing rule", func(r *EditRequest) { r.Conditions[0].RuleTempID = "ghost" }},
		{"two roots", func(r *EditRequest) { r.Rules[1].UpTempID = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := sampleEdit()
			tc.mutate(&req)
			_, err := svc.AddOrUpdate(context.Background(), req, Context{UserName: "alice"})
			var cerr *expr.CompileError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected CompileError, got %v", err)
			}
		})
	}
}

func TestDeleteInvalidates(t *testing.T) {
	repo := newMemoryRuleRepo()
	cache := &countingInvalidator{}
	svc := newTestService(repo, cache)

	group, err := svc.AddOrUpdate(context.Background(), sampleEdit(), Context{UserName: "alice"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := svc.Delete(context.Background(), group.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if cache.calls != 2 {
		t.Fatalf("expected invalidation on add and delete, got %d", cache.calls)
	}
	if err := svc.Delete(context.Background(), group.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
}
