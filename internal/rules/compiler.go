package rules

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/rules/expr"
)

// GroupResolver expands a principal's group into its full descendant set.
// Satisfied by the closure tree service bound to the group hierarchy.
type GroupResolver interface {
	DescendantsOf(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error)
}

// Compiler turns a materialized rule set plus a variable context into one
// expression tree. Each recursive call returns a fresh subtree; nothing is
// threaded through shared state.
type Compiler struct {
	schemas *expr.Registry
	groups  GroupResolver
}

// NewCompiler constructs a Compiler.
func NewCompiler(schemas *expr.Registry, groups GroupResolver) *Compiler {
	return &Compiler{schemas: schemas, groups: groups}
}

// Build walks the rule tree in post-order and returns the composed
// expression for the root rule. Structural defects (no root, several roots,
// dangling parent or condition references, unreachable rules) fail as
// compile errors.
func (c *Compiler) Build(ctx context.Context, set RuleSet, vars Context) (*expr.Expr, error) {
	byID := make(map[uuid.UUID]Rule, len(set.Rules))
	children := make(map[uuid.UUID][]Rule)
	var root *Rule
	for _, rule := range set.Rules {
		if _, dup := byID[rule.ID]; dup {
			return nil, topologyError("duplicate rule id %s", rule.ID)
		}
		byID[rule.ID] = rule
	}
	for i := range set.Rules {
		rule := set.Rules[i]
		if rule.UpRuleID == uuid.Nil {
			if root != nil {
				return nil, topologyError("rule group has more than one root rule")
			}
			root = &set.Rules[i]
			continue
		}
		if _, ok := byID[rule.UpRuleID]; !ok {
			return nil, topologyError("rule %s references missing parent %s", rule.ID, rule.UpRuleID)
		}
		children[rule.UpRuleID] = append(children[rule.UpRuleID], rule)
	}
	if root == nil {
		return nil, topologyError("rule group has no root rule")
	}

	conditions := make(map[uuid.UUID][]Condition)
	for _, cond := range set.Conditions {
		if _, ok := byID[cond.RuleID]; !ok {
			return nil, topologyError("condition %s references missing rule %s", cond.ID, cond.RuleID)
		}
		conditions[cond.RuleID] = append(conditions[cond.RuleID], cond)
	}

	visited := 0
	built, err := c.buildNode(ctx, *root, children, conditions, vars, &visited)
	if err != nil {
		return nil, err
	}
	if visited != len(set.Rules) {
		return nil, topologyError("rule group contains rules unreachable from the root")
	}
	return built, nil
}

// CompileFilter builds, validates against the target schema, and serializes
// the group's filter for the given context.
func (c *Compiler) CompileFilter(ctx context.Context, set RuleSet, vars Context) ([]byte, error) {
	built, err := c.Build(ctx, set, vars)
	if err != nil {
		return nil, err
	}
	schema, err := c.schemas.Find(set.Group.DbContext, set.Group.Entity)
	if err != nil {
		return nil, err
	}
	// Compiling against the schema is the validation step; the predicate
	// itself is rebuilt by consumers from the serialized form.
	if _, err := expr.Compile(built, schema); err != nil {
		return nil, err
	}
	return expr.Marshal(built)
}

func (c *Compiler) buildNode(ctx context.Context, rule Rule, children map[uuid.UUID][]Rule,
	conditions map[uuid.UUID][]Condition, vars Context, visited *int) (*expr.Expr, error) {
	*visited++
	if !rule.Combine.Valid() {
		return nil, topologyError("rule %s has unknown combine type %q", rule.ID, rule.Combine)
	}

	var parts []*expr.Expr
	for _, child := range children[rule.ID] {
		sub, err := c.buildNode(ctx, child, children, conditions, vars, visited)
		if err != nil {
			return nil, err
		}
		parts = append(parts, sub)
	}

	for _, cond := range conditions[rule.ID] {
		leaf, err := c.buildCondition(ctx, cond, vars)
		if err != nil {
			return nil, err
		}
		if leaf != nil {
			parts = append(parts, leaf)
		}
	}

	// A rule with nothing to combine collapses to its neutral element.
	if len(parts) == 0 {
		if rule.Combine == expr.CombineAnd {
			return expr.True(), nil
		}
		return expr.False(), nil
	}
	return expr.Group(rule.Combine, parts...), nil
}

func (c *Compiler) buildCondition(ctx context.Context, cond Condition, vars Context) (*expr.Expr, error) {
	switch cond.Value {
	case VarUserName:
		return expr.Condition(cond.Field, cond.Op, vars.UserName), nil
	case VarUserGroupID:
		// A principal without a group is not constrained by group-scoped
		// conditions at all.
		if vars.GroupID == uuid.Nil {
			return nil, nil
		}
		if c.groups == nil {
			return nil, topologyError("no group resolver configured for %s", VarUserGroupID)
		}
		ids, err := c.groups.DescendantsOf(ctx, vars.GroupID)
		if err != nil {
			return nil, err
		}
		values := make([]string, len(ids))
		for i, id := range ids {
			values[i] = id.String()
		}
		return expr.ListCondition(cond.Field, expr.OpListContain, values), nil
	}
	if strings.HasPrefix(cond.Value, "${") {
		return nil, &expr.CompileError{Field: cond.Field, Reason: "unknown variable token " + cond.Value}
	}
	if cond.Op.IsListOperator() {
		return expr.ListCondition(cond.Field, cond.Op, splitList(cond.Value)), nil
	}
	return expr.Condition(cond.Field, cond.Op, cond.Value), nil
}

// splitList parses a literal list value. Values are comma separated;
// whitespace around entries is ignored.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
