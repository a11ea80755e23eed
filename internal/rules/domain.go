// Package rules persists data rule groups and compiles them into boolean
// filter expressions scoped to an authenticated principal.
package rules

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/tessera-admin/tessera/internal/rules/expr"
)

// Placeholder tokens recognized in condition values and substituted from the
// principal's context at compile time.
const (
	VarUserName    = "${UserName}"
	VarUserGroupID = "${UserGroupId}"
)

// ErrNotFound indicates the requested rule group does not exist.
var ErrNotFound = errors.New("rules: rule group not found")

// Group is a named, persisted filter definition for one target record type.
type Group struct {
	ID        uuid.UUID
	Name      string
	DbContext string
	Entity    string
}

// Rule is one node of a group's rule tree. A zero UpRuleID marks the root.
type Rule struct {
	ID       uuid.UUID
	GroupID  uuid.UUID
	UpRuleID uuid.UUID
	Combine  expr.Combine
}

// Condition is a leaf constraint owned by a rule node. Value is a literal, a
// comma-separated list for list operators, or a placeholder token.
type Condition struct {
	ID      uuid.UUID
	GroupID uuid.UUID
	RuleID  uuid.UUID
	Field   string
	Op      expr.Operator
	Value   string
}

// RuleSet is a fully materialized rule group.
type RuleSet struct {
	Group      Group
	Rules      []Rule
	Conditions []Condition
}

// Context carries the runtime variables substituted into placeholders.
type Context struct {
	UserName string
	GroupID  uuid.UUID
}

// EditRequest is a submitted rule group edit. Rule ids are client-assigned
// temporary strings; the service replaces them with server ids while
// preserving the submitted topology.
type EditRequest struct {
	GroupID    string
	Name       string
	DbContext  string
	Entity     string
	Rules      []EditRule
	Conditions []EditCondition
}

// EditRule is a submitted rule node. UpTempID empty marks the root.
type EditRule struct {
	TempID   string
	UpTempID string
	Combine  expr.Combine
}

// EditCondition is a submitted leaf condition keyed to its rule's temp id.
type EditCondition struct {
	RuleTempID string
	Field      string
	Op         expr.Operator
	Value      string
}

// topologyError builds the compile error for structural defects in a
// submitted or stored rule set.
func topologyError(format string, args ...any) error {
	return &expr.CompileError{Reason: fmt.Sprintf(format, args...)}
}
