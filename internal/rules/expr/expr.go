// Package expr defines the serializable boolean expression tree compiled
// from data rule groups, and its evaluation against record projections.
//
// The wire form is a small closed tagged-variant tree (kind, operator,
// field, value or value list, children), not a general expression graph:
// cached filters only need to be transported and re-evaluated.
package expr

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind discriminates the expression variants.
type Kind string

const (
	// KindGroup combines child expressions with AND/OR.
	KindGroup Kind = "group"
	// KindCondition compares one record field against a value or list.
	KindCondition Kind = "condition"
	// KindLiteral is a constant truth value, the neutral element emitted
	// for rule nodes with no children and no conditions.
	KindLiteral Kind = "literal"
)

// Expr is one node of the expression tree.
type Expr struct {
	Kind     Kind     `json:"kind"`
	Combine  Combine  `json:"combine,omitempty"`
	Children []*Expr  `json:"children,omitempty"`
	Field    string   `json:"field,omitempty"`
	Op       Operator `json:"op,omitempty"`
	Value    string   `json:"value,omitempty"`
	Values   []string `json:"values,omitempty"`
	Truth    bool     `json:"truth,omitempty"`
}

// True returns the always-true literal.
func True() *Expr { return &Expr{Kind: KindLiteral, Truth: true} }

// False returns the always-false literal.
func False() *Expr { return &Expr{Kind: KindLiteral} }

// Group combines children under the given connective.
func Group(combine Combine, children ...*Expr) *Expr {
	return &Expr{Kind: KindGroup, Combine: combine, Children: children}
}

// Condition builds a scalar comparison leaf.
func Condition(field string, op Operator, value string) *Expr {
	return &Expr{Kind: KindCondition, Field: field, Op: op, Value: value}
}

// ListCondition builds a list membership leaf.
func ListCondition(field string, op Operator, values []string) *Expr {
	return &Expr{Kind: KindCondition, Field: field, Op: op, Values: values}
}

// CompileError describes why an expression cannot be compiled. It is
// deterministic for a given input and must not be retried.
type CompileError struct {
	Field  string
	Reason string
}

func (e *CompileError) Error() string {
	if e.Field == "" {
		return "expr: " + e.Reason
	}
	return fmt.Sprintf("expr: field %q: %s", e.Field, e.Reason)
}

// Record is the projection of one target row the predicate runs against.
type Record map[string]string

// Predicate is a compiled, reusable boolean filter over records.
type Predicate func(Record) bool

// Compile validates e against the schema and returns an executable
// predicate. All validation happens here, eagerly; evaluation can no
// longer fail.
func Compile(e *Expr, schema *Schema) (Predicate, error) {
	if e == nil {
		return nil, &CompileError{Reason: "nil expression"}
	}
	switch e.Kind {
	case KindLiteral:
		truth := e.Truth
		return func(Record) bool { return truth }, nil
	case KindCondition:
		return compileCondition(e, schema)
	case KindGroup:
		return compileGroup(e, schema)
	default:
		return nil, &CompileError{Reason: fmt.Sprintf("unknown expression kind %q", e.Kind)}
	}
}

func compileCondition(e *Expr, schema *Schema) (Predicate, error) {
	if e.Field == "" {
		return nil, &CompileError{Reason: "condition without field"}
	}
	if !schema.HasField(e.Field) {
		return nil, &CompileError{Field: e.Field, Reason: "unknown field on " + schema.Name()}
	}
	if !e.Op.Valid() {
		return nil, &CompileError{Field: e.Field, Reason: fmt.Sprintf("unknown operator %q", e.Op)}
	}
	field := e.Field
	if e.Op.IsListOperator() {
		if e.Value != "" {
			return nil, &CompileError{Field: e.Field, Reason: "list operator carries a scalar value"}
		}
		members := make(map[string]struct{}, len(e.Values))
		for _, v := range e.Values {
			members[v] = struct{}{}
		}
		negate := e.Op == OpListNotContain
		return func(rec Record) bool {
			_, ok := members[rec[field]]
			return ok != negate
		}, nil
	}
	if len(e.Values) != 0 {
		return nil, &CompileError{Field: e.Field, Reason: "scalar operator carries a value list"}
	}
	value := e.Value
	switch e.Op {
	case OpEqual:
		return func(rec Record) bool { return rec[field] == value }, nil
	case OpNotEqual:
		return func(rec Record) bool { return rec[field] != value }, nil
	case OpStringContain:
		return func(rec Record) bool { return strings.Contains(rec[field], value) }, nil
	case OpStringNotContain:
		return func(rec Record) bool { return !strings.Contains(rec[field], value) }, nil
	default:
		return nil, &CompileError{Field: e.Field, Reason: fmt.Sprintf("operator %q not implemented", e.Op)}
	}
}

func compileGroup(e *Expr, schema *Schema) (Predicate, error) {
	if !e.Combine.Valid() {
		return nil, &CompileError{Reason: fmt.Sprintf("unknown combine type %q", e.Combine)}
	}
	children := make([]Predicate, 0, len(e.Children))
	for _, child := range e.Children {
		compiled, err := Compile(child, schema)
		if err != nil {
			return nil, err
		}
		children = append(children, compiled)
	}
	// Neutral elements: an empty AND holds, an empty OR does not.
	if e.Combine == CombineAnd {
		return func(rec Record) bool {
			for _, child := range children {
				if !child(rec) {
					return false
				}
			}
			return true
		}, nil
	}
	return func(rec Record) bool {
		for _, child := range children {
			if child(rec) {
				return true
			}
		}
		return false
	}, nil
}

// Marshal serializes the expression tree to its transportable JSON form.
func Marshal(e *Expr) ([]byte, error) {
	if e == nil {
		return nil, &CompileError{Reason: "nil expression"}
	}
	return json.Marshal(e)
}

// Unmarshal parses a serialized expression tree, rejecting malformed nodes
// and unknown tags so a cache entry can never resurrect an invalid filter.
func Unmarshal(data []byte) (*Expr, error) {
	var e Expr
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Expr) validate() error {
	switch e.Kind {
	case KindLiteral:
		if len(e.Children) != 0 || e.Field != "" {
			return &CompileError{Reason: "literal with payload"}
		}
	case KindCondition:
		if e.Field == "" || !e.Op.Valid() {
			return &CompileError{Field: e.Field, Reason: "malformed condition"}
		}
	case KindGroup:
		if !e.Combine.Valid() {
			return &CompileError{Reason: fmt.Sprintf("unknown combine type %q", e.Combine)}
		}
		for _, child := range e.Children {
			if child == nil {
				return &CompileError{Reason: "nil child expression"}
			}
			if err := child.validate(); err != nil {
				return err
			}
		}
	default:
		return &CompileError{Reason: fmt.Sprintf("unknown expression kind %q", e.Kind)}
	}
	return nil
}
