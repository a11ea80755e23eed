package expr

import (
	"encoding/json"
	"fmt"
)

// Operator is the comparison applied by a leaf condition. The tag set is
// closed; serialization rejects anything outside it so cached expressions
// round-trip faithfully.
type Operator string

const (
	OpEqual            Operator = "equal"
	OpNotEqual         Operator = "not_equal"
	OpStringContain    Operator = "string_contain"
	OpStringNotContain Operator = "string_not_contain"
	OpListContain      Operator = "list_contain"
	OpListNotContain   Operator = "list_not_contain"
)

var operatorTags = map[Operator]struct{}{
	OpEqual:            {},
	OpNotEqual:         {},
	OpStringContain:    {},
	OpStringNotContain: {},
	OpListContain:      {},
	OpListNotContain:   {},
}

// Valid reports whether o is a registered operator tag.
func (o Operator) Valid() bool {
	_, ok := operatorTags[o]
	return ok
}

// IsListOperator reports whether o compares against a value list.
func (o Operator) IsListOperator() bool {
	return o == OpListContain || o == OpListNotContain
}

// UnmarshalJSON decodes and validates the operator tag.
func (o *Operator) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	parsed := Operator(tag)
	if !parsed.Valid() {
		return fmt.Errorf("expr: unknown operator %q", tag)
	}
	*o = parsed
	return nil
}

// Combine is the boolean connective of a group node.
type Combine string

const (
	CombineAnd Combine = "and"
	CombineOr  Combine = "or"
)

// Valid reports whether c is a known combine type.
func (c Combine) Valid() bool {
	return c == CombineAnd || c == CombineOr
}

// UnmarshalJSON decodes and validates the combine tag.
func (c *Combine) UnmarshalJSON(data []byte) error {
	var tag string
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	parsed := Combine(tag)
	if !parsed.Valid() {
		return fmt.Errorf("expr: unknown combine type %q", tag)
	}
	*c = parsed
	return nil
}
