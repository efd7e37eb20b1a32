// Package predicate parses the row-filter expression tree ("$and"/"$or"
// interior nodes, "data.<column> <op> value" leaves) once from JSON into a
// tagged tree, then evaluates it as a pure function with no I/O.
package predicate

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Op is a leaf comparison operator.
type Op string

const (
	OpIn  Op = "$in"
	OpNin Op = "$nin"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
)

// Node is one node of the parsed predicate tree.
type Node interface {
	eval(row map[string]any) bool
}

// Predicate is a parsed, reusable expression tree.
type Predicate struct {
	root Node
}

// Eval reports whether row matches p. A nil *Predicate always keeps every
// row, so the evaluator is zero-cost when no filter is configured.
func (p *Predicate) Eval(row map[string]any) bool {
	if p == nil || p.root == nil {
		return true
	}
	return p.root.eval(row)
}

// Parse decodes a predicate expression tree from its JSON representation.
func Parse(data []byte) (*Predicate, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("predicate: invalid JSON: %w", err)
	}
	node, err := parseNode(raw)
	if err != nil {
		return nil, err
	}
	return &Predicate{root: node}, nil
}

// LoadFile reads and parses the predicate expression tree stored at path,
// the config-driven filter_file option.
func LoadFile(path string) (*Predicate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("predicate: reading filter file %s: %w", path, err)
	}
	return Parse(data)
}

func parseNode(raw json.RawMessage) (Node, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("predicate: node must be a JSON object: %w", err)
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("predicate: node must have exactly one key, got %d", len(obj))
	}

	for key, val := range obj {
		switch key {
		case "$and":
			children, err := parseChildren(val)
			if err != nil {
				return nil, err
			}
			return &andNode{children: children}, nil
		case "$or":
			children, err := parseChildren(val)
			if err != nil {
				return nil, err
			}
			return &orNode{children: children}, nil
		default:
			if !strings.HasPrefix(key, "data.") {
				return nil, fmt.Errorf("predicate: unrecognized node key %q", key)
			}
			column := strings.TrimPrefix(key, "data.")
			return parseLeaf(column, val)
		}
	}
	panic("unreachable")
}

func parseChildren(raw json.RawMessage) ([]Node, error) {
	var rawChildren []json.RawMessage
	if err := json.Unmarshal(raw, &rawChildren); err != nil {
		return nil, fmt.Errorf("predicate: $and/$or value must be an array: %w", err)
	}
	children := make([]Node, 0, len(rawChildren))
	for _, rc := range rawChildren {
		n, err := parseNode(rc)
		if err != nil {
			return nil, err
		}
		children = append(children, n)
	}
	return children, nil
}

func parseLeaf(column string, raw json.RawMessage) (Node, error) {
	var opMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &opMap); err != nil {
		return nil, fmt.Errorf("predicate: leaf for column %q must be an object: %w", column, err)
	}
	if len(opMap) != 1 {
		return nil, fmt.Errorf("predicate: leaf for column %q must have exactly one operator", column)
	}

	for opKey, rawVal := range opMap {
		op := Op(opKey)
		var value any
		if err := json.Unmarshal(rawVal, &value); err != nil {
			return nil, fmt.Errorf("predicate: decoding value for %s %s: %w", column, op, err)
		}
		switch op {
		case OpIn, OpNin:
			values, ok := value.([]any)
			if !ok {
				return nil, fmt.Errorf("predicate: %s requires an array value for column %q", op, column)
			}
			return &membershipLeaf{column: column, op: op, values: values}, nil
		case OpLt, OpLte, OpGt, OpGte, OpEq, OpNe:
			return &compareLeaf{column: column, op: op, value: value}, nil
		default:
			return nil, fmt.Errorf("predicate: unrecognized operator %q for column %q", opKey, column)
		}
	}
	panic("unreachable")
}

type andNode struct{ children []Node }

func (n *andNode) eval(row map[string]any) bool {
	for _, c := range n.children {
		if !c.eval(row) {
			return false
		}
	}
	return true
}

type orNode struct{ children []Node }

func (n *orNode) eval(row map[string]any) bool {
	for _, c := range n.children {
		if c.eval(row) {
			return true
		}
	}
	return false
}

type membershipLeaf struct {
	column string
	op     Op
	values []any
}

func (n *membershipLeaf) eval(row map[string]any) bool {
	v, ok := row[n.column]
	if !ok {
		return n.op == OpNin
	}
	found := false
	for _, candidate := range n.values {
		if compareEqual(v, candidate) {
			found = true
			break
		}
	}
	if n.op == OpNin {
		return !found
	}
	return found
}

type compareLeaf struct {
	column string
	op     Op
	value  any
}

func (n *compareLeaf) eval(row map[string]any) bool {
	v, ok := row[n.column]
	if !ok {
		return false
	}
	switch n.op {
	case OpEq:
		return compareEqual(v, n.value)
	case OpNe:
		return !compareEqual(v, n.value)
	}

	lf, lok := toFloat(v)
	rf, rok := toFloat(n.value)
	if !lok || !rok {
		return false
	}
	switch n.op {
	case OpLt:
		return lf < rf
	case OpLte:
		return lf <= rf
	case OpGt:
		return lf > rf
	case OpGte:
		return lf >= rf
	}
	return false
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
