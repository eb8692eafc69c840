// Package query implements the MongoDB-style filter and aggregation engine
// used by the document and index layers. Unstructured filter
// maps (e.g. `{"age": {"$gt": 25}}`) are parsed into an Abstract Syntax Tree,
// which the execution engine then evaluates per document.
package query

import (
	"fmt"
	"regexp"
)

// Operator represents a comparison operator.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpRegex  Operator = "$regex"
	OpExists Operator = "$exists"
)

// Node is the common interface for all nodes in the filter AST.
type Node interface {
	Matches(doc map[string]interface{}) bool
}

// FieldNode represents a query on a specific field.
type FieldNode struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// LogicalNode represents $and/$or combinations of child nodes.
type LogicalNode struct {
	Operator string // "$and" or "$or"
	Children []Node
}

// Parse converts a filter map into an AST, e.g.
// { "age": { "$gt": 25 }, "status": "active" }.
func Parse(filter map[string]interface{}) (Node, error) {
	var nodes []Node

	for key, val := range filter {
		if key == "$and" || key == "$or" {
			list, ok := val.([]interface{})
			if !ok {
				return nil, fmt.Errorf("value for %s must be a list", key)
			}
			children := make([]Node, 0, len(list))
			for _, item := range list {
				subMap, ok := item.(map[string]interface{})
				if !ok {
					return nil, fmt.Errorf("element of %s must be an object", key)
				}
				subNode, err := Parse(subMap)
				if err != nil {
					return nil, err
				}
				children = append(children, subNode)
			}
			nodes = append(nodes, &LogicalNode{Operator: key, Children: children})
			continue
		}

		if valMap, ok := val.(map[string]interface{}); ok && isOperatorMap(valMap) {
			for op, opVal := range valMap {
				switch Operator(op) {
				case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpRegex, OpExists:
					nodes = append(nodes, &FieldNode{Field: key, Operator: Operator(op), Value: opVal})
				default:
					return nil, fmt.Errorf("unknown operator: %s", op)
				}
			}
		} else {
			nodes = append(nodes, &FieldNode{Field: key, Operator: OpEq, Value: val})
		}
	}

	return &LogicalNode{Operator: "$and", Children: nodes}, nil
}

// isOperatorMap reports whether every key of m looks like a "$op" operator,
// so that a literal object value (e.g. {"a": {"b": 1}} meaning equality
// against a nested object) isn't mistaken for an operator expression.
func isOperatorMap(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return true
}

// Matches implements Node for a single-field comparison.
func (n *FieldNode) Matches(doc map[string]interface{}) bool {
	val, exists := doc[n.Field]
	if n.Operator == OpExists {
		want, _ := n.Value.(bool)
		return exists == want
	}
	if !exists {
		return false
	}
	return compare(val, n.Operator, n.Value)
}

// Matches implements Node for $and/$or combinations.
func (n *LogicalNode) Matches(doc map[string]interface{}) bool {
	switch n.Operator {
	case "$and":
		for _, child := range n.Children {
			if !child.Matches(doc) {
				return false
			}
		}
		return true
	case "$or":
		for _, child := range n.Children {
			if child.Matches(doc) {
				return true
			}
		}
		return len(n.Children) == 0
	default:
		return false
	}
}

// Compare exposes the comparison logic for a single operator application.
func Compare(actual interface{}, op Operator, expected interface{}) bool {
	return compare(actual, op, expected)
}

func compare(actual interface{}, op Operator, expected interface{}) bool {
	switch op {
	case OpEq:
		return valuesEqual(actual, expected)
	case OpNe:
		return !valuesEqual(actual, expected)
	case OpGt:
		return compareNumbers(actual, expected) > 0
	case OpGte:
		return compareNumbers(actual, expected) >= 0
	case OpLt:
		return compareNumbers(actual, expected) < 0
	case OpLte:
		return compareNumbers(actual, expected) <= 0
	case OpIn:
		return memberOf(actual, expected)
	case OpNin:
		return !memberOf(actual, expected)
	case OpRegex:
		pattern, ok := expected.(string)
		if !ok {
			return false
		}
		s, ok := actual.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	}
	return false
}

func memberOf(actual, expected interface{}) bool {
	list, ok := expected.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if valuesEqual(actual, item) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b interface{}) bool {
	if fa, ok1 := toFloat(a); ok1 {
		if fb, ok2 := toFloat(b); ok2 {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// CompareValues returns -1 if a < b, 0 if a == b, 1 if a > b, used by sort.go.
func CompareValues(a, b interface{}) int {
	return compareNumbers(a, b)
}

func compareNumbers(a, b interface{}) int {
	f1, ok1 := toFloat(a)
	f2, ok2 := toFloat(b)
	if ok1 && ok2 {
		switch {
		case f1 > f2:
			return 1
		case f1 < f2:
			return -1
		default:
			return 0
		}
	}
	s1 := fmt.Sprintf("%v", a)
	s2 := fmt.Sprintf("%v", b)
	switch {
	case s1 > s2:
		return 1
	case s1 < s2:
		return -1
	default:
		return 0
	}
}

// toFloat accepts every numeric type msgpack's decode-into-interface{} path
// can produce (it picks the narrowest integer width that fits, not always
// int64/uint64) so comparisons work uniformly after a document round-trips
// through storage.
func toFloat(v interface{}) (float64, bool) {
	switch i := v.(type) {
	case float64:
		return i, true
	case float32:
		return float64(i), true
	case int:
		return float64(i), true
	case int8:
		return float64(i), true
	case int16:
		return float64(i), true
	case int32:
		return float64(i), true
	case int64:
		return float64(i), true
	case uint:
		return float64(i), true
	case uint8:
		return float64(i), true
	case uint16:
		return float64(i), true
	case uint32:
		return float64(i), true
	case uint64:
		return float64(i), true
	}
	return 0, false
}
