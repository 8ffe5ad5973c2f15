// Package query defines the paginated graph-query protocol shared by every
// backend: a request names result-set expressions, a response returns one
// item array and an optional continuation cursor per name.
package query

import (
	"context"
	"fmt"
	"maps"
)

// DefaultLimit is the page size used when an expression sets none.
const DefaultLimit = 1000

// Source kinds for ResultSetExpression.
const (
	SourceEdges = "edges"
	SourceNodes = "nodes"
)

// Item is one decoded result object. Its shape is backend and schema specific;
// callers read fields from it by JSONPath.
type Item = map[string]any

// Filter is a JSON-shaped boolean expression:
//
//	{"and": [f1, f2]}
//	{"equals": {"property": ["p", "modelId"], "value": 1}}
//	{"in": {"property": ["p", "nodeId"], "values": [1, 2]}}
type Filter map[string]any

// ResultSetExpression is one named query inside a Request.
type ResultSetExpression struct {
	Source string `json:"source"`
	Filter Filter `json:"filter,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Request is a query with one or more named result sets.
type Request struct {
	With    map[string]ResultSetExpression `json:"with"`
	Cursors map[string]string              `json:"cursors,omitempty"`
}

// WithCursors returns a copy of r with its cursors replaced.
func (r Request) WithCursors(cursors map[string]string) Request {
	out := Request{With: r.With}
	if len(cursors) > 0 {
		out.Cursors = maps.Clone(cursors)
	}
	return out
}

// Response carries one page of results.
type Response struct {
	Items      map[string][]Item `json:"items"`
	NextCursor map[string]string `json:"nextCursor,omitempty"`
}

// Executor runs one page of a query.
type Executor interface {
	Query(ctx context.Context, req Request) (*Response, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req Request) (*Response, error)

// Query implements Executor.
func (f ExecutorFunc) Query(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Equals matches items whose property equals value.
func Equals(property []string, value any) Filter {
	return Filter{"equals": map[string]any{"property": property, "value": value}}
}

// In matches items whose property is one of values.
func In[T any](property []string, values []T) Filter {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Filter{"in": map[string]any{"property": property, "values": vs}}
}

// And matches items matching every filter. Nil filters are skipped.
func And(filters ...Filter) Filter {
	parts := make([]any, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			parts = append(parts, map[string]any(f))
		}
	}
	return Filter{"and": parts}
}

// Or matches items matching any filter.
func Or(filters ...Filter) Filter {
	parts := make([]any, 0, len(filters))
	for _, f := range filters {
		if f != nil {
			parts = append(parts, map[string]any(f))
		}
	}
	return Filter{"or": parts}
}

// Match evaluates f against item. Property paths walk nested objects.
// A nil filter matches everything.
func Match(f Filter, item Item) (bool, error) {
	if f == nil {
		return true, nil
	}
	if len(f) != 1 {
		return false, fmt.Errorf("filter must have exactly one operator, got %d", len(f))
	}
	for op, arg := range f {
		switch op {
		case "and", "or":
			parts, ok := arg.([]any)
			if !ok {
				return false, fmt.Errorf("%s: want list of filters", op)
			}
			for _, p := range parts {
				sub, ok := asFilter(p)
				if !ok {
					return false, fmt.Errorf("%s: malformed sub-filter %v", op, p)
				}
				m, err := Match(sub, item)
				if err != nil {
					return false, err
				}
				if op == "and" && !m {
					return false, nil
				}
				if op == "or" && m {
					return true, nil
				}
			}
			return op == "and", nil
		case "equals":
			prop, value, err := leafArgs(arg, "value")
			if err != nil {
				return false, fmt.Errorf("equals: %w", err)
			}
			got, ok := Lookup(item, prop)
			return ok && SameValue(got, value), nil
		case "in":
			prop, values, err := leafArgs(arg, "values")
			if err != nil {
				return false, fmt.Errorf("in: %w", err)
			}
			list, ok := values.([]any)
			if !ok {
				return false, fmt.Errorf("in: values must be a list")
			}
			got, ok := Lookup(item, prop)
			if !ok {
				return false, nil
			}
			for _, v := range list {
				if SameValue(got, v) {
					return true, nil
				}
			}
			return false, nil
		default:
			return false, fmt.Errorf("unsupported filter operator %q", op)
		}
	}
	return false, nil
}

// Leaf returns the property path and operand of an "equals" or "in" filter.
func Leaf(f Filter) (op string, property []string, operand any, err error) {
	for op, arg := range f {
		key := "value"
		if op == "in" {
			key = "values"
		}
		property, operand, err = leafArgs(arg, key)
		return op, property, operand, err
	}
	return "", nil, nil, fmt.Errorf("empty filter")
}

// Parts returns the sub-filters of an "and"/"or" filter.
func Parts(f Filter) (op string, parts []Filter, ok bool) {
	for op, arg := range f {
		if op != "and" && op != "or" {
			return op, nil, false
		}
		list, isList := arg.([]any)
		if !isList {
			return op, nil, false
		}
		for _, p := range list {
			sub, isFilter := asFilter(p)
			if !isFilter {
				return op, nil, false
			}
			parts = append(parts, sub)
		}
		return op, parts, true
	}
	return "", nil, false
}

// Lookup walks item along path.
func Lookup(item Item, path []string) (any, bool) {
	var cur any = item
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SameValue compares two JSON scalars, treating all numeric types as equal
// when their values are.
func SameValue(a, b any) bool {
	fa, aNum := Number(a)
	fb, bNum := Number(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return a == b
}

// Number converts any JSON or Go numeric value to float64.
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func asFilter(v any) (Filter, bool) {
	switch f := v.(type) {
	case Filter:
		return f, true
	case map[string]any:
		return Filter(f), true
	default:
		return nil, false
	}
}

func leafArgs(arg any, operandKey string) ([]string, any, error) {
	m, ok := arg.(map[string]any)
	if !ok {
		return nil, nil, fmt.Errorf("want object argument")
	}
	var prop []string
	switch p := m["property"].(type) {
	case []string:
		prop = p
	case []any:
		for _, s := range p {
			str, ok := s.(string)
			if !ok {
				return nil, nil, fmt.Errorf("property path must be strings")
			}
			prop = append(prop, str)
		}
	default:
		return nil, nil, fmt.Errorf("missing property path")
	}
	operand, ok := m[operandKey]
	if !ok {
		return nil, nil, fmt.Errorf("missing %q", operandKey)
	}
	return prop, operand, nil
}
