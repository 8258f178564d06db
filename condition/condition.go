// Package condition implements the typed condition trees used by trigger
// rules, hard rules and soft rules.
//
// A tree is built from its configuration form (Spec) by a Compiler and then
// evaluated against an Env any number of times. Evaluation never mutates the
// tree or the environment, so a compiled tree is safe for concurrent use.
package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
)

// Operator is a comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpRegex    Operator = "regex"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpRegex:
		return true
	}
	return false
}

// Expr is a node of a compiled condition tree.
// The concrete node types are Comparison, And, Or, Not and CEL.
type Expr interface {
	fmt.Stringer
	node()
}

// Comparison tests the value at a dot path against a literal.
type Comparison struct {
	Field string
	Op    Operator
	Value any

	re *regexp.Regexp
}

// And is true when every child is true. An empty And is true.
type And struct {
	Exprs []Expr
}

// Or is true when any child is true. An empty Or is false.
type Or struct {
	Exprs []Expr
}

// Not negates its child.
type Not struct {
	Expr Expr
}

// CEL is a compiled CEL expression over the declared variables.
type CEL struct {
	Source string

	program cel.Program
	vars    []string
}

func (*Comparison) node() {}
func (*And) node()        {}
func (*Or) node()         {}
func (*Not) node()        {}
func (*CEL) node()        {}

func (c *Comparison) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Op, c.Value)
}

func (a *And) String() string { return joinExprs(a.Exprs, " AND ") }
func (o *Or) String() string  { return joinExprs(o.Exprs, " OR ") }
func (n *Not) String() string { return "NOT (" + n.Expr.String() + ")" }
func (c *CEL) String() string { return c.Source }

func joinExprs(exprs []Expr, sep string) string {
	parts := make([]string, len(exprs))
	for i, e := range exprs {
		parts[i] = e.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Env is the data a tree is evaluated against.
// Comparisons resolve their dot paths inside Fields; CEL nodes receive Vars
// as their activation.
type Env struct {
	Fields map[string]any
	Vars   map[string]any
}

// Evaluate walks the tree and returns its truth value.
// And and Or short-circuit left to right. The first evaluation error stops
// the walk and is returned together with false.
func Evaluate(e Expr, env Env) (bool, error) {
	switch n := e.(type) {
	case *Comparison:
		actual, found := Lookup(env.Fields, n.Field)
		return n.compare(actual, found), nil
	case *And:
		for _, child := range n.Exprs {
			ok, err := Evaluate(child, env)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case *Or:
		for _, child := range n.Exprs {
			ok, err := Evaluate(child, env)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		ok, err := Evaluate(n.Expr, env)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case *CEL:
		return n.eval(env.Vars)
	case nil:
		return false, fmt.Errorf("nil condition")
	default:
		return false, fmt.Errorf("unsupported condition node %T", e)
	}
}

func (c *CEL) eval(vars map[string]any) (bool, error) {
	activation := make(map[string]any, len(c.vars))
	for _, name := range c.vars {
		if v, ok := vars[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = map[string]any{}
		}
	}

	out, _, err := c.program.Eval(activation)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", c.Source, err)
	}
	// Non-boolean results never match.
	matched, _ := out.Value().(bool)
	return matched, nil
}

// Lookup resolves a dot path such as "location.lat" or "teams.0.id" inside
// nested maps and slices.
func Lookup(fields map[string]any, path string) (any, bool) {
	if fields == nil || path == "" {
		return nil, false
	}
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		next, ok := step(cur, part)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func step(cur any, key string) (any, bool) {
	switch m := cur.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(m) {
			return nil, false
		}
		return m[i], true
	}

	rv := reflect.ValueOf(cur)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	}
	return nil, false
}

// compare applies the operator. A missing field satisfies only ne.
func (c *Comparison) compare(actual any, found bool) bool {
	if !found || actual == nil {
		return c.Op == OpNe && c.Value != nil
	}

	switch c.Op {
	case OpEq:
		return equal(actual, c.Value)
	case OpNe:
		return !equal(actual, c.Value)
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := order(actual, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpGt:
			return cmp > 0
		case OpGte:
			return cmp >= 0
		case OpLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case OpIn:
		for _, item := range toList(c.Value) {
			if equal(actual, item) {
				return true
			}
		}
		return false
	case OpContains:
		if s, ok := actual.(string); ok {
			sub, ok := c.Value.(string)
			return ok && strings.Contains(s, sub)
		}
		for _, item := range toList(actual) {
			if equal(item, c.Value) {
				return true
			}
		}
		return false
	case OpRegex:
		s, ok := actual.(string)
		return ok && c.re != nil && c.re.MatchString(s)
	}
	return false
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return reflect.DeepEqual(a, b)
}

// order returns -1, 0 or 1. Only numbers and strings are ordered.
func order(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toList(v any) []any {
	switch l := v.(type) {
	case []any:
		return l
	case nil:
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}
