package condition

import (
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/google/cel-go/cel"
)

// Default CEL variables. Trigger rules see the disaster context as "context";
// hard and soft rules additionally see the candidate allocation as "solution".
const (
	VarContext  = "context"
	VarSolution = "solution"
)

// costLimit caps the runtime cost of a single CEL evaluation.
const costLimit = 1000000

// Spec is the configuration form of a condition node. Exactly one of
// Field, All, Any, Not or Expr must be set.
type Spec struct {
	Field string   `yaml:"field,omitempty" json:"field,omitempty"`
	Op    Operator `yaml:"op,omitempty" json:"op,omitempty"`
	Value any      `yaml:"value" json:"value"`

	All  []Spec `yaml:"all,omitempty" json:"all,omitempty"`
	Any  []Spec `yaml:"any,omitempty" json:"any,omitempty"`
	Not  *Spec  `yaml:"not,omitempty" json:"not,omitempty"`
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Compiler turns Specs into Exprs. CEL programs are cached by source, so
// rules sharing an expression share one program.
// Safe for concurrent use.
type Compiler struct {
	env      *cel.Env
	vars     []string
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewCompiler creates a compiler whose CEL environment declares the given
// top-level variables as dynamic values. With no arguments the context and
// solution variables are declared.
func NewCompiler(vars ...string) (*Compiler, error) {
	if len(vars) == 0 {
		vars = []string{VarContext, VarSolution}
	}

	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range vars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Compiler{
		env:      env,
		vars:     vars,
		programs: make(map[string]cel.Program),
	}, nil
}

// Compile builds and validates the tree described by s.
func (c *Compiler) Compile(s Spec) (Expr, error) {
	set := 0
	if s.Field != "" {
		set++
	}
	if s.All != nil {
		set++
	}
	if s.Any != nil {
		set++
	}
	if s.Not != nil {
		set++
	}
	if s.Expr != "" {
		set++
	}
	switch {
	case set == 0:
		return nil, errors.New("empty condition")
	case set > 1:
		return nil, errors.New("condition must set exactly one of field, all, any, not, expr")
	}

	switch {
	case s.Field != "":
		return compileComparison(s)
	case s.All != nil:
		children, err := c.compileAll(s.All)
		if err != nil {
			return nil, err
		}
		return &And{Exprs: children}, nil
	case s.Any != nil:
		children, err := c.compileAll(s.Any)
		if err != nil {
			return nil, err
		}
		return &Or{Exprs: children}, nil
	case s.Not != nil:
		child, err := c.Compile(*s.Not)
		if err != nil {
			return nil, fmt.Errorf("not: %w", err)
		}
		return &Not{Expr: child}, nil
	default:
		prog, err := c.Program(s.Expr)
		if err != nil {
			return nil, err
		}
		return &CEL{Source: s.Expr, program: prog, vars: c.vars}, nil
	}
}

// CompileAll compiles specs and joins them with AND, or with OR when
// anyOf is set.
func (c *Compiler) CompileAll(specs []Spec, anyOf bool) (Expr, error) {
	children, err := c.compileAll(specs)
	if err != nil {
		return nil, err
	}
	if anyOf {
		return &Or{Exprs: children}, nil
	}
	return &And{Exprs: children}, nil
}

func (c *Compiler) compileAll(specs []Spec) ([]Expr, error) {
	out := make([]Expr, 0, len(specs))
	for i, s := range specs {
		e, err := c.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("condition %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func compileComparison(s Spec) (*Comparison, error) {
	if !s.Op.Valid() {
		return nil, fmt.Errorf("field %s: unknown operator %q", s.Field, s.Op)
	}
	cmp := &Comparison{Field: s.Field, Op: s.Op, Value: s.Value}

	switch s.Op {
	case OpRegex:
		pattern, ok := s.Value.(string)
		if !ok {
			return nil, fmt.Errorf("field %s: regex value must be a string", s.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", s.Field, err)
		}
		cmp.re = re
	case OpIn:
		if toList(s.Value) == nil {
			return nil, fmt.Errorf("field %s: in requires a list value", s.Field)
		}
	}
	return cmp, nil
}

// Program compiles a CEL expression, reusing a cached program when the same
// source was compiled before.
func (c *Compiler) Program(source string) (cel.Program, error) {
	c.mu.RLock()
	prog, ok := c.programs[source]
	c.mu.RUnlock()
	if ok {
		return prog, nil
	}

	ast, issues := c.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := c.env.Program(ast,
		cel.EvalOptions(cel.OptTrackState),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	c.mu.Lock()
	c.programs[source] = prog
	c.mu.Unlock()

	return prog, nil
}
