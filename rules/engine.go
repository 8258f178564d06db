// Package rules matches trigger-response rules against a disaster context.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/liamcoop/rescueplan/condition"
	"github.com/liamcoop/rescueplan/models"
)

type compiledRule struct {
	rule    models.Rule
	trigger condition.Expr
}

// Engine holds the compiled active rule set. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	rules []compiledRule
}

// NewEngine compiles every active rule. Inactive rules are ignored. A rule
// that fails to compile fails the whole set.
func NewEngine(ruleset []models.Rule, compiler *condition.Compiler) (*Engine, error) {
	if compiler == nil {
		var err error
		compiler, err = condition.NewCompiler()
		if err != nil {
			return nil, err
		}
	}

	en := &Engine{rules: make([]compiledRule, 0, len(ruleset))}
	seen := make(map[string]bool, len(ruleset))
	for _, r := range ruleset {
		if !r.Active {
			continue
		}
		if seen[r.ID] {
			return nil, models.NewConfigurationError("rule "+r.ID, errors.New("duplicate rule id"))
		}
		seen[r.ID] = true

		trigger, err := CompileTrigger(compiler, r)
		if err != nil {
			return nil, models.NewConfigurationError("rule "+r.ID, err)
		}
		en.rules = append(en.rules, compiledRule{rule: r, trigger: trigger})
	}

	sort.SliceStable(en.rules, func(i, j int) bool {
		return before(en.rules[i].rule, en.rules[j].rule)
	})
	return en, nil
}

// CompileTrigger builds the trigger tree of r from its conditions and logic.
func CompileTrigger(compiler *condition.Compiler, r models.Rule) (condition.Expr, error) {
	if len(r.Conditions) == 0 {
		return nil, errors.New("rule has no trigger conditions")
	}
	switch r.Logic {
	case "", models.LogicAnd:
		return compiler.CompileAll(r.Conditions, false)
	case models.LogicOr:
		return compiler.CompileAll(r.Conditions, true)
	default:
		return nil, fmt.Errorf("unknown logic %q", r.Logic)
	}
}

// before orders rules by weight descending, then id ascending.
func before(a, b models.Rule) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	return a.ID < b.ID
}

// Rules returns the active rules in evaluation order.
func (en *Engine) Rules() []models.Rule {
	out := make([]models.Rule, len(en.rules))
	for i, cr := range en.rules {
		out[i] = cr.rule
	}
	return out
}

// Evaluate returns the rules matching ctx, sorted by weight descending with
// ties broken by id. An empty result means no action is required.
// Evaluation is a pure function of ctx and the loaded rule set.
func (en *Engine) Evaluate(ctx map[string]any) []MatchedRule {
	matched, _ := en.Match(ctx)
	return matched
}

// Match is Evaluate that also returns the rules whose evaluation failed, in
// the same order.
func (en *Engine) Match(ctx map[string]any) ([]MatchedRule, []*EvaluationResult) {
	var (
		matched []MatchedRule
		failed  []*EvaluationResult
	)
	for _, res := range en.evaluate(ctx) {
		switch {
		case res.result.Error != nil:
			failed = append(failed, res.result)
		case res.result.Matched:
			matched = append(matched, MatchedRule{
				Rule:    res.rule,
				Trigger: res.trigger.String(),
			})
		}
	}
	return matched, failed
}

// EvaluateAll evaluates every active rule and reports each outcome,
// including rules that did not match and rules whose evaluation failed.
func (en *Engine) EvaluateAll(ctx map[string]any) []*EvaluationResult {
	results := make([]*EvaluationResult, 0, len(en.rules))
	for _, res := range en.evaluate(ctx) {
		results = append(results, res.result)
	}
	return results
}

type ruleOutcome struct {
	compiledRule
	result *EvaluationResult
}

func (en *Engine) evaluate(ctx map[string]any) []ruleOutcome {
	env := condition.Env{
		Fields: ctx,
		Vars:   map[string]any{condition.VarContext: ctx},
	}
	disasterType, _ := ctx[models.FieldDisasterType].(string)

	out := make([]ruleOutcome, 0, len(en.rules))
	for _, cr := range en.rules {
		res := &EvaluationResult{
			RuleID:   cr.rule.ID,
			RuleName: cr.rule.Name,
			Weight:   cr.rule.Weight,
		}

		switch {
		case cr.rule.DisasterType != "" && cr.rule.DisasterType != disasterType:
			res.Reason = fmt.Sprintf("disaster type %q does not apply", disasterType)
		default:
			ok, err := condition.Evaluate(cr.trigger, env)
			if err != nil {
				// Evaluation errors count as no match.
				res.Error = err
				res.Reason = err.Error()
				break
			}
			res.Matched = ok
			if !ok {
				res.Reason = "trigger conditions not met"
			}
		}
		out = append(out, ruleOutcome{compiledRule: cr, result: res})
	}
	return out
}
