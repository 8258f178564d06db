package rules

import "github.com/liamcoop/rescueplan/models"

// MatchedRule is a rule whose trigger held for the evaluated context.
type MatchedRule struct {
	Rule    models.Rule
	Trigger string // rendered trigger tree
}

// EvaluationResult contains the outcome of evaluating one rule.
type EvaluationResult struct {
	RuleID   string  `json:"rule_id"`
	RuleName string  `json:"rule_name"`
	Weight   float64 `json:"weight"`
	Matched  bool    `json:"matched"`
	Reason   string  `json:"reason,omitempty"`
	Error    error   `json:"-"`
}
