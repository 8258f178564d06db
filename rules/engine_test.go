package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/liamcoop/rescueplan/condition"
	"github.com/liamcoop/rescueplan/models"
)

func cond(field string, op condition.Operator, value any) condition.Spec {
	return condition.Spec{Field: field, Op: op, Value: value}
}

func testRules() []models.Rule {
	return []models.Rule{
		{
			ID: "trr-eq-collapse", Name: "Building collapse", DisasterType: "earthquake",
			Logic: models.LogicAnd, Weight: 0.9, Active: true,
			Conditions: []condition.Spec{
				cond("has_building_collapse", condition.OpEq, true),
				cond("has_trapped_persons", condition.OpEq, true),
			},
		},
		{
			ID: "trr-eq-fire", Name: "Post-quake fire", DisasterType: "earthquake",
			Logic: models.LogicOr, Weight: 0.9, Active: true,
			Conditions: []condition.Spec{
				cond("hazards", condition.OpContains, "fire"),
				cond("has_gas_leak", condition.OpEq, true),
			},
		},
		{
			ID: "trr-any-medical", Name: "Mass casualty", Weight: 0.7, Active: true,
			Conditions: []condition.Spec{
				cond("estimated_casualties", condition.OpGte, 50),
			},
		},
		{
			ID: "trr-flood", Name: "Flood evacuation", DisasterType: "flood", Weight: 1.0, Active: true,
			Conditions: []condition.Spec{cond("water_level_m", condition.OpGt, 1.5)},
		},
		{
			ID: "trr-inactive", Name: "Disabled", Weight: 2.0, Active: false,
			Conditions: []condition.Spec{cond("disaster_type", condition.OpNe, "")},
		},
	}
}

func newTestEngine(t *testing.T, ruleset []models.Rule) *Engine {
	t.Helper()
	en, err := NewEngine(ruleset, nil)
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return en
}

func matchedIDs(matched []MatchedRule) []string {
	ids := make([]string, len(matched))
	for i, m := range matched {
		ids[i] = m.Rule.ID
	}
	return ids
}

// TestEvaluateOrdering verifies matches are sorted by weight desc then id asc.
func TestEvaluateOrdering(t *testing.T) {
	en := newTestEngine(t, testRules())
	ctx := map[string]any{
		"disaster_type":         "earthquake",
		"has_building_collapse": true,
		"has_trapped_persons":   true,
		"hazards":               []any{"fire"},
		"estimated_casualties":  80,
	}

	got := matchedIDs(en.Evaluate(ctx))
	want := []string{"trr-eq-collapse", "trr-eq-fire", "trr-any-medical"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Evaluate() mismatch (-want +got):\n%s", diff)
	}
}

// TestEvaluateIdempotent verifies identical input yields identical output.
func TestEvaluateIdempotent(t *testing.T) {
	en := newTestEngine(t, testRules())
	ctx := map[string]any{"disaster_type": "earthquake", "has_gas_leak": true, "estimated_casualties": 10}

	first := en.Evaluate(ctx)
	for i := 0; i < 5; i++ {
		if diff := cmp.Diff(first, en.Evaluate(ctx)); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

// TestEvaluateDisasterTypeGating verifies type-specific rules only fire for
// their disaster type.
func TestEvaluateDisasterTypeGating(t *testing.T) {
	en := newTestEngine(t, testRules())
	ctx := map[string]any{
		"disaster_type":         "flood",
		"has_building_collapse": true,
		"has_trapped_persons":   true,
		"water_level_m":         2.0,
	}

	got := matchedIDs(en.Evaluate(ctx))
	if diff := cmp.Diff([]string{"trr-flood"}, got); diff != "" {
		t.Errorf("Evaluate() mismatch (-want +got):\n%s", diff)
	}
}

// TestEvaluateNoMatch verifies an unmatched context yields an empty result.
func TestEvaluateNoMatch(t *testing.T) {
	en := newTestEngine(t, testRules())
	got := en.Evaluate(map[string]any{"disaster_type": "earthquake"})
	if len(got) != 0 {
		t.Errorf("expected no matches, got %v", matchedIDs(got))
	}
}

// TestEvaluateAllReportsErrors verifies a failing CEL trigger counts as no
// match and is reported.
func TestEvaluateAllReportsErrors(t *testing.T) {
	ruleset := []models.Rule{
		{ID: "cel-ok", Weight: 1, Active: true, Conditions: []condition.Spec{{Expr: `context.severity >= 4`}}},
		{ID: "cel-broken", Weight: 1, Active: true, Conditions: []condition.Spec{{Expr: `context.not_there == 1`}}},
	}
	en := newTestEngine(t, ruleset)

	results := en.EvaluateAll(map[string]any{"severity": 5})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	// Equal weights: broken sorts before ok.
	broken, ok := results[0], results[1]
	if broken.RuleID != "cel-broken" || broken.Matched || broken.Error == nil {
		t.Errorf("broken rule result = %+v, want unmatched with error", broken)
	}
	if ok.RuleID != "cel-ok" || !ok.Matched {
		t.Errorf("ok rule result = %+v, want matched", ok)
	}

	got := matchedIDs(en.Evaluate(map[string]any{"severity": 5}))
	if diff := cmp.Diff([]string{"cel-ok"}, got); diff != "" {
		t.Errorf("Evaluate() mismatch (-want +got):\n%s", diff)
	}

	matched, failed := en.Match(map[string]any{"severity": 5})
	if diff := cmp.Diff([]string{"cel-ok"}, matchedIDs(matched)); diff != "" {
		t.Errorf("Match() mismatch (-want +got):\n%s", diff)
	}
	if len(failed) != 1 || failed[0].RuleID != "cel-broken" {
		t.Errorf("Match() failed = %+v, want cel-broken", failed)
	}
}

// TestNewEngineSkipsInactive verifies inactive rules never load.
func TestNewEngineSkipsInactive(t *testing.T) {
	en := newTestEngine(t, testRules())
	for _, r := range en.Rules() {
		if r.ID == "trr-inactive" {
			t.Fatal("inactive rule should not be loaded")
		}
	}
	if len(en.Rules()) != 4 {
		t.Errorf("expected 4 active rules, got %d", len(en.Rules()))
	}
}

// TestNewEngineConfigurationErrors verifies malformed rules fail the load.
func TestNewEngineConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []models.Rule
	}{
		{"no conditions", []models.Rule{{ID: "r", Active: true}}},
		{"bad operator", []models.Rule{{ID: "r", Active: true, Conditions: []condition.Spec{cond("a", "approx", 1)}}}},
		{"bad logic", []models.Rule{{ID: "r", Active: true, Logic: "xor", Conditions: []condition.Spec{cond("a", condition.OpEq, 1)}}}},
		{"bad cel", []models.Rule{{ID: "r", Active: true, Conditions: []condition.Spec{{Expr: "context.a =="}}}}},
		{"duplicate id", []models.Rule{
			{ID: "r", Active: true, Conditions: []condition.Spec{cond("a", condition.OpEq, 1)}},
			{ID: "r", Active: true, Conditions: []condition.Spec{cond("b", condition.OpEq, 1)}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.rules, nil)
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

// TestConcurrentEvaluate verifies the engine is safe for concurrent use.
func TestConcurrentEvaluate(t *testing.T) {
	en := newTestEngine(t, testRules())
	ctx := map[string]any{"disaster_type": "earthquake", "estimated_casualties": 90}

	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := matchedIDs(en.Evaluate(ctx))
			if len(got) != 1 || got[0] != "trr-any-medical" {
				errs <- cmp.Diff([]string{"trr-any-medical"}, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for diff := range errs {
		t.Errorf("concurrent Evaluate() mismatch:\n%s", diff)
	}
}
