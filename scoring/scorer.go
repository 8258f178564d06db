// Package scoring filters Pareto solutions through hard rules, ranks the
// survivors by a weighted score and commits the recommended allocation.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/liamcoop/rescueplan/condition"
	"github.com/liamcoop/rescueplan/inventory"
	"github.com/liamcoop/rescueplan/models"
)

// Constraint kinds used in rationales.
const (
	KindHard = "hard"
	KindSoft = "soft"
)

// Config holds scorer parameters.
type Config struct {
	// ResponseHorizonMinutes maps response time onto [0,1]: a response at
	// or beyond the horizon scores 0.
	ResponseHorizonMinutes float64 `toml:"response_horizon_minutes" json:"response_horizon_minutes"`
}

// DefaultConfig returns the default scorer parameters.
func DefaultConfig() Config {
	return Config{ResponseHorizonMinutes: 120}
}

func (c Config) withDefaults() Config {
	if c.ResponseHorizonMinutes <= 0 {
		c.ResponseHorizonMinutes = DefaultConfig().ResponseHorizonMinutes
	}
	return c
}

type hardRule struct {
	rule models.HardRule
	expr condition.Expr
}

type softRule struct {
	rule models.SoftRule
	expr condition.Expr
}

// Scorer ranks allocations. It is immutable after construction and safe
// for concurrent use.
type Scorer struct {
	cfg      Config
	hard     []hardRule
	soft     []softRule
	profiles *models.ProfileSet
	repo     inventory.Repository
}

// New compiles the active hard and soft rules and validates the scoring
// profiles. repo may be nil when plans are never committed.
func New(cfg Config, hard []models.HardRule, soft []models.SoftRule, profiles []models.WeightProfile,
	compiler *condition.Compiler, repo inventory.Repository) (*Scorer, error) {
	if compiler == nil {
		var err error
		compiler, err = condition.NewCompiler()
		if err != nil {
			return nil, err
		}
	}

	ps, err := models.NewProfileSet("scoring profiles", profiles, Dimensions, DefaultProfile())
	if err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg.withDefaults(), profiles: ps, repo: repo}

	seen := make(map[string]bool)
	for _, r := range hard {
		if !r.Active {
			continue
		}
		source := "hard rule " + r.ID
		if seen[source] {
			return nil, models.NewConfigurationError(source, errors.New("duplicate rule id"))
		}
		seen[source] = true
		expr, err := compiler.Compile(r.Condition)
		if err != nil {
			return nil, models.NewConfigurationError(source, err)
		}
		s.hard = append(s.hard, hardRule{rule: r, expr: expr})
	}

	for _, r := range soft {
		if !r.Active {
			continue
		}
		source := "soft rule " + r.ID
		if seen[source] {
			return nil, models.NewConfigurationError(source, errors.New("duplicate rule id"))
		}
		seen[source] = true
		if r.Effect != models.EffectBonus && r.Effect != models.EffectPenalty {
			return nil, models.NewConfigurationError(source, fmt.Errorf("unknown effect %q", r.Effect))
		}
		if r.Weight < 0 {
			return nil, models.NewConfigurationError(source, errors.New("weight must not be negative"))
		}
		expr, err := compiler.Compile(r.Condition)
		if err != nil {
			return nil, models.NewConfigurationError(source, err)
		}
		s.soft = append(s.soft, softRule{rule: r, expr: expr})
	}

	sort.Slice(s.hard, func(i, j int) bool { return s.hard[i].rule.ID < s.hard[j].rule.ID })
	sort.Slice(s.soft, func(i, j int) bool { return s.soft[i].rule.ID < s.soft[j].rule.ID })
	return s, nil
}

// Profile returns the scoring profile used for disasterType.
func (s *Scorer) Profile(disasterType string) models.WeightProfile {
	return s.profiles.For(disasterType)
}

// Input is one scoring request.
type Input struct {
	Solutions    []models.AllocationSolution
	Context      map[string]any
	DisasterType string
}

// Ranked is a solution that survived the hard rules, with its score.
type Ranked struct {
	Solution  models.AllocationSolution `json:"solution"`
	Score     models.ScoreBreakdown     `json:"score"`
	Satisfied []models.Constraint       `json:"satisfied"`
	Violated  []models.Constraint       `json:"violated"`
}

// Outcome is the result of Score.
type Outcome struct {
	// Recommended is Ranked[0].
	Recommended Ranked             `json:"recommended"`
	Ranked      []Ranked           `json:"ranked"`
	Rejected    []models.Rejection `json:"rejected,omitempty"`
	Rationale   models.Rationale   `json:"rationale"`
	// Warnings report rule conditions that failed to evaluate. A failed
	// hard rule vetoes the solution; a failed soft rule counts as not
	// matched.
	Warnings []string `json:"warnings,omitempty"`
}

// Score vetoes every solution matched by an active hard rule, scores the
// survivors and ranks them by total descending, then resource count
// ascending, then id. When nothing survives it returns the outcome with the
// rejections and an *models.InfeasibleError.
func (s *Scorer) Score(in Input) (*Outcome, error) {
	out := &Outcome{}
	if len(in.Solutions) == 0 {
		return out, &models.InfeasibleError{Reason: "no candidate solutions to score"}
	}
	profile := s.profiles.For(in.DisasterType)

	for _, sol := range in.Solutions {
		env := solutionEnv(sol, in.Context)

		// A hard rule that cannot be evaluated vetoes the solution.
		var rejection *models.Rejection
		for _, hr := range s.hard {
			message := hr.rule.Message
			matched, err := condition.Evaluate(hr.expr, env)
			if err != nil {
				out.Warnings = append(out.Warnings, fmt.Sprintf("hard rule %s on %s: %v", hr.rule.ID, sol.ID, err))
				matched = true
				message = fmt.Sprintf("evaluation failed: %v", err)
			}
			if !matched {
				continue
			}
			if rejection == nil {
				rejection = &models.Rejection{SolutionID: sol.ID}
			}
			rejection.RuleIDs = append(rejection.RuleIDs, hr.rule.ID)
			rejection.Messages = append(rejection.Messages, message)
		}
		if rejection != nil {
			out.Rejected = append(out.Rejected, *rejection)
			continue
		}

		out.Ranked = append(out.Ranked, s.rank(sol, env, profile, out))
	}

	if len(out.Ranked) == 0 {
		return out, infeasible(out.Rejected)
	}

	sort.SliceStable(out.Ranked, func(i, j int) bool {
		a, b := out.Ranked[i], out.Ranked[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Solution.Objectives.ResourceCount != b.Solution.Objectives.ResourceCount {
			return a.Solution.Objectives.ResourceCount < b.Solution.Objectives.ResourceCount
		}
		return a.Solution.ID < b.Solution.ID
	})
	out.Recommended = out.Ranked[0]
	out.Rationale = models.Rationale{
		Satisfied:    out.Recommended.Satisfied,
		Violated:     out.Recommended.Violated,
		Contributors: contributors(out.Recommended.Score),
		Alternatives: len(out.Ranked) - 1,
		Rejected:     out.Rejected,
	}
	return out, nil
}

func (s *Scorer) rank(sol models.AllocationSolution, env condition.Env, profile models.WeightProfile, out *Outcome) Ranked {
	r := Ranked{Solution: sol}
	for _, hr := range s.hard {
		r.Satisfied = append(r.Satisfied, models.Constraint{RuleID: hr.rule.ID, Kind: KindHard, Message: hr.rule.Message})
	}

	values := s.values(sol)
	score := models.ScoreBreakdown{
		Profile:    profile.Name,
		Dimensions: make(map[string]models.DimensionScore, len(Dimensions)),
	}
	for _, d := range Dimensions {
		w := profile.Weights[d]
		ds := models.DimensionScore{Value: values[d], Weight: w, Contribution: w * values[d]}
		score.Dimensions[d] = ds
		score.Base += ds.Contribution
	}

	for _, sr := range s.soft {
		matched, err := condition.Evaluate(sr.expr, env)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("soft rule %s on %s: %v", sr.rule.ID, sol.ID, err))
			score.SoftRules = append(score.SoftRules, models.SoftRuleOutcome{
				RuleID: sr.rule.ID, Effect: sr.rule.Effect, Message: sr.rule.Message,
			})
			continue
		}
		outcome := models.SoftRuleOutcome{
			RuleID:  sr.rule.ID,
			Effect:  sr.rule.Effect,
			Matched: matched,
			Message: sr.rule.Message,
		}
		constraint := models.Constraint{RuleID: sr.rule.ID, Kind: KindSoft, Message: sr.rule.Message}

		switch {
		case matched && sr.rule.Effect == models.EffectBonus:
			outcome.Adjustment = sr.rule.Weight
			r.Satisfied = append(r.Satisfied, constraint)
		case matched && sr.rule.Effect == models.EffectPenalty:
			outcome.Adjustment = -sr.rule.Weight
			r.Violated = append(r.Violated, constraint)
		case sr.rule.Effect == models.EffectPenalty:
			r.Satisfied = append(r.Satisfied, constraint)
		}
		score.Adjustment += outcome.Adjustment
		score.SoftRules = append(score.SoftRules, outcome)
	}

	score.Total = score.Base + score.Adjustment
	r.Score = score
	return r
}

// values normalizes the solution metrics so that higher is better.
func (s *Scorer) values(sol models.AllocationSolution) map[string]float64 {
	return map[string]float64{
		DimSuccessRate:  clamp01(sol.SuccessRate),
		DimResponseTime: clamp01(1 - sol.Objectives.ResponseTime/s.cfg.ResponseHorizonMinutes),
		DimCoverageRate: clamp01(sol.Objectives.CoverageRate),
		DimRisk:         clamp01(1 - sol.Objectives.Risk),
		DimRedundancy:   clamp01(sol.Redundancy),
	}
}

// Commit reserves the resources of sol for runID. versions are the resource
// versions seen when the run took its inventory snapshot.
func (s *Scorer) Commit(ctx context.Context, runID string, sol models.AllocationSolution, versions map[string]int64) error {
	if s.repo == nil {
		return errors.New("no inventory repository configured")
	}
	ids := sol.ResourceIDs()
	res := inventory.Reservation{RunID: runID, ResourceIDs: ids, Versions: make(map[string]int64, len(ids))}
	for _, id := range ids {
		if v, ok := versions[id]; ok {
			res.Versions[id] = v
		}
	}
	if err := s.repo.Reserve(ctx, res); err != nil {
		return fmt.Errorf("failed to commit %s: %w", sol.ID, err)
	}
	return nil
}

// Release returns the resources of sol reserved by runID.
func (s *Scorer) Release(ctx context.Context, runID string, sol models.AllocationSolution) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Release(ctx, runID, sol.ResourceIDs())
}

func infeasible(rejected []models.Rejection) *models.InfeasibleError {
	err := &models.InfeasibleError{Reason: "every solution violates a hard rule"}
	messages := make(map[string]string)
	for _, r := range rejected {
		for i, id := range r.RuleIDs {
			if _, ok := messages[id]; !ok {
				messages[id] = r.Messages[i]
				err.HardRuleIDs = append(err.HardRuleIDs, id)
			}
		}
	}
	sort.Strings(err.HardRuleIDs)
	for _, id := range err.HardRuleIDs {
		err.Messages = append(err.Messages, messages[id])
	}
	return err
}

// contributors lists dimensions by contribution, largest first.
func contributors(score models.ScoreBreakdown) []string {
	out := make([]string, 0, len(Dimensions))
	for _, d := range Dimensions {
		if score.Dimensions[d].Weight > 0 {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return score.Dimensions[out[i]].Contribution > score.Dimensions[out[j]].Contribution
	})
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
