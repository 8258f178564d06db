package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/liamcoop/rescueplan/condition"
	"github.com/liamcoop/rescueplan/config"
	"github.com/liamcoop/rescueplan/internal/logger"
	"github.com/liamcoop/rescueplan/inventory"
	"github.com/liamcoop/rescueplan/matcher"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/optimizer"
	"github.com/liamcoop/rescueplan/rules"
	"github.com/liamcoop/rescueplan/scoring"
	"github.com/liamcoop/rescueplan/taskgraph"
)

// Orchestrator runs planning pipelines. Every run reads its own knowledge
// snapshot and inventory snapshot; the inventory is the only state shared
// between concurrent runs. Safe for concurrent use.
type Orchestrator struct {
	cfg       Config
	provider  config.Provider
	inventory inventory.Repository
	compiler  *condition.Compiler
	optimizer *optimizer.Optimizer
	now       func() time.Time
	newID     func() string
}

// New creates an orchestrator reading knowledge from provider and resources
// from inv.
func New(cfg Config, provider config.Provider, inv inventory.Repository) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("knowledge provider is required")
	}
	if inv == nil {
		return nil, errors.New("inventory repository is required")
	}
	compiler, err := condition.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition compiler: %w", err)
	}
	return &Orchestrator{
		cfg:       cfg,
		provider:  provider,
		inventory: inv,
		compiler:  compiler,
		optimizer: optimizer.New(cfg.Optimizer),
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// stages are the components built from one knowledge snapshot.
type stages struct {
	engine   *rules.Engine
	resolver *taskgraph.Resolver
	matcher  *matcher.Matcher
	scorer   *scoring.Scorer
}

func (o *Orchestrator) build(k *config.Knowledge) (*stages, error) {
	engine, err := rules.NewEngine(k.Rules, o.compiler)
	if err != nil {
		return nil, asConfigurationError("rules", err)
	}
	resolver, err := taskgraph.NewResolver(k.Tasks)
	if err != nil {
		return nil, asConfigurationError("tasks", err)
	}
	m, err := matcher.New(o.cfg.Matcher, k.MatchProfiles)
	if err != nil {
		return nil, asConfigurationError("match profiles", err)
	}
	scorer, err := scoring.New(o.cfg.Scoring, k.HardRules, k.SoftRules, k.ScoringProfiles, o.compiler, o.inventory)
	if err != nil {
		return nil, asConfigurationError("constraints", err)
	}
	return &stages{engine: engine, resolver: resolver, matcher: m, scorer: scorer}, nil
}

// Engine loads the current knowledge and returns its rule engine.
func (o *Orchestrator) Engine(ctx context.Context) (*rules.Engine, error) {
	k, err := o.provider.Load(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := rules.NewEngine(k.Rules, o.compiler)
	if err != nil {
		return nil, asConfigurationError("rules", err)
	}
	return engine, nil
}

// Release returns the resources committed by a completed run. Results that
// hold no committed plan are ignored.
func (o *Orchestrator) Release(ctx context.Context, res *Result) error {
	if res == nil || res.Plan == nil || !res.Plan.Committed {
		return nil
	}
	if err := o.inventory.Release(ctx, res.RunID, res.Plan.Allocation.ResourceIDs()); err != nil {
		return fmt.Errorf("failed to release run %s: %w", res.RunID, err)
	}
	return nil
}

// Run executes one pipeline. It always returns a result: a completed plan,
// possibly partial, or a failure with an explicit reason. Cancellation of
// ctx is checked between stages; a canceled run never reserves resources.
func (o *Orchestrator) Run(ctx context.Context, req Request) *Result {
	r := &run{
		res: &Result{
			RunID:      req.RunID,
			IncidentID: req.IncidentID,
			StartedAt:  o.now(),
			Trace:      []TraceRecord{},
		},
		ctx: ctx,
		now: o.now,
	}
	if r.res.RunID == "" {
		r.res.RunID = o.newID()
	}
	logger.RunsStarted.Add(1)

	res := o.run(r, req)
	res.FinishedAt = o.now()
	o.report(res)
	return res
}

func (o *Orchestrator) run(r *run, req Request) *Result {
	ctx := r.ctx

	// loaded
	started := o.now()
	if req.Context == nil {
		return r.fail(StageLoad, started, ReasonInvalidContext, KindInvalidContext, errors.New("disaster context is required"))
	}
	incident, err := models.IncidentFromContext(req.Context)
	if err != nil {
		return r.fail(StageLoad, started, ReasonInvalidContext, KindInvalidContext, err)
	}
	if res := r.checkCanceled(StageLoad); res != nil {
		return res
	}
	k, err := o.provider.Load(ctx)
	if err != nil {
		if res := r.checkCanceled(StageLoad); res != nil {
			return res
		}
		return r.fail(StageLoad, started, ReasonConfigurationError, KindConfiguration, asConfigurationError("knowledge", err))
	}
	st, err := o.build(k)
	if err != nil {
		return r.fail(StageLoad, started, ReasonConfigurationError, KindConfiguration, err)
	}
	r.transition(StageLoad, StateLoaded, started,
		map[string]any{"disaster_type": incident.DisasterType, "context_fields": len(req.Context)},
		map[string]any{
			"rules":      len(st.engine.Rules()),
			"tasks":      len(k.Tasks),
			"hard_rules": len(k.HardRules),
			"soft_rules": len(k.SoftRules),
		})

	// rules_matched
	if res := r.checkCanceled(StageMatchRules); res != nil {
		return res
	}
	started = o.now()
	matched, failed := st.engine.Match(req.Context)
	for _, f := range failed {
		r.warn(StageMatchRules, KindRuleEvaluation, "", fmt.Sprintf("rule %s: %v", f.RuleID, f.Error))
	}
	r.transition(StageMatchRules, StateRulesMatched, started,
		map[string]any{"active_rules": len(st.engine.Rules())},
		map[string]any{"matched": ruleIDs(matched), "evaluation_errors": len(failed)})

	// tasks_resolved
	if res := r.checkCanceled(StageResolveTasks); res != nil {
		return res
	}
	started = o.now()
	resolution, err := st.resolver.Resolve(matched)
	if err != nil {
		var cycle *models.CycleDetectedError
		if errors.As(err, &cycle) {
			return r.fail(StageResolveTasks, started, ReasonCycleDetected, KindCycleDetected, err)
		}
		return r.fail(StageResolveTasks, started, ReasonConfigurationError, KindConfiguration, err)
	}
	r.transition(StageResolveTasks, StateTasksResolved, started,
		map[string]any{"rules": len(matched)},
		map[string]any{
			"tasks":                 len(resolution.Tasks),
			"parallel_groups":       len(resolution.ParallelGroups),
			"critical_path_minutes": resolution.CriticalPathMinutes,
		})

	if len(resolution.Tasks) == 0 {
		return o.noop(r, incident, resolution)
	}

	// resources_matched
	if res := r.checkCanceled(StageMatchResources); res != nil {
		return res
	}
	started = o.now()
	resources, err := o.inventory.Snapshot(ctx)
	if err != nil {
		if res := r.checkCanceled(StageMatchResources); res != nil {
			return res
		}
		return r.fail(StageMatchResources, started, ReasonInventoryUnavailable, KindInventory, err)
	}
	mr := st.matcher.Match(incident, resolution.Tasks, resources)
	gaps := make([]models.Gap, 0, len(mr.Unresolvable))
	for _, u := range mr.Unresolvable {
		r.res.Errors = append(r.res.Errors, RunError{
			Stage:   StageMatchResources,
			Kind:    KindUnresolvableTask,
			Message: u.Error(),
			TaskID:  u.TaskID,
		})
		gaps = append(gaps, models.Gap{TaskID: u.TaskID, Reason: u.Reason})
	}
	r.transition(StageMatchResources, StateResourcesMatched, started,
		map[string]any{"tasks": len(resolution.Tasks), "resources": len(resources)},
		map[string]any{
			"profile":      mr.Profile,
			"candidates":   mr.CandidateCount(),
			"unresolvable": gapIDs(gaps),
		})

	// optimized
	if res := r.checkCanceled(StageOptimize); res != nil {
		return res
	}
	started = o.now()
	resolvable := mr.Resolvable()
	frontier, err := o.optimizer.Optimize(ctx, optimizer.NewProblem(resolvable, resources))
	timedOut := false
	if err != nil {
		var timeout *models.OptimizerTimeoutError
		if !errors.As(err, &timeout) {
			// Optimize only fails on a done context.
			return r.cancel(StageOptimize, started)
		}
		timedOut = true
		r.warn(StageOptimize, KindOptimizerTimeout, "", err.Error())
	}
	r.transition(StageOptimize, StateOptimized, started,
		map[string]any{"tasks": len(resolvable), "strategy": string(o.optimizer.Config().Strategy)},
		map[string]any{
			"strategy":      string(frontier.Strategy),
			"solutions":     len(frontier.Solutions),
			"generations":   frontier.Generations,
			"evaluations":   frontier.Evaluations,
			"best_coverage": frontier.BestCoverage,
			"partial":       frontier.Partial,
		})

	if len(frontier.Solutions) == 0 {
		minCoverage := o.optimizer.Config().MinCoverage()
		return r.fail(StageOptimize, o.now(), ReasonInfeasible, KindInfeasible, &models.InfeasibleError{
			Reason:       fmt.Sprintf("no allocation reaches the minimum coverage rate %.2f (best %.2f)", minCoverage, frontier.BestCoverage),
			MinCoverage:  minCoverage,
			BestCoverage: frontier.BestCoverage,
		})
	}

	// scored
	if res := r.checkCanceled(StageScore); res != nil {
		return res
	}
	started = o.now()
	outcome, err := st.scorer.Score(scoring.Input{
		Solutions:    frontier.Solutions,
		Context:      req.Context,
		DisasterType: incident.DisasterType,
	})
	if outcome != nil {
		for _, w := range outcome.Warnings {
			r.warn(StageScore, KindConstraintWarning, "", w)
		}
	}
	if err != nil {
		var inf *models.InfeasibleError
		if errors.As(err, &inf) {
			for i, id := range inf.HardRuleIDs {
				r.res.ViolatedConstraints = append(r.res.ViolatedConstraints, models.Constraint{
					RuleID:  id,
					Kind:    scoring.KindHard,
					Message: inf.Messages[i],
				})
			}
			return r.fail(StageScore, started, ReasonInfeasible, KindInfeasible, err)
		}
		return r.fail(StageScore, started, ReasonConfigurationError, KindConfiguration, err)
	}
	rec := outcome.Recommended
	r.transition(StageScore, StateScored, started,
		map[string]any{"solutions": len(frontier.Solutions)},
		map[string]any{
			"recommended":  rec.Solution.ID,
			"profile":      rec.Score.Profile,
			"total":        rec.Score.Total,
			"rejected":     len(outcome.Rejected),
			"alternatives": outcome.Rationale.Alternatives,
		})

	plan := &models.Plan{
		RunID:               r.res.RunID,
		IncidentID:          r.res.IncidentID,
		DisasterType:        incident.DisasterType,
		Sequence:            resolution.Sequence,
		ParallelGroups:      resolution.ParallelGroups,
		Tasks:               resolution.Tasks,
		Allocation:          rec.Solution,
		Score:               rec.Score,
		Rationale:           outcome.Rationale,
		Gaps:                gaps,
		Partial:             len(gaps) > 0 || frontier.Partial || timedOut,
		OverallCoverageRate: overallCoverage(mr, rec.Solution),
	}

	// completed, after the optional commit
	if res := r.checkCanceled(StageCommit); res != nil {
		return res
	}
	started = o.now()
	if req.Commit && len(plan.Allocation.Assignments) > 0 {
		versions := make(map[string]int64, len(resources))
		for _, rs := range resources {
			versions[rs.ID] = rs.Version
		}
		if err := st.scorer.Commit(ctx, r.res.RunID, plan.Allocation, versions); err != nil {
			var conflict *models.ReservationConflictError
			switch {
			case errors.As(err, &conflict):
				return r.fail(StageCommit, started, ReasonReservationConflict, KindReservationConflict, err)
			case ctx.Err() != nil:
				return r.cancel(StageCommit, started)
			}
			return r.fail(StageCommit, started, ReasonInventoryUnavailable, KindInventory, err)
		}
		plan.Committed = true
	}
	plan.CreatedAt = o.now()
	r.res.Plan = plan
	r.transition(StageComplete, StateCompleted, started,
		map[string]any{"commit": req.Commit},
		map[string]any{
			"committed":     plan.Committed,
			"partial":       plan.Partial,
			"coverage_rate": plan.OverallCoverageRate,
			"resources":     plan.Allocation.ResourceIDs(),
		})
	r.res.Status = StatusCompleted
	return r.res
}

// noop completes a run whose rules produced no tasks. The remaining stages
// are recorded as skipped.
func (o *Orchestrator) noop(r *run, incident models.Incident, resolution *taskgraph.Resolution) *Result {
	skipped := map[string]any{"skipped": "no tasks"}
	for _, step := range []struct {
		stage string
		to    State
	}{
		{StageMatchResources, StateResourcesMatched},
		{StageOptimize, StateOptimized},
		{StageScore, StateScored},
	} {
		if res := r.checkCanceled(step.stage); res != nil {
			return res
		}
		r.transition(step.stage, step.to, o.now(), nil, skipped)
	}

	r.res.Plan = &models.Plan{
		RunID:               r.res.RunID,
		IncidentID:          r.res.IncidentID,
		DisasterType:        incident.DisasterType,
		Sequence:            resolution.Sequence,
		ParallelGroups:      resolution.ParallelGroups,
		Tasks:               resolution.Tasks,
		Allocation:          models.AllocationSolution{Objectives: models.Objectives{CoverageRate: 1}, Feasible: true},
		NoOp:                true,
		OverallCoverageRate: 1,
		CreatedAt:           o.now(),
	}
	r.transition(StageComplete, StateCompleted, o.now(), nil, map[string]any{"no_op": true})
	r.res.Status = StatusCompleted
	return r.res
}

func (o *Orchestrator) report(res *Result) {
	outcome := logger.RunOutcome{
		Completed:           res.Completed(),
		Canceled:            res.Reason == ReasonCanceled,
		Infeasible:          res.Reason == ReasonInfeasible,
		ReservationConflict: res.Reason == ReasonReservationConflict,
		Partial:             res.Plan != nil && res.Plan.Partial,
	}
	for _, e := range res.Errors {
		if e.Kind == KindOptimizerTimeout {
			outcome.OptimizerTimeout = true
		}
	}
	logger.RecordRun(outcome)

	attrs := []any{
		"run_id", res.RunID,
		"incident_id", res.IncidentID,
		"status", res.Status,
		"state", res.State,
		"errors", len(res.Errors),
		"duration_ms", res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
	}
	if res.Completed() {
		logger.Info("plan run completed", append(attrs, "partial", outcome.Partial, "no_op", res.Plan.NoOp)...)
		return
	}
	logger.Warn("plan run failed", append(attrs, "reason", res.Reason, "message", res.Message)...)
}

// run is the mutable state of one pipeline execution.
type run struct {
	res   *Result
	state State
	ctx   context.Context
	now   func() time.Time
}

func (r *run) transition(stage string, to State, started time.Time, in, out map[string]any) {
	r.res.Trace = append(r.res.Trace, TraceRecord{
		Stage:     stage,
		From:      r.state,
		To:        to,
		StartedAt: started,
		Duration:  r.now().Sub(started),
		Input:     in,
		Output:    out,
	})
	r.state = to
	r.res.State = to
}

func (r *run) fail(stage string, started time.Time, reason Reason, kind string, err error) *Result {
	r.res.Errors = append(r.res.Errors, RunError{Stage: stage, Kind: kind, Message: err.Error(), Fatal: true})
	r.res.Trace = append(r.res.Trace, TraceRecord{
		Stage:     stage,
		From:      r.state,
		To:        StateFailed,
		StartedAt: started,
		Duration:  r.now().Sub(started),
		Error:     err.Error(),
	})
	r.state = StateFailed
	r.res.State = StateFailed
	r.res.Status = StatusFailed
	r.res.Reason = reason
	r.res.Message = err.Error()
	return r.res
}

func (r *run) warn(stage, kind, taskID, msg string) {
	r.res.Errors = append(r.res.Errors, RunError{Stage: stage, Kind: kind, Message: msg, TaskID: taskID})
}

// checkCanceled fails the run when its context is done.
func (r *run) checkCanceled(stage string) *Result {
	if r.ctx.Err() == nil {
		return nil
	}
	return r.cancel(stage, r.now())
}

func (r *run) cancel(stage string, started time.Time) *Result {
	err := fmt.Errorf("%w before %s: %v", models.ErrCanceled, stage, context.Cause(r.ctx))
	return r.fail(stage, started, ReasonCanceled, KindCanceled, err)
}

// overallCoverage scales the allocation's coverage of the resolvable tasks
// to all resolved tasks, so gaps lower it.
func overallCoverage(mr *matcher.MatchResult, sol models.AllocationSolution) float64 {
	var total, resolvable int
	for _, tc := range mr.Tasks {
		u := demandUnits(tc.Task)
		total += u
		if !tc.Unresolvable {
			resolvable += u
		}
	}
	if total == 0 {
		return 1
	}
	return sol.Objectives.CoverageRate * float64(resolvable) / float64(total)
}

func demandUnits(t models.Task) int {
	if n := len(t.RequiredCapabilities()); n > 0 {
		return n
	}
	return 1
}

func asConfigurationError(source string, err error) error {
	var cfgErr *models.ConfigurationError
	if errors.As(err, &cfgErr) {
		return err
	}
	return models.NewConfigurationError(source, err)
}

func ruleIDs(matched []rules.MatchedRule) []string {
	ids := make([]string, 0, len(matched))
	for _, m := range matched {
		ids = append(ids, m.Rule.ID)
	}
	return ids
}

func gapIDs(gaps []models.Gap) []string {
	ids := make([]string, 0, len(gaps))
	for _, g := range gaps {
		ids = append(ids, g.TaskID)
	}
	return ids
}
