// Package optimizer searches resource allocations for a Pareto frontier over
// coverage, response time, resource count and risk.
package optimizer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/liamcoop/rescueplan/models"
)

// Frontier is the result of a search.
type Frontier struct {
	// Solutions are feasible and mutually non-dominated.
	Solutions []models.AllocationSolution `json:"solutions"`
	// Partial is set when the budget ran out or the search was interrupted.
	Partial     bool          `json:"partial"`
	Strategy    Strategy      `json:"strategy"`
	Generations int           `json:"generations"`
	Evaluations int           `json:"evaluations"`
	// BestCoverage is the highest coverage of any evaluated allocation,
	// feasible or not.
	BestCoverage float64       `json:"best_coverage"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Optimizer runs allocation searches. It is safe for concurrent use; every
// call has its own random source seeded from the configuration.
type Optimizer struct {
	cfg Config
	now func() time.Time
}

// New creates an optimizer.
func New(cfg Config) *Optimizer {
	return &Optimizer{cfg: cfg.withDefaults(), now: time.Now}
}

// Config returns the effective parameters.
func (o *Optimizer) Config() Config { return o.cfg }

// Optimize searches p. When the time budget runs out it returns the frontier
// found so far with Partial set and an *models.OptimizerTimeoutError. When
// ctx is done it returns the partial frontier and the context error.
func (o *Optimizer) Optimize(ctx context.Context, p *Problem) (*Frontier, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := o.now()
	deadline := start.Add(o.cfg.TimeBudget)

	if len(p.genes()) == 0 || o.cfg.Strategy == StrategyGreedy || p.trivial() {
		return o.greedy(p, start, false), nil
	}

	s := &search{
		cfg:     o.cfg,
		problem: p,
		rng:     rand.New(rand.NewSource(o.cfg.Seed)),
		archive: newArchive(o.cfg.MaxFrontier, p.signature),
	}

	pop := s.initialPopulation()
	if err := s.evaluateAll(ctx, pop); err != nil {
		return o.greedy(p, start, true), err
	}
	s.archive.addAll(pop)
	pop = selectSurvivors(pop, o.cfg.PopulationSize)
	best := bestCoverage(pop, 0)

	for gen := 0; gen < o.cfg.Generations; gen++ {
		if err := ctx.Err(); err != nil {
			return o.interrupted(s, gen, start, best), err
		}
		if o.now().After(deadline) {
			f := o.interrupted(s, gen, start, best)
			return f, &models.OptimizerTimeoutError{Generations: gen, Budget: o.cfg.TimeBudget.String()}
		}

		children := s.offspring(pop)
		if err := s.evaluateAll(ctx, children); err != nil {
			return o.interrupted(s, gen, start, best), err
		}
		best = bestCoverage(children, best)
		s.archive.addAll(children)
		pop = selectSurvivors(append(pop, children...), o.cfg.PopulationSize)
	}

	return o.frontier(s, o.cfg.Generations, start, best, false), nil
}

// interrupted returns the archive, or the greedy allocation when no
// generation completed.
func (o *Optimizer) interrupted(s *search, gen int, start time.Time, best float64) *Frontier {
	if gen == 0 {
		f := o.greedy(s.problem, start, true)
		f.Evaluations += s.evals
		return f
	}
	return o.frontier(s, gen, start, best, true)
}

func (o *Optimizer) frontier(s *search, generations int, start time.Time, best float64, partial bool) *Frontier {
	f := &Frontier{
		Partial:      partial,
		Strategy:     StrategyNSGA2,
		Generations:  generations,
		Evaluations:  s.evals,
		BestCoverage: best,
	}
	for i, ind := range s.archive.list() {
		sol := s.problem.solution(ind.genome, ind.eval)
		sol.ID = solutionID(i)
		f.Solutions = append(f.Solutions, sol)
	}
	f.Elapsed = o.now().Sub(start)
	return f
}

// greedy returns the greedy allocation as a one-element frontier, or an
// empty frontier when it is infeasible.
func (o *Optimizer) greedy(p *Problem, start time.Time, partial bool) *Frontier {
	g := greedyGenome(p)
	e := p.evaluate(g, o.cfg.MinCoverage())
	f := &Frontier{
		Partial:      partial,
		Strategy:     StrategyGreedy,
		Evaluations:  1,
		BestCoverage: e.objectives.CoverageRate,
	}
	if e.feasible {
		sol := p.solution(g, e)
		sol.ID = solutionID(0)
		f.Solutions = []models.AllocationSolution{sol}
	}
	f.Elapsed = o.now().Sub(start)
	return f
}

func bestCoverage(pop []*individual, best float64) float64 {
	for _, ind := range pop {
		if c := ind.eval.objectives.CoverageRate; c > best {
			best = c
		}
	}
	return best
}

func solutionID(i int) string {
	return fmt.Sprintf("sol-%03d", i+1)
}
