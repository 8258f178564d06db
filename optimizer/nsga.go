package optimizer

import (
	"context"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"
)

type individual struct {
	genome   genome
	eval     evaluation
	rank     int
	crowding float64
}

// dominates reports whether a Pareto-dominates b.
func dominates(a, b [4]float64) bool {
	better := false
	for i := range a {
		if a[i] > b[i] {
			return false
		}
		if a[i] < b[i] {
			better = true
		}
	}
	return better
}

// constrainedDominates applies feasibility first: a feasible solution beats
// an infeasible one, and between infeasible ones the smaller violation wins.
func constrainedDominates(a, b evaluation) bool {
	switch {
	case a.feasible && !b.feasible:
		return true
	case !a.feasible && b.feasible:
		return false
	case !a.feasible && !b.feasible:
		return a.violation < b.violation
	}
	return dominates(a.vector(), b.vector())
}

// nonDominatedSort assigns ranks and returns the fronts, best first.
func nonDominatedSort(pop []*individual) [][]*individual {
	n := len(pop)
	dominated := make([][]int, n)
	count := make([]int, n)
	var fronts [][]*individual
	var current []int

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			switch {
			case constrainedDominates(pop[i].eval, pop[j].eval):
				dominated[i] = append(dominated[i], j)
				count[j]++
			case constrainedDominates(pop[j].eval, pop[i].eval):
				dominated[j] = append(dominated[j], i)
				count[i]++
			}
		}
	}
	for i := 0; i < n; i++ {
		if count[i] == 0 {
			current = append(current, i)
		}
	}

	for rank := 0; len(current) > 0; rank++ {
		front := make([]*individual, len(current))
		var next []int
		for k, i := range current {
			pop[i].rank = rank
			front[k] = pop[i]
			for _, j := range dominated[i] {
				count[j]--
				if count[j] == 0 {
					next = append(next, j)
				}
			}
		}
		fronts = append(fronts, front)
		current = next
	}
	return fronts
}

// assignCrowding sets the crowding distance of every member of front.
// Boundary solutions get +Inf.
func assignCrowding(front []*individual) {
	for _, ind := range front {
		ind.crowding = 0
	}
	if len(front) < 3 {
		for _, ind := range front {
			ind.crowding = math.Inf(1)
		}
		return
	}

	sorted := append([]*individual(nil), front...)
	for m := 0; m < 4; m++ {
		sort.SliceStable(sorted, func(a, b int) bool {
			return sorted[a].eval.vector()[m] < sorted[b].eval.vector()[m]
		})
		lo, hi := sorted[0].eval.vector()[m], sorted[len(sorted)-1].eval.vector()[m]
		sorted[0].crowding = math.Inf(1)
		sorted[len(sorted)-1].crowding = math.Inf(1)
		if hi == lo {
			continue
		}
		for i := 1; i < len(sorted)-1; i++ {
			gap := sorted[i+1].eval.vector()[m] - sorted[i-1].eval.vector()[m]
			sorted[i].crowding += gap / (hi - lo)
		}
	}
}

// crowdedLess is the crowded-comparison operator: lower rank first, then
// larger crowding distance.
func crowdedLess(a, b *individual) bool {
	if a.rank != b.rank {
		return a.rank < b.rank
	}
	return a.crowding > b.crowding
}

// selectSurvivors keeps the best n of pop by rank and crowding.
func selectSurvivors(pop []*individual, n int) []*individual {
	fronts := nonDominatedSort(pop)
	next := make([]*individual, 0, n)
	for _, front := range fronts {
		assignCrowding(front)
		if len(next)+len(front) <= n {
			next = append(next, front...)
			continue
		}
		sort.SliceStable(front, func(a, b int) bool { return crowdedLess(front[a], front[b]) })
		next = append(next, front[:n-len(next)]...)
		break
	}
	return next
}

// search runs the evolutionary loop state for one Optimize call.
type search struct {
	cfg     Config
	problem *Problem
	rng     *rand.Rand
	archive *archive
	evals   int
}

func (s *search) tournament(pop []*individual) *individual {
	a := pop[s.rng.Intn(len(pop))]
	b := pop[s.rng.Intn(len(pop))]
	if crowdedLess(b, a) {
		return b
	}
	return a
}

func (s *search) crossover(a, b genome) (genome, genome) {
	c1, c2 := a.clone(), b.clone()
	if s.rng.Float64() >= s.cfg.CrossoverRate {
		return c1, c2
	}
	for i := range c1 {
		if s.rng.Intn(2) == 0 {
			c1[i], c2[i] = c2[i], c1[i]
		}
	}
	return c1, c2
}

func (s *search) mutate(g genome) {
	rate := s.cfg.MutationRate
	if rate <= 0 {
		rate = 1 / float64(len(g))
	}
	for i := range g {
		if s.rng.Float64() < rate {
			g[i] = s.randomGene(i)
		}
	}
}

// randomGene picks one of the slot's candidates, or unassigned one time in
// ten.
func (s *search) randomGene(i int) int {
	if s.rng.Float64() < 0.1 {
		return unassigned
	}
	cands := s.problem.genes()[i].candidates
	return cands[s.rng.Intn(len(cands))]
}

// initialPopulation seeds the population with the greedy genome and fills
// the rest randomly.
func (s *search) initialPopulation() []*individual {
	n := len(s.problem.genes())
	pop := make([]*individual, 0, s.cfg.PopulationSize)
	pop = append(pop, &individual{genome: greedyGenome(s.problem)})
	for len(pop) < s.cfg.PopulationSize {
		g := make(genome, n)
		for i := range g {
			g[i] = s.randomGene(i)
		}
		s.problem.repair(g)
		pop = append(pop, &individual{genome: g})
	}
	return pop
}

// offspring breeds a new generation of the same size as pop.
func (s *search) offspring(pop []*individual) []*individual {
	children := make([]*individual, 0, len(pop))
	for len(children) < len(pop) {
		c1, c2 := s.crossover(s.tournament(pop).genome, s.tournament(pop).genome)
		for _, g := range []genome{c1, c2} {
			s.mutate(g)
			s.problem.repair(g)
			children = append(children, &individual{genome: g})
		}
	}
	return children[:len(pop)]
}

// evaluateAll computes fitness in parallel. Each worker writes only its own
// individual, and the call returns once every evaluation has finished.
func (s *search) evaluateAll(ctx context.Context, pop []*individual) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, ind := range pop {
		ind := ind
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ind.eval = s.problem.evaluate(ind.genome, s.cfg.MinCoverage())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	s.evals += len(pop)
	return nil
}
