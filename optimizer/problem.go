package optimizer

import (
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/liamcoop/rescueplan/matcher"
	"github.com/liamcoop/rescueplan/models"
)

const unassigned = -1

// Task is a task and its ranked candidates.
type Task struct {
	ID         string
	RiskWeight float64
	// Codes are the required capability codes. A task without codes has one
	// demand unit, covered by any assignment.
	Codes      []string
	Candidates []models.Candidate
}

// units is the number of demand units the task contributes to coverage.
func (t Task) units() int { return max(len(t.Codes), 1) }

// coveredUnits counts the demand units met by the union of codes.
func (t Task) coveredUnits(codes map[string]bool) int {
	if len(t.Codes) == 0 {
		return 1
	}
	n := 0
	for _, code := range t.Codes {
		if codes[code] {
			n++
		}
	}
	return n
}

// slot is one gene position: a required capability of a task, or the task
// itself when it requires none. Candidates index the task's ranked list and
// hold only the resources that cover the code.
type slot struct {
	task       int
	code       string
	candidates []int
}

// Problem is the allocation search space.
type Problem struct {
	Tasks []Task
	// Capacity is how many tasks each resource may serve.
	Capacity map[string]int

	once  sync.Once
	slots []slot
}

// NewProblem builds the search space from matched tasks. Tasks without
// candidates are left out; they cannot contribute to any allocation.
func NewProblem(tasks []matcher.TaskCandidates, resources []models.Resource) *Problem {
	p := &Problem{Capacity: make(map[string]int, len(resources))}
	for _, r := range resources {
		p.Capacity[r.ID] = r.Units()
	}
	for _, tc := range tasks {
		if len(tc.Candidates) == 0 {
			continue
		}
		var codes []string
		for _, c := range tc.Task.RequiredCapabilities() {
			if !slices.Contains(codes, c.Code) {
				codes = append(codes, c.Code)
			}
		}
		p.Tasks = append(p.Tasks, Task{
			ID:         tc.Task.ID,
			RiskWeight: tc.Task.RiskWeight(),
			Codes:      codes,
			Candidates: tc.Candidates,
		})
	}
	return p
}

// genes returns the gene layout. A required code no candidate covers gets no
// slot; its unit stays uncovered.
func (p *Problem) genes() []slot {
	p.once.Do(func() {
		for i, t := range p.Tasks {
			if len(t.Codes) == 0 {
				s := slot{task: i}
				for j := range t.Candidates {
					s.candidates = append(s.candidates, j)
				}
				if len(s.candidates) > 0 {
					p.slots = append(p.slots, s)
				}
				continue
			}
			for _, code := range t.Codes {
				s := slot{task: i, code: code}
				for j, c := range t.Candidates {
					if slices.Contains(c.Covered, code) {
						s.candidates = append(s.candidates, j)
					}
				}
				if len(s.candidates) > 0 {
					p.slots = append(p.slots, s)
				}
			}
		}
	})
	return p.slots
}

func (p *Problem) capacity(resourceID string) int {
	if c, ok := p.Capacity[resourceID]; ok && c > 0 {
		return c
	}
	return 1
}

// trivial reports whether there is nothing to search: every slot has at
// most one candidate.
func (p *Problem) trivial() bool {
	for _, s := range p.genes() {
		if len(s.candidates) > 1 {
			return false
		}
	}
	return true
}

// assigned returns, per task, the distinct candidates g assigns to it in
// slot order.
func (p *Problem) assigned(g genome) [][]int {
	out := make([][]int, len(p.Tasks))
	for i, s := range p.genes() {
		if g[i] == unassigned || slices.Contains(out[s.task], g[i]) {
			continue
		}
		out[s.task] = append(out[s.task], g[i])
	}
	return out
}

// signature identifies the allocation g encodes. Genomes that assign the
// same resources to the same tasks share a signature.
func (p *Problem) signature(g genome) string {
	var b strings.Builder
	for i, held := range p.assigned(g) {
		if i > 0 {
			b.WriteByte(';')
		}
		for k, j := range slices.Sorted(slices.Values(held)) {
			if k > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(j))
		}
	}
	return b.String()
}

type genome []int

func (g genome) clone() genome { return append(genome(nil), g...) }

func (g genome) key() string {
	var b strings.Builder
	for i, v := range g {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(v))
	}
	return b.String()
}

// evaluation is the fitness of a genome.
type evaluation struct {
	objectives  models.Objectives
	successRate float64
	redundancy  float64
	violation   float64
	feasible    bool
}

// vector returns the minimized objective vector.
func (e evaluation) vector() [4]float64 {
	return [4]float64{
		-e.objectives.CoverageRate,
		e.objectives.ResponseTime,
		float64(e.objectives.ResourceCount),
		e.objectives.Risk,
	}
}

// evaluate computes the fitness of g. It only reads p and g.
func (p *Problem) evaluate(g genome, minCoverage float64) evaluation {
	if len(p.Tasks) == 0 {
		return evaluation{objectives: models.Objectives{CoverageRate: 1}, redundancy: 1, feasible: true}
	}

	var (
		units, covered int
		risk, success  float64
		assignments    int
		responseTime   float64
		used           = make(map[string]bool)
		held           = p.assigned(g)
	)
	for i, t := range p.Tasks {
		units += t.units()
		if len(held[i]) == 0 {
			risk += t.RiskWeight
			continue
		}
		codes := make(map[string]bool)
		var score float64
		for _, j := range held[i] {
			c := t.Candidates[j]
			for _, code := range c.Covered {
				codes[code] = true
			}
			score += c.Score
			success += c.SuccessRate
			responseTime = math.Max(responseTime, c.ETAMinutes)
			used[c.ResourceID] = true
		}
		assignments += len(held[i])
		covered += t.coveredUnits(codes)
		risk += t.RiskWeight * (1 - score/float64(len(held[i])))
	}

	var redundancy float64
	for i, t := range p.Tasks {
		spare := 0
		for j, c := range t.Candidates {
			if !slices.Contains(held[i], j) && !used[c.ResourceID] {
				spare++
			}
		}
		redundancy += math.Min(1, float64(spare)/2)
	}

	e := evaluation{
		objectives: models.Objectives{
			ResponseTime:  responseTime,
			CoverageRate:  float64(covered) / float64(units),
			ResourceCount: len(used),
			Risk:          risk / float64(len(p.Tasks)),
		},
		redundancy: redundancy / float64(len(p.Tasks)),
	}
	if assignments > 0 {
		e.successRate = success / float64(assignments)
	}
	e.violation = math.Max(0, minCoverage-e.objectives.CoverageRate)
	e.feasible = e.violation == 0
	return e
}

type taskResource struct {
	task     int
	resource string
}

// repair enforces resource capacity, counted once per task a resource
// serves. Slots are kept in descending score order; a slot whose resource no
// longer fits moves to the best candidate with room left, or is dropped.
func (p *Problem) repair(g genome) {
	slots := p.genes()
	p.collapse(g)

	order := make([]int, 0, len(g))
	for i, v := range g {
		if v != unassigned {
			order = append(order, i)
		}
	}
	score := func(i int) float64 { return p.Tasks[slots[i].task].Candidates[g[i]].Score }
	sort.SliceStable(order, func(a, b int) bool { return score(order[a]) > score(order[b]) })

	load := make(map[string]int)
	taken := make(map[taskResource]bool)
	fits := func(task int, id string) bool {
		return taken[taskResource{task, id}] || load[id] < p.capacity(id)
	}
	take := func(task int, id string) {
		if k := (taskResource{task, id}); !taken[k] {
			taken[k] = true
			load[id]++
		}
	}

	for _, i := range order {
		s := slots[i]
		cands := p.Tasks[s.task].Candidates
		if id := cands[g[i]].ResourceID; fits(s.task, id) {
			take(s.task, id)
			continue
		}
		g[i] = unassigned
		for _, j := range s.candidates {
			if id := cands[j].ResourceID; fits(s.task, id) {
				g[i] = j
				take(s.task, id)
				break
			}
		}
	}
	p.collapse(g)
}

// collapse points a slot at another resource already serving the same task
// when that resource covers the slot's code and scores at least as well.
func (p *Problem) collapse(g genome) {
	slots := p.genes()
	for i, s := range slots {
		if g[i] == unassigned || s.code == "" {
			continue
		}
		cands := p.Tasks[s.task].Candidates
		for k, o := range slots {
			if k == i || o.task != s.task || g[k] == unassigned || g[k] == g[i] {
				continue
			}
			if other := cands[g[k]]; other.Score >= cands[g[i]].Score && slices.Contains(other.Covered, s.code) {
				g[i] = g[k]
				break
			}
		}
	}
}

// solution converts g into an allocation with one assignment per task and
// resource.
func (p *Problem) solution(g genome, e evaluation) models.AllocationSolution {
	sol := models.AllocationSolution{
		Objectives:  e.objectives,
		SuccessRate: e.successRate,
		Redundancy:  e.redundancy,
		Feasible:    e.feasible,
	}
	held := p.assigned(g)
	for i, t := range p.Tasks {
		if len(held[i]) == 0 {
			sol.Unassigned = append(sol.Unassigned, t.ID)
			continue
		}
		for _, j := range held[i] {
			c := t.Candidates[j]
			sol.Assignments = append(sol.Assignments, models.Assignment{
				TaskID:       t.ID,
				ResourceID:   c.ResourceID,
				ResourceType: c.ResourceType,
				Score:        c.Score,
				ETAMinutes:   c.ETAMinutes,
				DistanceKm:   c.DistanceKm,
				SuccessRate:  c.SuccessRate,
				Covered:      c.Covered,
			})
		}
	}
	return sol
}
