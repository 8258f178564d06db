package taskgraph

import (
	"sort"

	"github.com/liamcoop/rescueplan/models"
)

// graph holds merged tasks in merge order.
type graph struct {
	order []string
	index map[string]int
	tasks map[string]*models.Task
}

func newGraph() *graph {
	return &graph{
		index: make(map[string]int),
		tasks: make(map[string]*models.Task),
	}
}

func (g *graph) has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// add inserts t, or unions its dependencies into the existing entry. The
// first occurrence keeps its metadata.
func (g *graph) add(t models.Task) {
	if existing, ok := g.tasks[t.ID]; ok {
		existing.DependsOn = union(existing.DependsOn, t.DependsOn)
		return
	}
	g.index[t.ID] = len(g.order)
	g.order = append(g.order, t.ID)
	g.tasks[t.ID] = &t
}

// raisePriorities lifts the priority of the task's requirements to the
// priority a rule asked for the same capability.
func (g *graph) raisePriorities(id string, reqs []models.CapabilityRequirement) {
	t := g.tasks[id]
	for _, req := range reqs {
		for i := range t.Capabilities {
			if t.Capabilities[i].Code == req.Code && req.Priority > t.Capabilities[i].Priority {
				t.Capabilities[i].Priority = req.Priority
			}
		}
	}
}

// tiers runs Kahn's algorithm tier by tier. Within a tier, tasks keep merge
// order.
func (g *graph) tiers() (*Resolution, error) {
	inDegree := make(map[string]int, len(g.order))
	dependents := make(map[string][]string, len(g.order))
	for _, id := range g.order {
		deps := g.tasks[id].DependsOn
		inDegree[id] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	res := &Resolution{}
	remaining := len(g.order)
	for remaining > 0 {
		var tier []string
		for _, id := range g.order {
			if d, ok := inDegree[id]; ok && d == 0 {
				tier = append(tier, id)
			}
		}
		if len(tier) == 0 {
			return nil, &models.CycleDetectedError{Nodes: g.cycleMembers(inDegree)}
		}

		for _, id := range tier {
			delete(inDegree, id)
			remaining--
			for _, next := range dependents[id] {
				if _, ok := inDegree[next]; ok {
					inDegree[next]--
				}
			}
		}
		res.ParallelGroups = append(res.ParallelGroups, tier)
		res.Sequence = append(res.Sequence, tier...)
	}

	res.Tasks = make([]models.Task, len(res.Sequence))
	for i, id := range res.Sequence {
		res.Tasks[i] = *g.tasks[id]
	}
	res.CriticalPath, res.CriticalPathMinutes = g.criticalPath(res.Sequence)
	return res, nil
}

// cycleMembers returns the nodes Kahn's algorithm could not emit that lie on
// a cycle: members of a strongly connected component with more than one
// node, or nodes that depend on themselves. Components are found with
// Tarjan's algorithm over the dependency edges between leftover nodes.
func (g *graph) cycleMembers(left map[string]int) []string {
	var (
		next    int
		index   = make(map[string]int, len(left))
		low     = make(map[string]int, len(left))
		onStack = make(map[string]bool, len(left))
		stack   []string
		nodes   []string
	)

	var connect func(id string)
	connect = func(id string) {
		index[id] = next
		low[id] = next
		next++
		stack = append(stack, id)
		onStack[id] = true

		selfLoop := false
		for _, dep := range g.tasks[id].DependsOn {
			if _, ok := left[dep]; !ok {
				continue
			}
			if dep == id {
				selfLoop = true
			}
			if _, seen := index[dep]; !seen {
				connect(dep)
				low[id] = min(low[id], low[dep])
			} else if onStack[dep] {
				low[id] = min(low[id], index[dep])
			}
		}

		if low[id] != index[id] {
			return
		}
		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}
		if len(component) > 1 || selfLoop {
			nodes = append(nodes, component...)
		}
	}

	for _, id := range g.order {
		if _, ok := left[id]; !ok {
			continue
		}
		if _, seen := index[id]; !seen {
			connect(id)
		}
	}
	sort.Strings(nodes)
	return nodes
}

// criticalPath finds the longest chain by maximum duration over a
// topological order.
func (g *graph) criticalPath(sequence []string) ([]string, float64) {
	if len(sequence) == 0 {
		return nil, 0
	}
	dist := make(map[string]float64, len(sequence))
	prev := make(map[string]string, len(sequence))

	var end string
	for _, id := range sequence {
		t := g.tasks[id]
		best, from := 0.0, ""
		for _, dep := range t.DependsOn {
			if dist[dep] > best || (from == "" && dist[dep] == best) {
				best, from = dist[dep], dep
			}
		}
		dist[id] = best + duration(t)
		if from != "" {
			prev[id] = from
		}
		if end == "" || dist[id] > dist[end] {
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, dist[end]
}

func duration(t *models.Task) float64 {
	if t.MaxDurationMinutes > 0 {
		return t.MaxDurationMinutes
	}
	return t.MinDurationMinutes
}
