// Package taskgraph merges the tasks produced by matched rules into a
// dependency graph and orders it.
package taskgraph

import (
	"fmt"

	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/rules"
)

// Resolution is an ordered, tiered task set.
type Resolution struct {
	// Tasks in sequence order.
	Tasks []models.Task `json:"tasks"`
	// Sequence is a topological order: every task follows its dependencies.
	Sequence []string `json:"sequence"`
	// ParallelGroups are the Kahn tiers. Tasks in one group have no edge
	// between them and all their dependencies in earlier groups.
	ParallelGroups [][]string `json:"parallel_groups"`
	// CriticalPath is the longest chain by maximum duration.
	CriticalPath []string `json:"critical_path,omitempty"`
	// CriticalPathMinutes is the summed maximum duration along CriticalPath.
	CriticalPathMinutes float64 `json:"critical_path_minutes"`
}

// Resolver expands rule task lists against the task catalog.
type Resolver struct {
	catalog map[string]models.Task
}

// NewResolver indexes the task catalog. Duplicate ids are a configuration
// error.
func NewResolver(catalog []models.Task) (*Resolver, error) {
	byID := make(map[string]models.Task, len(catalog))
	for _, t := range catalog {
		if t.ID == "" {
			return nil, models.NewConfigurationError("task catalog", fmt.Errorf("task without id"))
		}
		if _, dup := byID[t.ID]; dup {
			return nil, models.NewConfigurationError("task catalog", fmt.Errorf("duplicate task id %s", t.ID))
		}
		byID[t.ID] = t
	}
	return &Resolver{catalog: byID}, nil
}

// Resolve merges the task lists of matched, in order, and sorts the result.
// It returns a *models.ConfigurationError for unknown tasks and a
// *models.CycleDetectedError when the dependencies do not form a DAG.
func (r *Resolver) Resolve(matched []rules.MatchedRule) (*Resolution, error) {
	g := newGraph()

	for _, m := range matched {
		for _, ref := range m.Rule.Tasks {
			t, err := r.expand(ref)
			if err != nil {
				return nil, models.NewConfigurationError("rule "+m.Rule.ID, err)
			}
			if len(t.Capabilities) == 0 {
				t.Capabilities = append([]models.CapabilityRequirement(nil), m.Rule.Capabilities...)
			}
			g.add(t)
			g.raisePriorities(t.ID, m.Rule.Capabilities)
		}
	}

	// Pull in dependencies no rule produced. The queue grows as they are
	// added, so transitive dependencies are resolved too.
	for i := 0; i < len(g.order); i++ {
		task := g.tasks[g.order[i]]
		for _, dep := range task.DependsOn {
			if g.has(dep) {
				continue
			}
			t, ok := r.catalog[dep]
			if !ok {
				return nil, models.NewConfigurationError("task "+task.ID, fmt.Errorf("depends on unknown task %s", dep))
			}
			g.add(cloneTask(t))
		}
	}

	return g.tiers()
}

// expand fills an id-only reference from the catalog.
func (r *Resolver) expand(ref models.Task) (models.Task, error) {
	if ref.ID == "" {
		return models.Task{}, fmt.Errorf("task without id")
	}
	if !ref.IsRef() {
		return cloneTask(ref), nil
	}
	t, ok := r.catalog[ref.ID]
	if !ok {
		return models.Task{}, fmt.Errorf("unknown task %s", ref.ID)
	}
	t = cloneTask(t)
	t.DependsOn = union(t.DependsOn, ref.DependsOn)
	return t, nil
}

func cloneTask(t models.Task) models.Task {
	t.Preconditions = append([]string(nil), t.Preconditions...)
	t.Effects = append([]string(nil), t.Effects...)
	t.DependsOn = append([]string(nil), t.DependsOn...)
	t.Capabilities = append([]models.CapabilityRequirement(nil), t.Capabilities...)
	return t
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
