package taskgraph

import (
	"errors"
	"math/rand"
	"strconv"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/rules"
)

func catalog() []models.Task {
	return []models.Task{
		{ID: "assess", Name: "Site assessment", Category: "recon", MaxDurationMinutes: 20},
		{ID: "secure", Name: "Secure perimeter", Category: "safety", DependsOn: []string{"assess"}, MaxDurationMinutes: 15},
		{ID: "search", Name: "Life detection", Category: "search", DependsOn: []string{"secure"}, MaxDurationMinutes: 60,
			Capabilities: []models.CapabilityRequirement{{Code: "LIFE_DETECTION", Required: true, Priority: 1}}},
		{ID: "extract", Name: "Structural extraction", Category: "rescue", DependsOn: []string{"search"}, MaxDurationMinutes: 90,
			Capabilities: []models.CapabilityRequirement{{Code: "STRUCTURAL_RESCUE", Required: true, Priority: 2}}},
		{ID: "triage", Name: "Field triage", Category: "medical", DependsOn: []string{"assess"}, MaxDurationMinutes: 30},
	}
}

func matched(rs ...models.Rule) []rules.MatchedRule {
	out := make([]rules.MatchedRule, len(rs))
	for i, r := range rs {
		out[i] = rules.MatchedRule{Rule: r}
	}
	return out
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(catalog())
	if err != nil {
		t.Fatalf("NewResolver() failed: %v", err)
	}
	return r
}

func position(seq []string) map[string]int {
	pos := make(map[string]int, len(seq))
	for i, id := range seq {
		pos[id] = i
	}
	return pos
}

// TestResolvePullsDependencies verifies catalog refs are expanded and their
// dependencies pulled in transitively.
func TestResolvePullsDependencies(t *testing.T) {
	r := newTestResolver(t)
	res, err := r.Resolve(matched(models.Rule{ID: "r1", Tasks: []models.Task{{ID: "extract"}}}))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	want := []string{"assess", "secure", "search", "extract"}
	if diff := cmp.Diff(want, res.Sequence); diff != "" {
		t.Errorf("sequence mismatch (-want +got):\n%s", diff)
	}
	if len(res.Tasks) != 4 || res.Tasks[3].Name != "Structural extraction" {
		t.Errorf("tasks not expanded from catalog: %+v", res.Tasks)
	}
	if diff := cmp.Diff([]string{"assess", "secure", "search", "extract"}, res.CriticalPath); diff != "" {
		t.Errorf("critical path mismatch (-want +got):\n%s", diff)
	}
	if res.CriticalPathMinutes != 185 {
		t.Errorf("CriticalPathMinutes = %v, want 185", res.CriticalPathMinutes)
	}
}

// TestResolveParallelGroups verifies Kahn tiers with merge-order ties.
func TestResolveParallelGroups(t *testing.T) {
	r := newTestResolver(t)
	res, err := r.Resolve(matched(
		models.Rule{ID: "r1", Tasks: []models.Task{{ID: "triage"}, {ID: "secure"}}},
	))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	want := [][]string{{"assess"}, {"triage", "secure"}}
	if diff := cmp.Diff(want, res.ParallelGroups); diff != "" {
		t.Errorf("parallel groups mismatch (-want +got):\n%s", diff)
	}
}

// TestResolveMergeFirstOccurrenceWins verifies dedup by id with unioned
// dependencies.
func TestResolveMergeFirstOccurrenceWins(t *testing.T) {
	r := newTestResolver(t)
	res, err := r.Resolve(matched(
		models.Rule{ID: "r1", Tasks: []models.Task{{ID: "evac", Name: "Evacuate (r1)", Category: "evacuation"}}},
		models.Rule{ID: "r2", Tasks: []models.Task{
			{ID: "evac", Name: "Evacuate (r2)", Category: "evacuation", DependsOn: []string{"assess"}},
		}},
	))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	pos := position(res.Sequence)
	evac := res.Tasks[pos["evac"]]
	if evac.Name != "Evacuate (r1)" {
		t.Errorf("first occurrence should win, got name %q", evac.Name)
	}
	if diff := cmp.Diff([]string{"assess"}, evac.DependsOn); diff != "" {
		t.Errorf("depends_on not unioned (-want +got):\n%s", diff)
	}
	if pos["assess"] > pos["evac"] {
		t.Errorf("assess must precede evac: %v", res.Sequence)
	}
}

// TestResolveInheritsRuleCapabilities verifies tasks without requirements take
// the rule's capabilities, and rule priorities raise task priorities.
func TestResolveInheritsRuleCapabilities(t *testing.T) {
	r := newTestResolver(t)
	rule := models.Rule{
		ID: "r1",
		Tasks: []models.Task{
			{ID: "dig", Name: "Dig out", Category: "rescue"},
			{ID: "search"},
		},
		Capabilities: []models.CapabilityRequirement{
			{Code: "LIFE_DETECTION", Required: true, Priority: 5},
			{Code: "STRUCTURAL_RESCUE", Required: true, Priority: 4},
		},
	}
	res, err := r.Resolve(matched(rule))
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}

	pos := position(res.Sequence)
	if diff := cmp.Diff(rule.Capabilities, res.Tasks[pos["dig"]].Capabilities); diff != "" {
		t.Errorf("dig capabilities mismatch (-want +got):\n%s", diff)
	}
	search := res.Tasks[pos["search"]]
	if len(search.Capabilities) != 1 || search.Capabilities[0].Priority != 5 {
		t.Errorf("search priority not raised: %+v", search.Capabilities)
	}

	// The catalog entry is untouched.
	if catalog()[2].Capabilities[0].Priority != 1 {
		t.Error("catalog mutated")
	}
	if r.catalog["search"].Capabilities[0].Priority != 1 {
		t.Error("resolver catalog mutated")
	}
}

// TestResolveCycle verifies a two-node cycle is reported by name.
func TestResolveCycle(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(matched(models.Rule{ID: "r1", Tasks: []models.Task{
		{ID: "A", Name: "A", Category: "x", DependsOn: []string{"B"}},
		{ID: "B", Name: "B", Category: "x", DependsOn: []string{"A"}},
	}}))

	var cycleErr *models.CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, cycleErr.Nodes); diff != "" {
		t.Errorf("cycle nodes mismatch (-want +got):\n%s", diff)
	}
}

// TestResolveCycleExcludesDownstream verifies nodes hanging off a cycle are
// not named as members.
func TestResolveCycleExcludesDownstream(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(matched(models.Rule{ID: "r1", Tasks: []models.Task{
		{ID: "A", Name: "A", Category: "x", DependsOn: []string{"C"}},
		{ID: "B", Name: "B", Category: "x", DependsOn: []string{"A"}},
		{ID: "C", Name: "C", Category: "x", DependsOn: []string{"B", "assess"}},
		{ID: "D", Name: "D", Category: "x", DependsOn: []string{"C"}},
		{ID: "S", Name: "Self", Category: "x", DependsOn: []string{"S"}},
	}}))

	var cycleErr *models.CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B", "C", "S"}, cycleErr.Nodes); diff != "" {
		t.Errorf("cycle nodes mismatch (-want +got):\n%s", diff)
	}
}

// TestResolveCycleExcludesBridges verifies a node between two cycles that
// lies on neither is not named.
func TestResolveCycleExcludesBridges(t *testing.T) {
	r := newTestResolver(t)
	_, err := r.Resolve(matched(models.Rule{ID: "r1", Tasks: []models.Task{
		{ID: "A", Name: "A", Category: "x", DependsOn: []string{"B"}},
		{ID: "B", Name: "B", Category: "x", DependsOn: []string{"A"}},
		{ID: "E", Name: "E", Category: "x", DependsOn: []string{"A"}},
		{ID: "F", Name: "F", Category: "x", DependsOn: []string{"G", "E"}},
		{ID: "G", Name: "G", Category: "x", DependsOn: []string{"F"}},
	}}))

	var cycleErr *models.CycleDetectedError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleDetectedError, got %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B", "F", "G"}, cycleErr.Nodes); diff != "" {
		t.Errorf("cycle nodes mismatch (-want +got):\n%s", diff)
	}
}

// TestResolveUnknownTask verifies unknown refs and dependencies are
// configuration errors.
func TestResolveUnknownTask(t *testing.T) {
	r := newTestResolver(t)
	tests := []struct {
		name string
		rule models.Rule
	}{
		{"unknown ref", models.Rule{ID: "r1", Tasks: []models.Task{{ID: "nope"}}}},
		{"unknown dependency", models.Rule{ID: "r1", Tasks: []models.Task{
			{ID: "x", Name: "X", Category: "c", DependsOn: []string{"ghost"}},
		}}},
		{"missing id", models.Rule{ID: "r1", Tasks: []models.Task{{Name: "anon", Category: "c"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(matched(tt.rule))
			var cfgErr *models.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

// TestResolveEmpty verifies no matched rules gives an empty resolution.
func TestResolveEmpty(t *testing.T) {
	r := newTestResolver(t)
	res, err := r.Resolve(nil)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if len(res.Sequence) != 0 || len(res.ParallelGroups) != 0 {
		t.Errorf("expected empty resolution, got %+v", res)
	}
}

func TestNewResolverDuplicate(t *testing.T) {
	_, err := NewResolver([]models.Task{{ID: "a"}, {ID: "a"}})
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

// TestResolveTopologicalProperty checks random DAGs: every task follows all
// of its dependencies and every group only depends on earlier groups.
func TestResolveTopologicalProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	r, err := NewResolver(nil)
	if err != nil {
		t.Fatalf("NewResolver() failed: %v", err)
	}

	for iter := 0; iter < 50; iter++ {
		n := 2 + rng.Intn(15)
		perm := rng.Perm(n)
		var tasks []models.Task
		for i := 0; i < n; i++ {
			id := "t" + strconv.Itoa(perm[i])
			task := models.Task{ID: id, Name: id, Category: "c"}
			// Edges only go from lower to higher perm rank, so the graph is acyclic.
			for j := 0; j < i; j++ {
				if rng.Float64() < 0.3 {
					task.DependsOn = append(task.DependsOn, "t"+strconv.Itoa(perm[j]))
				}
			}
			tasks = append(tasks, task)
		}
		rng.Shuffle(len(tasks), func(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] })

		res, err := r.Resolve(matched(models.Rule{ID: "r", Tasks: tasks}))
		if err != nil {
			t.Fatalf("iteration %d: Resolve() failed: %v", iter, err)
		}
		if len(res.Sequence) != n {
			t.Fatalf("iteration %d: got %d tasks, want %d", iter, len(res.Sequence), n)
		}

		pos := position(res.Sequence)
		tier := make(map[string]int)
		for gi, group := range res.ParallelGroups {
			for _, id := range group {
				tier[id] = gi
			}
		}
		for _, task := range tasks {
			for _, dep := range task.DependsOn {
				if pos[dep] >= pos[task.ID] {
					t.Errorf("iteration %d: %s placed before its dependency %s", iter, task.ID, dep)
				}
				if tier[dep] >= tier[task.ID] {
					t.Errorf("iteration %d: %s grouped with or before dependency %s", iter, task.ID, dep)
				}
			}
		}
	}
}
