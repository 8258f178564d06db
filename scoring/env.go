package scoring

import (
	"sort"

	"github.com/liamcoop/rescueplan/condition"
	"github.com/liamcoop/rescueplan/models"
)

// Fields exposed to hard and soft rule conditions under "solution".
const (
	FieldResponseTime    = "response_time"
	FieldCoverageRate    = "coverage_rate"
	FieldResourceCount   = "resource_count"
	FieldRisk            = "risk"
	FieldSuccessRate     = "success_rate"
	FieldRedundancy      = "redundancy"
	FieldAssignmentCount = "assignment_count"
	FieldFeasible        = "feasible"
	FieldResourceIDs     = "resource_ids"
	FieldResourceTypes   = "resource_types"
	FieldTaskIDs         = "task_ids"
	FieldUnassignedTasks = "unassigned_tasks"
)

// SolutionFields flattens sol into the map rule conditions see. Lists are
// []any so that in and contains work on them.
func SolutionFields(sol models.AllocationSolution) map[string]any {
	var (
		resourceIDs []any
		taskIDs     []any
		unassigned  []any
	)
	types := make(map[string]bool)
	for _, id := range sol.ResourceIDs() {
		resourceIDs = append(resourceIDs, id)
	}
	for _, a := range sol.Assignments {
		taskIDs = append(taskIDs, a.TaskID)
		if a.ResourceType != "" {
			types[a.ResourceType] = true
		}
	}
	for _, id := range sol.Unassigned {
		unassigned = append(unassigned, id)
	}
	sortedTypes := make([]string, 0, len(types))
	for t := range types {
		sortedTypes = append(sortedTypes, t)
	}
	sort.Strings(sortedTypes)
	resourceTypes := make([]any, len(sortedTypes))
	for i, t := range sortedTypes {
		resourceTypes[i] = t
	}

	return map[string]any{
		"id":                 sol.ID,
		FieldResponseTime:    sol.Objectives.ResponseTime,
		FieldCoverageRate:    sol.Objectives.CoverageRate,
		FieldResourceCount:   sol.Objectives.ResourceCount,
		FieldRisk:            sol.Objectives.Risk,
		FieldSuccessRate:     sol.SuccessRate,
		FieldRedundancy:      sol.Redundancy,
		FieldAssignmentCount: len(sol.Assignments),
		FieldFeasible:        sol.Feasible,
		FieldResourceIDs:     nonNil(resourceIDs),
		FieldResourceTypes:   resourceTypes,
		FieldTaskIDs:         nonNil(taskIDs),
		FieldUnassignedTasks: nonNil(unassigned),
	}
}

func solutionEnv(sol models.AllocationSolution, ctx map[string]any) condition.Env {
	if ctx == nil {
		ctx = map[string]any{}
	}
	vars := map[string]any{
		condition.VarSolution: SolutionFields(sol),
		condition.VarContext:  ctx,
	}
	return condition.Env{Fields: vars, Vars: vars}
}

func nonNil(list []any) []any {
	if list == nil {
		return []any{}
	}
	return list
}
