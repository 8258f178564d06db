package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCanceled is returned when a run is canceled between stages.
var ErrCanceled = errors.New("run canceled")

// ConfigurationError reports missing or malformed rule, task, capability or
// profile definitions. It is always fatal.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error in %s: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err with the offending source.
func NewConfigurationError(source string, err error) *ConfigurationError {
	return &ConfigurationError{Source: source, Err: err}
}

// CycleDetectedError reports a task dependency cycle.
type CycleDetectedError struct {
	Nodes []string
}

func (e *CycleDetectedError) Error() string {
	return fmt.Sprintf("task dependency cycle detected among: %s", strings.Join(e.Nodes, ", "))
}

// UnresolvableTaskError reports a task with no candidate resources.
// It is not fatal; the task is surfaced as a gap in the plan.
type UnresolvableTaskError struct {
	TaskID string
	Reason string
}

func (e *UnresolvableTaskError) Error() string {
	return fmt.Sprintf("task %s is unresolvable: %s", e.TaskID, e.Reason)
}

// InfeasibleError reports that no solution survived the constraints.
type InfeasibleError struct {
	Reason       string
	HardRuleIDs  []string
	Messages     []string
	MinCoverage  float64
	BestCoverage float64
}

func (e *InfeasibleError) Error() string {
	if len(e.HardRuleIDs) > 0 {
		return fmt.Sprintf("infeasible: every solution violates hard rules [%s]", strings.Join(e.HardRuleIDs, ", "))
	}
	if e.Reason != "" {
		return "infeasible: " + e.Reason
	}
	return "infeasible: no feasible allocation"
}

// OptimizerTimeoutError reports that the optimizer ran out of budget and
// returned a partial frontier.
type OptimizerTimeoutError struct {
	Generations int
	Budget      string
}

func (e *OptimizerTimeoutError) Error() string {
	return fmt.Sprintf("optimizer budget %s exhausted after %d generations", e.Budget, e.Generations)
}

// ReservationConflictError reports resources that could not be reserved
// because another run changed them first.
type ReservationConflictError struct {
	ResourceIDs []string
}

func (e *ReservationConflictError) Error() string {
	return fmt.Sprintf("resources no longer available: %s", strings.Join(e.ResourceIDs, ", "))
}
