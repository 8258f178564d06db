// Package pipeline runs the planning stages for one disaster context as an
// explicit state machine and records a trace of every transition.
package pipeline

import (
	"time"

	"github.com/liamcoop/rescueplan/matcher"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/optimizer"
	"github.com/liamcoop/rescueplan/scoring"
)

// State is a pipeline state.
type State string

const (
	StateLoaded           State = "loaded"
	StateRulesMatched     State = "rules_matched"
	StateTasksResolved    State = "tasks_resolved"
	StateResourcesMatched State = "resources_matched"
	StateOptimized        State = "optimized"
	StateScored           State = "scored"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Reason explains a failed run.
type Reason string

const (
	ReasonInfeasible           Reason = "Infeasible"
	ReasonConfigurationError   Reason = "ConfigurationError"
	ReasonCycleDetected        Reason = "CycleDetected"
	ReasonCanceled             Reason = "Canceled"
	ReasonReservationConflict  Reason = "ReservationConflict"
	ReasonInvalidContext       Reason = "InvalidContext"
	ReasonInventoryUnavailable Reason = "InventoryUnavailable"
)

// Stage names used in trace records and run errors.
const (
	StageLoad           = "load"
	StageMatchRules     = "match_rules"
	StageResolveTasks   = "resolve_tasks"
	StageMatchResources = "match_resources"
	StageOptimize       = "optimize"
	StageScore          = "score"
	StageCommit         = "commit"
	StageComplete       = "complete"
)

// Error kinds recorded in Result.Errors.
const (
	KindConfiguration       = "ConfigurationError"
	KindCycleDetected       = "CycleDetectedError"
	KindUnresolvableTask    = "UnresolvableTaskError"
	KindInfeasible          = "InfeasibleError"
	KindOptimizerTimeout    = "OptimizerTimeout"
	KindReservationConflict = "ReservationConflictError"
	KindRuleEvaluation      = "RuleEvaluationError"
	KindConstraintWarning   = "ConstraintEvaluationWarning"
	KindCanceled            = "Canceled"
	KindInvalidContext      = "InvalidContext"
	KindInventory           = "InventoryError"
)

// TraceRecord is one state transition.
type TraceRecord struct {
	Stage     string         `json:"stage"`
	From      State          `json:"from"`
	To        State          `json:"to"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Input     map[string]any `json:"input,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// RunError is a fatal or non-fatal error raised during a run.
type RunError struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	TaskID  string `json:"task_id,omitempty"`
	Fatal   bool   `json:"fatal"`
}

// Result is what a caller receives from a run: a completed plan, possibly
// partial, or a failure with an explicit reason.
type Result struct {
	RunID               string              `json:"run_id"`
	IncidentID          string              `json:"incident_id,omitempty"`
	Status              Status              `json:"status"`
	State               State               `json:"state"`
	Reason              Reason              `json:"reason,omitempty"`
	Message             string              `json:"message,omitempty"`
	Plan                *models.Plan        `json:"plan,omitempty"`
	ViolatedConstraints []models.Constraint `json:"violated_constraints,omitempty"`
	Trace               []TraceRecord       `json:"trace"`
	Errors              []RunError          `json:"errors,omitempty"`
	StartedAt           time.Time           `json:"started_at"`
	FinishedAt          time.Time           `json:"finished_at"`
}

// Completed reports whether the run produced a plan.
func (r *Result) Completed() bool { return r.Status == StatusCompleted }

// Request is one planning request.
type Request struct {
	// RunID is generated when empty.
	RunID      string
	IncidentID string
	Context    map[string]any
	// Commit reserves the recommended resources after scoring.
	Commit bool
}

// Config holds the stage parameters.
type Config struct {
	Matcher   matcher.Config
	Optimizer optimizer.Config
	Scoring   scoring.Config
}
