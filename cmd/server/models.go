package main

import (
	"errors"
	"fmt"

	"github.com/liamcoop/rescueplan/incidents"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/pipeline"
	"github.com/liamcoop/rescueplan/runstore"
)

// API Request and Response Models with Swagger annotations

// PlanRequest represents the request body for planning an incident
type PlanRequest struct {
	IncidentID string         `json:"incident_id,omitempty" example:"eq-2026-0412"`
	RunID      string         `json:"run_id,omitempty"`
	Context    map[string]any `json:"context" binding:"required"`
	// Commit overrides the server's pipeline.commit setting.
	Commit *bool `json:"commit,omitempty" example:"true"`
} // @name PlanRequest

// RunsListResponse represents the response for listing stored runs
type RunsListResponse struct {
	Runs []runstore.Summary `json:"runs"`
} // @name RunsListResponse

// TraceResponse represents the state transitions of one run
type TraceResponse struct {
	RunID string                 `json:"run_id"`
	Trace []pipeline.TraceRecord `json:"trace"`
} // @name TraceResponse

// IncidentsListResponse represents the response for listing incidents
type IncidentsListResponse struct {
	Incidents []incidents.Status `json:"incidents"`
} // @name IncidentsListResponse

// CancelResponse represents the outcome of a cancel request
type CancelResponse struct {
	IncidentID string `json:"incident_id" example:"eq-2026-0412"`
	Canceled   bool   `json:"canceled" example:"true"`
} // @name CancelResponse

// RulesListResponse represents the response for listing rules
type RulesListResponse struct {
	Rules []models.Rule `json:"rules"`
} // @name RulesListResponse

// EvaluateRequest represents the request body for evaluating rules
type EvaluateRequest struct {
	Context map[string]any `json:"context" binding:"required"`
	RuleIDs []string       `json:"rules,omitempty" example:"R_EQ_COLLAPSE_RESCUE,R_HAZMAT"`
} // @name EvaluateRequest

// EvaluationResultResponse represents a single rule evaluation result
type EvaluationResultResponse struct {
	RuleID   string  `json:"rule_id" example:"R_EQ_COLLAPSE_RESCUE"`
	RuleName string  `json:"rule_name" example:"Earthquake building collapse with trapped persons"`
	Weight   float64 `json:"weight" example:"0.9"`
	Matched  bool    `json:"matched" example:"true"`
	Reason   string  `json:"reason,omitempty"`
	Error    *string `json:"error,omitempty"`
} // @name EvaluationResultResponse

// EvaluateResponse represents the response for rule evaluation
type EvaluateResponse struct {
	Results        []EvaluationResultResponse `json:"results"`
	EvaluationTime string                     `json:"evaluationTime" example:"2.3ms"`
} // @name EvaluateResponse

// ResourcesListResponse represents the response for listing resources
type ResourcesListResponse struct {
	Resources []models.Resource `json:"resources"`
} // @name ResourcesListResponse

// ResourceRequest represents the request body for storing a resource. The
// id comes from the path; version and reservation are owned by the store.
type ResourceRequest struct {
	Name                string                      `json:"name" example:"USAR Task Force 1"`
	Type                string                      `json:"type" example:"usar_team"`
	Capabilities        []models.ResourceCapability `json:"capabilities"`
	Location            models.Location             `json:"location"`
	Status              models.ResourceStatus       `json:"status" example:"available"`
	Capacity            int                         `json:"capacity" example:"2"`
	Readiness           float64                     `json:"readiness" example:"0.9"`
	SuccessRate         float64                     `json:"success_rate" example:"0.85"`
	SpeedKmh            float64                     `json:"speed_kmh" example:"50"`
	MobilizationMinutes float64                     `json:"mobilization_minutes" example:"10"`
	Constraints         models.ResourceConstraints  `json:"constraints"`
} // @name ResourceRequest

func (r ResourceRequest) toResource(id string) models.Resource {
	status := r.Status
	if status == "" {
		status = models.ResourceAvailable
	}
	capacity := r.Capacity
	if capacity == 0 {
		capacity = 1
	}
	return models.Resource{
		ID:                  id,
		Name:                r.Name,
		Type:                r.Type,
		Capabilities:        r.Capabilities,
		Location:            r.Location,
		Status:              status,
		Capacity:            capacity,
		Readiness:           r.Readiness,
		SuccessRate:         r.SuccessRate,
		SpeedKmh:            r.SpeedKmh,
		MobilizationMinutes: r.MobilizationMinutes,
		Constraints:         r.Constraints,
	}
}

func validateResource(r models.Resource) error {
	if r.ID == "" {
		return errors.New("resource id is required")
	}
	switch r.Status {
	case models.ResourceAvailable, models.ResourceDispatched, models.ResourceBusy, models.ResourceUnavailable:
	default:
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.Readiness < 0 || r.Readiness > 1 {
		return fmt.Errorf("readiness %v out of [0,1]", r.Readiness)
	}
	if r.SuccessRate < 0 || r.SuccessRate > 1 {
		return fmt.Errorf("success_rate %v out of [0,1]", r.SuccessRate)
	}
	if r.Capacity < 0 {
		return fmt.Errorf("negative capacity %d", r.Capacity)
	}
	return nil
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"incident not found"`
	Details string `json:"details,omitempty"`
} // @name ErrorResponse

// HealthResponse represents the health check response
type HealthResponse struct {
	Status          string           `json:"status" example:"healthy"`
	ActiveIncidents int              `json:"active_incidents" example:"2"`
	Counters        map[string]int64 `json:"counters"`
} // @name HealthResponse
