// Package models defines the data model shared by the planning pipeline.
package models

import (
	"time"

	"github.com/liamcoop/rescueplan/condition"
)

// Logic combines a rule's top-level trigger conditions.
type Logic string

const (
	LogicAnd Logic = "and"
	LogicOr  Logic = "or"
)

// Rule is a trigger-response rule mapping disaster context conditions to
// required tasks and capabilities. Rules are immutable once loaded.
type Rule struct {
	ID           string                  `yaml:"id" json:"id"`
	Name         string                  `yaml:"name" json:"name"`
	DisasterType string                  `yaml:"disaster_type" json:"disaster_type"`
	Logic        Logic                   `yaml:"logic" json:"logic"`
	Conditions   []condition.Spec        `yaml:"conditions" json:"conditions"`
	Tasks        []Task                  `yaml:"tasks" json:"tasks"`
	Capabilities []CapabilityRequirement `yaml:"capabilities" json:"capabilities"`
	Weight       float64                 `yaml:"weight" json:"weight"`
	Active       bool                    `yaml:"active" json:"active"`
}

// CapabilityRequirement is a capability a task or rule asks for.
type CapabilityRequirement struct {
	Code     string `yaml:"code" json:"code"`
	MinLevel int    `yaml:"min_level" json:"min_level"`
	Required bool   `yaml:"required" json:"required"`
	Priority int    `yaml:"priority" json:"priority"`
}

// Task is a unit of rescue work. A task referenced from a rule with only its
// ID set is completed from the task catalog.
type Task struct {
	ID                 string                  `yaml:"id" json:"id"`
	Name               string                  `yaml:"name" json:"name"`
	Category           string                  `yaml:"category" json:"category"`
	Preconditions      []string                `yaml:"preconditions" json:"preconditions,omitempty"`
	Effects            []string                `yaml:"effects" json:"effects,omitempty"`
	DependsOn          []string                `yaml:"depends_on" json:"depends_on,omitempty"`
	Capabilities       []CapabilityRequirement `yaml:"capabilities" json:"capabilities,omitempty"`
	MinDurationMinutes float64                 `yaml:"min_duration_minutes" json:"min_duration_minutes"`
	MaxDurationMinutes float64                 `yaml:"max_duration_minutes" json:"max_duration_minutes"`
	RiskLevel          int                     `yaml:"risk_level" json:"risk_level"`
	RequiresApproval   bool                    `yaml:"requires_approval" json:"requires_approval"`
}

// IsRef reports whether t only names a catalog task.
func (t Task) IsRef() bool {
	return t.Name == "" && t.Category == "" && len(t.Capabilities) == 0
}

// RequiredCapabilities returns the task's mandatory capabilities.
func (t Task) RequiredCapabilities() []CapabilityRequirement {
	var out []CapabilityRequirement
	for _, c := range t.Capabilities {
		if c.Required {
			out = append(out, c)
		}
	}
	return out
}

// PreferredCapabilities returns the task's optional capabilities.
func (t Task) PreferredCapabilities() []CapabilityRequirement {
	var out []CapabilityRequirement
	for _, c := range t.Capabilities {
		if !c.Required {
			out = append(out, c)
		}
	}
	return out
}

// RiskWeight maps the 1..5 risk level onto [0,1].
func (t Task) RiskWeight() float64 {
	switch {
	case t.RiskLevel <= 0:
		return 0.2
	case t.RiskLevel >= 5:
		return 1
	}
	return float64(t.RiskLevel) / 5
}

// Capability is static reference data.
type Capability struct {
	Code        string `yaml:"code" json:"code"`
	Category    string `yaml:"category" json:"category"`
	Description string `yaml:"description" json:"description"`
}

// ResourceStatus is the dispatch state of a resource.
type ResourceStatus string

const (
	ResourceAvailable   ResourceStatus = "available"
	ResourceDispatched  ResourceStatus = "dispatched"
	ResourceBusy        ResourceStatus = "busy"
	ResourceUnavailable ResourceStatus = "unavailable"
)

// Location is a WGS84 point.
type Location struct {
	Lat float64 `yaml:"lat" json:"lat"`
	Lon float64 `yaml:"lon" json:"lon"`
}

// IsZero reports whether no location was given.
func (l Location) IsZero() bool {
	return l.Lat == 0 && l.Lon == 0
}

// ResourceCapability is a capability held by a resource at a level.
type ResourceCapability struct {
	Code  string `yaml:"code" json:"code"`
	Level int    `yaml:"level" json:"level"`
}

// ResourceConstraints limit where a resource can be sent.
type ResourceConstraints struct {
	MaxDistanceKm float64  `yaml:"max_distance_km" json:"max_distance_km,omitempty"`
	Terrain       []string `yaml:"terrain" json:"terrain,omitempty"`
}

// Resource is a rescue team or asset owned by the inventory.
type Resource struct {
	ID                  string               `yaml:"id" json:"id"`
	Name                string               `yaml:"name" json:"name"`
	Type                string               `yaml:"type" json:"type"`
	Capabilities        []ResourceCapability `yaml:"capabilities" json:"capabilities"`
	Location            Location             `yaml:"location" json:"location"`
	Status              ResourceStatus       `yaml:"status" json:"status"`
	Capacity            int                  `yaml:"capacity" json:"capacity"`
	Readiness           float64              `yaml:"readiness" json:"readiness"`
	SuccessRate         float64              `yaml:"success_rate" json:"success_rate"`
	SpeedKmh            float64              `yaml:"speed_kmh" json:"speed_kmh"`
	MobilizationMinutes float64              `yaml:"mobilization_minutes" json:"mobilization_minutes"`
	Constraints         ResourceConstraints  `yaml:"constraints" json:"constraints"`
	Version             int64                `yaml:"version" json:"version"`
	ReservedBy          string               `yaml:"reserved_by" json:"reserved_by,omitempty"`
}

// Level returns the level at which r holds code. A capability listed
// without a level counts as level 1.
func (r Resource) Level(code string) (int, bool) {
	for _, c := range r.Capabilities {
		if c.Code == code {
			if c.Level <= 0 {
				return 1, true
			}
			return c.Level, true
		}
	}
	return 0, false
}

// Units returns how many tasks r can serve in one allocation.
func (r Resource) Units() int {
	if r.Capacity < 1 {
		return 1
	}
	return r.Capacity
}

// Candidate is a scored (task, resource) pairing.
type Candidate struct {
	TaskID       string             `json:"task_id"`
	ResourceID   string             `json:"resource_id"`
	ResourceType string             `json:"resource_type"`
	Score        float64            `json:"score"`
	ETAMinutes   float64            `json:"eta_minutes"`
	DistanceKm   float64            `json:"distance_km"`
	SuccessRate  float64            `json:"success_rate"`
	Breakdown    map[string]float64 `json:"breakdown"`
	Covered      []string           `json:"covered"`
}

// Assignment binds a resource to a task inside an allocation.
type Assignment struct {
	TaskID       string   `json:"task_id"`
	ResourceID   string   `json:"resource_id"`
	ResourceType string   `json:"resource_type"`
	Score        float64  `json:"score"`
	ETAMinutes   float64  `json:"eta_minutes"`
	DistanceKm   float64  `json:"distance_km"`
	SuccessRate  float64  `json:"success_rate"`
	Covered      []string `json:"covered"`
}

// Objectives is the objective vector of an allocation.
type Objectives struct {
	ResponseTime  float64 `json:"response_time"`
	CoverageRate  float64 `json:"coverage_rate"`
	ResourceCount int     `json:"resource_count"`
	Risk          float64 `json:"risk"`
}

// AllocationSolution is a full assignment of resources to tasks.
type AllocationSolution struct {
	ID          string       `json:"id"`
	Assignments []Assignment `json:"assignments"`
	Unassigned  []string     `json:"unassigned,omitempty"`
	Objectives  Objectives   `json:"objectives"`
	SuccessRate float64      `json:"success_rate"`
	Redundancy  float64      `json:"redundancy"`
	Feasible    bool         `json:"feasible"`
}

// ResourceIDs returns the distinct resources used, in assignment order.
func (s AllocationSolution) ResourceIDs() []string {
	seen := make(map[string]bool, len(s.Assignments))
	var ids []string
	for _, a := range s.Assignments {
		if !seen[a.ResourceID] {
			seen[a.ResourceID] = true
			ids = append(ids, a.ResourceID)
		}
	}
	return ids
}

// RuleEffect is what a soft rule does when its condition matches.
type RuleEffect string

const (
	EffectBonus   RuleEffect = "bonus"
	EffectPenalty RuleEffect = "penalty"
)

// HardRule vetoes any solution its condition matches.
type HardRule struct {
	ID        string         `yaml:"id" json:"id"`
	Condition condition.Spec `yaml:"condition" json:"condition"`
	Message   string         `yaml:"message" json:"message"`
	Active    bool           `yaml:"active" json:"active"`
}

// SoftRule adjusts the score of solutions its condition matches.
type SoftRule struct {
	ID        string         `yaml:"id" json:"id"`
	Condition condition.Spec `yaml:"condition" json:"condition"`
	Effect    RuleEffect     `yaml:"effect" json:"effect"`
	Weight    float64        `yaml:"weight" json:"weight"`
	Message   string         `yaml:"message" json:"message"`
	Active    bool           `yaml:"active" json:"active"`
}

// WeightProfile weights the dimensions of a score. Weights sum to 1.
type WeightProfile struct {
	Name         string             `yaml:"name" json:"name"`
	DisasterType string             `yaml:"disaster_type" json:"disaster_type"`
	Weights      map[string]float64 `yaml:"weights" json:"weights"`
}

// Sum returns the total weight.
func (p WeightProfile) Sum() float64 {
	var sum float64
	for _, w := range p.Weights {
		sum += w
	}
	return sum
}

// DimensionScore is one weighted term of a plan score.
type DimensionScore struct {
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// SoftRuleOutcome records how a soft rule affected a score.
type SoftRuleOutcome struct {
	RuleID     string     `json:"rule_id"`
	Effect     RuleEffect `json:"effect"`
	Matched    bool       `json:"matched"`
	Adjustment float64    `json:"adjustment"`
	Message    string     `json:"message"`
}

// ScoreBreakdown is the full score of a solution.
type ScoreBreakdown struct {
	Profile    string                    `json:"profile"`
	Dimensions map[string]DimensionScore `json:"dimensions"`
	SoftRules  []SoftRuleOutcome         `json:"soft_rules"`
	Base       float64                   `json:"base"`
	Adjustment float64                   `json:"adjustment"`
	Total      float64                   `json:"total"`
}

// Constraint is a satisfied or violated rule in a rationale.
type Constraint struct {
	RuleID  string `json:"rule_id"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Rejection records why a solution was vetoed.
type Rejection struct {
	SolutionID string   `json:"solution_id"`
	RuleIDs    []string `json:"rule_ids"`
	Messages   []string `json:"messages"`
}

// Rationale explains a recommendation in structured form.
type Rationale struct {
	Satisfied    []Constraint `json:"satisfied"`
	Violated     []Constraint `json:"violated"`
	Contributors []string     `json:"contributors"`
	Alternatives int          `json:"alternatives"`
	Rejected     []Rejection  `json:"rejected,omitempty"`
}

// Gap is a task no resource could be matched to.
type Gap struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// Plan is the recommended, resource-backed rescue plan. Immutable once built.
type Plan struct {
	RunID               string             `json:"run_id"`
	IncidentID          string             `json:"incident_id,omitempty"`
	DisasterType        string             `json:"disaster_type"`
	Sequence            []string           `json:"sequence"`
	ParallelGroups      [][]string         `json:"parallel_groups"`
	Tasks               []Task             `json:"tasks"`
	Allocation          AllocationSolution `json:"allocation"`
	Score               ScoreBreakdown     `json:"score"`
	Rationale           Rationale          `json:"rationale"`
	Gaps                []Gap              `json:"gaps,omitempty"`
	Partial             bool               `json:"partial"`
	NoOp                bool               `json:"no_op"`
	OverallCoverageRate float64            `json:"overall_coverage_rate"`
	Committed           bool               `json:"committed"`
	CreatedAt           time.Time          `json:"created_at"`
}
