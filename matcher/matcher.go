// Package matcher pairs tasks with the resources able to perform them and
// ranks each pairing.
package matcher

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/liamcoop/rescueplan/models"
)

// Config holds the matching limits.
type Config struct {
	MaxDistanceKm         float64 `toml:"max_distance_km" json:"max_distance_km"`
	MaxETAMinutes         float64 `toml:"max_eta_minutes" json:"max_eta_minutes"`
	// AvailabilityThreshold is the minimum readiness of a candidate. Nil
	// takes the default; zero admits every available resource.
	AvailabilityThreshold *float64 `toml:"availability_threshold" json:"availability_threshold,omitempty"`
	DefaultSpeedKmh       float64 `toml:"default_speed_kmh" json:"default_speed_kmh"`
	// MaxCandidates truncates each task's ranked list. Zero keeps all.
	MaxCandidates int `toml:"max_candidates" json:"max_candidates"`
}

// DefaultConfig returns the default matching limits.
func DefaultConfig() Config {
	return Config{
		MaxDistanceKm:         200,
		MaxETAMinutes:         240,
		AvailabilityThreshold: threshold(0.1),
		DefaultSpeedKmh:       40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDistanceKm <= 0 {
		c.MaxDistanceKm = d.MaxDistanceKm
	}
	if c.MaxETAMinutes <= 0 {
		c.MaxETAMinutes = d.MaxETAMinutes
	}
	if c.AvailabilityThreshold == nil || *c.AvailabilityThreshold < 0 {
		c.AvailabilityThreshold = d.AvailabilityThreshold
	}
	if c.DefaultSpeedKmh <= 0 {
		c.DefaultSpeedKmh = d.DefaultSpeedKmh
	}
	return c
}

func threshold(v float64) *float64 { return &v }

// TaskCandidates is the ranked candidate list of one task.
type TaskCandidates struct {
	Task         models.Task        `json:"task"`
	Candidates   []models.Candidate `json:"candidates"`
	Unresolvable bool               `json:"unresolvable"`
	Reason       string             `json:"reason,omitempty"`
}

// MatchResult is the output of Match, one entry per task in input order.
type MatchResult struct {
	Profile      string                          `json:"profile"`
	Tasks        []TaskCandidates                `json:"tasks"`
	Unresolvable []*models.UnresolvableTaskError `json:"-"`
}

// Resolvable returns the tasks with at least one candidate.
func (r *MatchResult) Resolvable() []TaskCandidates {
	var out []TaskCandidates
	for _, tc := range r.Tasks {
		if !tc.Unresolvable {
			out = append(out, tc)
		}
	}
	return out
}

// CandidateCount is the total number of candidates over all tasks.
func (r *MatchResult) CandidateCount() int {
	n := 0
	for _, tc := range r.Tasks {
		n += len(tc.Candidates)
	}
	return n
}

// Matcher scores (task, resource) pairs. It holds no mutable state.
type Matcher struct {
	cfg      Config
	profiles *models.ProfileSet
}

// New creates a matcher. Profiles without a disaster type replace the built-in
// default profile.
func New(cfg Config, profiles []models.WeightProfile) (*Matcher, error) {
	ps, err := models.NewProfileSet("match profiles", profiles, Dimensions, DefaultProfile())
	if err != nil {
		return nil, err
	}
	return &Matcher{cfg: cfg.withDefaults(), profiles: ps}, nil
}

// Config returns the effective limits.
func (m *Matcher) Config() Config { return m.cfg }

// rejection reasons, in reporting order
const (
	rejectStatus     = "not available"
	rejectReadiness  = "below availability threshold"
	rejectCapability = "missing capabilities"
	rejectTerrain    = "terrain not supported"
	rejectDistance   = "beyond max distance"
	rejectETA        = "beyond max ETA"
)

var rejectOrder = []string{rejectStatus, rejectReadiness, rejectCapability, rejectTerrain, rejectDistance, rejectETA}

// Match ranks the candidate resources of every task. Resources are read, never
// modified. Tasks with no candidate are flagged unresolvable and reported.
func (m *Matcher) Match(incident models.Incident, tasks []models.Task, resources []models.Resource) *MatchResult {
	profile := m.profiles.For(incident.DisasterType)
	res := &MatchResult{Profile: profile.Name, Tasks: make([]TaskCandidates, 0, len(tasks))}

	for _, task := range tasks {
		tc := TaskCandidates{Task: task}
		rejected := make(map[string]int)

		for _, r := range resources {
			cand, reason := m.evaluate(incident, task, r, profile)
			if reason != "" {
				rejected[reason]++
				continue
			}
			tc.Candidates = append(tc.Candidates, cand)
		}

		sortCandidates(tc.Candidates)
		if m.cfg.MaxCandidates > 0 && len(tc.Candidates) > m.cfg.MaxCandidates {
			tc.Candidates = tc.Candidates[:m.cfg.MaxCandidates]
		}

		if len(tc.Candidates) == 0 {
			tc.Unresolvable = true
			tc.Reason = describeRejections(len(resources), rejected)
			res.Unresolvable = append(res.Unresolvable, &models.UnresolvableTaskError{TaskID: task.ID, Reason: tc.Reason})
		}
		res.Tasks = append(res.Tasks, tc)
	}
	return res
}

// evaluate returns the candidate for (task, r), or the reason r was rejected.
func (m *Matcher) evaluate(incident models.Incident, task models.Task, r models.Resource, profile models.WeightProfile) (models.Candidate, string) {
	if r.Status != models.ResourceAvailable {
		return models.Candidate{}, rejectStatus
	}
	if r.Readiness < *m.cfg.AvailabilityThreshold {
		return models.Candidate{}, rejectReadiness
	}

	required := task.RequiredCapabilities()
	preferred := task.PreferredCapabilities()
	covered := coveredCodes(r, task.Capabilities)
	switch {
	case len(required) > 0:
		if !holdsAny(r, required) {
			return models.Candidate{}, rejectCapability
		}
	case len(preferred) > 0:
		if !holdsAny(r, preferred) {
			return models.Candidate{}, rejectCapability
		}
	}

	if incident.Terrain != "" && len(r.Constraints.Terrain) > 0 && !contains(r.Constraints.Terrain, incident.Terrain) {
		return models.Candidate{}, rejectTerrain
	}

	maxDistance := m.cfg.MaxDistanceKm
	if r.Constraints.MaxDistanceKm > 0 && r.Constraints.MaxDistanceKm < maxDistance {
		maxDistance = r.Constraints.MaxDistanceKm
	}
	var distance float64
	if !incident.Location.IsZero() && !r.Location.IsZero() {
		distance = DistanceKm(incident.Location, r.Location)
	}
	if distance > maxDistance {
		return models.Candidate{}, rejectDistance
	}

	speed := r.SpeedKmh
	if speed <= 0 {
		speed = m.cfg.DefaultSpeedKmh
	}
	eta := ETAMinutes(distance, speed, r.MobilizationMinutes)
	if eta > m.cfg.MaxETAMinutes {
		return models.Candidate{}, rejectETA
	}

	breakdown := map[string]float64{
		DimCapability:   capabilityCoverage(r, required, preferred),
		DimDistance:     clamp01(1 - distance/maxDistance),
		DimAvailability: clamp01(r.Readiness),
		DimEquipment:    equipmentAdequacy(r, required, preferred),
		DimHistory:      clamp01(r.SuccessRate),
	}
	var score float64
	for _, dim := range Dimensions {
		score += profile.Weights[dim] * breakdown[dim]
	}

	return models.Candidate{
		TaskID:       task.ID,
		ResourceID:   r.ID,
		ResourceType: r.Type,
		Score:        score,
		ETAMinutes:   eta,
		DistanceKm:   distance,
		SuccessRate:  clamp01(r.SuccessRate),
		Breakdown:    breakdown,
		Covered:      covered,
	}, ""
}

// sortCandidates ranks by score desc, ETA asc, resource id asc.
func sortCandidates(cs []models.Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ETAMinutes != b.ETAMinutes {
			return a.ETAMinutes < b.ETAMinutes
		}
		return a.ResourceID < b.ResourceID
	})
}

// capabilityCoverage is the share of required codes r holds at the required
// level. Tasks without required codes are measured on preferred codes.
func capabilityCoverage(r models.Resource, required, preferred []models.CapabilityRequirement) float64 {
	reqs := required
	if len(reqs) == 0 {
		reqs = preferred
	}
	if len(reqs) == 0 {
		return 1
	}
	held := 0
	for _, req := range reqs {
		if level, ok := r.Level(req.Code); ok && level >= req.MinLevel {
			held++
		}
	}
	return float64(held) / float64(len(reqs))
}

// equipmentAdequacy blends how well r's levels meet the required minimums
// with how many preferred capabilities it brings.
func equipmentAdequacy(r models.Resource, required, preferred []models.CapabilityRequirement) float64 {
	adequacy := 1.0
	if len(required) > 0 {
		var sum float64
		for _, req := range required {
			level, ok := r.Level(req.Code)
			if !ok {
				continue
			}
			want := req.MinLevel
			if want < 1 {
				want = 1
			}
			sum += math.Min(1, float64(level)/float64(want))
		}
		adequacy = sum / float64(len(required))
	}

	coverage := 1.0
	if len(preferred) > 0 {
		held := 0
		for _, p := range preferred {
			if _, ok := r.Level(p.Code); ok {
				held++
			}
		}
		coverage = float64(held) / float64(len(preferred))
	}
	return 0.7*adequacy + 0.3*coverage
}

func holdsAny(r models.Resource, reqs []models.CapabilityRequirement) bool {
	for _, req := range reqs {
		if _, ok := r.Level(req.Code); ok {
			return true
		}
	}
	return false
}

// coveredCodes lists the required codes r holds at the required level.
func coveredCodes(r models.Resource, reqs []models.CapabilityRequirement) []string {
	var out []string
	for _, req := range reqs {
		if !req.Required {
			continue
		}
		if level, ok := r.Level(req.Code); ok && level >= req.MinLevel {
			out = append(out, req.Code)
		}
	}
	return out
}

func describeRejections(total int, rejected map[string]int) string {
	if total == 0 {
		return "no resources in inventory"
	}
	var parts []string
	for _, reason := range rejectOrder {
		if n := rejected[reason]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, reason))
		}
	}
	return fmt.Sprintf("no candidate among %d resources (%s)", total, strings.Join(parts, ", "))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
