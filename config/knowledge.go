// Package config loads the planning knowledge (rules, tasks, capabilities,
// constraint rules and weight profiles) and the service settings.
package config

import (
	"context"

	"github.com/liamcoop/rescueplan/models"
)

// Knowledge is one consistent read of the configuration store.
type Knowledge struct {
	Rules           []models.Rule          `yaml:"rules" json:"rules"`
	Tasks           []models.Task          `yaml:"tasks" json:"tasks"`
	Capabilities    []models.Capability    `yaml:"capabilities" json:"capabilities"`
	HardRules       []models.HardRule      `yaml:"hard_rules" json:"hard_rules"`
	SoftRules       []models.SoftRule      `yaml:"soft_rules" json:"soft_rules"`
	MatchProfiles   []models.WeightProfile `yaml:"match_profiles" json:"match_profiles"`
	ScoringProfiles []models.WeightProfile `yaml:"scoring_profiles" json:"scoring_profiles"`
}

// Provider reads planning knowledge from a store. Load failures are
// returned as errors; a provider never substitutes defaults.
type Provider interface {
	Load(ctx context.Context) (*Knowledge, error)
}

// merge appends other to k.
func (k *Knowledge) merge(other *Knowledge) {
	k.Rules = append(k.Rules, other.Rules...)
	k.Tasks = append(k.Tasks, other.Tasks...)
	k.Capabilities = append(k.Capabilities, other.Capabilities...)
	k.HardRules = append(k.HardRules, other.HardRules...)
	k.SoftRules = append(k.SoftRules, other.SoftRules...)
	k.MatchProfiles = append(k.MatchProfiles, other.MatchProfiles...)
	k.ScoringProfiles = append(k.ScoringProfiles, other.ScoringProfiles...)
}

// ActiveRules returns the rules marked active.
func (k *Knowledge) ActiveRules() []models.Rule {
	var out []models.Rule
	for _, r := range k.Rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}
