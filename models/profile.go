package models

import (
	"fmt"
	"math"
)

// WeightTolerance is how far a profile's weights may stray from 1.
const WeightTolerance = 1e-6

// Validate checks that p only weights dims and that its weights sum to 1.
func (p WeightProfile) Validate(dims []string) error {
	known := make(map[string]bool, len(dims))
	for _, d := range dims {
		known[d] = true
	}
	for d, w := range p.Weights {
		if !known[d] {
			return fmt.Errorf("profile %s: unknown dimension %q", p.Name, d)
		}
		if w < 0 {
			return fmt.Errorf("profile %s: negative weight for %s", p.Name, d)
		}
	}
	if sum := p.Sum(); math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("profile %s: weights sum to %.6f, want 1", p.Name, sum)
	}
	return nil
}

// ProfileSet selects a weight profile by disaster type.
type ProfileSet struct {
	byType   map[string]WeightProfile
	fallback WeightProfile
}

// NewProfileSet validates profiles against dims. A profile without a
// disaster type replaces fallback as the default.
func NewProfileSet(source string, profiles []WeightProfile, dims []string, fallback WeightProfile) (*ProfileSet, error) {
	if err := fallback.Validate(dims); err != nil {
		return nil, NewConfigurationError(source, err)
	}
	ps := &ProfileSet{byType: make(map[string]WeightProfile), fallback: fallback}
	for _, p := range profiles {
		if err := p.Validate(dims); err != nil {
			return nil, NewConfigurationError(source, err)
		}
		if p.DisasterType == "" {
			ps.fallback = p
			continue
		}
		if _, dup := ps.byType[p.DisasterType]; dup {
			return nil, NewConfigurationError(source,
				fmt.Errorf("more than one profile for disaster type %s", p.DisasterType))
		}
		ps.byType[p.DisasterType] = p
	}
	return ps, nil
}

// For returns the profile for disasterType, or the default profile.
func (ps *ProfileSet) For(disasterType string) WeightProfile {
	if p, ok := ps.byType[disasterType]; ok {
		return p
	}
	return ps.fallback
}
