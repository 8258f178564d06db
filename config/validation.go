package config

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/liamcoop/rescueplan/condition"
	"github.com/liamcoop/rescueplan/matcher"
	"github.com/liamcoop/rescueplan/models"
	"github.com/liamcoop/rescueplan/rules"
	"github.com/liamcoop/rescueplan/scoring"
)

const (
	maxIdentifierLength = 100
	maxDefinitions      = 5000
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:-]*$`)

// Validate checks k for malformed or dangling definitions and compiles every
// condition. The first problem is returned as a *models.ConfigurationError
// naming the offending definition.
func Validate(k *Knowledge) error {
	compiler, err := condition.NewCompiler()
	if err != nil {
		return err
	}

	total := len(k.Rules) + len(k.Tasks) + len(k.Capabilities) + len(k.HardRules) + len(k.SoftRules)
	if total > maxDefinitions {
		return models.NewConfigurationError("knowledge", fmt.Errorf("%d definitions, maximum allowed is %d", total, maxDefinitions))
	}

	capabilities := make(map[string]bool, len(k.Capabilities))
	for _, c := range k.Capabilities {
		source := "capability " + c.Code
		if err := validateIdentifier(c.Code); err != nil {
			return models.NewConfigurationError(source, err)
		}
		if capabilities[c.Code] {
			return models.NewConfigurationError(source, errors.New("duplicate capability code"))
		}
		capabilities[c.Code] = true
	}

	catalog := make(map[string]bool, len(k.Tasks))
	for _, t := range k.Tasks {
		source := "task " + t.ID
		if err := validateIdentifier(t.ID); err != nil {
			return models.NewConfigurationError(source, err)
		}
		if catalog[t.ID] {
			return models.NewConfigurationError(source, errors.New("duplicate task id"))
		}
		catalog[t.ID] = true
		if err := validateTask(t, capabilities); err != nil {
			return models.NewConfigurationError(source, err)
		}
	}

	// Inline rule tasks may be depended on like catalog tasks.
	known := make(map[string]bool, len(catalog))
	for id := range catalog {
		known[id] = true
	}
	for _, r := range k.Rules {
		for _, t := range r.Tasks {
			if !t.IsRef() {
				known[t.ID] = true
			}
		}
	}

	for _, t := range k.Tasks {
		if err := validateDependencies(t, known); err != nil {
			return models.NewConfigurationError("task "+t.ID, err)
		}
	}

	seen := make(map[string]bool, len(k.Rules))
	for _, r := range k.Rules {
		source := "rule " + r.ID
		if err := validateIdentifier(r.ID); err != nil {
			return models.NewConfigurationError(source, err)
		}
		if seen[r.ID] {
			return models.NewConfigurationError(source, errors.New("duplicate rule id"))
		}
		seen[r.ID] = true
		if err := validateRule(compiler, r, catalog, known, capabilities); err != nil {
			return models.NewConfigurationError(source, err)
		}
	}

	seen = make(map[string]bool, len(k.HardRules))
	for _, r := range k.HardRules {
		source := "hard rule " + r.ID
		if err := validateIdentifier(r.ID); err != nil {
			return models.NewConfigurationError(source, err)
		}
		if seen[r.ID] {
			return models.NewConfigurationError(source, errors.New("duplicate rule id"))
		}
		seen[r.ID] = true
		if _, err := compiler.Compile(r.Condition); err != nil {
			return models.NewConfigurationError(source, err)
		}
	}

	seen = make(map[string]bool, len(k.SoftRules))
	for _, r := range k.SoftRules {
		source := "soft rule " + r.ID
		if err := validateIdentifier(r.ID); err != nil {
			return models.NewConfigurationError(source, err)
		}
		if seen[r.ID] {
			return models.NewConfigurationError(source, errors.New("duplicate rule id"))
		}
		seen[r.ID] = true
		if r.Effect != models.EffectBonus && r.Effect != models.EffectPenalty {
			return models.NewConfigurationError(source, fmt.Errorf("effect must be bonus or penalty, got %q", r.Effect))
		}
		if r.Weight < 0 || r.Weight > 1 {
			return models.NewConfigurationError(source, fmt.Errorf("weight %v out of range [0,1]", r.Weight))
		}
		if _, err := compiler.Compile(r.Condition); err != nil {
			return models.NewConfigurationError(source, err)
		}
	}

	if _, err := models.NewProfileSet("match profiles", k.MatchProfiles, matcher.Dimensions, matcher.DefaultProfile()); err != nil {
		return err
	}
	if _, err := models.NewProfileSet("scoring profiles", k.ScoringProfiles, scoring.Dimensions, scoring.DefaultProfile()); err != nil {
		return err
	}
	return nil
}

func validateTask(t models.Task, capabilities map[string]bool) error {
	if t.MinDurationMinutes < 0 || t.MaxDurationMinutes < 0 {
		return errors.New("durations must not be negative")
	}
	if t.MaxDurationMinutes > 0 && t.MinDurationMinutes > t.MaxDurationMinutes {
		return fmt.Errorf("min duration %v exceeds max duration %v", t.MinDurationMinutes, t.MaxDurationMinutes)
	}
	if t.RiskLevel < 0 || t.RiskLevel > 5 {
		return fmt.Errorf("risk level %d out of range 1..5", t.RiskLevel)
	}
	return validateRequirements(t.Capabilities, capabilities)
}

func validateDependencies(t models.Task, known map[string]bool) error {
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return errors.New("task depends on itself")
		}
		if !known[dep] {
			return fmt.Errorf("depends on unknown task %s", dep)
		}
	}
	return nil
}

func validateRule(compiler *condition.Compiler, r models.Rule, catalog, known, capabilities map[string]bool) error {
	if r.Weight < 0 {
		return errors.New("weight must not be negative")
	}
	if _, err := rules.CompileTrigger(compiler, r); err != nil {
		return err
	}
	if len(r.Tasks) == 0 && len(r.Capabilities) == 0 {
		return errors.New("rule produces no tasks and no capabilities")
	}
	for _, t := range r.Tasks {
		if err := validateIdentifier(t.ID); err != nil {
			return fmt.Errorf("task %q: %w", t.ID, err)
		}
		if t.IsRef() {
			if !catalog[t.ID] {
				return fmt.Errorf("references unknown task %s", t.ID)
			}
		} else if err := validateTask(t, capabilities); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		if err := validateDependencies(t, known); err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
	}
	return validateRequirements(r.Capabilities, capabilities)
}

func validateRequirements(reqs []models.CapabilityRequirement, capabilities map[string]bool) error {
	for _, c := range reqs {
		if !capabilities[c.Code] {
			return fmt.Errorf("unknown capability %q", c.Code)
		}
		if c.MinLevel < 0 {
			return fmt.Errorf("capability %s: negative min level", c.Code)
		}
	}
	return nil
}

// validateIdentifier checks a definition id or capability code.
// Must match ^[A-Za-z_][A-Za-z0-9_.:-]*$ and be 1-100 characters.
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return errors.New("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLength {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLength)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("identifier %q must start with a letter or underscore, followed by letters, digits, '_', '.', ':' or '-'", name)
	}
	return nil
}
