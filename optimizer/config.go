package optimizer

import (
	"runtime"
	"time"
)

// Strategy selects the search algorithm.
type Strategy string

const (
	StrategyNSGA2  Strategy = "nsga2"
	StrategyGreedy Strategy = "greedy"
)

// Config holds the search parameters. Zero values take the defaults.
type Config struct {
	Strategy       Strategy `toml:"strategy" json:"strategy"`
	PopulationSize int      `toml:"population_size" json:"population_size"`
	Generations    int      `toml:"generations" json:"generations"`
	CrossoverRate  float64  `toml:"crossover_rate" json:"crossover_rate"`
	// MutationRate is the per-gene mutation probability. Zero means
	// 1/len(tasks).
	MutationRate float64 `toml:"mutation_rate" json:"mutation_rate"`
	// MinCoverageRate is the coverage a feasible allocation must reach. Nil
	// takes the default; zero accepts every allocation.
	MinCoverageRate *float64      `toml:"min_coverage_rate" json:"min_coverage_rate,omitempty"`
	MaxFrontier     int           `toml:"max_frontier" json:"max_frontier"`
	TimeBudget      time.Duration `toml:"time_budget" json:"time_budget"`
	Seed            int64         `toml:"seed" json:"seed"`
	Workers         int           `toml:"workers" json:"workers"`
}

// DefaultConfig returns the default search parameters.
func DefaultConfig() Config {
	return Config{
		Strategy:        StrategyNSGA2,
		PopulationSize:  80,
		Generations:     100,
		CrossoverRate:   0.9,
		MinCoverageRate: rate(0.7),
		MaxFrontier:     20,
		TimeBudget:      5 * time.Second,
		Seed:            1,
		Workers:         runtime.NumCPU(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.PopulationSize < 4 {
		c.PopulationSize = d.PopulationSize
	}
	if c.PopulationSize%2 != 0 {
		c.PopulationSize++
	}
	if c.Generations <= 0 {
		c.Generations = d.Generations
	}
	if c.CrossoverRate <= 0 || c.CrossoverRate > 1 {
		c.CrossoverRate = d.CrossoverRate
	}
	if c.MinCoverageRate == nil || *c.MinCoverageRate < 0 || *c.MinCoverageRate > 1 {
		c.MinCoverageRate = d.MinCoverageRate
	}
	if c.MaxFrontier <= 0 {
		c.MaxFrontier = d.MaxFrontier
	}
	if c.TimeBudget <= 0 {
		c.TimeBudget = d.TimeBudget
	}
	if c.Seed == 0 {
		c.Seed = d.Seed
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	return c
}

// MinCoverage returns the effective minimum coverage rate.
func (c Config) MinCoverage() float64 {
	if c.MinCoverageRate == nil {
		return *DefaultConfig().MinCoverageRate
	}
	return *c.MinCoverageRate
}

func rate(v float64) *float64 { return &v }
