package billing

import (
	"fmt"
	"time"
)

const defaultRefreshInterval = 30 * 24 * time.Hour

// Config carries the priced knobs the core never decides on its own: how many
// credits a fresh account starts with and what each paid plan refreshes to.
type Config struct {
	NewAccountCredits int64
	PlanAllotments    map[Plan]int64
	RefreshInterval   time.Duration
}

// DefaultConfig returns the allotments used when the operator supplies none.
func DefaultConfig() Config {
	return Config{
		NewAccountCredits: 0,
		PlanAllotments: map[Plan]int64{
			PlanFree:     0,
			PlanStandard: 100,
			PlanPro:      300,
		},
		RefreshInterval: defaultRefreshInterval,
	}
}

// Validate checks the configuration and fills interval defaults.
func (config *Config) Validate() error {
	if config.NewAccountCredits < 0 {
		return fmt.Errorf("%w: new account credits must not be negative", ErrInvalidConfig)
	}
	if len(config.PlanAllotments) == 0 {
		return fmt.Errorf("%w: plan allotments are required", ErrInvalidConfig)
	}
	for plan, allotment := range config.PlanAllotments {
		if _, err := ParsePlan(plan.String()); err != nil {
			return fmt.Errorf("%w: unknown plan %q", ErrInvalidConfig, plan)
		}
		if allotment < 0 {
			return fmt.Errorf("%w: allotment for %q must not be negative", ErrInvalidConfig, plan)
		}
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = defaultRefreshInterval
	}
	return nil
}

// Allotment returns the monthly credit allotment for a plan.
func (config Config) Allotment(plan Plan) int64 {
	return config.PlanAllotments[plan]
}
