package config

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate applies the semantic checks the schema cannot express.
func Validate(cfg *Config) error {
	if cfg.SessionMaxIdleMillis < 0 {
		return fmt.Errorf("session_max_idle_millis cannot be negative")
	}
	if err := validateSweepSchedule(cfg.SweepSchedule); err != nil {
		return err
	}
	return nil
}

func validateSweepSchedule(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("sweep_schedule cannot be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid sweep_schedule %q: %w", schedule, err)
	}
	return nil
}
