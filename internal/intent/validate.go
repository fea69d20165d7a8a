package intent

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/portward/portward/internal/store"
)

const maxNameLength = 100

// cronParser accepts standard 5-field cron expressions (minute granularity).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ParseSchedule parses a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// Validate checks an intent before it is stored.
func Validate(in store.Intent) error {
	if in.Name == "" {
		return errors.New("name is required")
	}
	if len(in.Name) > maxNameLength {
		return fmt.Errorf("name exceeds %d characters", maxNameLength)
	}

	switch in.ScheduleKind {
	case store.ScheduleImmediate:
	case store.ScheduleScheduled:
		if in.ScheduleCron == "" {
			return errors.New("scheduled intents require a cron expression")
		}
		if _, err := ParseSchedule(in.ScheduleCron); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", in.ScheduleCron, err)
		}
	default:
		return fmt.Errorf("invalid schedule kind %q", in.ScheduleKind)
	}

	if len(in.MatchContainers) == 0 && len(in.MatchImages) == 0 &&
		len(in.MatchInstances) == 0 && len(in.MatchStacks) == 0 &&
		len(in.MatchRegistries) == 0 {
		return errors.New("at least one match criterion is required")
	}
	return nil
}
