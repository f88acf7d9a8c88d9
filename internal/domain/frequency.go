package domain

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Frequency labels accepted in Routine.Schedule. Anything else is parsed
// as a standard 5-field cron expression.
const (
	FreqEvery15Min = "every_15_min"
	FreqHourly     = "hourly"
	FreqDaily      = "daily"
	FreqWeekly     = "weekly"
	FreqMonthly    = "monthly"
)

var freqIntervals = map[string]time.Duration{
	FreqEvery15Min: 15 * time.Minute,
	FreqHourly:     time.Hour,
	FreqDaily:      24 * time.Hour,
	FreqWeekly:     7 * 24 * time.Hour,
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes when a schedule fires next, relative to from. For label
// schedules this is from + interval, so a routine that missed several slots
// during downtime advances from the moment it was actually triggered instead
// of replaying every missed slot.
func NextRun(schedule string, from time.Time) (time.Time, error) {
	if interval, ok := freqIntervals[schedule]; ok {
		return from.Add(interval), nil
	}
	if schedule == FreqMonthly {
		return from.AddDate(0, 1, 0), nil
	}

	sched, err := cronParser.Parse(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return sched.Next(from), nil
}

// ValidSchedule reports whether schedule is a known label or parseable cron
func ValidSchedule(schedule string) bool {
	if _, ok := freqIntervals[schedule]; ok || schedule == FreqMonthly {
		return true
	}
	_, err := cronParser.Parse(schedule)
	return err == nil
}
