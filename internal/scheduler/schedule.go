package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"vpn-usage-engine/internal/models"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a schedule cannot be compiled. The
// running schedule is left untouched.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Job names
const (
	JobPoll         = "poll"
	JobWarnings     = "warnings"
	JobDailyReport  = "daily_report"
	JobWeeklyReport = "weekly_report"
	JobCleanup      = "cleanup"
	JobRewards      = "rewards"
)

// plan is a compiled schedule: one firing rule per job.
type plan struct {
	location *time.Location
	entries  map[string]cron.Schedule
}

// Validate reports whether cfg would be accepted by New or Reschedule.
func Validate(cfg models.ScheduleConfig) error {
	_, err := compile(cfg)
	return err
}

func compile(cfg models.ScheduleConfig) (*plan, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, cfg.Timezone, err)
	}

	p := &plan{location: loc, entries: make(map[string]cron.Schedule, 6)}

	for name, every := range map[string]time.Duration{
		JobPoll:     cfg.PollInterval,
		JobWarnings: cfg.WarningInterval,
	} {
		if every < time.Second {
			return nil, fmt.Errorf("%w: %s interval %s is below one second", ErrInvalidSchedule, name, every)
		}
		p.entries[name] = cron.Every(every)
	}

	for name, at := range map[string]string{
		JobDailyReport: cfg.DailyReportAt,
		JobCleanup:     cfg.CleanupAt,
		JobRewards:     cfg.RewardSweepAt,
	} {
		spec, err := dailySpec(at)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, name, err)
		}
		if p.entries[name], err = parseIn(spec, loc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, name, err)
		}
	}

	weekly, err := parseIn(cfg.WeeklyReportCron, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSchedule, JobWeeklyReport, err)
	}
	p.entries[JobWeeklyReport] = weekly

	return p, nil
}

// dailySpec turns "HH:MM" into a five-field cron spec.
func dailySpec(at string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(at))
	if err != nil {
		return "", fmt.Errorf("time of day %q is not HH:MM", at)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

// parseIn parses a standard cron spec evaluated in loc unless the spec
// names its own zone.
func parseIn(spec string, loc *time.Location) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("empty cron spec")
	}
	if !strings.HasPrefix(spec, "TZ=") && !strings.HasPrefix(spec, "CRON_TZ=") {
		spec = "CRON_TZ=" + loc.String() + " " + spec
	}
	return cron.ParseStandard(spec)
}
