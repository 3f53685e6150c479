package models

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"

	"github.com/tapevault/tapevault/internal/apperr"
)

// ScheduleSpec is the structured shape of a schedule_config blob.
// Storage stays schemaless (JSON column); this type is the validation
// boundary for each schedule kind.
type ScheduleSpec struct {
	// once
	DateTime string `mapstructure:"datetime"`

	// interval
	Interval int    `mapstructure:"interval"`
	Unit     string `mapstructure:"unit"` // minutes, hours or days

	// daily, weekly, monthly, yearly
	Time       string `mapstructure:"time"` // "15:04" or "15:04:05"
	DayOfWeek  int    `mapstructure:"day_of_week"`
	DayOfMonth int    `mapstructure:"day_of_month"`
	Month      int    `mapstructure:"month"`
	Day        int    `mapstructure:"day"`

	// cron
	Expression string `mapstructure:"expression"`
}

// CronParser is the shared parser for cron schedule expressions
// (standard five-field format with descriptors).
var CronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

const (
	dateTimeLayout = "2006-01-02 15:04:05"
	clockLayout    = "15:04:05"
	clockLayoutHM  = "15:04"
)

// DecodeScheduleSpec decodes and validates a schedule_config blob for the
// given schedule kind.
func DecodeScheduleSpec(kind ScheduleType, raw map[string]any) (ScheduleSpec, error) {
	var spec ScheduleSpec
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return spec, fmt.Errorf("schedule config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return spec, apperr.Validationf("malformed schedule_config: %v", err)
	}

	switch kind {
	case ScheduleOnce:
		if _, err := spec.ParseDateTime(time.UTC); err != nil {
			return spec, err
		}
	case ScheduleInterval:
		if spec.Interval <= 0 {
			return spec, apperr.Validationf("interval must be positive")
		}
		if _, err := spec.IntervalDuration(); err != nil {
			return spec, err
		}
	case ScheduleDaily:
		if _, err := spec.ParseClock(); err != nil {
			return spec, err
		}
	case ScheduleWeekly:
		if spec.DayOfWeek < 0 || spec.DayOfWeek > 6 {
			return spec, apperr.Validationf("day_of_week must be in 0..6")
		}
		if _, err := spec.ParseClock(); err != nil {
			return spec, err
		}
	case ScheduleMonthly:
		if spec.DayOfMonth < 1 || spec.DayOfMonth > 31 {
			return spec, apperr.Validationf("day_of_month must be in 1..31")
		}
		if _, err := spec.ParseClock(); err != nil {
			return spec, err
		}
	case ScheduleYearly:
		if spec.Month < 1 || spec.Month > 12 {
			return spec, apperr.Validationf("month must be in 1..12")
		}
		if spec.Day < 1 || spec.Day > 31 {
			return spec, apperr.Validationf("day must be in 1..31")
		}
		if _, err := spec.ParseClock(); err != nil {
			return spec, err
		}
	case ScheduleCron:
		if spec.Expression == "" {
			return spec, apperr.Validationf("cron expression is required")
		}
		if _, err := CronParser.Parse(spec.Expression); err != nil {
			return spec, apperr.Validationf("invalid cron expression %q: %v", spec.Expression, err)
		}
	default:
		return spec, apperr.Validationf("unknown schedule_type %q", kind)
	}
	return spec, nil
}

// ParseDateTime parses the one-off datetime in the given location.
func (s ScheduleSpec) ParseDateTime(loc *time.Location) (time.Time, error) {
	if s.DateTime == "" {
		return time.Time{}, apperr.Validationf("datetime is required for once schedules")
	}
	if t, err := time.ParseInLocation(time.RFC3339, s.DateTime, loc); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateTimeLayout, s.DateTime, loc)
	if err != nil {
		return time.Time{}, apperr.Validationf("invalid datetime %q", s.DateTime)
	}
	return t, nil
}

// ParseClock parses the time-of-day field. Both HH:MM and HH:MM:SS accepted.
func (s ScheduleSpec) ParseClock() (time.Time, error) {
	if s.Time == "" {
		return time.Time{}, apperr.Validationf("time is required")
	}
	if t, err := time.Parse(clockLayout, s.Time); err == nil {
		return t, nil
	}
	t, err := time.Parse(clockLayoutHM, s.Time)
	if err != nil {
		return time.Time{}, apperr.Validationf("invalid time %q", s.Time)
	}
	return t, nil
}

// IntervalDuration converts interval+unit into a duration.
func (s ScheduleSpec) IntervalDuration() (time.Duration, error) {
	var unit time.Duration
	switch s.Unit {
	case "", "minutes":
		unit = time.Minute
	case "seconds":
		unit = time.Second
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		return 0, apperr.Validationf("unknown interval unit %q", s.Unit)
	}
	return time.Duration(s.Interval) * unit, nil
}

// ActionConfig is the structured shape of an action_config blob.
type ActionConfig struct {
	BackupTaskID int64          `mapstructure:"backup_task_id"`
	Options      map[string]any `mapstructure:"options"`
}

// DecodeActionConfig decodes an action_config blob.
func DecodeActionConfig(raw map[string]any) (ActionConfig, error) {
	var cfg ActionConfig
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return cfg, fmt.Errorf("action config decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return cfg, apperr.Validationf("malformed action_config: %v", err)
	}
	return cfg, nil
}
