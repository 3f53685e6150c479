package scheduler

import (
	"time"

	"github.com/tapevault/tapevault/internal/apperr"
	"github.com/tapevault/tapevault/internal/models"
)

// Clock is a function that returns the current time.
// It can be replaced for testing purposes.
type Clock func() time.Time

// NextRunTime computes when the task should fire next, in now's location.
// A nil result means the task will not fire again (a one-off in the past).
func NextRunTime(task *models.ScheduledTask, now time.Time) (*time.Time, error) {
	spec, err := models.DecodeScheduleSpec(task.ScheduleType, task.ScheduleConfig)
	if err != nil {
		return nil, err
	}

	switch task.ScheduleType {
	case models.ScheduleOnce:
		return nextOnce(spec, now)
	case models.ScheduleInterval:
		return nextInterval(spec, task.LastRunTime, now)
	case models.ScheduleDaily:
		return nextDaily(spec, now)
	case models.ScheduleWeekly:
		return nextWeekly(spec, now)
	case models.ScheduleMonthly:
		return nextMonthly(spec, task.LastSuccessTime, now)
	case models.ScheduleYearly:
		return nextYearly(spec, now)
	case models.ScheduleCron:
		return nextCron(spec, now)
	}
	return nil, apperr.Validationf("unknown schedule_type %q", task.ScheduleType)
}

func nextOnce(spec models.ScheduleSpec, now time.Time) (*time.Time, error) {
	at, err := spec.ParseDateTime(now.Location())
	if err != nil {
		return nil, err
	}
	if !at.After(now) {
		// Already in the past; the task stays active but never fires.
		return nil, nil
	}
	return &at, nil
}

func nextInterval(spec models.ScheduleSpec, lastRun *time.Time, now time.Time) (*time.Time, error) {
	d, err := spec.IntervalDuration()
	if err != nil {
		return nil, err
	}
	if lastRun != nil {
		next := lastRun.Add(d)
		if next.After(now) {
			return &next, nil
		}
	}
	next := now.Add(d)
	return &next, nil
}

// atClock places the spec's time-of-day onto the given date.
func atClock(spec models.ScheduleSpec, year int, month time.Month, day int, loc *time.Location) (time.Time, error) {
	clock, err := spec.ParseClock()
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(year, month, day, clock.Hour(), clock.Minute(), clock.Second(), 0, loc), nil
}

func nextDaily(spec models.ScheduleSpec, now time.Time) (*time.Time, error) {
	next, err := atClock(spec, now.Year(), now.Month(), now.Day(), now.Location())
	if err != nil {
		return nil, err
	}
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return &next, nil
}

func nextWeekly(spec models.ScheduleSpec, now time.Time) (*time.Time, error) {
	days := (spec.DayOfWeek - int(now.Weekday()) + 7) % 7
	next, err := atClock(spec, now.Year(), now.Month(), now.Day()+days, now.Location())
	if err != nil {
		return nil, err
	}
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return &next, nil
}

// daysIn returns the number of days in the month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func nextMonthly(spec models.ScheduleSpec, lastSuccess *time.Time, now time.Time) (*time.Time, error) {
	// A monthly task that has never succeeded runs promptly after load
	// instead of waiting up to a month.
	if lastSuccess == nil {
		next := now.Add(time.Minute)
		return &next, nil
	}

	day := min(spec.DayOfMonth, daysIn(now.Year(), now.Month()))
	next, err := atClock(spec, now.Year(), now.Month(), day, now.Location())
	if err != nil {
		return nil, err
	}
	if !next.After(now) {
		year, month := now.Year(), now.Month()+1
		if month > time.December {
			year, month = year+1, time.January
		}
		day = min(spec.DayOfMonth, daysIn(year, month))
		next, err = atClock(spec, year, month, day, now.Location())
		if err != nil {
			return nil, err
		}
	}
	return &next, nil
}

func nextYearly(spec models.ScheduleSpec, now time.Time) (*time.Time, error) {
	target := func(year int) (time.Time, error) {
		day := min(spec.Day, daysIn(year, time.Month(spec.Month)))
		return atClock(spec, year, time.Month(spec.Month), day, now.Location())
	}
	next, err := target(now.Year())
	if err != nil {
		return nil, err
	}
	if !next.After(now) {
		next, err = target(now.Year() + 1)
		if err != nil {
			return nil, err
		}
	}
	return &next, nil
}

func nextCron(spec models.ScheduleSpec, now time.Time) (*time.Time, error) {
	sched, err := models.CronParser.Parse(spec.Expression)
	if err != nil {
		return nil, apperr.Validationf("invalid cron expression %q: %v", spec.Expression, err)
	}
	next := sched.Next(now)
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}
