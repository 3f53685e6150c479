package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapevault/tapevault/internal/apperr"
)

func TestDecodeScheduleSpec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    ScheduleType
		config  map[string]any
		wantErr bool
	}{
		{"once with datetime", ScheduleOnce, map[string]any{"datetime": "2025-12-31 23:00:00"}, false},
		{"once with RFC3339", ScheduleOnce, map[string]any{"datetime": "2025-12-31T23:00:00Z"}, false},
		{"once missing datetime", ScheduleOnce, nil, true},
		{"once garbage datetime", ScheduleOnce, map[string]any{"datetime": "tomorrow"}, true},
		{"interval hours", ScheduleInterval, map[string]any{"interval": 4, "unit": "hours"}, false},
		{"interval string-typed number", ScheduleInterval, map[string]any{"interval": "30", "unit": "minutes"}, false},
		{"interval zero", ScheduleInterval, map[string]any{"interval": 0}, true},
		{"interval unknown unit", ScheduleInterval, map[string]any{"interval": 1, "unit": "fortnights"}, true},
		{"daily HH:MM", ScheduleDaily, map[string]any{"time": "02:30"}, false},
		{"daily HH:MM:SS", ScheduleDaily, map[string]any{"time": "02:30:15"}, false},
		{"daily missing time", ScheduleDaily, nil, true},
		{"weekly sunday", ScheduleWeekly, map[string]any{"day_of_week": 0, "time": "03:00"}, false},
		{"weekly out of range", ScheduleWeekly, map[string]any{"day_of_week": 7, "time": "03:00"}, true},
		{"monthly", ScheduleMonthly, map[string]any{"day_of_month": 31, "time": "01:00"}, false},
		{"monthly day zero", ScheduleMonthly, map[string]any{"day_of_month": 0, "time": "01:00"}, true},
		{"yearly leap day", ScheduleYearly, map[string]any{"month": 2, "day": 29, "time": "00:00"}, false},
		{"yearly month out of range", ScheduleYearly, map[string]any{"month": 13, "day": 1, "time": "00:00"}, true},
		{"cron", ScheduleCron, map[string]any{"expression": "0 3 1 * *"}, false},
		{"cron descriptor", ScheduleCron, map[string]any{"expression": "@daily"}, false},
		{"cron empty", ScheduleCron, nil, true},
		{"cron invalid", ScheduleCron, map[string]any{"expression": "not a cron"}, true},
		{"unknown kind", ScheduleType("hourly"), nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := DecodeScheduleSpec(tc.kind, tc.config)
			if tc.wantErr {
				assert.ErrorIs(t, err, apperr.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIntervalDuration(t *testing.T) {
	t.Parallel()

	d, err := ScheduleSpec{Interval: 90}.IntervalDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d, "minutes is the default unit")

	d, err = ScheduleSpec{Interval: 2, Unit: "days"}.IntervalDuration()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, d)
}

func TestScheduledTaskValidate(t *testing.T) {
	t.Parallel()

	templateID := int64(7)
	valid := func() *ScheduledTask {
		return &ScheduledTask{
			TaskName:       "nightly-docs",
			ScheduleType:   ScheduleDaily,
			ScheduleConfig: map[string]any{"time": "02:00"},
			ActionType:     ActionBackup,
			BackupTaskID:   &templateID,
		}
	}

	require.NoError(t, valid().Validate())

	noName := valid()
	noName.TaskName = ""
	assert.ErrorIs(t, noName.Validate(), apperr.ErrValidation)

	badSchedule := valid()
	badSchedule.ScheduleType = "hourly"
	assert.ErrorIs(t, badSchedule.Validate(), apperr.ErrValidation)

	badAction := valid()
	badAction.ActionType = "defrag"
	assert.ErrorIs(t, badAction.Validate(), apperr.ErrValidation)

	noTemplate := valid()
	noTemplate.BackupTaskID = nil
	assert.ErrorIs(t, noTemplate.Validate(), apperr.ErrValidation,
		"backup actions must reference a template")

	// The template may come through the action config instead.
	viaConfig := valid()
	viaConfig.BackupTaskID = nil
	viaConfig.ActionConfig = map[string]any{"backup_task_id": 7}
	require.NoError(t, viaConfig.Validate())

	nonBackup := valid()
	nonBackup.ActionType = ActionHealthCheck
	nonBackup.BackupTaskID = nil
	require.NoError(t, nonBackup.Validate())
}

func TestTemplateIDResolution(t *testing.T) {
	t.Parallel()

	explicit := int64(3)
	task := &ScheduledTask{BackupTaskID: &explicit, ActionConfig: map[string]any{"backup_task_id": 9}}
	id, ok := task.TemplateID()
	require.True(t, ok)
	assert.Equal(t, int64(3), id, "explicit pointer wins over the config")

	task = &ScheduledTask{ActionConfig: map[string]any{"backup_task_id": 9}}
	id, ok = task.TemplateID()
	require.True(t, ok)
	assert.Equal(t, int64(9), id)

	task = &ScheduledTask{}
	_, ok = task.TemplateID()
	assert.False(t, ok)
}
