package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/reviewpilot/batchd/internal/model"
)

// 2026-05-04 is a Monday.
func at(y int, m time.Month, d, h, min int) time.Time {
	return time.Date(y, m, d, h, min, 0, 0, time.UTC)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name  string
		s     model.Schedule
		after time.Time
		want  time.Time
	}{
		{"daily later today", model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 6}, at(2026, 5, 4, 5, 0), at(2026, 5, 4, 6, 0)},
		{"daily tomorrow", model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 6}, at(2026, 5, 4, 10, 0), at(2026, 5, 5, 6, 0)},
		{"daily exact slot is not next", model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 6}, at(2026, 5, 4, 6, 0), at(2026, 5, 5, 6, 0)},
		{"weekly same day before hour", model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 1, HourOfDay: 6}, at(2026, 5, 4, 5, 59), at(2026, 5, 4, 6, 0)},
		{"weekly same day after hour", model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 1, HourOfDay: 6}, at(2026, 5, 4, 10, 0), at(2026, 5, 11, 6, 0)},
		{"weekly later in week", model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 3, HourOfDay: 6}, at(2026, 5, 4, 10, 0), at(2026, 5, 6, 6, 0)},
		{"weekly sunday", model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 0, HourOfDay: 0}, at(2026, 5, 4, 10, 0), at(2026, 5, 10, 0, 0)},
		{"monthly clamps to february", model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 31}, at(2026, 2, 10, 0, 0), at(2026, 2, 28, 0, 0)},
		{"monthly after end of january", model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 31}, at(2026, 1, 31, 1, 0), at(2026, 2, 28, 0, 0)},
		{"monthly leap year", model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 30}, at(2028, 2, 1, 0, 0), at(2028, 2, 29, 0, 0)},
		{"monthly rolls into next year", model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 15, HourOfDay: 9}, at(2026, 12, 20, 0, 0), at(2027, 1, 15, 9, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.s, tt.after))
		})
	}
}

func TestNext_AlwaysAfter(t *testing.T) {
	start := at(2026, 1, 1, 0, 0)
	schedules := []model.Schedule{
		{Frequency: model.FrequencyDaily, HourOfDay: 23},
		{Frequency: model.FrequencyWeekly, DayOfWeek: 5, HourOfDay: 12},
		{Frequency: model.FrequencyMonthly, DayOfMonth: 31, HourOfDay: 3},
	}
	for _, s := range schedules {
		for h := 0; h < 24*400; h += 7 {
			after := start.Add(time.Duration(h) * time.Hour)
			next := Next(s, after)
			assert.True(t, next.After(after), "%s after %s", s.Frequency, after)
			assert.LessOrEqual(t, next.Sub(after), 31*24*time.Hour)
			assert.Equal(t, s.HourOfDay, next.Hour())
		}
	}
}

func TestNext_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	after := time.Date(2026, 5, 4, 3, 0, 0, 0, loc) // 08:00 UTC
	got := Next(model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 6}, after)
	assert.Equal(t, at(2026, 5, 5, 6, 0), got)
}

func TestResolve(t *testing.T) {
	def := model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 1, HourOfDay: 6}
	account := &model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 7}

	tests := []struct {
		name   string
		kw     model.TrackedKeyword
		want   model.Schedule
		wantOK bool
	}{
		{"off", model.TrackedKeyword{Mode: model.ScheduleOff, AccountSchedule: account}, model.Schedule{}, false},
		{"unknown mode", model.TrackedKeyword{Mode: "hourly"}, model.Schedule{}, false},
		{"custom", model.TrackedKeyword{Mode: model.ScheduleCustom, Custom: model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 3, HourOfDay: 4}},
			model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 3, HourOfDay: 4}, true},
		{"inherit account", model.TrackedKeyword{Mode: model.ScheduleInherit, AccountSchedule: account},
			model.Schedule{Frequency: model.FrequencyDaily, DayOfMonth: 1, HourOfDay: 7}, true},
		{"inherit default", model.TrackedKeyword{Mode: model.ScheduleInherit},
			model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 1, DayOfMonth: 1, HourOfDay: 6}, true},
		{"custom without frequency uses default", model.TrackedKeyword{Mode: model.ScheduleCustom, Custom: model.Schedule{HourOfDay: 30}},
			model.Schedule{Frequency: model.FrequencyWeekly, DayOfMonth: 1, HourOfDay: 23}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Resolve(tt.kw, def)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 23}))
	assert.NoError(t, Validate(model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 31}))
	assert.Error(t, Validate(model.Schedule{Frequency: "hourly"}))
	assert.Error(t, Validate(model.Schedule{Frequency: model.FrequencyDaily, HourOfDay: 24}))
	assert.Error(t, Validate(model.Schedule{Frequency: model.FrequencyWeekly, DayOfWeek: 7}))
	assert.Error(t, Validate(model.Schedule{Frequency: model.FrequencyMonthly, DayOfMonth: 0}))
}

func TestIsDue(t *testing.T) {
	now := at(2026, 5, 4, 10, 0)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	assert.True(t, IsDue(model.TrackedKeyword{Mode: model.ScheduleInherit}, now))
	assert.True(t, IsDue(model.TrackedKeyword{Mode: model.ScheduleCustom, NextScheduledAt: &past}, now))
	assert.True(t, IsDue(model.TrackedKeyword{Mode: model.ScheduleCustom, NextScheduledAt: &now}, now))
	assert.False(t, IsDue(model.TrackedKeyword{Mode: model.ScheduleInherit, NextScheduledAt: &future}, now))
	assert.False(t, IsDue(model.TrackedKeyword{Mode: model.ScheduleOff}, now))
}
