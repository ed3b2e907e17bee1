// Package schedule computes when tracked keywords are next due for a rank
// check.
package schedule

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/reviewpilot/batchd/internal/model"
)

// Resolve returns the schedule that applies to kw. The second result is
// false when the keyword is not auto-scheduled (mode off, or an unknown
// mode). Inherit mode falls back to def when the account has no schedule.
func Resolve(kw model.TrackedKeyword, def model.Schedule) (model.Schedule, bool) {
	switch kw.Mode {
	case model.ScheduleOff:
		return model.Schedule{}, false
	case model.ScheduleCustom:
		return normalize(kw.Custom, def), true
	case model.ScheduleInherit, "":
		if kw.AccountSchedule != nil {
			return normalize(*kw.AccountSchedule, def), true
		}
		return normalize(def, def), true
	default:
		return model.Schedule{}, false
	}
}

// normalize clamps out-of-range fields and fills an empty frequency from def.
func normalize(s, def model.Schedule) model.Schedule {
	if s.Frequency == "" {
		s.Frequency = def.Frequency
	}
	if s.Frequency == "" {
		s.Frequency = model.FrequencyWeekly
	}
	s.HourOfDay = clamp(s.HourOfDay, 0, 23)
	s.DayOfWeek = clamp(s.DayOfWeek, 0, 6)
	s.DayOfMonth = clamp(s.DayOfMonth, 1, 31)
	return s
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate rejects schedules with an unknown frequency or fields out of range.
func Validate(s model.Schedule) error {
	switch s.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
	default:
		return eris.Errorf("schedule: unknown frequency %q", s.Frequency)
	}
	if s.HourOfDay < 0 || s.HourOfDay > 23 {
		return eris.Errorf("schedule: hour_of_day %d out of range", s.HourOfDay)
	}
	if s.Frequency == model.FrequencyWeekly && (s.DayOfWeek < 0 || s.DayOfWeek > 6) {
		return eris.Errorf("schedule: day_of_week %d out of range", s.DayOfWeek)
	}
	if s.Frequency == model.FrequencyMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return eris.Errorf("schedule: day_of_month %d out of range", s.DayOfMonth)
	}
	return nil
}

// Next returns the first slot of s strictly after the given time, in UTC.
// Monthly days past the end of a month land on its last day.
func Next(s model.Schedule, after time.Time) time.Time {
	after = after.UTC()
	y, m, d := after.Date()

	switch s.Frequency {
	case model.FrequencyDaily:
		t := time.Date(y, m, d, s.HourOfDay, 0, 0, 0, time.UTC)
		if !t.After(after) {
			t = t.AddDate(0, 0, 1)
		}
		return t

	case model.FrequencyMonthly:
		t := monthSlot(y, m, s.DayOfMonth, s.HourOfDay)
		if !t.After(after) {
			t = monthSlot(y, m+1, s.DayOfMonth, s.HourOfDay)
		}
		return t

	default: // weekly
		delta := (s.DayOfWeek - int(after.Weekday()) + 7) % 7
		t := time.Date(y, m, d+delta, s.HourOfDay, 0, 0, 0, time.UTC)
		if !t.After(after) {
			t = t.AddDate(0, 0, 7)
		}
		return t
	}
}

// monthSlot builds the slot for the given month, normalizing month overflow
// and clamping the day to the month length.
func monthSlot(y int, m time.Month, day, hour int) time.Time {
	first := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, hour, 0, 0, 0, time.UTC)
}

// IsDue reports whether kw should be enqueued at now. A keyword that has
// never been scheduled is due immediately.
func IsDue(kw model.TrackedKeyword, now time.Time) bool {
	if kw.Mode == model.ScheduleOff {
		return false
	}
	return kw.NextScheduledAt == nil || !kw.NextScheduledAt.After(now)
}
