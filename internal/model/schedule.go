package model

import "time"

// ScheduleMode controls how a tracked keyword picks its schedule.
type ScheduleMode string

const (
	ScheduleInherit ScheduleMode = "inherit" // use the account schedule
	ScheduleCustom  ScheduleMode = "custom"  // use the keyword's own schedule
	ScheduleOff     ScheduleMode = "off"     // never auto-schedule
)

// Frequency is how often a scheduled check recurs.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Schedule is a recurring UTC slot. DayOfWeek (0 = Sunday) applies to weekly
// schedules and DayOfMonth (1-31, clamped to the month length) to monthly.
type Schedule struct {
	Frequency  Frequency `json:"frequency" yaml:"frequency"`
	DayOfWeek  int       `json:"dayOfWeek" yaml:"day_of_week"`
	DayOfMonth int       `json:"dayOfMonth" yaml:"day_of_month"`
	HourOfDay  int       `json:"hourOfDay" yaml:"hour_of_day"`
}

// TrackedKeyword is a keyword an account wants ranked on a schedule.
type TrackedKeyword struct {
	ID                 string       `json:"id"`
	AccountID          string       `json:"accountId"`
	Keyword            string       `json:"keyword"`
	TargetDomain       string       `json:"targetDomain"`
	Location           string       `json:"location,omitempty"`
	Mode               ScheduleMode `json:"mode"`
	Custom             Schedule     `json:"custom"`
	NextScheduledAt    *time.Time   `json:"nextScheduledAt"`
	LastScheduledRunAt *time.Time   `json:"lastScheduledRunAt"`

	// AccountSchedule is joined in when loading due keywords.
	AccountSchedule *Schedule `json:"accountSchedule,omitempty"`
}
