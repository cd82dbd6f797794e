package reminder

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

type Kind string

const (
	KindHabit Kind = "habit"
	KindQuote Kind = "quote"
)

type Habit string

const (
	HabitWater   Habit = "water"
	HabitPosture Habit = "posture"
	HabitEyes    Habit = "eyes"
	HabitStretch Habit = "stretch"
)

func (h Habit) Valid() bool {
	switch h {
	case HabitWater, HabitPosture, HabitEyes, HabitStretch:
		return true
	}
	return false
}

type ScheduleType string

const (
	ScheduleFixed    ScheduleType = "fixed"
	ScheduleInterval ScheduleType = "interval"
	ScheduleRandom   ScheduleType = "random"
)

const (
	MaxCustomTextLen = 100
	MaxQuoteLen      = 500
)

// Rule is a validated reminder rule. Only the field group matching Schedule
// is populated, and only the payload group matching Kind.
type Rule struct {
	ID     string
	UserID int64

	Kind       Kind
	Habit      Habit
	CustomText string

	Schedule            ScheduleType
	Times               []Clock
	IntervalHours       int
	RandomIntervalHours int

	Quiet *QuietWindow

	Active    bool
	CreatedAt time.Time
}

// RuleSpec is the wire shape of a rule as produced by intake flows and as
// persisted by storage.
type RuleSpec struct {
	UserID              int64    `json:"user_id"`
	Type                string   `json:"type"`
	HabitType           string   `json:"habit_type,omitempty"`
	CustomText          string   `json:"custom_text,omitempty"`
	ScheduleType        string   `json:"schedule_type"`
	Times               []string `json:"times,omitempty"`
	IntervalHours       int      `json:"interval_hours,omitempty"`
	RandomIntervalHours int      `json:"random_interval_hours,omitempty"`
	StartTime           string   `json:"start_time,omitempty"`
	EndTime             string   `json:"end_time,omitempty"`
}

// Build validates the spec and returns an active rule without id or
// creation time. Errors are always *ValidationError.
func (s RuleSpec) Build() (Rule, error) {
	r := Rule{UserID: s.UserID, Active: true}
	if s.UserID == 0 {
		return Rule{}, invalid("user_id", "required")
	}

	if err := s.buildPayload(&r); err != nil {
		return Rule{}, err
	}
	if err := s.buildSchedule(&r); err != nil {
		return Rule{}, err
	}

	start := strings.TrimSpace(s.StartTime)
	end := strings.TrimSpace(s.EndTime)
	switch {
	case start == "" && end == "":
	case start == "" || end == "":
		return Rule{}, invalid("start_time", "quiet window needs both start_time and end_time")
	default:
		qs, err := ParseClock(start)
		if err != nil {
			return Rule{}, invalid("start_time", "%v", err)
		}
		qe, err := ParseClock(end)
		if err != nil {
			return Rule{}, invalid("end_time", "%v", err)
		}
		r.Quiet = &QuietWindow{Start: qs, End: qe}
	}
	return r, nil
}

func (s RuleSpec) buildPayload(r *Rule) error {
	habit := strings.TrimSpace(s.HabitType)
	text := strings.TrimSpace(s.CustomText)

	switch Kind(strings.TrimSpace(s.Type)) {
	case KindHabit:
		r.Kind = KindHabit
		switch {
		case habit != "" && text != "":
			return invalid("habit_type", "habit_type and custom_text are mutually exclusive")
		case habit != "":
			h := Habit(habit)
			if !h.Valid() {
				return invalid("habit_type", "unknown habit %q", habit)
			}
			r.Habit = h
		case text != "":
			if n := utf8.RuneCountInString(text); n > MaxCustomTextLen {
				return invalid("custom_text", "too long (%d > %d characters)", n, MaxCustomTextLen)
			}
			r.CustomText = text
		default:
			return invalid("habit_type", "habit reminder needs habit_type or custom_text")
		}
	case KindQuote:
		r.Kind = KindQuote
		if habit != "" || text != "" {
			return invalid("type", "quote reminder takes no habit_type or custom_text")
		}
	case "":
		return invalid("type", "required")
	default:
		return invalid("type", "unknown type %q", s.Type)
	}
	return nil
}

func (s RuleSpec) buildSchedule(r *Rule) error {
	switch ScheduleType(strings.TrimSpace(s.ScheduleType)) {
	case ScheduleFixed:
		r.Schedule = ScheduleFixed
		if s.IntervalHours != 0 || s.RandomIntervalHours != 0 {
			return invalid("schedule_type", "fixed schedule takes only times")
		}
		if len(s.Times) == 0 {
			return invalid("times", "at least one HH:MM time is required")
		}
		seen := map[Clock]bool{}
		for _, raw := range s.Times {
			c, err := ParseClock(raw)
			if err != nil {
				return invalid("times", "%v", err)
			}
			if seen[c] {
				continue
			}
			seen[c] = true
			r.Times = append(r.Times, c)
		}
		sort.Slice(r.Times, func(i, j int) bool { return r.Times[i].Before(r.Times[j]) })
	case ScheduleInterval:
		r.Schedule = ScheduleInterval
		if len(s.Times) > 0 || s.RandomIntervalHours != 0 {
			return invalid("schedule_type", "interval schedule takes only interval_hours")
		}
		if s.IntervalHours <= 0 {
			return invalid("interval_hours", "must be a positive number of hours")
		}
		r.IntervalHours = s.IntervalHours
	case ScheduleRandom:
		r.Schedule = ScheduleRandom
		if len(s.Times) > 0 || s.IntervalHours != 0 {
			return invalid("schedule_type", "random schedule takes only random_interval_hours")
		}
		if s.RandomIntervalHours <= 0 {
			return invalid("random_interval_hours", "must be a positive number of hours")
		}
		r.RandomIntervalHours = s.RandomIntervalHours
	case "":
		return invalid("schedule_type", "required")
	default:
		return invalid("schedule_type", "unknown schedule type %q", s.ScheduleType)
	}
	return nil
}

// Spec converts the rule back into its wire shape.
func (r Rule) Spec() RuleSpec {
	s := RuleSpec{
		UserID:              r.UserID,
		Type:                string(r.Kind),
		HabitType:           string(r.Habit),
		CustomText:          r.CustomText,
		ScheduleType:        string(r.Schedule),
		IntervalHours:       r.IntervalHours,
		RandomIntervalHours: r.RandomIntervalHours,
	}
	for _, c := range r.Times {
		s.Times = append(s.Times, c.String())
	}
	if r.Quiet != nil {
		s.StartTime = r.Quiet.Start.String()
		s.EndTime = r.Quiet.End.String()
	}
	return s
}

// Period is the recurrence period of interval and random rules (0 for fixed).
func (r Rule) Period() time.Duration {
	switch r.Schedule {
	case ScheduleInterval:
		return time.Duration(r.IntervalHours) * time.Hour
	case ScheduleRandom:
		return time.Duration(r.RandomIntervalHours) * time.Hour
	}
	return 0
}
