package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"carebot/internal/reminder"
)

// ruleColumns is shared by the SQL drivers; nullable columns are coalesced so
// rows scan into plain Go values.
const ruleColumns = `id, user_id, type, COALESCE(habit_type, ''), COALESCE(custom_text, ''),
	schedule_type, COALESCE(times, ''), COALESCE(interval_hours, 0), COALESCE(random_interval_hours, 0),
	COALESCE(start_time, ''), COALESCE(end_time, ''), is_active, created_at`

type ruleRow struct {
	ID           string
	UserID       int64
	Type         string
	HabitType    string
	CustomText   string
	ScheduleType string
	Times        string
	Interval     int
	Random       int
	Start        string
	End          string
	Active       bool
	CreatedAt    time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *ruleRow) dest(created any) []any {
	return []any{&r.ID, &r.UserID, &r.Type, &r.HabitType, &r.CustomText,
		&r.ScheduleType, &r.Times, &r.Interval, &r.Random,
		&r.Start, &r.End, &r.Active, created}
}

func (r ruleRow) decode() (reminder.Rule, error) {
	spec := reminder.RuleSpec{
		UserID:              r.UserID,
		Type:                r.Type,
		HabitType:           r.HabitType,
		CustomText:          r.CustomText,
		ScheduleType:        r.ScheduleType,
		IntervalHours:       r.Interval,
		RandomIntervalHours: r.Random,
		StartTime:           r.Start,
		EndTime:             r.End,
	}
	if strings.TrimSpace(r.Times) != "" {
		if err := json.Unmarshal([]byte(r.Times), &spec.Times); err != nil {
			return reminder.Rule{}, fmt.Errorf("rule %s: decode times: %w", r.ID, err)
		}
	}
	rule, err := spec.Build()
	if err != nil {
		return reminder.Rule{}, fmt.Errorf("rule %s: %w", r.ID, err)
	}
	rule.ID = r.ID
	rule.Active = r.Active
	rule.CreatedAt = r.CreatedAt
	return rule, nil
}

// ruleArgs returns the insert arguments in ruleColumns order. Empty optional
// fields are stored as NULL.
func ruleArgs(r reminder.Rule, created any) ([]any, error) {
	s := r.Spec()
	var times any
	if len(s.Times) > 0 {
		b, err := json.Marshal(s.Times)
		if err != nil {
			return nil, err
		}
		times = string(b)
	}
	return []any{
		r.ID, r.UserID, s.Type, nullStr(s.HabitType), nullStr(s.CustomText),
		s.ScheduleType, times, nullInt(s.IntervalHours), nullInt(s.RandomIntervalHours),
		nullStr(s.StartTime), nullStr(s.EndTime), r.Active, created,
	}, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
