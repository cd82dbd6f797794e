package router

import (
	"strconv"
	"strings"

	"carebot/internal/reminder"
)

const remindUsage = `/remind <what> <when> [quiet=HH:MM-HH:MM|default]
  what: habit=water|posture|eyes|stretch, custom="text" or quote
  when: at=09:00,13:00, interval=3 (hours) or random=6 (hours)`

// parseRemindArgs turns /remind arguments into a rule spec for userID.
// Field level checks are left to RuleSpec.Build.
func parseRemindArgs(userID int64, args []string) (reminder.RuleSpec, error) {
	spec := reminder.RuleSpec{UserID: userID}
	if len(args) == 0 {
		return spec, &usageError{usage: remindUsage}
	}
	setType := func(t string) error {
		if spec.Type != "" && spec.Type != t {
			return &reminder.ValidationError{Field: "type", Reason: "choose one of habit, custom or quote"}
		}
		spec.Type = t
		return nil
	}
	setSchedule := func(t string) error {
		if spec.ScheduleType != "" {
			return &reminder.ValidationError{Field: "schedule_type", Reason: "choose one of at, interval or random"}
		}
		spec.ScheduleType = t
		return nil
	}

	for _, a := range args {
		key, val, hasVal := strings.Cut(a, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)
		if !hasVal {
			switch {
			case key == "quote":
				if err := setType(string(reminder.KindQuote)); err != nil {
					return spec, err
				}
			case reminder.Habit(key).Valid():
				if err := setType(string(reminder.KindHabit)); err != nil {
					return spec, err
				}
				spec.HabitType = key
			default:
				return spec, &reminder.ValidationError{Field: key, Reason: "expected key=value"}
			}
			continue
		}

		var err error
		switch key {
		case "habit":
			err = setType(string(reminder.KindHabit))
			spec.HabitType = strings.ToLower(val)
		case "custom", "text":
			err = setType(string(reminder.KindHabit))
			spec.CustomText = val
		case "at", "times":
			if err = setSchedule(string(reminder.ScheduleFixed)); err == nil {
				for _, t := range strings.Split(val, ",") {
					if t = strings.TrimSpace(t); t != "" {
						spec.Times = append(spec.Times, t)
					}
				}
			}
		case "interval", "every":
			if err = setSchedule(string(reminder.ScheduleInterval)); err == nil {
				spec.IntervalHours, err = parseHours(key, val)
			}
		case "random":
			if err = setSchedule(string(reminder.ScheduleRandom)); err == nil {
				spec.RandomIntervalHours, err = parseHours(key, val)
			}
		case "quiet":
			err = parseQuiet(&spec, val)
		default:
			err = &reminder.ValidationError{Field: key, Reason: "unknown option"}
		}
		if err != nil {
			return spec, err
		}
	}
	if spec.Type == "" {
		return spec, &reminder.ValidationError{Field: "type", Reason: "say what to remind about: habit=..., custom=\"...\" or quote"}
	}
	if spec.ScheduleType == "" {
		return spec, &reminder.ValidationError{Field: "schedule_type", Reason: "say when: at=..., interval=... or random=..."}
	}
	return spec, nil
}

func parseHours(key, val string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(val), "h"))
	if err != nil {
		return 0, &reminder.ValidationError{Field: key, Reason: "hours must be a whole number"}
	}
	return n, nil
}

func parseQuiet(spec *reminder.RuleSpec, val string) error {
	switch strings.ToLower(val) {
	case "", "off", "none":
		spec.StartTime, spec.EndTime = "", ""
		return nil
	case "default", "night":
		spec.StartTime = reminder.DefaultQuietWindow.Start.String()
		spec.EndTime = reminder.DefaultQuietWindow.End.String()
		return nil
	}
	start, end, ok := strings.Cut(val, "-")
	if !ok {
		return &reminder.ValidationError{Field: "quiet", Reason: "expected HH:MM-HH:MM"}
	}
	spec.StartTime, spec.EndTime = strings.TrimSpace(start), strings.TrimSpace(end)
	return nil
}
