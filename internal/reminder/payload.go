package reminder

import (
	"fmt"
	"strings"
	"time"
)

var habitMessages = map[Habit]string{
	HabitWater:   "💧 Don't forget to drink a glass of water!",
	HabitPosture: "🧘 Check your posture!",
	HabitEyes:    "👀 Take a break and do some eye exercises",
	HabitStretch: "🔁 Time to get up and stretch!",
}

var habitLabels = map[Habit]string{
	HabitWater:   "💧 Drink a glass of water",
	HabitPosture: "🧘 Check posture",
	HabitEyes:    "👀 Eye exercises",
	HabitStretch: "🔁 Stretch",
}

// FallbackQuote is sent when the quote pool has no active entries.
const FallbackQuote = "💬 Remember, you're doing great!"

// CustomMessage renders user-supplied habit text.
func CustomMessage(text string) string { return "🏃 Reminder: " + text }

// QuoteMessage renders a pooled quote.
func QuoteMessage(text string) string { return "💬 " + text }

// HabitMessage returns the fixed text of a habit reminder (either the habit tag
// message or the custom text). ok is false for quote rules.
func (r Rule) HabitMessage() (string, bool) {
	if r.Kind != KindHabit {
		return "", false
	}
	if r.Habit != "" {
		return habitMessages[r.Habit], true
	}
	return CustomMessage(r.CustomText), true
}

// Describe renders a short human-readable summary, as shown in listings.
func (r Rule) Describe() string {
	var b strings.Builder
	switch {
	case r.Kind == KindQuote:
		b.WriteString("💬 Motivational quote")
	case r.Habit != "":
		b.WriteString(habitLabels[r.Habit])
	default:
		b.WriteString("🏃 " + r.CustomText)
	}
	b.WriteString(", ")
	switch r.Schedule {
	case ScheduleFixed:
		parts := make([]string, 0, len(r.Times))
		for _, c := range r.Times {
			parts = append(parts, c.String())
		}
		b.WriteString("daily at " + strings.Join(parts, ", "))
	case ScheduleInterval:
		fmt.Fprintf(&b, "every %dh", r.IntervalHours)
	case ScheduleRandom:
		fmt.Fprintf(&b, "at random within every %dh", r.RandomIntervalHours)
	}
	if r.Quiet != nil {
		b.WriteString(", quiet " + r.Quiet.String())
	}
	return b.String()
}

// Status is the outcome of a delivery attempt.
type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped_quiet_time"
	StatusError   Status = "error"
)

// DeliveryRecord is an append-only audit entry.
type DeliveryRecord struct {
	ID     int64
	RuleID string
	At     time.Time
	Status Status
	Detail string
}

// Quote is an entry of the motivational quote pool.
type Quote struct {
	ID        int64
	Text      string
	Category  string
	Active    bool
	CreatedAt time.Time
}

// DefaultQuoteCategory is used when a quote is added without a category.
const DefaultQuoteCategory = "general"
