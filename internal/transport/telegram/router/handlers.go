package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carebot/internal/delivery"
	"carebot/internal/reminder"
	"carebot/internal/services/reminders"
	"carebot/internal/storage"
	"carebot/internal/task/scheduler"
)

// Reminders is the reminder service surface used by chat commands.
type Reminders interface {
	CreateAndSchedule(ctx context.Context, spec reminder.RuleSpec) (string, error)
	CancelForUser(ctx context.Context, userID int64, ruleID string) error
	ListUserRules(ctx context.Context, userID int64) ([]reminder.Rule, error)
	ReloadAll(ctx context.Context) (reminders.ReloadReport, error)
	RunOnceNow(ctx context.Context, ruleID string) (delivery.Outcome, error)
	Timers(ctx context.Context) ([]scheduler.TimerInfo, error)
	RuleStats(ctx context.Context, ruleID string) (reminders.RuleView, error)
	AddQuote(ctx context.Context, text, category string) (int64, error)
	ListQuotes(ctx context.Context, limit int) ([]reminder.Quote, error)
	CountQuotes(ctx context.Context) (storage.QuoteCounts, error)
}

const stampLayout = "02 Jan 15:04"

// ReminderCommands returns the user and owner commands backed by svc.
func ReminderCommands(svc Reminders) []Command {
	return []Command{
		{
			Name:        "remind",
			Description: "create a reminder",
			Usage:       "/remind habit=water interval=3 quiet=default",
			Handle: func(ctx context.Context, req *Request) error {
				// Reminders go to the user's private chat.
				if !req.Msg.IsPrivate {
					return req.Reply(ctx, "Please create reminders in a private chat with me.")
				}
				spec, err := parseRemindArgs(req.Msg.FromID, req.Args)
				if err != nil {
					return err
				}
				r, err := spec.Build()
				if err != nil {
					return err
				}
				id, err := svc.CreateAndSchedule(ctx, spec)
				if err != nil {
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("✅ Reminder created: %s\nID: %s", r.Describe(), id))
			},
		},
		{
			Name:        "reminders",
			Aliases:     []string{"my_reminders"},
			Description: "list your reminders",
			Handle: func(ctx context.Context, req *Request) error {
				rules, err := svc.ListUserRules(ctx, req.Msg.FromID)
				if err != nil {
					return err
				}
				if len(rules) == 0 {
					return req.Reply(ctx, "You have no active reminders. Create one with /remind")
				}
				var b strings.Builder
				b.WriteString("🔔 Your reminders\n")
				for _, r := range rules {
					fmt.Fprintf(&b, "• %s\n  ID: %s\n", r.Describe(), r.ID)
				}
				return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
			},
		},
		{
			Name:        "reminder_delete",
			Aliases:     []string{"unremind"},
			Description: "delete one of your reminders",
			Usage:       "/reminder_delete <id>",
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return &usageError{usage: "/reminder_delete <id>"}
				}
				if err := svc.CancelForUser(ctx, req.Msg.FromID, strings.ToUpper(req.Args[0])); err != nil {
					return err
				}
				return req.Reply(ctx, "🗑 Reminder deleted.")
			},
		},

		{
			Name:        "reload_reminders",
			Description: "reload all timers from storage",
			Access:      AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				rep, err := svc.ReloadAll(ctx)
				if err != nil {
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("🔄 Reloaded %d active rules: scheduled %d, failed %d, removed %d, caught up %d (%s)",
					rep.Active, rep.Scheduled, rep.Failed, rep.Removed, rep.CaughtUp, rep.Took.Round(time.Millisecond)))
			},
		},
		{
			Name:        "test_reminder",
			Description: "deliver a reminder right now",
			Usage:       "/test_reminder <id>",
			Access:      AccessOwnerOnly,
			Timeout:     2 * time.Minute,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return &usageError{usage: "/test_reminder <id>"}
				}
				out, err := svc.RunOnceNow(ctx, strings.ToUpper(req.Args[0]))
				if err != nil {
					return err
				}
				msg := "🧪 Test run: " + string(out.Status)
				if out.Detail != "" {
					msg += " (" + out.Detail + ")"
				}
				if !out.Next.IsZero() {
					msg += "\nNext: " + out.Next.Format(stampLayout)
				}
				return req.Reply(ctx, msg)
			},
		},
		{
			Name:        "timers",
			Description: "show armed timers",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				timers, err := svc.Timers(ctx)
				if err != nil {
					return err
				}
				if len(timers) == 0 {
					return req.Reply(ctx, "No timers armed.")
				}
				var b strings.Builder
				fmt.Fprintf(&b, "⏱ %d timers\n", len(timers))
				for _, t := range timers {
					next := "re-arming"
					if !t.Next.IsZero() {
						next = t.Next.Format(stampLayout)
					}
					fmt.Fprintf(&b, "• %s %s user=%d next=%s\n", t.RuleID, t.Label, t.UserID, next)
				}
				return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
			},
		},
		{
			Name:        "reminder_stats",
			Description: "delivery stats of a reminder",
			Usage:       "/reminder_stats <id>",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) != 1 {
					return &usageError{usage: "/reminder_stats <id>"}
				}
				v, err := svc.RuleStats(ctx, strings.ToUpper(req.Args[0]))
				if err != nil {
					return err
				}
				last := "never"
				if !v.Stats.Last.IsZero() {
					last = v.Stats.Last.Format(stampLayout)
				}
				state := "active"
				if !v.Rule.Active {
					state = "cancelled"
				}
				return req.Reply(ctx, fmt.Sprintf("📊 %s\n%s, %s, user %d\nsent %d, skipped %d, errors %d, last %s",
					v.Rule.ID, v.Rule.Describe(), state, v.Rule.UserID, v.Stats.Sent, v.Stats.Skipped, v.Stats.Errors, last))
			},
		},
		{
			Name:        "quote_add",
			Description: "add a motivational quote",
			Usage:       `/quote_add "text" [category]`,
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				if len(req.Args) == 0 {
					return &usageError{usage: `/quote_add "text" [category]`}
				}
				text, category := req.Args[0], ""
				if len(req.Args) == 2 {
					category = req.Args[1]
				} else if len(req.Args) > 2 {
					text = strings.Join(req.Args, " ")
				}
				id, err := svc.AddQuote(ctx, text, category)
				if err != nil {
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("💬 Quote #%d added.", id))
			},
		},
		{
			Name:        "quotes",
			Description: "list recent quotes",
			Usage:       "/quotes [limit]",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				limit := 10
				if len(req.Args) > 0 {
					if n, err := strconv.Atoi(req.Args[0]); err == nil && n > 0 && n <= 50 {
						limit = n
					}
				}
				qs, err := svc.ListQuotes(ctx, limit)
				if err != nil {
					return err
				}
				if len(qs) == 0 {
					return req.Reply(ctx, "The quote pool is empty.")
				}
				var b strings.Builder
				for _, q := range qs {
					mark := ""
					if !q.Active {
						mark = " (disabled)"
					}
					fmt.Fprintf(&b, "#%d [%s]%s %s\n", q.ID, q.Category, mark, q.Text)
				}
				return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
			},
		},
		{
			Name:        "quote_stats",
			Description: "quote pool size",
			Access:      AccessOwnerOnly,
			Handle: func(ctx context.Context, req *Request) error {
				c, err := svc.CountQuotes(ctx)
				if err != nil {
					return err
				}
				return req.Reply(ctx, fmt.Sprintf("💬 Quotes: %d total, %d active", c.Total, c.Active))
			},
		},
	}
}
