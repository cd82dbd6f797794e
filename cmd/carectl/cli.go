package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"carebot/internal/reminder"
	"carebot/internal/storage"
)

// newCLIApp creates the CLI application with all commands. Output is JSON
// written to out.
func newCLIApp(store storage.Store, out io.Writer) *cli.App {
	app := &cli.App{
		Name:  "carectl",
		Usage: "Inspect carebot reminders, deliveries and quotes",
		Commands: []*cli.Command{
			rulesCmd(store, out),
			deliveriesCmd(store, out),
			quotesCmd(store, out),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

type ruleOut struct {
	ID          string    `json:"id"`
	UserID      int64     `json:"user_id"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`

	Spec reminder.RuleSpec `json:"spec"`
}

func toRuleOut(r reminder.Rule) ruleOut {
	return ruleOut{ID: r.ID, UserID: r.UserID, Description: r.Describe(), Active: r.Active, CreatedAt: r.CreatedAt, Spec: r.Spec()}
}

func rulesCmd(store storage.Store, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "rules",
		Usage: "Reminder rules",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List active rules, optionally of one user",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user", Aliases: []string{"u"}, Usage: "Telegram user id"},
				},
				Action: func(c *cli.Context) error {
					var (
						rules []reminder.Rule
						err   error
					)
					if uid := c.Int64("user"); uid != 0 {
						rules, err = store.ListUserRules(c.Context, uid)
					} else {
						rules, err = store.ListActiveRules(c.Context)
					}
					if ids, ok := storage.Skipped(err); ok {
						fmt.Fprintf(c.App.ErrWriter, "warning: skipped undecodable rules: %s\n", strings.Join(ids, ", "))
					} else if err != nil {
						return outputError(err)
					}
					res := make([]ruleOut, 0, len(rules))
					for _, r := range rules {
						res = append(res, toRuleOut(r))
					}
					return outputJSON(out, res)
				},
			},
			{
				Name:      "cancel",
				Usage:     "Deactivate a rule; a running bot drops its timers on the next reload",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := ruleArg(c)
					if err != nil {
						return err
					}
					changed, err := store.DeactivateRule(c.Context, id)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(out, map[string]any{"id": id, "deactivated": changed})
				},
			},
			{
				Name:      "stats",
				Usage:     "Show a rule with its delivery counters",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					id, err := ruleArg(c)
					if err != nil {
						return err
					}
					r, err := store.GetRule(c.Context, id)
					if err != nil {
						return outputError(err)
					}
					st, err := store.DeliveryStats(c.Context, id)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(out, map[string]any{"rule": toRuleOut(r), "stats": st})
				},
			},
		},
	}
}

func deliveriesCmd(store storage.Store, out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "deliveries",
		Usage:     "Show the delivery audit trail of a rule, newest first",
		ArgsUsage: "<rule-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum records"},
		},
		Action: func(c *cli.Context) error {
			id, err := ruleArg(c)
			if err != nil {
				return err
			}
			recs, err := store.ListDeliveries(c.Context, id, c.Int("limit"))
			if err != nil {
				return outputError(err)
			}
			return outputJSON(out, recs)
		},
	}
}

func quotesCmd(store storage.Store, out io.Writer) *cli.Command {
	setActive := func(active bool) cli.ActionFunc {
		return func(c *cli.Context) error {
			id, err := strconv.ParseInt(c.Args().First(), 10, 64)
			if err != nil || id <= 0 {
				return cli.Exit("quote id must be a positive number", 1)
			}
			if err := store.SetQuoteActive(c.Context, id, active); err != nil {
				return outputError(err)
			}
			return outputJSON(out, map[string]any{"id": id, "active": active})
		}
	}
	return &cli.Command{
		Name:  "quotes",
		Usage: "Motivational quote pool",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a quote",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Value: reminder.DefaultQuoteCategory, Usage: "Quote category"},
				},
				Action: func(c *cli.Context) error {
					text := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
					if text == "" {
						return cli.Exit("quote text is required", 1)
					}
					if n := len([]rune(text)); n > reminder.MaxQuoteLen {
						return cli.Exit(fmt.Sprintf("quote too long (%d > %d characters)", n, reminder.MaxQuoteLen), 1)
					}
					id, err := store.AddQuote(c.Context, reminder.Quote{
						Text:      text,
						Category:  c.String("category"),
						Active:    true,
						CreatedAt: time.Now(),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(out, map[string]any{"id": id})
				},
			},
			{
				Name:  "list",
				Usage: "List recent quotes",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Maximum quotes"},
				},
				Action: func(c *cli.Context) error {
					qs, err := store.ListQuotes(c.Context, c.Int("limit"))
					if err != nil {
						return outputError(err)
					}
					return outputJSON(out, qs)
				},
			},
			{
				Name:  "count",
				Usage: "Count quotes",
				Action: func(c *cli.Context) error {
					n, err := store.CountQuotes(c.Context)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(out, n)
				},
			},
			{Name: "disable", Usage: "Exclude a quote from delivery", ArgsUsage: "<id>", Action: setActive(false)},
			{Name: "enable", Usage: "Include a quote in delivery again", ArgsUsage: "<id>", Action: setActive(true)},
		},
	}
}

func ruleArg(c *cli.Context) (string, error) {
	id := strings.ToUpper(strings.TrimSpace(c.Args().First()))
	if id == "" {
		return "", cli.Exit("rule id is required", 1)
	}
	return id, nil
}

func outputJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return cli.Exit("not found", 1)
	}
	return cli.Exit(err.Error(), 1)
}
