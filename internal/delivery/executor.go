// Package delivery runs the fire pass of a reminder: reload, quiet-hour
// re-check, payload, send, audit record and re-arm.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"carebot/internal/reminder"
	"carebot/internal/storage"
	logx "carebot/pkg/logx"
)

// Store is the storage subset the executor needs.
type Store interface {
	GetRule(ctx context.Context, id string) (reminder.Rule, error)
	RandomQuote(ctx context.Context) (reminder.Quote, error)
	AppendDelivery(ctx context.Context, rec reminder.DeliveryRecord) error
}

// Sender delivers a text message to a user.
type Sender interface {
	Send(ctx context.Context, userID int64, text string) error
}

// Rearmer re-draws the one-shot of a random rule that is still registered.
type Rearmer interface {
	Rearm(ctx context.Context, ruleID string) (time.Time, bool, error)
}

type Config struct {
	SendTimeout   time.Duration
	RecordTimeout time.Duration
}

// Outcome describes one pass. Status is empty when the rule was missing or
// inactive and nothing was recorded.
type Outcome struct {
	RuleID string
	Status reminder.Status
	Text   string
	Detail string
	Next   time.Time // re-armed fire time of a random rule
}

type Executor struct {
	cfg    Config
	store  Store
	sender Sender
	rearm  Rearmer
	now    func() time.Time
	log    logx.Logger
}

// New builds an executor. now must return the current time in the canonical
// timezone.
func New(cfg Config, store Store, sender Sender, rearm Rearmer, now func() time.Time, log logx.Logger) *Executor {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 5 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{cfg: cfg, store: store, sender: sender, rearm: rearm, now: now, log: log}
}

// Task adapts Fire to the scheduler's fire callback. Failures are recorded
// and logged by Fire, never returned.
func (e *Executor) Task(ctx context.Context, ruleID string) error {
	e.Fire(ctx, ruleID)
	return nil
}

// Fire runs one delivery pass for ruleID.
func (e *Executor) Fire(ctx context.Context, ruleID string) (out Outcome) {
	out.RuleID = ruleID
	log := e.log.With(logx.Rule(ruleID))
	rearm := true

	defer func() {
		if p := recover(); p != nil {
			log.Error("delivery pass panicked", logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			out.Status, out.Detail = reminder.StatusError, fmt.Sprintf("panic: %v", p)
			e.record(ctx, log, ruleID, out.Status, out.Detail)
		}
		if rearm && e.rearm != nil {
			out.Next = e.rearmRandom(ctx, log, ruleID)
		}
	}()

	r, err := e.store.GetRule(ctx, ruleID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Debug("fire ignored: rule not found")
		rearm = false
		return out
	case err != nil:
		log.Error("fire aborted: load rule", logx.Err(err))
		out.Status, out.Detail = reminder.StatusError, "load rule: "+err.Error()
		e.record(ctx, log, ruleID, out.Status, out.Detail)
		return out
	case !r.Active:
		log.Debug("fire ignored: rule inactive")
		rearm = false
		return out
	}
	log = log.With(logx.User(r.UserID))

	now := e.now()
	if r.Quiet.Contains(now) {
		out.Status = reminder.StatusSkipped
		e.record(ctx, log, ruleID, out.Status, "quiet "+r.Quiet.String())
		log.Info("reminder skipped: quiet hours", logx.String("quiet", r.Quiet.String()))
		return out
	}

	text, err := e.payload(ctx, r)
	if err != nil {
		log.Error("fire aborted: payload", logx.Err(err))
		out.Status, out.Detail = reminder.StatusError, "payload: "+err.Error()
		e.record(ctx, log, ruleID, out.Status, out.Detail)
		return out
	}
	out.Text = text

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	err = e.sender.Send(sendCtx, r.UserID, text)
	cancel()
	if err != nil {
		derr := &reminder.DeliveryError{UserID: r.UserID, Err: err}
		out.Status, out.Detail = reminder.StatusError, derr.Error()
		e.record(ctx, log, ruleID, out.Status, out.Detail)
		log.Warn("reminder send failed", logx.Err(derr))
		return out
	}

	out.Status = reminder.StatusSent
	e.record(ctx, log, ruleID, out.Status, "")
	log.Info("reminder sent", logx.String("kind", string(r.Kind)))
	return out
}

// payload renders the message text for r.
func (e *Executor) payload(ctx context.Context, r reminder.Rule) (string, error) {
	if text, ok := r.HabitMessage(); ok {
		return text, nil
	}
	q, err := e.store.RandomQuote(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return reminder.FallbackQuote, nil
	case err != nil:
		return "", err
	}
	return reminder.QuoteMessage(q.Text), nil
}

// record appends an audit entry. It outlives a cancelled pass so the outcome
// is still written.
func (e *Executor) record(ctx context.Context, log logx.Logger, ruleID string, status reminder.Status, detail string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecordTimeout)
	defer cancel()
	err := e.store.AppendDelivery(rctx, reminder.DeliveryRecord{
		RuleID: ruleID,
		At:     e.now(),
		Status: status,
		Detail: detail,
	})
	if err != nil {
		log.Error("delivery record failed", logx.String("status", string(status)), logx.Err(err))
	}
}

func (e *Executor) rearmRandom(ctx context.Context, log logx.Logger, ruleID string) time.Time {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.RecordTimeout)
	defer cancel()
	next, ok, err := e.rearm.Rearm(rctx, ruleID)
	if err != nil {
		log.Error("re-arm failed; rule idle until reload", logx.Err(&reminder.SchedulingError{RuleID: ruleID, Err: err}))
		return time.Time{}
	}
	if ok {
		log.Debug("random reminder re-armed", logx.Time("next", next))
	}
	return next
}
