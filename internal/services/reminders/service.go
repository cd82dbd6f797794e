// Package reminders exposes the reminder operations used by the chat flows
// and admin commands: create, cancel, reload and forced delivery.
package reminders

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"carebot/internal/delivery"
	"carebot/internal/reminder"
	"carebot/internal/storage"
	"carebot/internal/task/engine"
	"carebot/internal/task/scheduler"
	logx "carebot/pkg/logx"
)

// Registry is the timer table the service keeps in sync with storage.
// *scheduler.Service satisfies it.
type Registry interface {
	Schedule(ctx context.Context, r reminder.Rule) error
	Cancel(ctx context.Context, ruleID string) (bool, error)
	Trigger(ctx context.Context, ruleID string) (bool, error)
	List(ctx context.Context) ([]scheduler.TimerInfo, error)
	Now() time.Time
}

// Runner executes a task under the per-rule overlap gate.
type Runner interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	// MisfireGrace is how late a missed fixed or interval occurrence may be
	// delivered on reload. Zero disables catch-up.
	MisfireGrace time.Duration
	// RunTimeout bounds a forced delivery pass.
	RunTimeout time.Duration
}

// ReloadReport summarizes one ReloadAll pass.
type ReloadReport struct {
	Active    int
	Scheduled int
	Failed    int
	Removed   int
	CaughtUp  int
	Took      time.Duration
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store  storage.Store
	reg    Registry
	exec   *delivery.Executor
	runner Runner
	log    logx.Logger

	entropy *ulid.MonotonicEntropy
	idMu    sync.Mutex
}

func New(cfg Config, store storage.Store, reg Registry, exec *delivery.Executor, runner Runner, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		reg:     reg,
		exec:    exec,
		runner:  runner,
		log:     log,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Apply swaps the runtime config.
func (s *Service) Apply(cfg Config) {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = time.Minute
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) newID(at time.Time) string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// CreateAndSchedule validates spec, persists the rule and arms its timers.
// A validation failure is returned as *reminder.ValidationError and nothing is
// stored. A scheduling failure is logged only: the rule is stored and gets its
// timers on the next reload.
func (s *Service) CreateAndSchedule(ctx context.Context, spec reminder.RuleSpec) (string, error) {
	r, err := spec.Build()
	if err != nil {
		return "", err
	}
	now := s.reg.Now()
	r.ID = s.newID(now)
	r.CreatedAt = now

	if err := s.store.CreateRule(ctx, r); err != nil {
		return "", fmt.Errorf("store rule: %w", err)
	}
	log := s.log.With(logx.Rule(r.ID), logx.User(r.UserID))
	if err := s.reg.Schedule(ctx, r); err != nil {
		var se *reminder.SchedulingError
		if !errors.As(err, &se) {
			err = &reminder.SchedulingError{RuleID: r.ID, Err: err}
		}
		log.Error("rule stored without timers", logx.Err(err))
		return r.ID, nil
	}
	log.Info("reminder created", logx.String("rule_desc", r.Describe()))
	return r.ID, nil
}

// Cancel deactivates the rule and removes its timers. Unknown or already
// inactive ids are a no-op.
func (s *Service) Cancel(ctx context.Context, ruleID string) error {
	ruleID = strings.TrimSpace(ruleID)
	changed, err := s.store.DeactivateRule(ctx, ruleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("deactivate rule: %w", err)
	}
	armed, err := s.reg.Cancel(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("unschedule rule: %w", err)
	}
	if changed || armed {
		s.log.Info("reminder cancelled", logx.Rule(ruleID), logx.Bool("was_armed", armed))
	}
	return nil
}

// CancelForUser cancels a rule owned by userID. Rules of other users and
// inactive rules yield *reminder.NotFoundError.
func (s *Service) CancelForUser(ctx context.Context, userID int64, ruleID string) error {
	r, err := s.activeRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if r.UserID != userID {
		return &reminder.NotFoundError{RuleID: ruleID}
	}
	return s.Cancel(ctx, ruleID)
}

func (s *Service) activeRule(ctx context.Context, ruleID string) (reminder.Rule, error) {
	ruleID = strings.TrimSpace(ruleID)
	r, err := s.store.GetRule(ctx, ruleID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return reminder.Rule{}, &reminder.NotFoundError{RuleID: ruleID}
	case err != nil:
		return reminder.Rule{}, fmt.Errorf("load rule: %w", err)
	case !r.Active:
		return reminder.Rule{}, &reminder.NotFoundError{RuleID: ruleID}
	}
	return r, nil
}

// ReloadAll re-syncs the timer table with the active rules in storage.
// Rules are scheduled cancel-then-arm, so repeated calls converge on the
// same table. Timers of rules no longer active are removed, and missed
// fixed or interval occurrences within the misfire grace fire once.
func (s *Service) ReloadAll(ctx context.Context) (ReloadReport, error) {
	start := time.Now()
	var rep ReloadReport

	rules, err := s.store.ListActiveRules(ctx)
	if ids, ok := storage.Skipped(err); ok {
		for _, id := range ids {
			s.log.Error("reload: rule left without timers", logx.Rule(id), logx.Err(err))
		}
		rep.Failed += len(ids)
		rep.Active += len(ids)
	} else if err != nil {
		return rep, fmt.Errorf("list active rules: %w", err)
	}
	rep.Active += len(rules)

	live := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		live[r.ID] = struct{}{}
	}
	timers, err := s.reg.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("list timers: %w", err)
	}
	for _, ti := range timers {
		if _, ok := live[ti.RuleID]; ok {
			continue
		}
		if _, err := s.reg.Cancel(ctx, ti.RuleID); err != nil {
			return rep, fmt.Errorf("unschedule rule: %w", err)
		}
		rep.Removed++
	}

	grace := s.config().MisfireGrace
	now := s.reg.Now()
	for _, r := range rules {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := s.reg.Schedule(ctx, r); err != nil {
			rep.Failed++
			s.log.Error("reload: rule left without timers", logx.Rule(r.ID), logx.Err(err))
			continue
		}
		rep.Scheduled++
		if s.catchUp(ctx, r, now, grace) {
			rep.CaughtUp++
		}
	}

	rep.Took = time.Since(start)
	s.log.Info("reminders reloaded",
		logx.Int("active", rep.Active),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("failed", rep.Failed),
		logx.Int("removed", rep.Removed),
		logx.Int("caught_up", rep.CaughtUp),
		logx.Duration("took", rep.Took),
	)
	return rep, nil
}

// catchUp fires r once when its latest due occurrence was missed within grace.
func (s *Service) catchUp(ctx context.Context, r reminder.Rule, now time.Time, grace time.Duration) bool {
	if grace <= 0 || r.Schedule == reminder.ScheduleRandom {
		return false
	}
	var last time.Time
	rec, err := s.store.LastDelivery(ctx, r.ID)
	switch {
	case err == nil:
		last = rec.At
	case !errors.Is(err, storage.ErrNotFound):
		s.log.Warn("misfire check skipped", logx.Rule(r.ID), logx.Err(err))
		return false
	}
	due, ok := reminder.MissedOccurrence(r, last, now, grace)
	if !ok {
		return false
	}
	fired, err := s.reg.Trigger(ctx, r.ID)
	if err != nil || !fired {
		s.log.Warn("misfire catch-up not dispatched", logx.Rule(r.ID), logx.Time("due", due), logx.Err(err))
		return false
	}
	s.log.Info("misfired reminder caught up", logx.Rule(r.ID), logx.Time("due", due), logx.Duration("late", now.Sub(due)))
	return true
}

// RunOnceNow forces a delivery pass for an active rule, bypassing its timers.
// The pass shares the rule's overlap gate with timer firings.
func (s *Service) RunOnceNow(ctx context.Context, ruleID string) (delivery.Outcome, error) {
	r, err := s.activeRule(ctx, ruleID)
	if err != nil {
		return delivery.Outcome{}, err
	}
	if s.runner == nil {
		return s.exec.Fire(ctx, r.ID), nil
	}

	res := make(chan delivery.Outcome, 1)
	dropped := make(chan struct{})
	err = s.runner.Enqueue(engine.Task{
		Name:    "reminder.run_now",
		Key:     r.ID,
		Timeout: s.config().RunTimeout,
		Run: func(c context.Context) error {
			res <- s.exec.Fire(c, r.ID)
			return nil
		},
		Dropped: func() { close(dropped) },
	})
	if err != nil {
		if errors.Is(err, engine.ErrOverlapSkip) {
			return delivery.Outcome{}, fmt.Errorf("reminder %s is already firing: %w", r.ID, err)
		}
		return delivery.Outcome{}, fmt.Errorf("enqueue run: %w", err)
	}
	select {
	case out := <-res:
		return out, nil
	case <-dropped:
		return delivery.Outcome{}, fmt.Errorf("run of reminder %s: %w", r.ID, engine.ErrStopped)
	case <-ctx.Done():
		return delivery.Outcome{}, ctx.Err()
	}
}

// RuleView is a rule with its audit summary.
type RuleView struct {
	Rule  reminder.Rule
	Stats storage.DeliveryStats
}

// ListUserRules returns the active rules of a user.
func (s *Service) ListUserRules(ctx context.Context, userID int64) ([]reminder.Rule, error) {
	all, err := s.store.ListUserRules(ctx, userID)
	if ids, ok := storage.Skipped(err); ok {
		s.log.Warn("user rules partially listed", logx.User(userID), logx.String("skipped", strings.Join(ids, ",")))
	} else if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// RuleStats returns a rule (active or not) with its delivery counters.
func (s *Service) RuleStats(ctx context.Context, ruleID string) (RuleView, error) {
	r, err := s.store.GetRule(ctx, strings.TrimSpace(ruleID))
	if errors.Is(err, storage.ErrNotFound) {
		return RuleView{}, &reminder.NotFoundError{RuleID: ruleID}
	}
	if err != nil {
		return RuleView{}, err
	}
	st, err := s.store.DeliveryStats(ctx, r.ID)
	if err != nil {
		return RuleView{}, err
	}
	return RuleView{Rule: r, Stats: st}, nil
}

// Deliveries returns the latest audit records of a rule, newest first.
func (s *Service) Deliveries(ctx context.Context, ruleID string, limit int) ([]reminder.DeliveryRecord, error) {
	return s.store.ListDeliveries(ctx, strings.TrimSpace(ruleID), limit)
}

// Timers lists the armed rules.
func (s *Service) Timers(ctx context.Context) ([]scheduler.TimerInfo, error) {
	return s.reg.List(ctx)
}

// AddQuote adds an active quote to the pool.
func (s *Service) AddQuote(ctx context.Context, text, category string) (int64, error) {
	text = strings.TrimSpace(text)
	switch n := utf8.RuneCountInString(text); {
	case n == 0:
		return 0, &reminder.ValidationError{Field: "text", Reason: "required"}
	case n > reminder.MaxQuoteLen:
		return 0, &reminder.ValidationError{Field: "text", Reason: fmt.Sprintf("longer than %d characters", reminder.MaxQuoteLen)}
	}
	category = strings.TrimSpace(category)
	if category == "" {
		category = reminder.DefaultQuoteCategory
	}
	id, err := s.store.AddQuote(ctx, reminder.Quote{
		Text:      text,
		Category:  category,
		Active:    true,
		CreatedAt: s.reg.Now(),
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("quote added", logx.Int64("quote", id), logx.String("category", category))
	return id, nil
}

func (s *Service) ListQuotes(ctx context.Context, limit int) ([]reminder.Quote, error) {
	return s.store.ListQuotes(ctx, limit)
}

func (s *Service) CountQuotes(ctx context.Context) (storage.QuoteCounts, error) {
	return s.store.CountQuotes(ctx)
}

// SetQuoteActive toggles a quote. Unknown ids return storage.ErrNotFound.
func (s *Service) SetQuoteActive(ctx context.Context, id int64, active bool) error {
	return s.store.SetQuoteActive(ctx, id, active)
}
