package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"carebot/internal/reminder"
	"carebot/internal/task/engine"
	logx "carebot/pkg/logx"
)

// TimerInfo describes one armed rule.
type TimerInfo struct {
	RuleID string
	UserID int64
	Kind   reminder.ScheduleType
	Label  string
	Next   time.Time // zero while a random rule waits for re-arm
}

// Schedule arms timers for r, replacing any existing ones. An inactive rule
// is cancelled instead.
func (s *Service) Schedule(ctx context.Context, r reminder.Rule) error {
	if !r.Active {
		_, err := s.Cancel(ctx, r.ID)
		return err
	}
	var armErr error
	if err := s.do(ctx, func() { armErr = s.arm(r) }); err != nil {
		return &reminder.SchedulingError{RuleID: r.ID, Err: err}
	}
	return armErr
}

// Cancel removes every timer of the rule. It reports whether any existed.
func (s *Service) Cancel(ctx context.Context, ruleID string) (bool, error) {
	var found bool
	err := s.do(ctx, func() {
		_, found = s.table[ruleID]
		s.disarm(ruleID)
	})
	return found, err
}

// Rearm draws a new one-shot for a random rule that is still registered.
// Cancelled or non-random rules are left alone and false is returned.
func (s *Service) Rearm(ctx context.Context, ruleID string) (time.Time, bool, error) {
	var next time.Time
	var ok bool
	err := s.do(ctx, func() {
		a := s.table[ruleID]
		if a == nil || a.rule.Schedule != reminder.ScheduleRandom {
			return
		}
		s.armOnce(a)
		next, ok = a.next, true
	})
	return next, ok, err
}

// List returns armed rules ordered by next fire time.
func (s *Service) List(ctx context.Context) ([]TimerInfo, error) {
	var out []TimerInfo
	err := s.do(ctx, func() {
		out = make([]TimerInfo, 0, len(s.table))
		for id, a := range s.table {
			out = append(out, TimerInfo{
				RuleID: id,
				UserID: a.rule.UserID,
				Kind:   a.rule.Schedule,
				Label:  a.rule.Describe(),
				Next:   s.nextOf(a),
			})
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Next.Equal(out[j].Next) {
			if out[i].Next.IsZero() || out[j].Next.IsZero() {
				return out[j].Next.IsZero()
			}
			return out[i].Next.Before(out[j].Next)
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out, err
}

func (s *Service) nextOf(a *armed) time.Time {
	if a.rule.Schedule == reminder.ScheduleRandom {
		return a.next
	}
	var next time.Time
	for _, id := range a.entries {
		n := s.c.Entry(id).Next
		if !n.IsZero() && (next.IsZero() || n.Before(next)) {
			next = n
		}
	}
	return next
}

// arm runs on the loop goroutine.
func (s *Service) arm(r reminder.Rule) error {
	s.disarm(r.ID)
	s.gen++
	a := &armed{rule: r, gen: s.gen}
	rs := s.cur
	ev := fireEvent{ruleID: r.ID, gen: a.gen}
	job := cron.FuncJob(func() { post(rs, ev) })

	switch r.Schedule {
	case reminder.ScheduleFixed:
		if len(r.Times) == 0 {
			return &reminder.SchedulingError{RuleID: r.ID, Err: errors.New("no fixed times")}
		}
		for _, c := range r.Times {
			id, err := s.c.AddJob(fmt.Sprintf("%d %d * * *", c.Minute, c.Hour), job)
			if err != nil {
				s.removeEntries(a)
				return &reminder.SchedulingError{RuleID: r.ID, Err: err}
			}
			a.entries = append(a.entries, id)
		}
	case reminder.ScheduleInterval:
		if r.Period() <= 0 {
			return &reminder.SchedulingError{RuleID: r.ID, Err: errors.New("non-positive interval")}
		}
		a.entries = append(a.entries, s.c.Schedule(cron.Every(r.Period()), job))
	case reminder.ScheduleRandom:
		if r.Period() <= 0 {
			return &reminder.SchedulingError{RuleID: r.ID, Err: errors.New("non-positive random interval")}
		}
		s.table[r.ID] = a
		s.armOnce(a)
		s.log.Debug("rule armed", logx.Rule(r.ID), logx.String("kind", string(r.Schedule)), logx.Time("next", a.next))
		return nil
	default:
		return &reminder.SchedulingError{RuleID: r.ID, Err: fmt.Errorf("unknown schedule type %q", r.Schedule)}
	}
	s.table[r.ID] = a
	s.log.Debug("rule armed", logx.Rule(r.ID), logx.String("kind", string(r.Schedule)), logx.Int("entries", len(a.entries)))
	return nil
}

// armOnce replaces the one-shot of a random rule with a fresh draw.
func (s *Service) armOnce(a *armed) {
	if a.timer != nil {
		a.timer.Stop()
	}
	s.gen++
	a.gen = s.gen
	now := s.Now()
	a.next = reminder.NextRandom(a.rule.Period(), a.rule.Quiet, now, s.rng)
	rs := s.cur
	ev := fireEvent{ruleID: a.rule.ID, gen: a.gen}
	a.timer = time.AfterFunc(max(0, a.next.Sub(now)), func() { post(rs, ev) })
}

func (s *Service) disarm(ruleID string) {
	a := s.table[ruleID]
	if a == nil {
		return
	}
	s.removeEntries(a)
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(s.table, ruleID)
	delete(s.lastEnqWarn, ruleID)
}

func (s *Service) removeEntries(a *armed) {
	for _, id := range a.entries {
		s.c.Remove(id)
	}
	a.entries = nil
}

// dispatch hands a live fire event to the engine. Stale events (cancelled or
// re-armed since the timer was set) are dropped.
func (s *Service) dispatch(ev fireEvent) {
	a := s.table[ev.ruleID]
	if a == nil || a.gen != ev.gen {
		s.log.Debug("stale fire event dropped", logx.Rule(ev.ruleID))
		return
	}
	if a.rule.Schedule == reminder.ScheduleRandom {
		a.timer, a.next = nil, time.Time{}
	}
	err := s.enqueue(ev.ruleID)
	if err == nil {
		return
	}
	s.reportEnqueueError(ev.ruleID, err)
	// Nothing will re-arm a random rule whose pass never runs.
	if a.rule.Schedule == reminder.ScheduleRandom && !errors.Is(err, engine.ErrOverlapSkip) {
		s.armOnce(a)
	}
}

func (s *Service) enqueue(ruleID string) error {
	s.mu.Lock()
	fire, timeout := s.fire, s.cfg.FireTimeout
	s.mu.Unlock()
	if fire == nil || s.disp == nil {
		return errors.New("no fire handler")
	}
	return s.disp.Enqueue(engine.Task{
		Name:    "reminder.fire",
		Key:     ruleID,
		Timeout: timeout,
		Run:     func(ctx context.Context) error { return fire(ctx, ruleID) },
	})
}

// Trigger dispatches a fire event for an armed rule as if its timer elapsed.
func (s *Service) Trigger(ctx context.Context, ruleID string) (bool, error) {
	var ok bool
	err := s.do(ctx, func() {
		a := s.table[ruleID]
		if a == nil {
			return
		}
		ok = true
		if err := s.enqueue(ruleID); err != nil {
			s.reportEnqueueError(ruleID, err)
			ok = false
		}
	})
	return ok, err
}
