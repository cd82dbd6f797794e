package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"carebot/internal/reminder"
	rtsup "carebot/internal/runtime/supervisor"
	"carebot/internal/task/engine"
	logx "carebot/pkg/logx"
)

var ErrNotRunning = errors.New("scheduler not running")

type Config struct {
	Timezone    string        // IANA name, e.g. "Europe/Moscow"; empty means Local
	FireTimeout time.Duration // budget of one delivery pass
}

// Dispatcher accepts fire tasks without blocking. *engine.Service satisfies it.
type Dispatcher interface {
	Enqueue(t engine.Task) error
}

// FireFunc runs one delivery pass for a rule.
type FireFunc func(ctx context.Context, ruleID string) error

type Option func(*Service)

// WithClock replaces time.Now for one-shot arming.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRand replaces the random source used for random-schedule draws.
func WithRand(r reminder.Rand) Option { return func(s *Service) { s.rng = r } }

type Service struct {
	mu   sync.Mutex
	cfg  Config
	run  *loopRun
	fire FireFunc

	log    logx.Logger
	disp   Dispatcher
	now    func() time.Time
	rng    reminder.Rand
	parser cron.Parser
	loc    atomic.Pointer[time.Location]

	// Owned by the loop goroutine.
	cur         *loopRun
	c           *cron.Cron
	table       map[string]*armed
	gen         uint64
	lastEnqWarn map[string]time.Time
}

type loopRun struct {
	ops    chan func()
	events chan fireEvent
	stop   chan struct{}
	sup    *rtsup.Supervisor
}

type fireEvent struct {
	ruleID string
	gen    uint64
}

// armed is the registry entry of one rule.
type armed struct {
	rule    reminder.Rule
	gen     uint64
	entries []cron.EntryID
	timer   *time.Timer
	next    time.Time // one-shot target; zero while waiting for re-arm
}

func New(cfg Config, disp Dispatcher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		disp:        disp,
		now:         time.Now,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		table:       map[string]*armed{},
		lastEnqWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.loc.Store(s.loadLocation(cfg.Timezone))
	return s
}

// SetFireFunc installs the delivery pass. Call before Start.
func (s *Service) SetFireFunc(fn FireFunc) {
	s.mu.Lock()
	s.fire = fn
	s.mu.Unlock()
}

// Location is the canonical timezone of all schedules.
func (s *Service) Location() *time.Location { return s.loc.Load() }

// Now returns the injected clock reading in the canonical timezone.
func (s *Service) Now() time.Time { return s.now().In(s.Location()) }

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) newCron() *cron.Cron {
	return cron.New(cron.WithParser(s.parser), cron.WithLocation(s.Location()))
}

// Start launches cron and the registry loop. The timer table starts empty.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil {
		return
	}
	rs := &loopRun{
		ops:    make(chan func()),
		events: make(chan fireEvent, 64),
		stop:   make(chan struct{}),
		sup:    rtsup.New(ctx, rtsup.WithLogger(s.log)),
	}
	s.run = rs
	s.c = s.newCron()
	s.c.Start()

	// A panic inside the loop restarts it with the table intact.
	rs.sup.GoRestart("scheduler.loop", func(c context.Context) error {
		s.loop(c, rs)
		return nil
	}, rtsup.WithRestartBackoff(10*time.Millisecond, time.Second))
	s.log.Info("service started", logx.String("tz", s.Location().String()))
}

func (s *Service) loop(ctx context.Context, rs *loopRun) {
	s.cur = rs
	for {
		select {
		case <-ctx.Done():
			return
		case <-rs.stop:
			return
		case op := <-rs.ops:
			op()
		case ev := <-rs.events:
			s.dispatch(ev)
		}
	}
}

// Stop halts the loop and cron and disarms every timer.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	rs := s.run
	s.run = nil
	s.mu.Unlock()
	if rs == nil {
		return
	}

	close(rs.stop)
	if err := rs.sup.Stop(ctx); err != nil {
		s.log.Warn("scheduler loop stop", logx.Err(err))
	}

	// The loop is gone; the table is ours now.
	if s.c != nil {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
		}
	}
	for id, a := range s.table {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(s.table, id)
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps config. A timezone change restarts cron in the new location and
// re-arms every rule.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.mu.Unlock()

	if strings.TrimSpace(cfg.Timezone) == oldTZ {
		return nil
	}
	loc := s.loadLocation(cfg.Timezone)
	err := s.do(ctx, func() {
		s.loc.Store(loc)
		s.restartCron()
	})
	if errors.Is(err, ErrNotRunning) {
		s.loc.Store(loc)
		return nil
	}
	return err
}

func (s *Service) restartCron() {
	old := s.c
	rules := make([]reminder.Rule, 0, len(s.table))
	for id, a := range s.table {
		if a.timer != nil {
			a.timer.Stop()
		}
		rules = append(rules, a.rule)
		delete(s.table, id)
	}
	s.c = s.newCron()
	s.c.Start()
	if old != nil {
		old.Stop()
	}
	for _, r := range rules {
		if err := s.arm(r); err != nil {
			s.log.Error("re-arm failed after timezone change", logx.Rule(r.ID), logx.Err(err))
		}
	}
	s.log.Info("timezone changed; timers re-armed", logx.String("tz", s.Location().String()), logx.Int("rules", len(rules)))
}

// do runs fn on the loop goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func()) error {
	s.mu.Lock()
	rs := s.run
	s.mu.Unlock()
	if rs == nil {
		return ErrNotRunning
	}
	done := make(chan struct{})
	select {
	case rs.ops <- func() { defer close(done); fn() }:
	case <-rs.stop:
		return ErrNotRunning
	case <-rs.sup.Context().Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-rs.sup.Context().Done():
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post delivers a timer callback to the loop, giving up once it stopped.
func post(rs *loopRun, ev fireEvent) {
	select {
	case rs.events <- ev:
	case <-rs.stop:
	}
}
