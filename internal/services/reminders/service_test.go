package reminders

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/require"

	"carebot/internal/delivery"
	"carebot/internal/reminder"
	"carebot/internal/storage"
	"carebot/internal/task/engine"
	"carebot/internal/task/scheduler"
	logx "carebot/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeSender) Send(_ context.Context, _ int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type constRand int64

func (r constRand) Int63n(n int64) int64 { return min(int64(r), n-1) }

type fixture struct {
	store  *storage.Memory
	sender *fakeSender
	clock  *clock
	sched  *scheduler.Service
	svc    *Service
}

func newFixture(t *testing.T, now time.Time, draw int64, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:  storage.NewMemory(),
		sender: &fakeSender{},
		clock:  &clock{t: now},
	}
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, QueueSize: 16}, logx.Nop())
	f.sched = scheduler.New(scheduler.Config{Timezone: "Europe/Moscow", FireTimeout: 5 * time.Second}, eng, logx.Nop(),
		scheduler.WithClock(f.clock.now), scheduler.WithRand(constRand(draw)))
	exec := delivery.New(delivery.Config{}, f.store, f.sender, f.sched, f.sched.Now, logx.Nop())
	f.sched.SetFireFunc(exec.Task)
	f.svc = New(cfg, f.store, f.sched, exec, eng, logx.Nop())

	eng.Start(ctx)
	f.sched.Start(ctx)
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.sched.Stop(c)
		eng.Stop(c)
	})
	return f
}

func (f *fixture) statuses(t *testing.T, id string) []reminder.Status {
	t.Helper()
	recs, err := f.store.ListDeliveries(context.Background(), id, 100)
	require.NoError(t, err)
	out := make([]reminder.Status, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Status)
	}
	return out
}

func (f *fixture) timersFor(t *testing.T, id string) []scheduler.TimerInfo {
	t.Helper()
	all, err := f.svc.Timers(context.Background())
	require.NoError(t, err)
	var out []scheduler.TimerInfo
	for _, ti := range all {
		if ti.RuleID == id {
			out = append(out, ti)
		}
	}
	return out
}

func moscow(t *testing.T, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Moscow")
	require.NoError(t, err)
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestWaterIntervalFiresOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 0, Config{})

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{
		UserID: 42, Type: "habit", HabitType: "water", ScheduleType: "interval", IntervalHours: 3,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	out, err := f.svc.RunOnceNow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reminder.StatusSent, out.Status)
	require.Equal(t, []reminder.Status{reminder.StatusSent}, f.statuses(t, id))

	timers := f.timersFor(t, id)
	require.Len(t, timers, 1)
	require.Equal(t, reminder.ScheduleInterval, timers[0].Kind)
	require.False(t, timers[0].Next.IsZero())
}

func TestQuietFireSkipsAndRearmsRandom(t *testing.T) {
	ctx := context.Background()
	now := moscow(t, 2025, 3, 3, 23, 30)
	f := newFixture(t, now, 0, Config{})

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{
		UserID: 42, Type: "quote", ScheduleType: "random", RandomIntervalHours: 6,
		StartTime: "23:00", EndTime: "06:00",
	})
	require.NoError(t, err)

	out, err := f.svc.RunOnceNow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reminder.StatusSkipped, out.Status)
	require.Equal(t, []reminder.Status{reminder.StatusSkipped}, f.statuses(t, id))
	require.Empty(t, f.sender.texts())

	timers := f.timersFor(t, id)
	require.Len(t, timers, 1)
	want := moscow(t, 2025, 3, 4, 6, 0)
	require.True(t, timers[0].Next.Equal(want), "next = %s, want the end of the quiet window %s", timers[0].Next, want)
	require.True(t, out.Next.Equal(timers[0].Next))
}

func TestSendFailureKeepsRuleAndRearms(t *testing.T) {
	ctx := context.Background()
	now := moscow(t, 2025, 3, 3, 12, 0)
	f := newFixture(t, now, 3600, Config{})
	f.sender.err = errors.New("Forbidden: bot was blocked by the user")

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{
		UserID: 42, Type: "habit", HabitType: "posture", ScheduleType: "random", RandomIntervalHours: 2,
	})
	require.NoError(t, err)

	out, err := f.svc.RunOnceNow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, reminder.StatusError, out.Status)
	require.Equal(t, []reminder.Status{reminder.StatusError}, f.statuses(t, id))

	r, err := f.store.GetRule(ctx, id)
	require.NoError(t, err)
	require.True(t, r.Active)

	timers := f.timersFor(t, id)
	require.Len(t, timers, 1)
	require.True(t, timers[0].Next.Equal(now.Add(time.Hour)))
}

func TestReloadAllIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 3600, Config{MisfireGrace: time.Hour})

	specs := []reminder.RuleSpec{
		{UserID: 1, Type: "habit", HabitType: "eyes", ScheduleType: "fixed", Times: []string{"09:00", "18:00"}},
		{UserID: 1, Type: "habit", HabitType: "water", ScheduleType: "interval", IntervalHours: 2},
		{UserID: 2, Type: "quote", ScheduleType: "random", RandomIntervalHours: 4, StartTime: "22:00", EndTime: "07:00"},
	}
	for _, s := range specs {
		_, err := f.svc.CreateAndSchedule(ctx, s)
		require.NoError(t, err)
	}

	snapshot := func() []string {
		timers, err := f.svc.Timers(ctx)
		require.NoError(t, err)
		out := make([]string, 0, len(timers))
		for _, ti := range timers {
			out = append(out, ti.RuleID+"/"+string(ti.Kind))
		}
		sort.Strings(out)
		return out
	}

	rep, err := f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Active)
	require.Equal(t, 3, rep.Scheduled)
	once := snapshot()

	_, err = f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, once, snapshot())
	require.Len(t, once, 3)
}

func TestReloadAllRemovesDeactivatedRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 3600, Config{})

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{UserID: 1, Type: "quote", ScheduleType: "fixed", Times: []string{"20:00"}})
	require.NoError(t, err)
	// Deactivated behind the service's back, e.g. by the admin CLI.
	_, err = f.store.DeactivateRule(ctx, id)
	require.NoError(t, err)
	require.Len(t, f.timersFor(t, id), 1)

	rep, err := f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Removed)
	require.Empty(t, f.timersFor(t, id))
}

// corruptStore reports one undecodable rule next to the healthy ones.
type corruptStore struct {
	*storage.Memory
	badID string
}

func (c corruptStore) ListActiveRules(ctx context.Context) ([]reminder.Rule, error) {
	rules, err := c.Memory.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}
	return rules, &storage.SkippedRulesError{
		IDs:  []string{c.badID},
		Errs: []error{&reminder.ValidationError{Field: "habit_type", Reason: "unknown habit"}},
	}
}

func TestReloadAllSurvivesUndecodableRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 3600, Config{})

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{UserID: 1, Type: "habit", HabitType: "water", ScheduleType: "interval", IntervalHours: 2})
	require.NoError(t, err)
	f.svc.store = corruptStore{Memory: f.store, badID: "BROKEN"}

	rep, err := f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, rep.Active)
	require.Equal(t, 1, rep.Scheduled)
	require.Equal(t, 1, rep.Failed)
	require.Len(t, f.timersFor(t, id), 1)
	require.Empty(t, f.timersFor(t, "BROKEN"))
}

func TestReloadAllCatchesUpMisfire(t *testing.T) {
	ctx := context.Background()
	now := moscow(t, 2025, 3, 3, 9, 30)
	f := newFixture(t, now, 0, Config{MisfireGrace: time.Hour})

	r, err := reminder.RuleSpec{UserID: 5, Type: "habit", HabitType: "stretch", ScheduleType: "fixed", Times: []string{"09:00"}}.Build()
	require.NoError(t, err)
	r.ID = "stretch"
	r.CreatedAt = now.AddDate(0, 0, -2)
	require.NoError(t, f.store.CreateRule(ctx, r))

	rep, err := f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.CaughtUp)
	require.Eventually(t, func() bool {
		return len(f.statuses(t, "stretch")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []reminder.Status{reminder.StatusSent}, f.statuses(t, "stretch"))
	require.Len(t, f.sender.texts(), 1)

	rep, err = f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.CaughtUp, "occurrence already delivered")

	// Beyond the grace window nothing is replayed.
	f.clock.set(moscow(t, 2025, 3, 4, 10, 30))
	rep, err = f.svc.ReloadAll(ctx)
	require.NoError(t, err)
	require.Zero(t, rep.CaughtUp)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 0, Config{})

	_, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{
		UserID: 1, Type: "habit", HabitType: "water", ScheduleType: "fixed", Times: []string{"25:00"},
	})
	var ve *reminder.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{
		UserID: 1, Type: "habit", HabitType: "water", ScheduleType: "interval", IntervalHours: 2, StartTime: "23:00",
	})
	require.ErrorAs(t, err, &ve)

	rules, err := f.store.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Empty(t, rules)
	timers, err := f.svc.Timers(ctx)
	require.NoError(t, err)
	require.Empty(t, timers)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 3600, Config{})

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{UserID: 7, Type: "quote", ScheduleType: "random", RandomIntervalHours: 3})
	require.NoError(t, err)

	var nf *reminder.NotFoundError
	require.ErrorAs(t, f.svc.CancelForUser(ctx, 8, id), &nf)
	require.Len(t, f.timersFor(t, id), 1)

	require.NoError(t, f.svc.CancelForUser(ctx, 7, id))
	require.Empty(t, f.timersFor(t, id))
	r, err := f.store.GetRule(ctx, id)
	require.NoError(t, err)
	require.False(t, r.Active)

	require.NoError(t, f.svc.Cancel(ctx, id), "cancelling twice is a no-op")
	require.NoError(t, f.svc.Cancel(ctx, "unknown"))

	_, err = f.svc.RunOnceNow(ctx, id)
	require.ErrorAs(t, err, &nf)
	rules, err := f.svc.ListUserRules(ctx, 7)
	require.NoError(t, err)
	require.Empty(t, rules)
}

func TestQuotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 0, Config{})

	_, err := f.svc.AddQuote(ctx, strings.Repeat("a", reminder.MaxQuoteLen+1), "")
	var ve *reminder.ValidationError
	require.ErrorAs(t, err, &ve)

	id, err := f.svc.AddQuote(ctx, "  Small steps still count.  ", "")
	require.NoError(t, err)
	qs, err := f.svc.ListQuotes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, qs, 1)
	require.Equal(t, "Small steps still count.", qs[0].Text)
	require.Equal(t, reminder.DefaultQuoteCategory, qs[0].Category)

	require.NoError(t, f.svc.SetQuoteActive(ctx, id, false))
	counts, err := f.svc.CountQuotes(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.QuoteCounts{Total: 1, Active: 0}, counts)
}

func TestRuleStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 0, Config{})

	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{UserID: 3, Type: "habit", CustomText: "call mom", ScheduleType: "fixed", Times: []string{"19:00"}})
	require.NoError(t, err)
	_, err = f.svc.RunOnceNow(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"🏃 Reminder: call mom"}, f.sender.texts())

	view, err := f.svc.RuleStats(ctx, id)
	require.NoError(t, err)
	require.Equal(t, 1, view.Stats.Sent)
	require.Equal(t, int64(3), view.Rule.UserID)

	_, err = f.svc.RuleStats(ctx, "missing")
	var nf *reminder.NotFoundError
	require.ErrorAs(t, err, &nf)
}

// stoppingRunner accepts a task and discards it, like an engine stopping
// before a worker picks the task up.
type stoppingRunner struct{}

func (stoppingRunner) Enqueue(t engine.Task) error {
	go t.Dropped()
	return nil
}

func TestRunOnceNowReturnsWhenEngineDropsTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, moscow(t, 2025, 3, 3, 12, 0), 3600, Config{})
	id, err := f.svc.CreateAndSchedule(ctx, reminder.RuleSpec{UserID: 1, Type: "quote", ScheduleType: "fixed", Times: []string{"20:00"}})
	require.NoError(t, err)
	f.svc.runner = stoppingRunner{}

	_, err = f.svc.RunOnceNow(ctx, id)
	require.ErrorIs(t, err, engine.ErrStopped)
	require.Empty(t, f.sender.texts())
}
