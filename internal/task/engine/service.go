package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "carebot/internal/runtime/supervisor"
	logx "carebot/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a bounded worker pool. Enqueue never blocks.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	keyMu sync.Mutex
	keys  map[string]struct{}

	hmu         sync.Mutex
	history     []HistoryItem
	historySize int

	inFlight         atomic.Int32
	idSeq            atomic.Uint64
	droppedQueueFull atomic.Uint64
	skippedOverlap   atomic.Uint64
	lastFullWarnAt   atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:         cfg,
		log:         log,
		keys:        make(map[string]struct{}),
		historySize: cfg.HistorySize,
	}
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.stopCh != nil {
		return
	}

	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	// Workers outlive the caller's context so in-flight sends finish during Stop.
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))))

	stopCh, queue := s.stopCh, s.q
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return nil
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop signals the workers and waits for running tasks, bounded by ctx.
// Queued tasks that did not start are dropped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	// Running tasks keep their context until the wait ends or ctx expires.
	err := sup.Wait(ctx)
	sup.Cancel()

	s.mu.Lock()
	q := s.q
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.stopping = false
	s.mu.Unlock()

	// Free overlap keys held by tasks that never ran.
	for {
		select {
		case qt := <-q:
			s.release(qt.task.Key)
			if qt.task.Dropped != nil {
				qt.task.Dropped()
			}
			continue
		default:
		}
		break
	}

	if err != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue hands t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopping := s.cfg, s.q, s.stopping
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case q == nil:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	if !s.acquire(t.Key) {
		s.skippedOverlap.Add(1)
		s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("key", t.Key))
		return ErrOverlapSkip
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	select {
	case q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		s.release(t.Key)
		s.droppedQueueFull.Add(1)
		if s.shouldWarn(now) {
			s.log.Warn("task dropped: queue full", logx.String("task", t.Name),
				logx.Int("queue_cap", cap(q)), logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()))
		}
		return ErrQueueFull
	}
}

func (s *Service) acquire(key string) bool {
	if key == "" {
		return true
	}
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	if _, busy := s.keys[key]; busy {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

func (s *Service) release(key string) {
	if key == "" {
		return
	}
	s.keyMu.Lock()
	delete(s.keys, key)
	s.keyMu.Unlock()
}

// Busy reports whether a task with key is queued or running.
func (s *Service) Busy(key string) bool {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	_, ok := s.keys[key]
	return ok
}

func (s *Service) shouldWarn(now time.Time) bool {
	prev := s.lastFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return false
	}
	return s.lastFullWarnAt.CompareAndSwap(prev, now.UnixNano())
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		SkippedOverlap:   s.skippedOverlap.Load(),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
