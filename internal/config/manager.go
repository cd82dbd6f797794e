package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "carebot/pkg/logx"
)

// Manager owns the config file: it loads it, watches it and fans accepted
// revisions out to subscribers.
type Manager struct {
	path   string
	getenv func(string) string
	log    logx.Logger
	check  func(ctx context.Context, cfg *Config) error

	cur atomic.Pointer[revision]

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

// revision is a committed config and the hash of its JSON form. Editors that
// save several times without changing content produce the same hash.
type revision struct {
	cfg  *Config
	hash uint64
}

func NewManager(path string) *Manager {
	return &Manager{path: path, getenv: os.Getenv, subs: make(map[chan *Config]struct{})}
}

// SetEnv replaces the environment lookup used to fill secrets.
func (m *Manager) SetEnv(getenv func(string) string) { m.getenv = getenv }

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the check a watched revision must pass before it is
// committed and published.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) { m.check = fn }

// Parse reads and decodes the file without committing it.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(m.path, raw)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, m.getenv)
	return cfg, nil
}

// Load parses the file and makes it the current config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.cur.Store(&revision{cfg: cfg, hash: hashConfig(cfg)})
	return cfg, nil
}

// Get returns the current config, or nil before Load.
func (m *Manager) Get() *Config {
	if rev := m.cur.Load(); rev != nil {
		return rev.cfg
	}
	return nil
}

func hashConfig(cfg *Config) uint64 {
	raw, err := json.Marshal(cfg)
	if cfg == nil || err != nil {
		return 0
	}
	return hashBytes(raw)
}

// Subscribe registers a channel that receives every published revision.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

// publish hands cfg to every subscriber. A full channel loses its oldest
// pending revision so the newest one always lands.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.debug("revision dropped for slow subscriber", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// Watch reloads the file on change until ctx ends. Each reload is parsed,
// validated and committed before subscribers see it; parse or validation
// failures keep the previous config. A broken watcher is recreated with
// jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	const (
		backoffMin = 250 * time.Millisecond
		backoffMax = 5 * time.Second
		settle     = 250 * time.Millisecond
	)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := backoffMin
	wait := func() bool {
		d := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, backoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(settle, func() { m.reload(ctx) })
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for ctx.Err() == nil {
		err := m.watchOnce(ctx, schedule, func() { backoff = backoffMin })
		if ctx.Err() != nil {
			break
		}
		m.warn("config watcher stopped; restarting", logx.Err(err), logx.String("path", m.path))
		if !wait() {
			break
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher until it breaks or ctx ends.
func (m *Manager) watchOnce(ctx context.Context, changed, healthy func()) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("event channel closed")
			}
			// Editors often replace the file, so match by basename and any op.
			if strings.EqualFold(filepath.Base(ev.Name), file) {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("error channel closed")
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.warn("config watch overflow; forcing reload", logx.Err(err))
				changed()
				continue
			}
			m.warn("config watch error", logx.Err(err), logx.String("dir", dir))
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	h := hashConfig(cfg)
	if prev := m.cur.Load(); prev != nil && h != 0 && h == prev.hash {
		m.debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}
	if m.check != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.check(vctx, cfg)
		cancel()
		if err != nil {
			m.warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.cur.Store(&revision{cfg: cfg, hash: h})
	m.publish(cfg)
	m.debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
}

func (m *Manager) warn(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Warn(msg, fields...)
	}
}

func (m *Manager) debug(msg string, fields ...logx.Field) {
	if !m.log.IsZero() {
		m.log.Debug(msg, fields...)
	}
}
