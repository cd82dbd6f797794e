package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "carebot/pkg/logx"
)

const sampleYAML = `
telegram:
  owner_user_ids: [1001]
  poll_timeout: 15s
logging:
  level: debug
  console: true
scheduler:
  timezone: Europe/Moscow
task_engine:
  workers: 3
reminders:
  misfire_grace: 30m
  send_rate_per_sec: 10
storage:
  driver: sqlite
  path: ./carebot.db
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func env(kv map[string]string) func(string) string {
	return func(k string) string { return kv[k] }
}

func TestParseYAMLWithEnvSecrets(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.yaml", sampleYAML)
	m := NewManager(p)
	m.SetEnv(env(map[string]string{EnvTelegramToken: "123:abc"}))

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q, want value from env", cfg.Telegram.Token)
	}
	if cfg.Scheduler.Timezone != "Europe/Moscow" || cfg.TaskEngine.Workers != 3 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Reminders.MisfireGrace == nil || *cfg.Reminders.MisfireGrace != "30m" {
		t.Fatalf("misfire_grace = %v", cfg.Reminders.MisfireGrace)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x"},"plugins":{}}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("Parse() accepted an unknown section")
	}
	p = writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x"}}{}`)
	if _, err := NewManager(p).Parse(); err == nil {
		t.Fatal("Parse() accepted trailing data")
	}
}

func TestDatabaseURLFromEnv(t *testing.T) {
	p := writeFile(t, t.TempDir(), "config.json", `{"telegram":{"token":"x"}}`)
	m := NewManager(p)
	m.SetEnv(env(map[string]string{EnvDatabaseURL: "postgres://care@localhost/care"}))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "postgres" || cfg.Storage.DSN == "" {
		t.Fatalf("storage = %+v, want postgres from env", cfg.Storage)
	}
}

func TestValidate(t *testing.T) {
	grace := "soon"
	off := false
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"poll timeout", func(c *Config) { c.Telegram.PollTimeout = "-1s" }, "telegram.poll_timeout"},
		{"grace", func(c *Config) { c.Reminders.MisfireGrace = &grace }, "reminders.misfire_grace"},
		{"engine off", func(c *Config) { c.TaskEngine.Enabled = &off }, "task_engine.enabled"},
		{"workers", func(c *Config) { c.TaskEngine.Workers = -1 }, "task_engine.workers"},
		{"driver", func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, "storage.driver"},
		{"dsn", func(c *Config) { c.Storage = &StorageConfig{Driver: "postgres"} }, "storage.dsn"},
		{"owner", func(c *Config) { c.Telegram.OwnerUserIDs = []int64{0} }, "owner_user_ids"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tc.want)
			}
		})
	}
	if err := Validate(&Config{}); err != nil {
		t.Fatalf("empty config must be valid: %v", err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "secret-a"}, Scheduler: SchedulerConfig{Timezone: "UTC"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "secret-b"}, Scheduler: SchedulerConfig{Timezone: "Asia/Tokyo"},
		Reminders: RemindersConfig{SendRatePerSec: 5}}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(sections, ","); got != "reminders,scheduler" {
		t.Fatalf("sections = %q", got)
	}
	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("config reloaded", attrs...)
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("summary leaked a secret: %s", buf.String())
	}
	if !strings.Contains(buf.String(), "Asia/Tokyo") {
		t.Fatalf("summary misses the new timezone: %s", buf.String())
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "config.json", `{"scheduler":{"timezone":"UTC"}}`)
	m := NewManager(p)
	m.SetEnv(env(nil))
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); _ = m.Watch(ctx) }()
	defer func() { cancel(); <-done }()

	// Give the watcher time to register before the first write.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"scheduler":{"timezone":"Mars/Olympus"}}`)
	time.Sleep(600 * time.Millisecond)
	writeFile(t, dir, "config.json", `{"scheduler":{"timezone":"Asia/Tokyo"}}`)

	select {
	case cfg := <-sub:
		if cfg.Scheduler.Timezone != "Asia/Tokyo" {
			t.Fatalf("published timezone = %q; invalid configs must not be published", cfg.Scheduler.Timezone)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Scheduler.Timezone; got != "Asia/Tokyo" {
		t.Fatalf("Get() timezone = %q", got)
	}
}

func TestPublishKeepsNewestForSlowSubscriber(t *testing.T) {
	m := NewManager("unused.json")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatal("a full subscriber must receive the newest revision")
	}

	m.Unsubscribe(sub)
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatal("Unsubscribe must close the channel")
	}
	m.publish(first)
}
