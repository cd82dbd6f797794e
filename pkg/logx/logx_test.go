package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestWithFieldsAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "scheduler"))

	log.Debug("hidden")
	log.Warn("misfire", Rule("r1"), User(42), Err(errors.New("boom")), Duration("late", 2*time.Second))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["comp"] != "scheduler" || m["rule"] != "r1" || m["err"] != "boom" || m["message"] != "misfire" {
		t.Fatalf("unexpected entry: %v", m)
	}
	if m["user"] != float64(42) {
		t.Fatalf("user = %v", m["user"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logx_test.go:") {
		t.Fatalf("caller = %q", c)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger must report IsZero")
	}
	l.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop() is a configured logger")
	}
}

func TestFormatAlert(t *testing.T) {
	got := formatAlert([]byte(`{"level":"warn","time":"x","message":"send failed","user":7,"err":"timeout"}`))
	want := "[WARN] send failed\nerr=timeout\nuser=7"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
	if got := formatAlert([]byte("plain text\n")); got != "plain text" {
		t.Fatalf("formatAlert(raw) = %q", got)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
	done  chan struct{}
}

func (r *recordingNotifier) Notify(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	if len(r.texts) == 1 {
		close(r.done)
	}
	return nil
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	n := &recordingNotifier{done: make(chan struct{})}
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: t.TempDir() + "/bot.log"},
		Alerts: AlertConfig{Enabled: true, ChatID: 99, MinLevel: "warn", RatePerSec: 10}}, n)
	defer svc.Close()

	log.Info("routine")
	log.Error("delivery failed", Rule("r9"))

	select {
	case <-n.done:
	case <-time.After(2 * time.Second):
		t.Fatal("alert not delivered")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.texts) != 1 || !strings.HasPrefix(n.texts[0], "[ERROR] delivery failed") {
		t.Fatalf("alerts = %q", n.texts)
	}
}
