package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"carebot/internal/reminder"
	"carebot/internal/storage"
)

func seedStore(t *testing.T) *storage.Memory {
	t.Helper()
	store := storage.NewMemory()
	r, err := reminder.RuleSpec{UserID: 42, Type: "habit", HabitType: "water", ScheduleType: "interval", IntervalHours: 3}.Build()
	if err != nil {
		t.Fatalf("build rule: %v", err)
	}
	r.ID = "01HZXWATER"
	if err := store.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return store
}

func runCLI(t *testing.T, store storage.Store, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newCLIApp(store, &out).Run(append([]string{"carectl"}, args...))
	return out.String(), err
}

func TestRulesListAndCancel(t *testing.T) {
	store := seedStore(t)

	out, err := runCLI(t, store, "rules", "list")
	if err != nil {
		t.Fatalf("rules list: %v", err)
	}
	var rules []ruleOut
	if err := json.Unmarshal([]byte(out), &rules); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(rules) != 1 || rules[0].ID != "01HZXWATER" || rules[0].Spec.IntervalHours != 3 {
		t.Fatalf("unexpected rules: %+v", rules)
	}

	if _, err := runCLI(t, store, "rules", "cancel", "01hzxwater"); err != nil {
		t.Fatalf("rules cancel: %v", err)
	}
	out, err = runCLI(t, store, "rules", "list")
	if err != nil {
		t.Fatalf("rules list: %v", err)
	}
	if out != "[]\n" {
		t.Fatalf("expected no active rules, got %s", out)
	}

	out, err = runCLI(t, store, "rules", "stats", "01HZXWATER")
	if err != nil {
		t.Fatalf("rules stats: %v", err)
	}
	var view struct {
		Rule ruleOut `json:"rule"`
	}
	if err := json.Unmarshal([]byte(out), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Rule.Active {
		t.Fatalf("cancelled rule still active: %+v", view.Rule)
	}
}

func TestRulesStatsNotFound(t *testing.T) {
	_, err := runCLI(t, storage.NewMemory(), "rules", "stats", "NOPE")
	if err == nil || err.Error() != "not found" {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := runCLI(t, storage.NewMemory(), "rules", "stats"); err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestQuotes(t *testing.T) {
	store := storage.NewMemory()

	if _, err := runCLI(t, store, "quotes", "add", "--category", "calm", "Breathe", "in."); err != nil {
		t.Fatalf("quotes add: %v", err)
	}
	if _, err := runCLI(t, store, "quotes", "add"); err == nil {
		t.Fatal("empty quote should fail")
	}
	if _, err := runCLI(t, store, "quotes", "disable", "1"); err != nil {
		t.Fatalf("quotes disable: %v", err)
	}
	if _, err := runCLI(t, store, "quotes", "disable", "x"); err == nil {
		t.Fatal("bad id should fail")
	}

	out, err := runCLI(t, store, "quotes", "count")
	if err != nil {
		t.Fatalf("quotes count: %v", err)
	}
	var n storage.QuoteCounts
	if err := json.Unmarshal([]byte(out), &n); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n.Total != 1 || n.Active != 0 {
		t.Fatalf("unexpected counts: %+v", n)
	}

	out, err = runCLI(t, store, "quotes", "list")
	if err != nil {
		t.Fatalf("quotes list: %v", err)
	}
	var qs []reminder.Quote
	if err := json.Unmarshal([]byte(out), &qs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(qs) != 1 || qs[0].Text != "Breathe in." || qs[0].Category != "calm" {
		t.Fatalf("unexpected quotes: %+v", qs)
	}
}

func TestDeliveries(t *testing.T) {
	store := seedStore(t)
	ctx := context.Background()
	for _, st := range []reminder.Status{reminder.StatusSent, reminder.StatusSkipped} {
		if err := store.AppendDelivery(ctx, reminder.DeliveryRecord{RuleID: "01HZXWATER", Status: st}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	out, err := runCLI(t, store, "deliveries", "-n", "1", "01HZXWATER")
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	var recs []reminder.DeliveryRecord
	if err := json.Unmarshal([]byte(out), &recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("limit not applied: %+v", recs)
	}
}
