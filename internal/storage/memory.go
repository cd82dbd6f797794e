package storage

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"carebot/internal/reminder"
)

// Memory is a process-local Store. Data is lost on restart.
type Memory struct {
	mu         sync.Mutex
	rules      map[string]reminder.Rule
	quotes     []reminder.Quote
	deliveries []reminder.DeliveryRecord
	nextQuote  int64
	nextRecord int64
	rng        *rand.Rand
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rules: make(map[string]reminder.Rule),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateRule(_ context.Context, r reminder.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[r.ID]; ok {
		return fmt.Errorf("rule %s already exists", r.ID)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.Times = append([]reminder.Clock(nil), r.Times...)
	if r.Quiet != nil {
		q := *r.Quiet
		r.Quiet = &q
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) GetRule(_ context.Context, id string) (reminder.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return reminder.Rule{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) filterRules(keep func(reminder.Rule) bool) []reminder.Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []reminder.Rule
	for _, r := range m.rules {
		if r.Active && keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Memory) ListActiveRules(context.Context) ([]reminder.Rule, error) {
	return m.filterRules(func(reminder.Rule) bool { return true }), nil
}

func (m *Memory) ListUserRules(_ context.Context, userID int64) ([]reminder.Rule, error) {
	return m.filterRules(func(r reminder.Rule) bool { return r.UserID == userID }), nil
}

func (m *Memory) DeactivateRule(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok || !r.Active {
		return false, nil
	}
	r.Active = false
	m.rules[id] = r
	return true, nil
}

func (m *Memory) AddQuote(_ context.Context, q reminder.Quote) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextQuote++
	q.ID = m.nextQuote
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if strings.TrimSpace(q.Category) == "" {
		q.Category = reminder.DefaultQuoteCategory
	}
	m.quotes = append(m.quotes, q)
	return q.ID, nil
}

func (m *Memory) RandomQuote(context.Context) (reminder.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var active []reminder.Quote
	for _, q := range m.quotes {
		if q.Active {
			active = append(active, q)
		}
	}
	if len(active) == 0 {
		return reminder.Quote{}, ErrNotFound
	}
	return active[m.rng.Intn(len(active))], nil
}

func (m *Memory) ListQuotes(_ context.Context, limit int) ([]reminder.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	n := min(limit, len(m.quotes))
	return append([]reminder.Quote(nil), m.quotes[:n]...), nil
}

func (m *Memory) CountQuotes(context.Context) (QuoteCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := QuoteCounts{Total: len(m.quotes)}
	for _, q := range m.quotes {
		if q.Active {
			c.Active++
		}
	}
	return c, nil
}

func (m *Memory) SetQuoteActive(_ context.Context, id int64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.quotes {
		if m.quotes[i].ID == id {
			m.quotes[i].Active = active
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) AppendDelivery(_ context.Context, rec reminder.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRecord++
	rec.ID = m.nextRecord
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	m.deliveries = append(m.deliveries, rec)
	return nil
}

// ruleDeliveries returns the rule's records, newest first.
func (m *Memory) ruleDeliveries(ruleID string) []reminder.DeliveryRecord {
	var out []reminder.DeliveryRecord
	for _, rec := range m.deliveries {
		if rec.RuleID == ruleID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *Memory) LastDelivery(_ context.Context, ruleID string) (reminder.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.ruleDeliveries(ruleID)
	if len(recs) == 0 {
		return reminder.DeliveryRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (m *Memory) ListDeliveries(_ context.Context, ruleID string, limit int) ([]reminder.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	recs := m.ruleDeliveries(ruleID)
	return recs[:min(limit, len(recs))], nil
}

func (m *Memory) DeliveryStats(_ context.Context, ruleID string) (DeliveryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st DeliveryStats
	for _, rec := range m.deliveries {
		if rec.RuleID == ruleID {
			st.add(rec.Status, 1, rec.At)
		}
	}
	return st, nil
}
