package storage

import (
	"context"
	"errors"
	"strings"

	"carebot/internal/reminder"
	logx "carebot/pkg/logx"
)

// Store is the persistence API used by the reminder services.
type Store interface {
	// Rules. GetRule returns ErrNotFound for unknown ids; inactive rules are
	// returned with Active=false.
	CreateRule(ctx context.Context, r reminder.Rule) error
	GetRule(ctx context.Context, id string) (reminder.Rule, error)
	ListActiveRules(ctx context.Context) ([]reminder.Rule, error)
	ListUserRules(ctx context.Context, userID int64) ([]reminder.Rule, error)
	// DeactivateRule reports whether an active rule was switched off.
	DeactivateRule(ctx context.Context, id string) (bool, error)

	// Quote pool. RandomQuote returns ErrNotFound when no active quote exists.
	AddQuote(ctx context.Context, q reminder.Quote) (int64, error)
	RandomQuote(ctx context.Context) (reminder.Quote, error)
	ListQuotes(ctx context.Context, limit int) ([]reminder.Quote, error)
	CountQuotes(ctx context.Context) (QuoteCounts, error)
	SetQuoteActive(ctx context.Context, id int64, active bool) error

	// Delivery audit trail (append-only). LastDelivery returns ErrNotFound
	// when the rule never fired.
	AppendDelivery(ctx context.Context, rec reminder.DeliveryRecord) error
	LastDelivery(ctx context.Context, ruleID string) (reminder.DeliveryRecord, error)
	ListDeliveries(ctx context.Context, ruleID string, limit int) ([]reminder.DeliveryRecord, error)
	DeliveryStats(ctx context.Context, ruleID string) (DeliveryStats, error)

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, ErrDisabled
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
