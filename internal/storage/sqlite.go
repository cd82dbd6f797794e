package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"carebot/internal/reminder"
	logx "carebot/pkg/logx"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations/sqlite")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, name).Scan(&n); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if n > 0 {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/sqlite/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES(?, ?)`, name, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		s.log.Info("migration applied", logx.String("version", name))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateRule(ctx context.Context, r reminder.Rule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	args, err := ruleArgs(r, r.CreatedAt.UnixMilli())
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminder_rules(id, user_id, type, habit_type, custom_text, schedule_type, times,
		 interval_hours, random_interval_hours, start_time, end_time, is_active, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (s *sqliteStore) scanRule(row scanner) (reminder.Rule, error) {
	var rr ruleRow
	var ms int64
	if err := row.Scan(rr.dest(&ms)...); err != nil {
		return reminder.Rule{}, err
	}
	rr.CreatedAt = time.UnixMilli(ms)
	return rr.decode()
}

func (s *sqliteStore) GetRule(ctx context.Context, id string) (reminder.Rule, error) {
	r, err := s.scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM reminder_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Rule{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) queryRules(ctx context.Context, q string, args ...any) ([]reminder.Rule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out     []reminder.Rule
		skipped SkippedRulesError
	)
	for rows.Next() {
		var rr ruleRow
		var ms int64
		if err := rows.Scan(rr.dest(&ms)...); err != nil {
			return nil, err
		}
		rr.CreatedAt = time.UnixMilli(ms)
		r, err := rr.decode()
		if err != nil {
			s.log.Warn("stored rule skipped", logx.Rule(rr.ID), logx.Err(err))
			skipped.add(rr.ID, err)
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(skipped.IDs) > 0 {
		return out, &skipped
	}
	return out, nil
}

func (s *sqliteStore) ListActiveRules(ctx context.Context) ([]reminder.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM reminder_rules WHERE is_active = 1 ORDER BY created_at, id`)
}

func (s *sqliteStore) ListUserRules(ctx context.Context, userID int64) ([]reminder.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM reminder_rules WHERE user_id = ? AND is_active = 1 ORDER BY created_at, id`, userID)
}

func (s *sqliteStore) DeactivateRule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE reminder_rules SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) AddQuote(ctx context.Context, q reminder.Quote) (int64, error) {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if strings.TrimSpace(q.Category) == "" {
		q.Category = reminder.DefaultQuoteCategory
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO quotes(text, category, is_active, created_at) VALUES(?,?,?,?)`,
		q.Text, q.Category, q.Active, q.CreatedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) scanQuote(row scanner) (reminder.Quote, error) {
	var q reminder.Quote
	var ms int64
	if err := row.Scan(&q.ID, &q.Text, &q.Category, &q.Active, &ms); err != nil {
		return reminder.Quote{}, err
	}
	q.CreatedAt = time.UnixMilli(ms)
	return q, nil
}

func (s *sqliteStore) RandomQuote(ctx context.Context) (reminder.Quote, error) {
	q, err := s.scanQuote(s.db.QueryRowContext(ctx,
		`SELECT id, text, category, is_active, created_at FROM quotes WHERE is_active = 1 ORDER BY random() LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Quote{}, ErrNotFound
	}
	return q, err
}

func (s *sqliteStore) ListQuotes(ctx context.Context, limit int) ([]reminder.Quote, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, category, is_active, created_at FROM quotes ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Quote
	for rows.Next() {
		q, err := s.scanQuote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *sqliteStore) CountQuotes(ctx context.Context) (QuoteCounts, error) {
	var c QuoteCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0) FROM quotes`).Scan(&c.Total, &c.Active)
	return c, err
}

func (s *sqliteStore) SetQuoteActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE quotes SET is_active = ? WHERE id = ?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec reminder.DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_deliveries(reminder_id, at, status, detail) VALUES(?,?,?,?)`,
		rec.RuleID, rec.At.UnixMilli(), string(rec.Status), nullStr(rec.Detail))
	return err
}

func (s *sqliteStore) scanDelivery(row scanner) (reminder.DeliveryRecord, error) {
	var rec reminder.DeliveryRecord
	var ms int64
	var status string
	if err := row.Scan(&rec.ID, &rec.RuleID, &ms, &status, &rec.Detail); err != nil {
		return reminder.DeliveryRecord{}, err
	}
	rec.At = time.UnixMilli(ms)
	rec.Status = reminder.Status(status)
	return rec, nil
}

const deliveryColumns = `id, reminder_id, at, status, COALESCE(detail, '')`

func (s *sqliteStore) LastDelivery(ctx context.Context, ruleID string) (reminder.DeliveryRecord, error) {
	rec, err := s.scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM reminder_deliveries WHERE reminder_id = ? ORDER BY at DESC, id DESC LIMIT 1`, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.DeliveryRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, ruleID string, limit int) ([]reminder.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM reminder_deliveries WHERE reminder_id = ? ORDER BY at DESC, id DESC LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.DeliveryRecord
	for rows.Next() {
		rec, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeliveryStats(ctx context.Context, ruleID string) (DeliveryStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(1), MAX(at) FROM reminder_deliveries WHERE reminder_id = ? GROUP BY status`, ruleID)
	if err != nil {
		return DeliveryStats{}, err
	}
	defer rows.Close()
	var st DeliveryStats
	for rows.Next() {
		var status string
		var n int
		var ms int64
		if err := rows.Scan(&status, &n, &ms); err != nil {
			return DeliveryStats{}, err
		}
		st.add(reminder.Status(status), n, time.UnixMilli(ms))
	}
	return st, rows.Err()
}

func (st *DeliveryStats) add(status reminder.Status, n int, last time.Time) {
	switch status {
	case reminder.StatusSent:
		st.Sent += n
	case reminder.StatusSkipped:
		st.Skipped += n
	case reminder.StatusError:
		st.Errors += n
	}
	if last.After(st.Last) {
		st.Last = last
	}
}
