package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"carebot/internal/reminder"
	logx "carebot/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations/postgres")
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
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if exists {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/postgres/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		s.log.Info("migration applied", logx.String("version", name))
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *postgresStore) CreateRule(ctx context.Context, r reminder.Rule) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	args, err := ruleArgs(r, r.CreatedAt)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reminder_rules(id, user_id, type, habit_type, custom_text, schedule_type, times,
		 interval_hours, random_interval_hours, start_time, end_time, is_active, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`, args...)
	return err
}

func (s *postgresStore) scanRule(row scanner) (reminder.Rule, error) {
	var rr ruleRow
	if err := row.Scan(rr.dest(&rr.CreatedAt)...); err != nil {
		return reminder.Rule{}, err
	}
	return rr.decode()
}

func (s *postgresStore) GetRule(ctx context.Context, id string) (reminder.Rule, error) {
	r, err := s.scanRule(s.pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM reminder_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Rule{}, ErrNotFound
	}
	return r, err
}

func (s *postgresStore) queryRules(ctx context.Context, q string, args ...any) ([]reminder.Rule, error) {
	rows, err := s.pool.Query(ctx, q, args...)
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
		if err := rows.Scan(rr.dest(&rr.CreatedAt)...); err != nil {
			return nil, err
		}
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

func (s *postgresStore) ListActiveRules(ctx context.Context) ([]reminder.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM reminder_rules WHERE is_active ORDER BY created_at, id`)
}

func (s *postgresStore) ListUserRules(ctx context.Context, userID int64) ([]reminder.Rule, error) {
	return s.queryRules(ctx, `SELECT `+ruleColumns+` FROM reminder_rules WHERE user_id = $1 AND is_active ORDER BY created_at, id`, userID)
}

func (s *postgresStore) DeactivateRule(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE reminder_rules SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) AddQuote(ctx context.Context, q reminder.Quote) (int64, error) {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now()
	}
	if strings.TrimSpace(q.Category) == "" {
		q.Category = reminder.DefaultQuoteCategory
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO quotes(text, category, is_active, created_at) VALUES($1,$2,$3,$4) RETURNING id`,
		q.Text, q.Category, q.Active, q.CreatedAt).Scan(&id)
	return id, err
}

const quoteColumns = `id, text, category, is_active, created_at`

func scanQuoteRow(row scanner) (reminder.Quote, error) {
	var q reminder.Quote
	err := row.Scan(&q.ID, &q.Text, &q.Category, &q.Active, &q.CreatedAt)
	return q, err
}

func (s *postgresStore) RandomQuote(ctx context.Context) (reminder.Quote, error) {
	q, err := scanQuoteRow(s.pool.QueryRow(ctx,
		`SELECT `+quoteColumns+` FROM quotes WHERE is_active ORDER BY random() LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Quote{}, ErrNotFound
	}
	return q, err
}

func (s *postgresStore) ListQuotes(ctx context.Context, limit int) ([]reminder.Quote, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+quoteColumns+` FROM quotes ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Quote
	for rows.Next() {
		q, err := scanQuoteRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *postgresStore) CountQuotes(ctx context.Context) (QuoteCounts, error) {
	var c QuoteCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(1)::int, COUNT(1) FILTER (WHERE is_active)::int FROM quotes`).Scan(&c.Total, &c.Active)
	return c, err
}

func (s *postgresStore) SetQuoteActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE quotes SET is_active = $1 WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *postgresStore) AppendDelivery(ctx context.Context, rec reminder.DeliveryRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reminder_deliveries(reminder_id, at, status, detail) VALUES($1,$2,$3,$4)`,
		rec.RuleID, rec.At, string(rec.Status), nullStr(rec.Detail))
	return err
}

func scanDeliveryRow(row scanner) (reminder.DeliveryRecord, error) {
	var rec reminder.DeliveryRecord
	var status string
	if err := row.Scan(&rec.ID, &rec.RuleID, &rec.At, &status, &rec.Detail); err != nil {
		return reminder.DeliveryRecord{}, err
	}
	rec.Status = reminder.Status(status)
	return rec, nil
}

func (s *postgresStore) LastDelivery(ctx context.Context, ruleID string) (reminder.DeliveryRecord, error) {
	rec, err := scanDeliveryRow(s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM reminder_deliveries WHERE reminder_id = $1 ORDER BY at DESC, id DESC LIMIT 1`, ruleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.DeliveryRecord{}, ErrNotFound
	}
	return rec, err
}

func (s *postgresStore) ListDeliveries(ctx context.Context, ruleID string, limit int) ([]reminder.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+deliveryColumns+` FROM reminder_deliveries WHERE reminder_id = $1 ORDER BY at DESC, id DESC LIMIT $2`, ruleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.DeliveryRecord
	for rows.Next() {
		rec, err := scanDeliveryRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) DeliveryStats(ctx context.Context, ruleID string) (DeliveryStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(1)::int, MAX(at) FROM reminder_deliveries WHERE reminder_id = $1 GROUP BY status`, ruleID)
	if err != nil {
		return DeliveryStats{}, err
	}
	defer rows.Close()
	var st DeliveryStats
	for rows.Next() {
		var status string
		var n int
		var last time.Time
		if err := rows.Scan(&status, &n, &last); err != nil {
			return DeliveryStats{}, err
		}
		st.add(reminder.Status(status), n, last)
	}
	return st, rows.Err()
}
