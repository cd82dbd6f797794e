package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate rejects configs that would fail at apply time, so a bad hot
// reload keeps the previous config.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	for _, id := range cfg.Telegram.OwnerUserIDs {
		if id <= 0 {
			return fmt.Errorf("telegram.owner_user_ids: invalid id %d", id)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	te := cfg.TaskEngine
	if te.Workers < 0 {
		return fmt.Errorf("task_engine.workers must be >= 0")
	}
	if te.QueueSize < 0 {
		return fmt.Errorf("task_engine.queue_size must be >= 0")
	}
	if te.HistorySize < 0 {
		return fmt.Errorf("task_engine.history_size must be >= 0")
	}
	if te.Enabled != nil && !*te.Enabled {
		return fmt.Errorf("task_engine.enabled cannot be false: reminders are delivered by the task engine")
	}
	if _, err := ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return err
	}

	rc := cfg.Reminders
	if rc.MisfireGrace != nil {
		if _, err := ParseDurationField("reminders.misfire_grace", *rc.MisfireGrace); err != nil {
			return err
		}
	}
	if _, err := ParseDurationField("reminders.send_timeout", rc.SendTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("reminders.fire_timeout", rc.FireTimeout); err != nil {
		return err
	}
	if rc.SendRatePerSec < 0 {
		return fmt.Errorf("reminders.send_rate_per_sec must be >= 0")
	}

	if lt := cfg.Logging.Telegram; lt.RatePerSec < 0 {
		return fmt.Errorf("logging.telegram.rate_per_sec must be >= 0")
	}

	if sc := cfg.Storage; sc != nil {
		switch d := strings.ToLower(strings.TrimSpace(sc.Driver)); d {
		case "", "sqlite", "sqlite3", "memory":
		case "postgres", "postgresql", "pg":
			if strings.TrimSpace(sc.DSN) == "" {
				return fmt.Errorf("storage.dsn (or %s) is required when storage.driver=%s", EnvDatabaseURL, d)
			}
		default:
			return fmt.Errorf("unknown storage.driver: %s", sc.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", sc.BusyTimeout); err != nil {
			return err
		}
		if sc.MaxConns < 0 {
			return fmt.Errorf("storage.max_conns must be >= 0")
		}
	}
	return nil
}
