package app

import (
	"fmt"
	"strings"
	"time"

	"carebot/internal/config"
	"carebot/internal/delivery"
	"carebot/internal/services/reminders"
	"carebot/internal/storage"
	"carebot/internal/task/engine"
	"carebot/internal/task/scheduler"
	logx "carebot/pkg/logx"
)

const defaultTimezone = "Europe/Moscow"

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    lc.Telegram.Enabled && lc.Telegram.ChatID != 0,
			ChatID:     lc.Telegram.ChatID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te.Enabled != nil && !*te.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false")
	}
	timeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:        true,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    te.HistorySize,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	fire, err := config.ParseDurationOrDefault("reminders.fire_timeout", cfg.Reminders.FireTimeout, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	return scheduler.Config{Timezone: tz, FireTimeout: fire}, nil
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	send, err := config.ParseDurationOrDefault("reminders.send_timeout", cfg.Reminders.SendTimeout, 30*time.Second)
	if err != nil {
		return delivery.Config{}, err
	}
	return delivery.Config{SendTimeout: send}, nil
}

func mapRemindersConfig(cfg *config.Config) (reminders.Config, error) {
	grace := time.Hour
	if g := cfg.Reminders.MisfireGrace; g != nil {
		d, err := config.ParseDurationField("reminders.misfire_grace", *g)
		if err != nil {
			return reminders.Config{}, err
		}
		grace = d
	}
	run, err := config.ParseDurationOrDefault("reminders.fire_timeout", cfg.Reminders.FireTimeout, time.Minute)
	if err != nil {
		return reminders.Config{}, err
	}
	return reminders.Config{MisfireGrace: grace, RunTimeout: run}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "sqlite", Path: "./carebot.db", BusyTimeout: 5 * time.Second}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = "./carebot.db"
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pg":
		dsn := strings.TrimSpace(sc.DSN)
		if dsn == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "postgres", DSN: dsn, MaxConns: sc.MaxConns}, nil
	case "memory":
		return storage.Config{Driver: "memory"}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func sendRate(cfg *config.Config) int {
	if n := cfg.Reminders.SendRatePerSec; n > 0 {
		return n
	}
	return 25
}
