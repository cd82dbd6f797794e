package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Scheduler holds the canonical timezone used for all time-of-day math.
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the worker pool that runs delivery passes.
	TaskEngine TaskEngineConfig `json:"task_engine"`

	Reminders RemindersConfig `json:"reminders"`

	// Storage defaults to sqlite at ./carebot.db when omitted.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via CAREBOT_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "1m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors records at or above MinLevel to an ops chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type SchedulerConfig struct {
	// Timezone is an IANA name (e.g. "Europe/Moscow"). Empty means Europe/Moscow.
	Timezone string `json:"timezone,omitempty"`
}

// TaskEngineConfig controls delivery execution.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// RemindersConfig tunes delivery. Durations are Go duration strings.
//
// Defaults:
//   - misfire_grace: "1h" ("0s" disables catch-up on reload)
//   - send_timeout: "30s"
//   - send_rate_per_sec: 25
//   - fire_timeout: "1m"
type RemindersConfig struct {
	MisfireGrace   *string `json:"misfire_grace,omitempty"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	SendRatePerSec int     `json:"send_rate_per_sec,omitempty"`
	FireTimeout    string  `json:"fire_timeout,omitempty"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./carebot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
//
// DSN may be left empty and supplied via CAREBOT_DATABASE_URL.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}
