package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvTelegramToken = "CAREBOT_TELEGRAM_TOKEN"
	EnvDatabaseURL   = "CAREBOT_DATABASE_URL"
	EnvConfigPath    = "CAREBOT_CONFIG"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env")
// into the process environment. Missing files are ignored and variables
// already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// applyEnv fills secrets left empty in the file from the environment.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		cfg.Telegram.Token = strings.TrimSpace(getenv(EnvTelegramToken))
	}
	if dsn := strings.TrimSpace(getenv(EnvDatabaseURL)); dsn != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			cfg.Storage.DSN = dsn
		}
	}
}
