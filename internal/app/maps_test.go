package app

import (
	"testing"
	"time"

	"carebot/internal/config"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMapDefaults(t *testing.T) {
	cfg := &config.Config{}

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "sqlite", sc.Driver)
	require.Equal(t, "./carebot.db", sc.Path)

	rc, err := mapRemindersConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, time.Hour, rc.MisfireGrace)
	require.Equal(t, time.Minute, rc.RunTimeout)

	ec, err := mapTaskEngineConfig(cfg)
	require.NoError(t, err)
	require.True(t, ec.Enabled)

	dc, err := mapDeliveryConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, dc.SendTimeout)

	require.Equal(t, 25, sendRate(cfg))

	schc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, "Europe/Moscow", schc.Timezone)
	require.Equal(t, time.Minute, schc.FireTimeout)
}

func TestMapRemindersGraceZeroDisables(t *testing.T) {
	cfg := &config.Config{Reminders: config.RemindersConfig{MisfireGrace: strPtr("0s"), FireTimeout: "90s"}}
	rc, err := mapRemindersConfig(cfg)
	require.NoError(t, err)
	require.Zero(t, rc.MisfireGrace)
	require.Equal(t, 90*time.Second, rc.RunTimeout)

	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, sc.FireTimeout)
}

func TestMapStorageDrivers(t *testing.T) {
	sc, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "PG", DSN: "postgres://u@h/db", MaxConns: 4}})
	require.NoError(t, err)
	require.Equal(t, "postgres", sc.Driver)
	require.Equal(t, int32(4), sc.MaxConns)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "postgres"}})
	require.Error(t, err)

	_, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "mongo"}})
	require.Error(t, err)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "/var/lib/carebot/db", BusyTimeout: "2s"}})
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, sc.BusyTimeout)
}

func TestMapLogAlertsNeedChat(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Telegram: config.LoggingTelegram{Enabled: true}}}
	require.False(t, mapLogConfig(cfg).Alerts.Enabled)

	cfg.Logging.Telegram.ChatID = -100123
	require.True(t, mapLogConfig(cfg).Alerts.Enabled)
}

func TestMapTaskEngineRejectsDisabled(t *testing.T) {
	off := false
	_, err := mapTaskEngineConfig(&config.Config{TaskEngine: config.TaskEngineConfig{Enabled: &off}})
	require.Error(t, err)
}
