package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/signal-loader/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, time.Second, cfg.SchedulerTickInterval)
	assert.Equal(t, 16, cfg.SchedulerWorkerPoolSize)
	assert.Equal(t, 24*time.Hour, cfg.SchedulerDefaultLookback)
	assert.Equal(t, 2*time.Minute, cfg.RecoveryStaleLock)
	assert.Equal(t, 20*time.Minute, cfg.RecoveryFailedGrace)
	assert.Equal(t, 60*time.Second, cfg.SinkTxTimeout)
	assert.Equal(t, 4, cfg.SourcePoolMax)
	assert.False(t, cfg.EventsEnabled())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("SCHEDULER_TICK_INTERVAL", "250ms")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("RECOVERY_FAILED_GRACE", "5m")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 250*time.Millisecond, cfg.SchedulerTickInterval)
	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.EventsEnabled())
	assert.Equal(t, 5*time.Minute, cfg.RecoveryFailedGrace)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("SCHEDULER_TICK_INTERVAL", "not-a-duration")
	_, err := config.Load()
	require.Error(t, err)
}
