package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
	assert.Equal(t, DefaultDBMaxOpenConns, cfg.DBMaxOpenConns)
	assert.Equal(t, 60*time.Second, cfg.SchedulerCheckInterval)
	assert.Equal(t, 3, cfg.SchedulerMaxFailures)
	assert.True(t, cfg.EnableAuditLog)
	assert.Empty(t, cfg.FeeSinkAccount)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("FEE_BPS", "25")
	t.Setenv("FEE_SINK_ACCOUNT", "bot_00112233445566ff")
	t.Setenv("DEFAULT_MAX_TRANSFER", "1000")
	t.Setenv("ENABLE_AUDIT_LOG", "false")
	t.Setenv("SCHEDULER_CHECK_INTERVAL_MS", "500")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, int64(25), cfg.FeeBps)
	assert.Equal(t, "bot_00112233445566ff", cfg.FeeSinkAccount)
	assert.Equal(t, "1000", cfg.DefaultMaxTransfer)
	assert.False(t, cfg.EnableAuditLog)
	assert.Equal(t, 500*time.Millisecond, cfg.SchedulerCheckInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("FEE_BPS", "20000")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidateRejectsBadAmount(t *testing.T) {
	t.Setenv("DEFAULT_DAILY_LIMIT", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}
