package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("ENVIRONMENT", "development")

	require.NoError(t, LoadConfig())
	assert.Equal(t, 8*time.Second, AppConfig.CompletionTimeout)
	assert.Equal(t, 14, AppConfig.Warmup.OverrideDays)
	assert.Equal(t, 20, AppConfig.Warmup.OverrideCap)
	assert.Equal(t, 10, AppConfig.Inbox.PageSize)
	assert.Equal(t, 2*time.Minute, AppConfig.Inbox.PollInterval)
	assert.Equal(t, 5*time.Minute, AppConfig.Inbox.ErrorInterval)
	assert.Equal(t, 30*time.Minute, AppConfig.Inbox.QueuedResponseDelay)
	assert.Equal(t, 15*time.Minute, AppConfig.FollowUpInterval)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef")
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("WARMUP_OVERRIDE_CAP", "15")
	t.Setenv("INBOX_POLL_INTERVAL", "90s")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("TIMEZONE", "Europe/Berlin")

	require.NoError(t, LoadConfig())
	assert.Equal(t, 15, AppConfig.Warmup.OverrideCap)
	assert.Equal(t, 90*time.Second, AppConfig.Inbox.PollInterval)
	assert.True(t, AppConfig.Kafka.Enabled)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, AppConfig.Kafka.Brokers)
	assert.Equal(t, "Europe/Berlin", AppConfig.Location().String())
}

func TestLoadConfig_Required(t *testing.T) {
	t.Setenv("DB_PASSWORD", "")
	t.Setenv("ENCRYPTION_KEY", "0123456789abcdef")
	assert.ErrorContains(t, LoadConfig(), "DB_PASSWORD")

	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("ENCRYPTION_KEY", "short")
	assert.ErrorContains(t, LoadConfig(), "ENCRYPTION_KEY")
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=x", maskPassword("host=db password=hunter2 dbname=x"))
}
