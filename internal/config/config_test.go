package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shohag/notifyrelay/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notifyrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "amqp", cfg.Broker.Driver)
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.Broker.DialTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Intake.DedupWindow)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.Interval)
	assert.InDelta(t, 0.8, cfg.Delivery.SuccessRate, 1e-9)

	channels, err := cfg.Delivery.ChannelList()
	require.NoError(t, err)
	assert.Equal(t, models.Channels, channels)
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
broker:
  driver: memory
delivery:
  channels: [sms]
  success_rate: 1
  min_latency: 0s
  max_latency: 0s
retry:
  max_attempts: 5
  interval: 1m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Broker.Driver)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Retry.Interval)
	channels, err := cfg.Delivery.ChannelList()
	require.NoError(t, err)
	assert.Equal(t, []models.Channel{models.ChannelSMS}, channels)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("NOTIFYRELAY_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("NOTIFYRELAY_SERVER_PORT", "9090")

	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"unknown channel":   "delivery:\n  channels: [fax]\n",
		"bad success rate":  "delivery:\n  success_rate: 1.5\n",
		"latency inverted":  "delivery:\n  min_latency: 2s\n  max_latency: 1s\n",
		"negative attempts": "retry:\n  max_attempts: -1\n",
		"zero interval":     "retry:\n  interval: 0s\n",
		"zero max backoff":  "retry:\n  max_backoff: 0s\n",
		"backoff inverted":  "retry:\n  initial_backoff: 1m\n  max_backoff: 10s\n",
		"unknown broker":    "broker:\n  driver: kafka\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
