package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 10000, cfg.MaxConnections)
	assert.Equal(t, 5*time.Minute, cfg.HistoryRetention)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MAX_CONNECTIONS", "250")
	t.Setenv("PING_INTERVAL", "10s")
	t.Setenv("IDLE_TIMEOUT", "1m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 250, cfg.MaxConnections)
	assert.Equal(t, 10*time.Second, cfg.PingInterval)
	assert.Equal(t, time.Minute, cfg.IdleTimeout)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "non-positive max connections", key: "MAX_CONNECTIONS", value: "0"},
		{name: "non-positive history retention", key: "HISTORY_RETENTION", value: "-1m"},
		{name: "idle timeout below ping interval", key: "IDLE_TIMEOUT", value: "5s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
