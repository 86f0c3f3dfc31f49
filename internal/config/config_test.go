package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, 60, cfg.HourlyCap)
	require.Equal(t, 500, cfg.DailyCap)
	require.Equal(t, "62", cfg.DefaultCountryCode)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("SCHED_POLL_MS", "250")
	t.Setenv("RATE_HOURLY_CAP", "7")
	t.Setenv("PROVIDER_QPS", "2.5")
	t.Setenv("RATE_DAILY_CAP", "not-a-number") // falls back to default

	cfg := Load()
	require.Equal(t, "9999", cfg.Port)
	require.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	require.Equal(t, 7, cfg.HourlyCap)
	require.Equal(t, 2.5, cfg.ProviderQPS)
	require.Equal(t, 500, cfg.DailyCap)
}
