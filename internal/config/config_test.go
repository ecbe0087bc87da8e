package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadServerEnvironment(t *testing.T) {
	t.Setenv("ADDRESS", "0.0.0.0:9090")
	t.Setenv("TIMEZONE", "Europe/Warsaw")
	t.Setenv("RETENTION_DAYS", "30")
	t.Setenv("FREE_QUOTA", "100")
	t.Setenv("PRO_QUOTA", "1000")

	cfg := &ServerConfig{
		Addr:          "localhost:8080",
		Timezone:      "UTC",
		RetentionDays: 90,
		FreeQuota:     DefaultFreeQuota,
		ProQuota:      DefaultProQuota,
	}
	readServerEnvironment(cfg)

	require.Equal(t, "0.0.0.0:9090", cfg.Addr)
	require.Equal(t, "Europe/Warsaw", cfg.Timezone)
	require.Equal(t, 30, cfg.RetentionDays)
	require.Equal(t, int64(100), cfg.FreeQuota)
	require.Equal(t, int64(1000), cfg.ProQuota)
}

func TestReadServerEnvironmentInvalidNumbersKeepDefaults(t *testing.T) {
	t.Setenv("RETENTION_DAYS", "ninety")
	t.Setenv("FREE_QUOTA", "lots")

	cfg := &ServerConfig{
		RetentionDays: 90,
		FreeQuota:     DefaultFreeQuota,
	}
	readServerEnvironment(cfg)

	require.Equal(t, 90, cfg.RetentionDays)
	require.Equal(t, int64(DefaultFreeQuota), cfg.FreeQuota)
}
