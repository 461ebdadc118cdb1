package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaults(t *testing.T) {
	// Point HOME at an empty dir so no settings.json is picked up.
	t.Setenv("HOME", t.TempDir())

	cfg := loadConfig()
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 587, cfg.SMTPPort)
	assert.Contains(t, cfg.DBPath, ".flowd")
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FLOWD_BASE_URL", "https://flowd.internal")
	t.Setenv("FLOWD_DB_PATH", "/var/lib/flowd/flowd.db")
	t.Setenv("FLOWD_LOG_LEVEL", "debug")
	t.Setenv("FLOWD_MAX_TOTAL_HOPS", "250")
	t.Setenv("FLOWD_SMTP_PORT", "2525")

	cfg := loadConfig()
	assert.Equal(t, "https://flowd.internal", cfg.BaseURL)
	assert.Equal(t, "/var/lib/flowd/flowd.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 250, cfg.MaxTotalHops)
	assert.Equal(t, 2525, cfg.SMTPPort)
}

func TestLoadConfigBadNumberIgnored(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("FLOWD_MAX_TOTAL_HOPS", "lots")

	cfg := loadConfig()
	assert.Zero(t, cfg.MaxTotalHops, "unparsable numbers fall back to the default")
}
