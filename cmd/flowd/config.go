package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all flowd engine configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	BaseURL           string `json:"base_url"`
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MaxTotalHops      int    `json:"max_total_hops"`
	MaxStepExecutions int    `json:"max_step_executions"`

	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`

	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SMTPFrom     string `json:"smtp_from"`
}

func defaultConfig() Config {
	return Config{
		BaseURL:  "http://localhost:4200",
		DBPath:   filepath.Join(flowdDir(), "flowd.db"),
		LogLevel: "info",
		SMTPPort: 587,
	}
}

func flowdDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".flowd"
	}
	return filepath.Join(home, ".flowd")
}

func settingsPath() string {
	return filepath.Join(flowdDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("FLOWD_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("FLOWD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLOWD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLOWD_MAX_TOTAL_HOPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxTotalHops = n
		}
	}
	if v := os.Getenv("FLOWD_MAX_STEP_EXECUTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStepExecutions = n
		}
	}
	if v := os.Getenv("FLOWD_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("FLOWD_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("FLOWD_SMTP_HOST"); v != "" {
		cfg.SMTPHost = v
	}
	if v := os.Getenv("FLOWD_SMTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SMTPPort = n
		}
	}
	if v := os.Getenv("FLOWD_SMTP_USERNAME"); v != "" {
		cfg.SMTPUsername = v
	}
	if v := os.Getenv("FLOWD_SMTP_PASSWORD"); v != "" {
		cfg.SMTPPassword = v
	}
	if v := os.Getenv("FLOWD_SMTP_FROM"); v != "" {
		cfg.SMTPFrom = v
	}

	return cfg
}
