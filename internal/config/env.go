package config

import (
	"os"
	"strconv"
	"time"
)

// LoadFromEnv overlays environment variables on a config. Env wins
// over file values.
func LoadFromEnv(cfg *Config) {
	if port := os.Getenv("STANDBY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if logLevel := os.Getenv("STANDBY_LOG_LEVEL"); logLevel != "" {
		cfg.Server.LogLevel = logLevel
	}

	if ep := os.Getenv("STANDBY_PRIMARY_ENDPOINT"); ep != "" {
		cfg.Primary.Endpoint = ep
	}

	if path := os.Getenv("STANDBY_REGISTRY_PATH"); path != "" {
		cfg.Registry.Path = path
	}

	if v := os.Getenv("STANDBY_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervision.ProbeInterval = d
		}
	}

	if v := os.Getenv("STANDBY_LAG_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Supervision.LagThreshold = d
		}
	}
}

// GetEnvOrDefault returns environment variable or default value.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
