// Package config loads the daemon's runtime configuration from GRANTD_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration for the grant ledger daemon.
type Config struct {
	Env            string
	DatabaseURL    string
	MetricsPort    string
	SweepInterval  time.Duration
	SweepBatch     int
	IdempotencyTTL time.Duration
	RebuildOnStart bool
}

// FromEnv loads configuration from environment variables required by the
// daemon.
func FromEnv() (*Config, error) {
	dbURL := strings.TrimSpace(os.Getenv("GRANTD_DB_URL"))
	if dbURL == "" {
		return nil, fmt.Errorf("GRANTD_DB_URL is required")
	}
	return &Config{
		Env:            getEnvDefault("GRANTD_ENV", "production"),
		DatabaseURL:    dbURL,
		MetricsPort:    getEnvDefault("GRANTD_METRICS_PORT", "9090"),
		SweepInterval:  parseDurationEnv("GRANTD_SWEEP_INTERVAL", 5*time.Minute),
		SweepBatch:     parseIntEnv("GRANTD_SWEEP_BATCH", 100),
		IdempotencyTTL: parseDurationEnv("GRANTD_IDEMPOTENCY_TTL", 24*time.Hour),
		RebuildOnStart: parseBoolEnv("GRANTD_REBUILD_ON_START", false),
	}, nil
}

func getEnvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseBoolEnv(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}
