/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	DBBackend   DatabaseBackend
	DBDSN       string

	// Integration Time Calculator service
	ITCBaseURL     string        // OBSDB_ITC_URL — base URL of the external ITC
	ITCTimeout     time.Duration // per-call deadline
	ITCMaxParallel int           // cap on concurrent ITC calls per batch

	// Sequence generation
	CostTablesPath  string // optional override for the embedded cost tables
	FutureStepLimit int    // default future-step truncation when caller passes none

	// Redis cache for ITC results
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event fan-out (optional; empty disables cross-instance events)
	NATSURL string

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("OBSDB_ENV", "development"),
		HTTPBind:    getEnv("OBSDB_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("OBSDB_HTTP_PORT", 8080),
		DBBackend:   DatabaseBackend(getEnv("OBSDB_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("OBSDB_DB_DSN", ""),

		ITCBaseURL:     getEnv("OBSDB_ITC_URL", ""),
		ITCTimeout:     time.Duration(getEnvInt("OBSDB_ITC_TIMEOUT_SECONDS", 30)) * time.Second,
		ITCMaxParallel: getEnvInt("OBSDB_ITC_MAX_PARALLEL", 16),

		CostTablesPath:  getEnv("OBSDB_COST_TABLES_PATH", ""),
		FutureStepLimit: getEnvInt("OBSDB_FUTURE_STEP_LIMIT", 100),

		RedisAddr:     getEnv("OBSDB_REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("OBSDB_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("OBSDB_REDIS_DB", 0),

		NATSURL: getEnv("OBSDB_NATS_URL", ""),

		TracingEnabled:    getEnvBool("OBSDB_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("OBSDB_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("OBSDB_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("OBSDB_DB_DSN must be provided")
	}

	if cfg.ITCBaseURL == "" {
		return nil, fmt.Errorf("OBSDB_ITC_URL must be provided")
	}

	if cfg.ITCMaxParallel < 1 {
		cfg.ITCMaxParallel = 1
	}

	if cfg.FutureStepLimit < 0 {
		return nil, fmt.Errorf("OBSDB_FUTURE_STEP_LIMIT must be non-negative")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
