// Package config loads fabric node configuration: 12-factor environment
// variables first, optionally overlaid by a YAML node profile.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds one fabric node's configuration.
type Config struct {
	NodeName string `yaml:"node_name"`
	Tenant   string `yaml:"tenant"`
	LogLevel string `yaml:"log_level"`

	// LedgerPath selects the durable audit store; empty runs in memory.
	LedgerPath string `yaml:"ledger_path"`

	// RedisAddr enables the shared publish limiter; empty keeps the
	// per-process token buckets.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	PublishPerSecond float64 `yaml:"publish_per_second"`
	PublishBurst     int     `yaml:"publish_burst"`

	ReflexViolationLimit  int           `yaml:"reflex_violation_limit"`
	ReflexViolationWindow time.Duration `yaml:"reflex_violation_window"`
	ReflexSpikeLimit      int           `yaml:"reflex_spike_limit"`
	ReflexSpikeWindow     time.Duration `yaml:"reflex_spike_window"`

	// MasterSeedHex derives per-agent keys; empty generates random keys.
	MasterSeedHex string `yaml:"master_seed_hex"`
}

// Load reads configuration from environment variables with safe defaults.
func Load() *Config {
	return &Config{
		NodeName:              envOr("FABRIC_NODE_NAME", "node-1"),
		Tenant:                envOr("FABRIC_TENANT", "default"),
		LogLevel:              envOr("FABRIC_LOG_LEVEL", "INFO"),
		LedgerPath:            os.Getenv("FABRIC_LEDGER_PATH"),
		RedisAddr:             os.Getenv("FABRIC_REDIS_ADDR"),
		RedisPassword:         os.Getenv("FABRIC_REDIS_PASSWORD"),
		RedisDB:               envInt("FABRIC_REDIS_DB", 0),
		PublishPerSecond:      envFloat("FABRIC_PUBLISH_PER_SECOND", 100),
		PublishBurst:          envInt("FABRIC_PUBLISH_BURST", 200),
		ReflexViolationLimit:  envInt("FABRIC_REFLEX_VIOLATION_LIMIT", 5),
		ReflexViolationWindow: envDuration("FABRIC_REFLEX_VIOLATION_WINDOW", time.Minute),
		ReflexSpikeLimit:      envInt("FABRIC_REFLEX_SPIKE_LIMIT", 1000),
		ReflexSpikeWindow:     envDuration("FABRIC_REFLEX_SPIKE_WINDOW", 10*time.Second),
		MasterSeedHex:         os.Getenv("FABRIC_MASTER_SEED"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
