package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides lets operators tune the concurrency-sensitive knobs
// without editing the config file. Environment always wins over file values.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ACF_LEASE_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mutex.LeaseDuration = Duration(d)
		}
	}
	if v := os.Getenv("ACF_WAIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Mutex.WaitTimeout = Duration(d)
		}
	}
	if v := os.Getenv("ACF_EXTEND_POLICY"); v != "" {
		cfg.Mutex.ExtendFailurePolicy = ExtendFailurePolicy(v)
	}
	if v := os.Getenv("ACF_DB_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ACF_DB_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("ACF_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ACF_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.JSONFormat = b
		}
	}
}
