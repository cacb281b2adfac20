// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"
)

// mergeEnv overlays CLOUDAGENT_* environment variables onto cfg.
// ENV has the highest precedence.
func mergeEnv(cfg *Config) {
	cfg.Listen = envString("CLOUDAGENT_LISTEN", cfg.Listen)
	cfg.DataDir = envString("CLOUDAGENT_DATA", cfg.DataDir)
	cfg.StoreBackend = envString("CLOUDAGENT_STORE", cfg.StoreBackend)

	cfg.APIToken = envString("CLOUDAGENT_API_TOKEN", cfg.APIToken)
	cfg.WorkerToken = envString("CLOUDAGENT_WORKER_TOKEN", cfg.WorkerToken)

	cfg.LeaseTTLSeconds = envInt64("CLOUDAGENT_LEASE_TTL_SECONDS", cfg.LeaseTTLSeconds)
	cfg.RateLimitPerMin = envInt("CLOUDAGENT_RATE_LIMIT_PER_MIN", cfg.RateLimitPerMin)
	cfg.ShutdownGrace = envDuration("CLOUDAGENT_SHUTDOWN_GRACE", cfg.ShutdownGrace)

	cfg.Redis.Addr = envString("CLOUDAGENT_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = envString("CLOUDAGENT_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = envInt("CLOUDAGENT_REDIS_DB", cfg.Redis.DB)

	cfg.LogLevel = envString("CLOUDAGENT_LOG_LEVEL", cfg.LogLevel)
	cfg.LogService = envString("CLOUDAGENT_LOG_SERVICE", cfg.LogService)
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
