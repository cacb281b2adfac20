// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration. Precedence, highest
// first: environment variables, the YAML config file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully merged daemon configuration.
type Config struct {
	// Listen is the HTTP listen address, host:port.
	Listen string `yaml:"listen"`
	// DataDir holds the badger session store.
	DataDir string `yaml:"dataDir"`
	// StoreBackend selects the session store: "badger" or "memory".
	StoreBackend string `yaml:"storeBackend"`

	// APIToken authenticates control-plane clients. Required.
	APIToken string `yaml:"apiToken"`
	// WorkerToken authenticates workers on the ingest channel. Required
	// and must differ from APIToken.
	WorkerToken string `yaml:"workerToken"`

	LeaseTTLSeconds int64 `yaml:"leaseTTLSeconds"`
	RateLimitPerMin int   `yaml:"rateLimitPerMin"`

	ShutdownGrace time.Duration `yaml:"shutdownGrace"`

	Redis RedisConfig `yaml:"redis"`

	LogLevel   string `yaml:"logLevel"`
	LogService string `yaml:"logService"`
}

// RedisConfig configures the callback queue connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Listen:          ":8080",
		DataDir:         "/var/lib/cloudagent",
		StoreBackend:    "badger",
		LeaseTTLSeconds: 300,
		RateLimitPerMin: 600,
		ShutdownGrace:   15 * time.Second,
		Redis:           RedisConfig{Addr: "localhost:6379"},
		LogLevel:        "info",
		LogService:      "cloudagent",
	}
}

// Load merges defaults, the optional YAML file at path, and the
// environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot safely run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address must not be empty")
	}
	switch c.StoreBackend {
	case "badger":
		if c.DataDir == "" {
			return fmt.Errorf("config: dataDir is required with the badger store")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if c.APIToken == "" {
		return fmt.Errorf("config: apiToken is required")
	}
	if c.WorkerToken == "" {
		return fmt.Errorf("config: workerToken is required")
	}
	if c.WorkerToken == c.APIToken {
		return fmt.Errorf("config: workerToken must differ from apiToken")
	}
	if c.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("config: leaseTTLSeconds must be positive, got %d", c.LeaseTTLSeconds)
	}
	if c.RateLimitPerMin <= 0 {
		return fmt.Errorf("config: rateLimitPerMin must be positive, got %d", c.RateLimitPerMin)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr must not be empty")
	}
	return nil
}
