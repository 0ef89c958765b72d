// Package config loads conductor configuration from YAML with environment
// overrides. Precedence, highest first: environment variables, the YAML
// file, built-in defaults.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment overrides, e.g.
// CONDUCTOR_LEASES_TTL=2m maps to leases.ttl.
const envPrefix = "CONDUCTOR_"

// maxConfigFileSize bounds config reads.
const maxConfigFileSize = 1 << 20

// Load reads the config file at path (skipped when the file is absent),
// applies environment overrides, fills defaults, and validates. An empty
// path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if info, err := os.Stat(path); err == nil {
			if info.Size() > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	// Environment overrides. The first underscore after the prefix splits
	// section from field: CONDUCTOR_ROUTER_BREAKER_COOLDOWN maps to
	// router.breaker_cooldown.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate rejects configurations the subsystems cannot run with.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if c.Scheduler.HeavyThreshold < 1 || c.Scheduler.HeavyThreshold > 10 {
		return fmt.Errorf("scheduler.heavy_threshold must be in 1..10, got %d", c.Scheduler.HeavyThreshold)
	}
	if c.Scheduler.HeavyCap < 1 {
		return fmt.Errorf("scheduler.heavy_cap must be at least 1, got %d", c.Scheduler.HeavyCap)
	}
	if c.Leases.TTL <= 0 {
		return fmt.Errorf("leases.ttl must be positive, got %s", c.Leases.TTL)
	}
	if c.Leases.MaxRenewals < 0 {
		return fmt.Errorf("leases.max_renewals must not be negative, got %d", c.Leases.MaxRenewals)
	}
	if c.Workflow.GamingMode != GamingModeObserve && c.Workflow.GamingMode != GamingModeEnforce {
		return fmt.Errorf("workflow.gaming_mode must be %q or %q, got %q",
			GamingModeObserve, GamingModeEnforce, c.Workflow.GamingMode)
	}
	if c.Router.BreakerThreshold < 1 {
		return fmt.Errorf("router.breaker_threshold must be at least 1, got %d", c.Router.BreakerThreshold)
	}
	if c.Router.BreakerCooldown <= 0 {
		return fmt.Errorf("router.breaker_cooldown must be positive, got %s", c.Router.BreakerCooldown)
	}
	if c.Router.EscalationFailures < 1 {
		return fmt.Errorf("router.escalation_failures must be at least 1, got %d", c.Router.EscalationFailures)
	}
	for i, entry := range c.Router.Catalog {
		if entry.Model == "" || entry.Provider == "" {
			return fmt.Errorf("router.catalog[%d] needs both model and provider", i)
		}
	}
	if c.Driver.Agents < 1 {
		return fmt.Errorf("driver.agents must be at least 1, got %d", c.Driver.Agents)
	}
	if c.Driver.RetryBudget < 1 {
		return fmt.Errorf("driver.retry_budget must be at least 1, got %d", c.Driver.RetryBudget)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
