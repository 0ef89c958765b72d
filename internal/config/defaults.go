package config

import "time"

// Gaming detection modes.
const (
	GamingModeObserve = "observe"
	GamingModeEnforce = "enforce"
)

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills zero-valued fields.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "conductor.db"
	}

	if cfg.Scheduler.HeavyThreshold == 0 {
		cfg.Scheduler.HeavyThreshold = 7
	}
	if cfg.Scheduler.HeavyCap == 0 {
		cfg.Scheduler.HeavyCap = 2
	}
	if cfg.Scheduler.RefreshInterval == 0 {
		cfg.Scheduler.RefreshInterval = 2 * time.Second
	}

	if cfg.Leases.TTL == 0 {
		cfg.Leases.TTL = 90 * time.Second
	}
	if cfg.Leases.MaxRenewals == 0 {
		cfg.Leases.MaxRenewals = 20
	}

	if cfg.Workflow.GamingMode == "" {
		cfg.Workflow.GamingMode = GamingModeObserve
	}
	if cfg.Workflow.MinDeferralJustification == 0 {
		cfg.Workflow.MinDeferralJustification = 40
	}

	if cfg.Router.LongContextTokens == 0 {
		cfg.Router.LongContextTokens = 120_000
	}
	if cfg.Router.EscalationFailures == 0 {
		cfg.Router.EscalationFailures = 2
	}
	if cfg.Router.BreakerThreshold == 0 {
		cfg.Router.BreakerThreshold = 2
	}
	if cfg.Router.BreakerCooldown == 0 {
		cfg.Router.BreakerCooldown = 30 * time.Second
	}

	if cfg.Driver.Agents == 0 {
		cfg.Driver.Agents = 4
	}
	if cfg.Driver.LaunchRate == 0 {
		cfg.Driver.LaunchRate = 1.0
	}
	if cfg.Driver.LaunchBurst == 0 {
		cfg.Driver.LaunchBurst = 2
	}
	if cfg.Driver.RetryBudget == 0 {
		cfg.Driver.RetryBudget = 3
	}
	if cfg.Driver.Command == "" {
		cfg.Driver.Command = "agent"
	}
	if cfg.Driver.RunTimeout == 0 {
		cfg.Driver.RunTimeout = 30 * time.Minute
	}

	if cfg.Roadmap.PollInterval == 0 {
		cfg.Roadmap.PollInterval = 30 * time.Second
	}

	if cfg.Metrics.SampleInterval == 0 {
		cfg.Metrics.SampleInterval = 10 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}
