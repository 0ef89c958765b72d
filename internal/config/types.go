package config

import "time"

// Config is the top-level configuration.
type Config struct {
	Storage   StorageConfig   `koanf:"storage" yaml:"storage"`
	Scheduler SchedulerConfig `koanf:"scheduler" yaml:"scheduler"`
	Leases    LeaseConfig     `koanf:"leases" yaml:"leases"`
	Workflow  WorkflowConfig  `koanf:"workflow" yaml:"workflow"`
	Router    RouterConfig    `koanf:"router" yaml:"router"`
	Driver    DriverConfig    `koanf:"driver" yaml:"driver"`
	Roadmap   RoadmapConfig   `koanf:"roadmap" yaml:"roadmap"`
	Metrics   MetricsConfig   `koanf:"metrics" yaml:"metrics"`
	Logging   LoggingConfig   `koanf:"logging" yaml:"logging"`
}

// StorageConfig locates the shared store.
type StorageConfig struct {
	Path string `koanf:"path" yaml:"path"` // SQLite database file
}

// SchedulerConfig tunes the priority lanes.
type SchedulerConfig struct {
	HeavyThreshold  int           `koanf:"heavy_threshold" yaml:"heavy_threshold"`   // Complexity at or above this counts as heavy
	HeavyCap        int           `koanf:"heavy_cap" yaml:"heavy_cap"`               // Max heavy tasks assigned at once
	RefreshInterval time.Duration `koanf:"refresh_interval" yaml:"refresh_interval"` // Lane rebuild cadence in the driver
}

// LeaseConfig tunes phase leases.
type LeaseConfig struct {
	TTL         time.Duration `koanf:"ttl" yaml:"ttl"`
	MaxRenewals int           `koanf:"max_renewals" yaml:"max_renewals"`
}

// WorkflowConfig tunes the phase enforcer.
type WorkflowConfig struct {
	// GamingMode is "observe" (log and allow) or "enforce" (reject the
	// transition). Enforce is a staged rollout; observe is the default.
	GamingMode string `koanf:"gaming_mode" yaml:"gaming_mode"`
	// MinDeferralJustification is the shortest deferral justification, in
	// characters, not flagged as weak.
	MinDeferralJustification int `koanf:"min_deferral_justification" yaml:"min_deferral_justification"`
	// Gates run on the host after each VERIFY phase execution; their
	// results join the submitted evidence.
	Gates []GateEntry `koanf:"gates" yaml:"gates"`
}

// GateEntry is one configured verification gate: a command whose exit code
// decides pass or fail.
type GateEntry struct {
	Name    string        `koanf:"name" yaml:"name"`
	Command string        `koanf:"command" yaml:"command"`
	Args    []string      `koanf:"args" yaml:"args"`
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`
}

// ModelEntry is one catalog row: a model offered by a provider with its
// capability tags.
type ModelEntry struct {
	Model            string   `koanf:"model" yaml:"model"`
	Provider         string   `koanf:"provider" yaml:"provider"`
	Tags             []string `koanf:"tags" yaml:"tags"`
	MaxContextTokens int      `koanf:"max_context_tokens" yaml:"max_context_tokens"`
}

// RouterConfig tunes model selection and provider circuit breaking.
type RouterConfig struct {
	Catalog            []ModelEntry  `koanf:"catalog" yaml:"catalog"`                         // Explicit catalog
	CatalogFile        string        `koanf:"catalog_file" yaml:"catalog_file"`               // Optional discovered catalog (YAML)
	AllowedModels      []string      `koanf:"allowed_models" yaml:"allowed_models"`           // Empty allows every catalog model
	BannedProviders    []string      `koanf:"banned_providers" yaml:"banned_providers"`       // Excluded before ranking
	LongContextTokens  int           `koanf:"long_context_tokens" yaml:"long_context_tokens"` // Context size forcing the long-context tag
	EscalationFailures int           `koanf:"escalation_failures" yaml:"escalation_failures"` // Verification failures forcing escalation
	BreakerThreshold   int           `koanf:"breaker_threshold" yaml:"breaker_threshold"`     // Consecutive failures tripping a provider
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown" yaml:"breaker_cooldown"`       // Open-state duration
}

// DriverConfig tunes the execution loop.
type DriverConfig struct {
	Agents      int           `koanf:"agents" yaml:"agents"`             // Worker pool size
	LaunchRate  float64       `koanf:"launch_rate" yaml:"launch_rate"`   // Agent launches per second
	LaunchBurst int           `koanf:"launch_burst" yaml:"launch_burst"` // Burst allowance for the launch limiter
	RetryBudget int           `koanf:"retry_budget" yaml:"retry_budget"` // Reassignments before a task blocks
	Command     string        `koanf:"command" yaml:"command"`           // Agent executable
	CommandArgs []string      `koanf:"command_args" yaml:"command_args"` // Arguments before the generated ones
	RunTimeout  time.Duration `koanf:"run_timeout" yaml:"run_timeout"`   // Per-invocation deadline
}

// RoadmapConfig tunes roadmap import.
type RoadmapConfig struct {
	Path         string        `koanf:"path" yaml:"path"`
	PollInterval time.Duration `koanf:"poll_interval" yaml:"poll_interval"`
	Watch        bool          `koanf:"watch" yaml:"watch"` // fsnotify on Path in addition to polling
}

// MetricsConfig tunes the Prometheus listener.
type MetricsConfig struct {
	ListenAddr     string        `koanf:"listen_addr" yaml:"listen_addr"`         // Empty disables the /metrics listener
	SampleInterval time.Duration `koanf:"sample_interval" yaml:"sample_interval"` // Queue/health gauge refresh cadence
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // console or json
}
