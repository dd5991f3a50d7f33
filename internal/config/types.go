// Package config loads and layers the sync engine's configuration: built-in
// defaults, an optional YAML file, and environment variable overrides, the
// way the teacher's internal/config/loader.go layers file and environment
// sources over defaults.
package config

import "time"

// ValueSource describes where a configuration value originated from, so
// operators can audit "why is this set to X" without grepping every layer.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Config captures every option recognized by spec.md §6 plus the
// domain-stack additions from SPEC_FULL.md.
type Config struct {
	// Auth (§6)
	TenantID      string `yaml:"tenant_id"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	AgentUsername string `yaml:"agent_username"`
	AgentPassword string `yaml:"agent_password"`
	AgentUserID   string `yaml:"agent_user_id"`

	DefaultPlanID string            `yaml:"default_plan_id"`
	UserNameMap   map[string]string `yaml:"user_name_map"`

	// PlannerBaseURL is the versioned REST base URL the plannerclient.Client
	// targets (spec.md §6: "REST against a versioned base URL"). Not named
	// explicitly in spec.md's recognized-options list, but required to stand
	// the client up; defaults to the tenant Graph endpoint.
	PlannerBaseURL string `yaml:"planner_base_url"`

	PlannerPollInterval      time.Duration `yaml:"planner_poll_interval_seconds"`
	MinQuickPollInterval     time.Duration `yaml:"min_quick_poll_interval_seconds"`
	UploadBatchSize          int           `yaml:"upload_batch_size"`
	UploadBatchLinger        time.Duration `yaml:"upload_batch_linger_ms"`
	MaxTasksPerPlannerPlan   int           `yaml:"max_tasks_per_planner_plan"`
	HousekeepingDryRun       bool          `yaml:"housekeeping_dry_run"`
	NotificationURL          string        `yaml:"notification_url"`
	ReleaseSubsOnShutdown    bool          `yaml:"release_on_shutdown"`
	SubscriptionMaxLifetime  time.Duration `yaml:"subscription_max_lifetime"`
	SubscriptionRenewSweep   time.Duration `yaml:"subscription_renew_sweep_interval"`
	SubscriptionRenewWindow  time.Duration `yaml:"subscription_renew_window"`
	HousekeepingInterval     time.Duration `yaml:"housekeeping_interval"`
	DiscoveryCacheTTL        time.Duration `yaml:"discovery_cache_ttl"`
	InaccessiblePlanCacheTTL time.Duration `yaml:"inaccessible_plan_cache_ttl"`

	// Store / pub-sub
	StoreKeyPrefix string `yaml:"store_key_prefix"`

	// HTTP surface
	HTTPAddr string `yaml:"http_addr"`

	// Observability file, loaded separately by the observability package.
	ObservabilityConfigPath string `yaml:"observability_config_path"`
}

// Defaults mirrors spec.md §6's documented defaults.
func Defaults() Config {
	return Config{
		PlannerPollInterval:      time.Hour,
		MinQuickPollInterval:     5 * time.Minute,
		UploadBatchSize:          20,
		UploadBatchLinger:        100 * time.Millisecond,
		MaxTasksPerPlannerPlan:   200,
		HousekeepingDryRun:       true,
		ReleaseSubsOnShutdown:    false,
		SubscriptionMaxLifetime:  60 * time.Minute,
		SubscriptionRenewSweep:   15 * time.Minute,
		SubscriptionRenewWindow:  20 * time.Minute,
		HousekeepingInterval:     30 * time.Minute,
		DiscoveryCacheTTL:        5 * time.Minute,
		InaccessiblePlanCacheTTL: 10 * time.Minute,
		StoreKeyPrefix:           "taskbridge",
		HTTPAddr:                 ":8085",
		PlannerBaseURL:           "https://graph.microsoft.com/v1.0",
	}
}
