package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// rawFile mirrors the subset of Config whose on-disk/env representation
// differs from its in-memory type (durations stored as plain seconds/ms).
type rawFile struct {
	TenantID       string            `yaml:"tenant_id"`
	ClientID       string            `yaml:"client_id"`
	ClientSecret   string            `yaml:"client_secret"`
	AgentUsername  string            `yaml:"agent_username"`
	AgentPassword  string            `yaml:"agent_password"`
	AgentUserID    string            `yaml:"agent_user_id"`
	DefaultPlanID  string            `yaml:"default_plan_id"`
	UserNameMap    map[string]string `yaml:"user_name_map"`
	PlannerBaseURL string            `yaml:"planner_base_url"`

	PlannerPollIntervalSeconds  *int   `yaml:"planner_poll_interval_seconds"`
	MinQuickPollIntervalSeconds *int   `yaml:"min_quick_poll_interval_seconds"`
	UploadBatchSize             *int   `yaml:"upload_batch_size"`
	UploadBatchLingerMS         *int   `yaml:"upload_batch_linger_ms"`
	MaxTasksPerPlannerPlan      *int   `yaml:"max_tasks_per_planner_plan"`
	HousekeepingDryRun          *bool  `yaml:"housekeeping_dry_run"`
	NotificationURL             string `yaml:"notification_url"`
	ReleaseOnShutdown           *bool  `yaml:"release_on_shutdown"`
	StoreKeyPrefix              string `yaml:"store_key_prefix"`
	HTTPAddr                    string `yaml:"http_addr"`
	ObservabilityConfigPath     string `yaml:"observability_config_path"`
}

// envTable lists every environment variable spec.md §6 recognizes, mapped to
// a setter closure over *Config. Centralizing this keeps the "recognized
// options" list auditable in one place instead of scattered os.Getenv calls.
func envTable(cfg *Config, sources map[string]ValueSource) map[string]func(string) {
	return map[string]func(string){
		"TENANT_ID":        func(v string) { cfg.TenantID = v; sources["tenant_id"] = SourceEnv },
		"CLIENT_ID":        func(v string) { cfg.ClientID = v; sources["client_id"] = SourceEnv },
		"CLIENT_SECRET":    func(v string) { cfg.ClientSecret = v; sources["client_secret"] = SourceEnv },
		"AGENT_USERNAME":   func(v string) { cfg.AgentUsername = v; sources["agent_username"] = SourceEnv },
		"AGENT_PASSWORD":   func(v string) { cfg.AgentPassword = v; sources["agent_password"] = SourceEnv },
		"AGENT_USER_ID":    func(v string) { cfg.AgentUserID = v; sources["agent_user_id"] = SourceEnv },
		"DEFAULT_PLAN_ID":  func(v string) { cfg.DefaultPlanID = v; sources["default_plan_id"] = SourceEnv },
		"PLANNER_BASE_URL": func(v string) { cfg.PlannerBaseURL = v; sources["planner_base_url"] = SourceEnv },
		"USER_NAME_MAP": func(v string) {
			var m map[string]string
			if err := json.Unmarshal([]byte(v), &m); err == nil {
				cfg.UserNameMap = m
				sources["user_name_map"] = SourceEnv
			}
		},
		"PLANNER_POLL_INTERVAL_SECONDS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.PlannerPollInterval = time.Duration(n) * time.Second
				sources["planner_poll_interval_seconds"] = SourceEnv
			}
		},
		"MIN_QUICK_POLL_INTERVAL_SECONDS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.MinQuickPollInterval = time.Duration(n) * time.Second
				sources["min_quick_poll_interval_seconds"] = SourceEnv
			}
		},
		"UPLOAD_BATCH_SIZE": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.UploadBatchSize = n
				sources["upload_batch_size"] = SourceEnv
			}
		},
		"UPLOAD_BATCH_LINGER_MS": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.UploadBatchLinger = time.Duration(n) * time.Millisecond
				sources["upload_batch_linger_ms"] = SourceEnv
			}
		},
		"MAX_TASKS_PER_PLANNER_PLAN": func(v string) {
			if n, err := strconv.Atoi(v); err == nil {
				cfg.MaxTasksPerPlannerPlan = n
				sources["max_tasks_per_planner_plan"] = SourceEnv
			}
		},
		"HOUSEKEEPING_DRY_RUN": func(v string) {
			cfg.HousekeepingDryRun = parseBool(v, cfg.HousekeepingDryRun)
			sources["housekeeping_dry_run"] = SourceEnv
		},
		"NOTIFICATION_URL": func(v string) { cfg.NotificationURL = v; sources["notification_url"] = SourceEnv },
		"RELEASE_ON_SHUTDOWN": func(v string) {
			cfg.ReleaseSubsOnShutdown = parseBool(v, cfg.ReleaseSubsOnShutdown)
			sources["release_on_shutdown"] = SourceEnv
		},
	}
}

func parseBool(v string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return fallback
	}
}

// Load builds a Config by layering Defaults() under an optional YAML file at
// path (ignored if it doesn't exist) under environment variable overrides.
// It returns the resolved config and a per-field provenance map keyed by the
// YAML field name.
func Load(path string) (Config, map[string]ValueSource, error) {
	cfg := Defaults()
	sources := make(map[string]ValueSource)

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var raw rawFile
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return Config{}, nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			applyFile(&cfg, raw, sources)
		case os.IsNotExist(err):
			// no file layer; defaults stand
		default:
			return Config{}, nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for env, setter := range envTable(&cfg, sources) {
		if v, ok := os.LookupEnv(env); ok {
			setter(v)
		}
	}

	return cfg, sources, nil
}

func applyFile(cfg *Config, raw rawFile, sources map[string]ValueSource) {
	if raw.TenantID != "" {
		cfg.TenantID = raw.TenantID
		sources["tenant_id"] = SourceFile
	}
	if raw.ClientID != "" {
		cfg.ClientID = raw.ClientID
		sources["client_id"] = SourceFile
	}
	if raw.ClientSecret != "" {
		cfg.ClientSecret = raw.ClientSecret
		sources["client_secret"] = SourceFile
	}
	if raw.AgentUsername != "" {
		cfg.AgentUsername = raw.AgentUsername
		sources["agent_username"] = SourceFile
	}
	if raw.AgentPassword != "" {
		cfg.AgentPassword = raw.AgentPassword
		sources["agent_password"] = SourceFile
	}
	if raw.AgentUserID != "" {
		cfg.AgentUserID = raw.AgentUserID
		sources["agent_user_id"] = SourceFile
	}
	if raw.DefaultPlanID != "" {
		cfg.DefaultPlanID = raw.DefaultPlanID
		sources["default_plan_id"] = SourceFile
	}
	if raw.PlannerBaseURL != "" {
		cfg.PlannerBaseURL = raw.PlannerBaseURL
		sources["planner_base_url"] = SourceFile
	}
	if raw.UserNameMap != nil {
		cfg.UserNameMap = raw.UserNameMap
		sources["user_name_map"] = SourceFile
	}
	if raw.PlannerPollIntervalSeconds != nil {
		cfg.PlannerPollInterval = time.Duration(*raw.PlannerPollIntervalSeconds) * time.Second
		sources["planner_poll_interval_seconds"] = SourceFile
	}
	if raw.MinQuickPollIntervalSeconds != nil {
		cfg.MinQuickPollInterval = time.Duration(*raw.MinQuickPollIntervalSeconds) * time.Second
		sources["min_quick_poll_interval_seconds"] = SourceFile
	}
	if raw.UploadBatchSize != nil {
		cfg.UploadBatchSize = *raw.UploadBatchSize
		sources["upload_batch_size"] = SourceFile
	}
	if raw.UploadBatchLingerMS != nil {
		cfg.UploadBatchLinger = time.Duration(*raw.UploadBatchLingerMS) * time.Millisecond
		sources["upload_batch_linger_ms"] = SourceFile
	}
	if raw.MaxTasksPerPlannerPlan != nil {
		cfg.MaxTasksPerPlannerPlan = *raw.MaxTasksPerPlannerPlan
		sources["max_tasks_per_planner_plan"] = SourceFile
	}
	if raw.HousekeepingDryRun != nil {
		cfg.HousekeepingDryRun = *raw.HousekeepingDryRun
		sources["housekeeping_dry_run"] = SourceFile
	}
	if raw.NotificationURL != "" {
		cfg.NotificationURL = raw.NotificationURL
		sources["notification_url"] = SourceFile
	}
	if raw.ReleaseOnShutdown != nil {
		cfg.ReleaseSubsOnShutdown = *raw.ReleaseOnShutdown
		sources["release_on_shutdown"] = SourceFile
	}
	if raw.StoreKeyPrefix != "" {
		cfg.StoreKeyPrefix = raw.StoreKeyPrefix
		sources["store_key_prefix"] = SourceFile
	}
	if raw.HTTPAddr != "" {
		cfg.HTTPAddr = raw.HTTPAddr
		sources["http_addr"] = SourceFile
	}
	if raw.ObservabilityConfigPath != "" {
		cfg.ObservabilityConfigPath = raw.ObservabilityConfigPath
		sources["observability_config_path"] = SourceFile
	}
}

// Validate enforces the minimum invariants the sync engine needs before
// Start(): credentials present, minimum poll interval respected (spec.md
// §4.7.3: "minimum 5 min").
func (c Config) Validate() error {
	if c.TenantID == "" || c.ClientID == "" {
		return fmt.Errorf("config: tenant_id and client_id are required")
	}
	if c.PlannerPollInterval < 5*time.Minute {
		return fmt.Errorf("config: planner_poll_interval_seconds must be >= 300s, got %s", c.PlannerPollInterval)
	}
	if c.UploadBatchSize <= 0 {
		return fmt.Errorf("config: upload_batch_size must be positive")
	}
	return nil
}
