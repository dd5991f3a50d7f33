package observability

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the structured logger's verbosity and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus exposition endpoint for the Health &
// Metrics component.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// TracingConfig controls the OpenTelemetry tracer used around outbound
// planner calls and webhook handling.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "jaeger" | "otlp" | "none"
	JaegerEndpoint string  `yaml:"jaeger_endpoint"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
	ServiceName    string  `yaml:"service_name"`
	ServiceVersion string  `yaml:"service_version"`
}

// Config is the full observability section, nested under `observability:` in
// the sync engine's YAML config file.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

type fileWrapper struct {
	Observability Config `yaml:"observability"`
}

// DefaultConfig returns the baseline observability configuration: info-level
// JSON logging, metrics enabled on :9090, tracing disabled.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true, PrometheusPort: 9090},
		Tracing: TracingConfig{
			Enabled:     false,
			Exporter:    "jaeger",
			SampleRate:  1.0,
			ServiceName: "taskbridge",
		},
	}
}

// LoadConfig reads observability settings from a YAML file, merging onto
// DefaultConfig so a partial file only overrides what it sets. A missing
// file is not an error: the defaults are returned as-is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var wrapper fileWrapper
	wrapper.Observability = cfg
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Config{}, err
	}
	return wrapper.Observability, nil
}

// SaveConfig writes cfg to path as YAML, creating parent directories as
// needed.
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(fileWrapper{Observability: cfg})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
