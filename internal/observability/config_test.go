package observability

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.PrometheusPort)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "jaeger", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

func TestLoadConfig_NonExistent(t *testing.T) {
	cfg, err := LoadConfig("/nonexistent/path/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfig_PartialFileMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "observability:\n  logging:\n    level: warn\n  metrics:\n    enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format) // default retained
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.PrometheusPort) // default retained
}

func TestSaveAndLoadConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := Config{
		Logging: LoggingConfig{Level: "debug", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, PrometheusPort: 8080},
		Tracing: TracingConfig{Enabled: true, Exporter: "otlp", SampleRate: 0.5, ServiceName: "taskbridge-test"},
	}
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Logging, loaded.Logging)
	assert.Equal(t, cfg.Metrics, loaded.Metrics)
	assert.Equal(t, cfg.Tracing.SampleRate, loaded.Tracing.SampleRate)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("invalid: yaml: content: ["), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestStructuredLoggerFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: buf})
	logger.Info("hello %s", "world")

	assert.Contains(t, buf.String(), "hello world")
}

func TestStructuredLoggerRespectsLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: buf})
	logger.Debug("should not appear")
	logger.Info("also should not appear")
	logger.Warn("this appears")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "this appears")
}
