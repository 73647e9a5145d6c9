package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/airbag/pkg/engine"
	"github.com/psantana5/airbag/pkg/signals"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsMatchEngine(t *testing.T) {
	cfg := Default()
	built, err := cfg.Capture.Engine()
	require.NoError(t, err)

	def := engine.DefaultConfig()
	assert.Equal(t, def.String(), built.String())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
capture:
  signals: [SEGV, SIGABRT]
  detail: minimal
  output: file:/tmp/airbag.spool
  disposition: terminate
  buffer_size: 131072
  max_depth: 12
  rules:
    - signal: SEGV
      module: example.com/plugin
      keywords: [decode]
collector:
  listen: ":9999"
  retention:
    retention: 48h
upload:
  batch_size: 10
  retry:
    initial_backoff: 250ms
log:
  level: debug
  json: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Collector.Listen)
	assert.Equal(t, 48*time.Hour, cfg.Collector.Retention.Retention)
	assert.Equal(t, "sqlite", cfg.Collector.Store.Type, "unset keys keep defaults")
	assert.Equal(t, 10, cfg.Upload.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Upload.Retry.InitialBackoff)
	assert.Equal(t, 3, cfg.Upload.Retry.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)

	built, err := cfg.Capture.Engine()
	require.NoError(t, err)
	assert.Equal(t, []signals.Signal{signals.SEGV, signals.ABRT}, built.Signals())
	assert.Equal(t, engine.DetailMinimal, built.Detail())
	assert.Equal(t, engine.DispositionTerminate, built.Disposition())
	assert.Equal(t, 131072, built.BufferSize())
	assert.Equal(t, 12, built.MaxDepth())
	require.Len(t, built.Rules(signals.SEGV), 1)
	assert.Equal(t, []string{"decode"}, built.Rules(signals.SEGV)[0].Keywords)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AIRBAG_CAPTURE_DETAIL", "minimal")
	t.Setenv("AIRBAG_UPLOAD_API_KEY", "s3cret")
	t.Setenv("AIRBAG_COLLECTOR_STORE_TYPE", "memory")

	cfg, err := Load(writeConfig(t, "capture:\n  detail: full\n"))
	require.NoError(t, err)

	assert.Equal(t, "minimal", cfg.Capture.Detail)
	assert.Equal(t, "s3cret", cfg.Upload.APIKey)
	assert.Equal(t, "memory", cfg.Collector.Store.Type)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestSearchPathWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Collector.Listen, cfg.Collector.Listen)
}

func TestInvalidCaptureSection(t *testing.T) {
	tests := []struct {
		name    string
		capture CaptureConfig
		want    error
	}{
		{"unknown detail", CaptureConfig{Detail: "loud"}, engine.ErrInvalidConfig},
		{"unknown disposition", CaptureConfig{Detail: "full", Disposition: "ignore"}, engine.ErrInvalidConfig},
		{"unknown signal", withSignals("SIGHUP"), engine.ErrUnsupportedSignal},
		{"rule signal", withRule(RuleConfig{Signal: "TERM", Module: "m"}), engine.ErrUnsupportedSignal},
		{"rule module", withRule(RuleConfig{Signal: "SEGV"}), engine.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.capture.Engine()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func withSignals(names ...string) CaptureConfig {
	c := Default().Capture
	c.Signals = names
	return c
}

func withRule(r RuleConfig) CaptureConfig {
	c := Default().Capture
	c.Rules = []RuleConfig{r}
	return c
}
