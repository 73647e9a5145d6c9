// Package config loads airbag's YAML configuration with viper. Every key
// can be overridden by an AIRBAG_ environment variable, dots replaced by
// underscores (AIRBAG_CAPTURE_DETAIL, AIRBAG_UPLOAD_API_KEY).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/psantana5/airbag/internal/collector"
	"github.com/psantana5/airbag/internal/tracing"
	"github.com/psantana5/airbag/internal/uploader"
	"github.com/psantana5/airbag/pkg/engine"
	"github.com/psantana5/airbag/pkg/logging"
	"github.com/psantana5/airbag/pkg/signals"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "AIRBAG"

// envOnlyKeys are omitted from the encoded defaults when empty, so they are
// bound explicitly.
var envOnlyKeys = []string{
	"collector.api_key",
	"collector.api_key_hash",
	"collector.tls.cert_file",
	"collector.tls.key_file",
	"collector.tls.ca_file",
	"upload.api_key",
	"upload.tls.cert_file",
	"upload.tls.key_file",
	"upload.tls.ca_file",
	"log.dir",
	"collector.store.max_open_conns",
}

// Config is the whole configuration file.
type Config struct {
	Capture   CaptureConfig    `mapstructure:"capture" yaml:"capture"`
	Collector collector.Config `mapstructure:"collector" yaml:"collector"`
	Upload    uploader.Config  `mapstructure:"upload" yaml:"upload"`
	Tracing   tracing.Config   `mapstructure:"tracing" yaml:"tracing"`
	Log       LogConfig        `mapstructure:"log" yaml:"log"`
}

// CaptureConfig mirrors engine.Builder in file form.
type CaptureConfig struct {
	Signals      []string          `mapstructure:"signals" yaml:"signals"`
	Detail       string            `mapstructure:"detail" yaml:"detail"`
	Output       string            `mapstructure:"output" yaml:"output"`
	Disposition  string            `mapstructure:"disposition" yaml:"disposition"`
	BufferSize   int               `mapstructure:"buffer_size" yaml:"buffer_size"`
	MaxDepth     int               `mapstructure:"max_depth" yaml:"max_depth"`
	SharedBuffer bool              `mapstructure:"shared_buffer" yaml:"shared_buffer"`
	Rules        []RuleConfig      `mapstructure:"rules" yaml:"rules,omitempty"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
}

// RuleConfig absorbs faults of Signal whose stack mentions Module.
type RuleConfig struct {
	Signal   string   `mapstructure:"signal" yaml:"signal"`
	Module   string   `mapstructure:"module" yaml:"module"`
	Keywords []string `mapstructure:"keywords" yaml:"keywords,omitempty"`
}

// LogConfig configures pkg/logging. With File set, long-running commands
// also write to <dir>/airbag/<command>.log and rotate it past MaxSizeMB.
type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	JSON      bool   `mapstructure:"json" yaml:"json"`
	File      bool   `mapstructure:"file" yaml:"file"`
	Dir       string `mapstructure:"dir" yaml:"dir,omitempty"`
	MaxSizeMB int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	names := make([]string, 0, signals.Count)
	for _, sig := range signals.All() {
		names = append(names, sig.Name())
	}
	return Config{
		Capture: CaptureConfig{
			Signals:      names,
			Detail:       engine.DetailFull.String(),
			Output:       "stderr",
			Disposition:  engine.DispositionChain.String(),
			BufferSize:   engine.DefaultBufferSize,
			MaxDepth:     engine.DefaultMaxDepth,
			SharedBuffer: true,
		},
		Collector: collector.DefaultConfig(),
		Upload:    uploader.DefaultConfig(),
		Tracing:   tracing.Config{ServiceName: "airbag", Environment: "production", OTLPEndpoint: "localhost:4318"},
		Log:       LogConfig{Level: "info", MaxSizeMB: 100},
	}
}

// New returns a viper instance with defaults, environment overrides and
// the search path set up. path, when non-empty, names the config file.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	if err := setDefaults(v, Default()); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".airbag"))
		}
		v.AddConfigPath("/etc/airbag")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return v, nil
}

// Load reads the configuration. A missing file in the search path is not
// an error; a missing explicit file is.
func Load(path string) (Config, error) {
	v, err := New(path)
	if err != nil {
		return Config{}, err
	}
	return Read(v)
}

// Read reads v's config file, if any, and decodes the result.
func Read(v *viper.Viper) (Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}
	// Every non-empty default is registered with v, so decoding into a zero
	// value loses nothing and lists from the file replace default lists.
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key of def so environment overrides apply to
// keys absent from the file.
func setDefaults(v *viper.Viper, def Config) error {
	flat := map[string]any{}
	if err := flatten("", def, flat); err != nil {
		return err
	}
	for k, val := range flat {
		v.SetDefault(k, val)
	}
	return nil
}

// Builder maps the section onto an engine.Builder so callers can add
// rules or chain handlers before building.
func (c CaptureConfig) Builder() (*engine.Builder, error) {
	detail, err := engine.ParseDetail(c.Detail)
	if err != nil {
		return nil, err
	}
	disposition, err := engine.ParseDisposition(c.Disposition)
	if err != nil {
		return nil, err
	}

	b := engine.NewBuilder().
		SignalNames(c.Signals...).
		Detail(detail).
		Output(c.Output).
		Disposition(disposition).
		BufferSize(c.BufferSize).
		MaxDepth(c.MaxDepth).
		SharedBuffer(c.SharedBuffer)
	for _, rule := range c.Rules {
		sig, err := signals.Parse(rule.Signal)
		if err != nil {
			return nil, &engine.UnsupportedSignalError{Value: rule.Signal}
		}
		b.AddRule(sig, rule.Module, rule.Keywords...)
	}
	return b, nil
}

// Engine builds the capture configuration.
func (c CaptureConfig) Engine() (engine.Config, error) {
	b, err := c.Builder()
	if err != nil {
		return engine.Config{}, err
	}
	return b.Build()
}

// Logger builds a stderr logger from the log section.
func (c LogConfig) Logger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(c.Level), c.JSON)
}

// CommandLogger returns the stderr logger, or a file logger for command
// when File is set.
func (c LogConfig) CommandLogger(command string) (*logging.Logger, error) {
	if !c.File {
		return c.Logger(), nil
	}
	return logging.NewFileLogger(c.Dir, "airbag", command, logging.ParseLevel(c.Level), c.JSON)
}

// MaxSizeBytes is the rotation threshold.
func (c LogConfig) MaxSizeBytes() int64 {
	return int64(c.MaxSizeMB) << 20
}
