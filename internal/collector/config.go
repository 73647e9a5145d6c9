package collector

import (
	"time"

	"github.com/psantana5/airbag/internal/cleanup"
	"github.com/psantana5/airbag/internal/store"
	"github.com/psantana5/airbag/internal/tlsutil"
)

// Config configures the collector service.
type Config struct {
	Listen string `mapstructure:"listen" yaml:"listen"`

	// APIKey is compared in constant time against the bearer token.
	// APIKeyHash, a bcrypt hash, takes precedence when both are set. With
	// neither, the API is open.
	APIKey     string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	APIKeyHash string `mapstructure:"api_key_hash" yaml:"api_key_hash,omitempty"`

	RateLimit    float64 `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second per client; 0 disables
	RateBurst    int     `mapstructure:"rate_burst" yaml:"rate_burst"`
	MaxBodyBytes int64   `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	DedupeSize   int     `mapstructure:"dedupe_size" yaml:"dedupe_size"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	Store     store.Config   `mapstructure:"store" yaml:"store"`
	Retention cleanup.Config `mapstructure:"retention" yaml:"retention"`
	TLS       tlsutil.Config `mapstructure:"tls" yaml:"tls"`
}

// DefaultConfig listens on :9470 with a SQLite store.
func DefaultConfig() Config {
	return Config{
		Listen:       ":9470",
		RateLimit:    20,
		RateBurst:    40,
		MaxBodyBytes: 32 << 20,
		DedupeSize:   10000,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Store:        store.Config{Type: "sqlite", DSN: store.DefaultSQLitePath},
		Retention:    cleanup.DefaultConfig(),
	}
}
