// Package config loads and validates the LexiSync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// RemoteURL is the base URL of the Lexi sync service
	// (e.g. "https://sync.lexi.example.com").
	RemoteURL string `yaml:"remote_url"`

	// Token is the bearer token used to authenticate with the sync service.
	Token string `yaml:"token"`

	// DataDir is the directory holding the local database. Defaults to
	// ~/.local/share/lexisync if unset.
	DataDir string `yaml:"data_dir"`

	// PollInterval controls how often the remote store is polled for changes.
	// Minimum 5s, maximum 30m. Defaults to 30s if unset.
	PollInterval time.Duration `yaml:"poll_interval"`

	// PushBatchSize caps the number of queued operations sent per push
	// request. Defaults to 50.
	PushBatchSize int `yaml:"push_batch_size"`

	// SkewWindow is the timestamp distance below which two concurrent edits
	// are treated as simultaneous and surfaced as a conflict instead of being
	// auto-resolved. Defaults to 3s.
	SkewWindow time.Duration `yaml:"skew_window"`

	// MaxAttempts is the per-operation push retry budget before an operation
	// is parked as failed. Defaults to 5.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBase and RetryCap bound the exponential per-operation retry delay.
	// Default to 2s and 5m.
	RetryBase time.Duration `yaml:"retry_base"`
	RetryCap  time.Duration `yaml:"retry_cap"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "lexisync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/lexisync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "lexisync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed,
// filling defaults for the optional ones.
func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("remote_url is required")
	}
	u, err := url.ParseRequestURI(c.RemoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("remote_url %q must be a valid http or https URL", c.RemoteURL)
	}

	if c.Token == "" {
		return fmt.Errorf("token is required")
	}

	if c.PollInterval == 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.PollInterval < 5*time.Second {
		return fmt.Errorf("poll_interval %v is too short (minimum 5s)", c.PollInterval)
	}
	if c.PollInterval > 30*time.Minute {
		return fmt.Errorf("poll_interval %v is too long (maximum 30m)", c.PollInterval)
	}

	if c.PushBatchSize == 0 {
		c.PushBatchSize = 50
	}
	if c.PushBatchSize < 1 || c.PushBatchSize > 500 {
		return fmt.Errorf("push_batch_size %d is out of range (1-500)", c.PushBatchSize)
	}

	if c.SkewWindow == 0 {
		c.SkewWindow = 3 * time.Second
	}
	if c.SkewWindow < 0 || c.SkewWindow > time.Minute {
		return fmt.Errorf("skew_window %v is out of range (0-1m)", c.SkewWindow)
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}

	if c.RetryBase == 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryCap == 0 {
		c.RetryCap = 5 * time.Minute
	}
	if c.RetryCap < c.RetryBase {
		return fmt.Errorf("retry_cap %v is shorter than retry_base %v", c.RetryCap, c.RetryBase)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
