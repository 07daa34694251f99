// Package config provides configuration structures and loading logic for the
// extension runtime: process settings in Config and the declarative
// domain/extension Manifest applied to a host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-extensions/internal/governance"
)

// Config holds the process configuration of the runtime.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Manifest  ManifestConfig  `yaml:"manifest"`
}

// ServerConfig holds configuration for the admin HTTP server.
type ServerConfig struct {
	AdminAddress string `yaml:"admin_address"`
}

// TelemetryConfig holds configuration for OpenTelemetry.
type TelemetryConfig struct {
	OTLPEndpoint   string            `yaml:"otlp_endpoint"`
	Insecure       bool              `yaml:"insecure"`
	Headers        map[string]string `yaml:"headers"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	ResourceTags   map[string]string `yaml:"resource_tags"`
	SampleRatio    float64           `yaml:"sample_ratio"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RuntimeConfig bounds chain execution and extension loading.
type RuntimeConfig struct {
	ChainTimeout  time.Duration `yaml:"chain_timeout"`
	LoadTimeout   time.Duration `yaml:"load_timeout"`
	MountTimeout  time.Duration `yaml:"mount_timeout"`
	MaxChainDepth int           `yaml:"max_chain_depth"`
	LoadRetries   int           `yaml:"load_retries"`
}

// ManifestConfig points at the domain/extension manifest.
type ManifestConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// Timeouts converts the runtime section into governance timeouts.
func (r RuntimeConfig) Timeouts() governance.TimeoutConfig {
	return governance.TimeoutConfig{
		ChainTimeout: r.ChainTimeout,
		LoadTimeout:  r.LoadTimeout,
		MountTimeout: r.MountTimeout,
	}.WithDefaults()
}

// Retry returns the retry policy for extension loads.
func (r RuntimeConfig) Retry() governance.RetryConfig {
	cfg := governance.DefaultRetryConfig()
	cfg.MaxRetries = r.LoadRetries
	return cfg
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		// Defaults
		Server: ServerConfig{
			AdminAddress: ":19091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "polis-extensions",
		},
	}

	if path != "" {
		//nolint:gosec // Config file path is controlled by admin/operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if val := os.Getenv("POLIS_EXT_ADMIN_ADDR"); val != "" {
		cfg.Server.AdminAddress = val
	}

	if val := os.Getenv("POLIS_EXT_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("POLIS_EXT_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("POLIS_EXT_ENVIRONMENT"); val != "" {
		cfg.Telemetry.Environment = val
	}
	if val := os.Getenv("POLIS_EXT_SAMPLE_RATIO"); val != "" {
		ratio, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("POLIS_EXT_SAMPLE_RATIO: %w", err)
		}
		cfg.Telemetry.SampleRatio = ratio
	}

	if val := os.Getenv("POLIS_EXT_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("POLIS_EXT_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}

	if val := os.Getenv("POLIS_EXT_MANIFEST"); val != "" {
		cfg.Manifest.File = val
	}
	if val := os.Getenv("POLIS_EXT_MANIFEST_WATCH"); val == "true" {
		cfg.Manifest.Watch = true
	}

	if val := os.Getenv("POLIS_EXT_CHAIN_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("POLIS_EXT_CHAIN_TIMEOUT: %w", err)
		}
		cfg.Runtime.ChainTimeout = d
	}
	if val := os.Getenv("POLIS_EXT_LOAD_RETRIES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("POLIS_EXT_LOAD_RETRIES: %w", err)
		}
		cfg.Runtime.LoadRetries = n
	}
	return nil
}

// Validate performs validation of the entire configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}

	if err := c.Runtime.Validate(); err != nil {
		return fmt.Errorf("runtime configuration: %w", err)
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry configuration: sample_ratio must be within [0, 1], got %v", c.Telemetry.SampleRatio)
	}

	return nil
}

// Validate performs validation of server configuration
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.AdminAddress) == "" {
		c.AdminAddress = ":19091"
	}
	return nil
}

// Validate performs validation of logging configuration
func (c *LoggingConfig) Validate() error {
	if strings.TrimSpace(c.Level) == "" {
		c.Level = "info"
	}

	level := strings.TrimSpace(strings.ToLower(c.Level))
	switch level {
	case "debug", "info", "warn", "error":
		c.Level = level
	default:
		return fmt.Errorf("invalid log level %q, supported levels: debug, info, warn, error", c.Level)
	}

	format := strings.TrimSpace(strings.ToLower(c.Format))
	switch format {
	case "":
		c.Format = "json"
	case "json", "text":
		c.Format = format
	default:
		return fmt.Errorf("invalid log format %q, supported formats: json, text", c.Format)
	}
	return nil
}

// Validate rejects negative bounds.
func (c *RuntimeConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"chain_timeout": c.ChainTimeout,
		"load_timeout":  c.LoadTimeout,
		"mount_timeout": c.MountTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.MaxChainDepth < 0 {
		return fmt.Errorf("max_chain_depth must not be negative")
	}
	if c.LoadRetries < 0 {
		return fmt.Errorf("load_retries must not be negative")
	}
	return nil
}
