package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-extensions/internal/governance"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":19091", cfg.Server.AdminAddress)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "polis-extensions", cfg.Telemetry.ServiceName)
	assert.Equal(t, governance.DefaultTimeoutConfig(), cfg.Runtime.Timeouts())
}

func TestLoad_File(t *testing.T) {
	content := `
server:
  admin_address: ":9000"
logging:
  level: DEBUG
  format: text
runtime:
  chain_timeout: 30s
  load_timeout: 5s
  max_chain_depth: 16
  load_retries: 2
manifest:
  file: extensions.yaml
  watch: true
telemetry:
  otlp_endpoint: collector:4317
  service_version: 1.4.0
  environment: staging
  sample_ratio: 0.25
  headers:
    x-tenant: acme
  resource_tags:
    team: dash
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.AdminAddress)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 16, cfg.Runtime.MaxChainDepth)
	assert.Equal(t, "extensions.yaml", cfg.Manifest.File)
	assert.True(t, cfg.Manifest.Watch)
	assert.Equal(t, "1.4.0", cfg.Telemetry.ServiceVersion)
	assert.Equal(t, "staging", cfg.Telemetry.Environment)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRatio)
	assert.Equal(t, map[string]string{"x-tenant": "acme"}, cfg.Telemetry.Headers)
	assert.Equal(t, map[string]string{"team": "dash"}, cfg.Telemetry.ResourceTags)

	timeouts := cfg.Runtime.Timeouts()
	assert.Equal(t, 30*time.Second, timeouts.ChainTimeout)
	assert.Equal(t, 5*time.Second, timeouts.LoadTimeout)
	assert.Equal(t, governance.DefaultTimeoutConfig().MountTimeout, timeouts.MountTimeout)
	assert.Equal(t, 2, cfg.Runtime.Retry().MaxRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLIS_EXT_ADMIN_ADDR", ":7777")
	t.Setenv("POLIS_EXT_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("POLIS_EXT_OTLP_INSECURE", "true")
	t.Setenv("POLIS_EXT_LOG_LEVEL", "warn")
	t.Setenv("POLIS_EXT_MANIFEST", "/etc/polis/extensions.yaml")
	t.Setenv("POLIS_EXT_CHAIN_TIMEOUT", "45s")
	t.Setenv("POLIS_EXT_LOAD_RETRIES", "4")
	t.Setenv("POLIS_EXT_ENVIRONMENT", "prod")
	t.Setenv("POLIS_EXT_SAMPLE_RATIO", "0.1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.AdminAddress)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/etc/polis/extensions.yaml", cfg.Manifest.File)
	assert.Equal(t, 45*time.Second, cfg.Runtime.ChainTimeout)
	assert.Equal(t, 4, cfg.Runtime.LoadRetries)
	assert.Equal(t, "prod", cfg.Telemetry.Environment)
	assert.Equal(t, 0.1, cfg.Telemetry.SampleRatio)
}

func TestLoad_RejectsSampleRatioOutOfRange(t *testing.T) {
	t.Setenv("POLIS_EXT_SAMPLE_RATIO", "1.5")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_InvalidEnvDuration(t *testing.T) {
	t.Setenv("POLIS_EXT_CHAIN_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"negative timeout", func(c *Config) { c.Runtime.LoadTimeout = -time.Second }, "load_timeout"},
		{"negative depth", func(c *Config) { c.Runtime.MaxChainDepth = -1 }, "max_chain_depth"},
		{"negative retries", func(c *Config) { c.Runtime.LoadRetries = -1 }, "load_retries"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":19091", cfg.Server.AdminAddress)
}
