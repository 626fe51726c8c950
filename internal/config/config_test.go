package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Server.MaxUploadMB)
	assert.Equal(t, 10, cfg.Identify.MaxResults)
	assert.Equal(t, 20*time.Second, cfg.Identify.RequestTimeout)
	assert.Equal(t, []string{"plantnet", "plantid"}, cfg.Identify.Priority)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.SweepInterval)
	assert.False(t, cfg.History.Enabled())
	assert.Equal(t, 3, cfg.History.Retry.MaxAttempts)
	assert.Empty(t, cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "plantid", cfg.Telemetry.ServiceName)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 0.001)

	assert.True(t, cfg.Providers.PlantNet.Enabled)
	assert.Equal(t, "https://my-api.plantnet.org", cfg.Providers.PlantNet.BaseURL)
	assert.Equal(t, 3, cfg.Providers.PlantNet.FailThreshold)
	assert.Equal(t, 30*time.Second, cfg.Providers.PlantNet.ResetTimeout)
	assert.Equal(t, 8*time.Second, cfg.Providers.PlantNet.CallTimeout)
	assert.Equal(t, 10*time.Second, cfg.Providers.PlantID.CallTimeout)
	assert.InDelta(t, 5.0, cfg.Providers.PlantID.RPS, 0.001)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
log:
  level: debug
  format: console
cache:
  driver: sqlite
  ttl: 1h
identify:
  priority: [plantid, plantnet]
providers:
  plantid:
    fail_threshold: 5
    call_timeout: 2s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
	assert.Equal(t, []string{"plantid", "plantnet"}, cfg.Identify.Priority)
	assert.Equal(t, 5, cfg.Providers.PlantID.FailThreshold)
	assert.Equal(t, 2*time.Second, cfg.Providers.PlantID.CallTimeout)
	// Defaults still apply for unset values
	assert.Equal(t, 1, cfg.Providers.PlantID.HalfOpenSuccesses)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
cache:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("PLANTID_CACHE_DRIVER", "redis")
	t.Setenv("PLANTID_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "redis", cfg.Cache.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PLANTID_SERVER_PORT", "3000")
	t.Setenv("PLANTID_PROVIDERS_PLANTNET_API_KEY", "pn-key")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "pn-key", cfg.Providers.PlantNet.APIKey)
}

func TestLoadTelemetryFromEnv(t *testing.T) {
	chdirTemp(t)

	t.Setenv("PLANTID_TELEMETRY_OTLP_ENDPOINT", "otel-collector:4318")
	t.Setenv("PLANTID_TELEMETRY_INSECURE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "otel-collector:4318", cfg.Telemetry.OTLPEndpoint)
	assert.True(t, cfg.Telemetry.Insecure)
}

func TestValidate_SampleRatio(t *testing.T) {
	cfg := validDefaults()
	cfg.Telemetry.SampleRatio = 1.5

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry.sample_ratio must be between 0 and 1")
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validProvider(url string) ProviderConfig {
	return ProviderConfig{
		Enabled:           true,
		BaseURL:           url,
		APIKey:            "key",
		RPS:               5,
		FailThreshold:     3,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 1,
		CallTimeout:       8 * time.Second,
	}
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Server.MaxUploadMB = 10
	cfg.Identify.MaxResults = 10
	cfg.Identify.RequestTimeout = 20 * time.Second
	cfg.Identify.Priority = []string{PlantNet, PlantID}
	cfg.Cache.Driver = "memory"
	cfg.Cache.TTL = 24 * time.Hour
	cfg.Providers.PlantNet = validProvider("https://my-api.plantnet.org")
	cfg.Providers.PlantID = validProvider("https://plant.id")
	return cfg
}

func TestValidateServe_Valid(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateIdentify_IgnoresServerFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	assert.NoError(t, cfg.Validate("identify"))
}

func TestValidate_MissingAPIKeys(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.PlantNet.APIKey = ""
	cfg.Providers.PlantID.APIKey = ""

	err := cfg.Validate("identify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.plantnet.api_key is required")
	assert.Contains(t, err.Error(), "providers.plantid.api_key is required")
}

func TestValidate_DisabledProviderNeedsNoKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.PlantID.Enabled = false
	cfg.Providers.PlantID.APIKey = ""

	assert.NoError(t, cfg.Validate("identify"))
}

func TestValidate_NoProviders(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.PlantNet.Enabled = false
	cfg.Providers.PlantID.Enabled = false

	err := cfg.Validate("identify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one provider must be enabled")
}

func TestValidate_BreakerSettings(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.PlantNet.FailThreshold = 0

	err := cfg.Validate("identify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail threshold must be positive")
}

func TestValidate_UnknownPriority(t *testing.T) {
	cfg := validDefaults()
	cfg.Identify.Priority = []string{"inaturalist", PlantNet}

	err := cfg.Validate("identify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider inaturalist")
}

func TestValidate_CacheDriver(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"redis without url", func(c *Config) { c.Cache.Driver = "redis" }, "cache.redis_url is required"},
		{"sqlite without path", func(c *Config) { c.Cache.Driver = "sqlite" }, "cache.sqlite_path is required"},
		{"unknown driver", func(c *Config) { c.Cache.Driver = "memcached" }, "cache.driver must be one of"},
		{"zero ttl", func(c *Config) { c.Cache.TTL = 0 }, "cache.ttl must be > 0"},
		{"redis ok", func(c *Config) { c.Cache.Driver = "redis"; c.Cache.RedisURL = "redis://localhost:6379/0" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate("cache")
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateHistory(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history.database_url is required")

	cfg.History.DatabaseURL = "postgres://localhost/plantid"
	assert.NoError(t, cfg.Validate("history"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestDescriptors_PriorityOrder(t *testing.T) {
	cfg := validDefaults()
	cfg.Identify.Priority = []string{PlantID}
	cfg.Providers.PlantID.CallTimeout = 10 * time.Second

	descs := cfg.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, PlantID, descs[0].ID)
	assert.Equal(t, 10*time.Second, descs[0].CallTimeout)
	assert.Equal(t, PlantNet, descs[1].ID)
	assert.Equal(t, 3, descs[1].FailThreshold)
	assert.Equal(t, 1, descs[1].HalfOpenSuccessThreshold)
}

func TestDescriptors_SkipsDisabled(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.PlantNet.Enabled = false

	assert.Equal(t, []string{PlantID}, cfg.EnabledProviders())
	require.Len(t, cfg.Descriptors(), 1)
}

func TestRetryConfig_Resilience(t *testing.T) {
	r := RetryConfig{MaxAttempts: 5, InitialBackoffMs: 50, MaxBackoffMs: 1000}.Resilience()
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, r.InitialBackoff)
	assert.Equal(t, time.Second, r.MaxBackoff)
	assert.InDelta(t, 0.25, r.JitterFraction, 0.001)

	d := RetryConfig{}.Resilience()
	assert.Equal(t, 3, d.MaxAttempts)
}
