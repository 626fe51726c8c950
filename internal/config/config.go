package config

import (
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/plantid/internal/model"
	"github.com/sells-group/plantid/internal/resilience"
)

// Provider IDs known to the configuration layer.
const (
	PlantNet = "plantnet"
	PlantID  = "plantid"
)

// Config holds the full application configuration.
type Config struct {
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Identify  IdentifyConfig  `yaml:"identify" mapstructure:"identify"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	History   HistoryConfig   `yaml:"history" mapstructure:"history"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
}

// TelemetryConfig configures trace export. An empty OTLPEndpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure" mapstructure:"insecure"`
	ServiceName  string  `yaml:"service_name" mapstructure:"service_name"`
	SampleRatio  float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port        int `yaml:"port" mapstructure:"port"`
	MaxUploadMB int `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// IdentifyConfig configures the orchestrator.
type IdentifyConfig struct {
	MaxResults     int           `yaml:"max_results" mapstructure:"max_results"`
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	MaxParallel    int           `yaml:"max_parallel" mapstructure:"max_parallel"`
	Priority       []string      `yaml:"priority" mapstructure:"priority"`
}

// CacheConfig selects and configures the result cache backend.
type CacheConfig struct {
	Driver        string        `yaml:"driver" mapstructure:"driver"`
	TTL           time.Duration `yaml:"ttl" mapstructure:"ttl"`
	RedisURL      string        `yaml:"redis_url" mapstructure:"redis_url"`
	SQLitePath    string        `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	SweepInterval time.Duration `yaml:"sweep_interval" mapstructure:"sweep_interval"`
}

// HistoryConfig configures the optional Postgres history store.
type HistoryConfig struct {
	DatabaseURL string      `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32       `yaml:"max_conns" mapstructure:"max_conns"`
	Retry       RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// Enabled reports whether history recording is configured.
func (h HistoryConfig) Enabled() bool { return h.DatabaseURL != "" }

// RetryConfig holds retry settings for history writes.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// Resilience converts the settings into a resilience.RetryConfig.
func (r RetryConfig) Resilience() resilience.RetryConfig {
	return resilience.FromRetryConfig(r.MaxAttempts, r.InitialBackoffMs, r.MaxBackoffMs, 0, -1)
}

// ProvidersConfig holds the per-provider blocks.
type ProvidersConfig struct {
	PlantNet ProviderConfig `yaml:"plantnet" mapstructure:"plantnet"`
	PlantID  ProviderConfig `yaml:"plantid" mapstructure:"plantid"`
}

// ProviderConfig holds credentials, quota and breaker settings for one provider.
type ProviderConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	RPS               float64       `yaml:"rps" mapstructure:"rps"`
	FailThreshold     int           `yaml:"fail_threshold" mapstructure:"fail_threshold"`
	ResetTimeout      time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
	HalfOpenSuccesses int           `yaml:"half_open_successes" mapstructure:"half_open_successes"`
	CallTimeout       time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// Descriptor converts the block into the breaker descriptor for id.
func (p ProviderConfig) Descriptor(id string) model.ProviderDescriptor {
	return model.ProviderDescriptor{
		ID:                       id,
		FailThreshold:            p.FailThreshold,
		ResetTimeout:             p.ResetTimeout,
		HalfOpenSuccessThreshold: p.HalfOpenSuccesses,
		CallTimeout:              p.CallTimeout,
	}
}

// Provider returns the block for id.
func (c *Config) Provider(id string) (ProviderConfig, bool) {
	switch id {
	case PlantNet:
		return c.Providers.PlantNet, true
	case PlantID:
		return c.Providers.PlantID, true
	default:
		return ProviderConfig{}, false
	}
}

// EnabledProviders returns the enabled provider IDs in priority order.
// Providers missing from identify.priority follow in declaration order.
func (c *Config) EnabledProviders() []string {
	order := make([]string, 0, 2)
	for _, id := range c.Identify.Priority {
		if p, ok := c.Provider(id); ok && p.Enabled && !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	for _, id := range []string{PlantNet, PlantID} {
		if p, ok := c.Provider(id); ok && p.Enabled && !slices.Contains(order, id) {
			order = append(order, id)
		}
	}
	return order
}

// Descriptors returns one descriptor per enabled provider, in priority order.
func (c *Config) Descriptors() []model.ProviderDescriptor {
	ids := c.EnabledProviders()
	out := make([]model.ProviderDescriptor, 0, len(ids))
	for _, id := range ids {
		if p, ok := c.Provider(id); ok {
			out = append(out, p.Descriptor(id))
		}
	}
	return out
}

// Validate checks the fields a command mode needs. Modes: "serve",
// "identify", "history", "cache".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve", "identify":
		errs = append(errs, c.validateProviders()...)
		errs = append(errs, c.validateCache()...)
		if c.Identify.RequestTimeout <= 0 {
			errs = append(errs, "identify.request_timeout must be > 0")
		}
		if c.Identify.MaxResults < 1 {
			errs = append(errs, "identify.max_results must be >= 1")
		}
		if c.Identify.MaxParallel < 0 {
			errs = append(errs, "identify.max_parallel must be >= 0")
		}
		if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
			errs = append(errs, "telemetry.sample_ratio must be between 0 and 1")
		}
		if mode == "serve" {
			if c.Server.Port <= 0 || c.Server.Port > 65535 {
				errs = append(errs, "server.port must be > 0 and <= 65535")
			}
			if c.Server.MaxUploadMB <= 0 {
				errs = append(errs, "server.max_upload_mb must be > 0")
			}
		}
	case "history":
		if !c.History.Enabled() {
			errs = append(errs, "history.database_url is required")
		}
	case "cache":
		errs = append(errs, c.validateCache()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateProviders() []string {
	var errs []string
	for _, id := range c.Identify.Priority {
		if _, ok := c.Provider(id); !ok {
			errs = append(errs, "identify.priority: unknown provider "+id)
		}
	}

	enabled := c.EnabledProviders()
	if len(enabled) == 0 {
		errs = append(errs, "at least one provider must be enabled")
	}
	for _, id := range enabled {
		p, ok := c.Provider(id)
		if !ok {
			continue
		}
		if p.APIKey == "" {
			errs = append(errs, "providers."+id+".api_key is required")
		}
		if p.BaseURL == "" {
			errs = append(errs, "providers."+id+".base_url is required")
		}
		if err := p.Descriptor(id).Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func (c *Config) validateCache() []string {
	var errs []string
	switch c.Cache.Driver {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			errs = append(errs, "cache.redis_url is required for the redis driver")
		}
	case "sqlite":
		if c.Cache.SQLitePath == "" {
			errs = append(errs, "cache.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "cache.driver must be one of memory, redis, sqlite")
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl must be > 0")
	}
	return errs
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PLANTID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_upload_mb", 10)
	v.SetDefault("identify.max_results", 10)
	v.SetDefault("identify.request_timeout", "20s")
	v.SetDefault("identify.max_parallel", 0)
	v.SetDefault("identify.priority", []string{PlantNet, PlantID})
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.ttl", "24h")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.sqlite_path", "plantid-cache.db")
	v.SetDefault("cache.sweep_interval", "10m")
	v.SetDefault("history.database_url", "")
	v.SetDefault("history.max_conns", 4)
	v.SetDefault("history.retry.max_attempts", 3)
	v.SetDefault("history.retry.initial_backoff_ms", 200)
	v.SetDefault("history.retry.max_backoff_ms", 5000)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.service_name", "plantid")
	v.SetDefault("telemetry.sample_ratio", 1.0)

	v.SetDefault("providers.plantnet.enabled", true)
	v.SetDefault("providers.plantnet.base_url", "https://my-api.plantnet.org")
	v.SetDefault("providers.plantnet.api_key", "")
	v.SetDefault("providers.plantnet.rps", 5)
	v.SetDefault("providers.plantnet.fail_threshold", 3)
	v.SetDefault("providers.plantnet.reset_timeout", "30s")
	v.SetDefault("providers.plantnet.half_open_successes", 1)
	v.SetDefault("providers.plantnet.call_timeout", "8s")

	v.SetDefault("providers.plantid.enabled", true)
	v.SetDefault("providers.plantid.base_url", "https://plant.id")
	v.SetDefault("providers.plantid.api_key", "")
	v.SetDefault("providers.plantid.rps", 5)
	v.SetDefault("providers.plantid.fail_threshold", 3)
	v.SetDefault("providers.plantid.reset_timeout", "30s")
	v.SetDefault("providers.plantid.half_open_successes", 1)
	v.SetDefault("providers.plantid.call_timeout", "10s")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
