// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Gemini       GeminiConfig       `yaml:"gemini" mapstructure:"gemini"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Gate         GateConfig         `yaml:"gate" mapstructure:"gate"`
	Repair       RepairConfig       `yaml:"repair" mapstructure:"repair"`
	Cache        CacheConfig        `yaml:"cache" mapstructure:"cache"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// GeminiConfig holds upstream API settings.
type GeminiConfig struct {
	Key                   string `yaml:"key" mapstructure:"key"`
	BaseURL               string `yaml:"base_url" mapstructure:"base_url"`
	Model                 string `yaml:"model" mapstructure:"model"`
	DefaultModel          string `yaml:"default_model" mapstructure:"default_model"`
	OverloadFallbackModel string `yaml:"overload_fallback_model" mapstructure:"overload_fallback_model"`
	ChainFile             string `yaml:"chain_file" mapstructure:"chain_file"`
	ThinkingBudget        int    `yaml:"thinking_budget" mapstructure:"thinking_budget"`
	MaxOutputTokens       int    `yaml:"max_output_tokens" mapstructure:"max_output_tokens"`
	ModelListTTLMins      int    `yaml:"model_list_ttl_mins" mapstructure:"model_list_ttl_mins"`
}

// OrchestratorConfig holds retry/fallback and deadline tunables.
type OrchestratorConfig struct {
	TotalBudgetSecs     int     `yaml:"total_budget_secs" mapstructure:"total_budget_secs"`
	SafetyMarginSecs    int     `yaml:"safety_margin_secs" mapstructure:"safety_margin_secs"`
	MinCallTimeoutSecs  int     `yaml:"min_call_timeout_secs" mapstructure:"min_call_timeout_secs"`
	MaxCallTimeoutSecs  int     `yaml:"max_call_timeout_secs" mapstructure:"max_call_timeout_secs"`
	MaxParseAttempts    int     `yaml:"max_parse_attempts" mapstructure:"max_parse_attempts"`
	MaxOverloadAttempts int     `yaml:"max_overload_attempts" mapstructure:"max_overload_attempts"`
	InitialBackoffMS    int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS        int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JitterFraction      float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// GateConfig holds admission gate tunables.
type GateConfig struct {
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	QueueWaitMS    int `yaml:"queue_wait_ms" mapstructure:"queue_wait_ms"`
}

// RepairConfig holds citation repair tunables.
type RepairConfig struct {
	ProbeTimeoutSecs int     `yaml:"probe_timeout_secs" mapstructure:"probe_timeout_secs"`
	MaxConcurrent    int     `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	ProbesPerSecond  float64 `yaml:"probes_per_second" mapstructure:"probes_per_second"`
}

// CacheConfig holds TTLs for the in-memory stores.
type CacheConfig struct {
	ResultTTLMins int `yaml:"result_ttl_mins" mapstructure:"result_ttl_mins"`
	PlanTTLMins   int `yaml:"plan_ttl_mins" mapstructure:"plan_ttl_mins"`
	TraceTTLMins  int `yaml:"trace_ttl_mins" mapstructure:"trace_ttl_mins"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TotalBudget returns the orchestrator wall-clock budget.
func (c OrchestratorConfig) TotalBudget() time.Duration {
	return time.Duration(c.TotalBudgetSecs) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MARKETMAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.model", "gemini-2.5-pro")
	v.SetDefault("gemini.default_model", "gemini-2.5-flash")
	v.SetDefault("gemini.overload_fallback_model", "gemini-2.5-flash")
	v.SetDefault("gemini.thinking_budget", 1024)
	v.SetDefault("gemini.max_output_tokens", 8192)
	v.SetDefault("gemini.model_list_ttl_mins", 10)
	v.SetDefault("orchestrator.total_budget_secs", 90)
	v.SetDefault("orchestrator.safety_margin_secs", 2)
	v.SetDefault("orchestrator.min_call_timeout_secs", 5)
	v.SetDefault("orchestrator.max_call_timeout_secs", 45)
	v.SetDefault("orchestrator.max_parse_attempts", 2)
	v.SetDefault("orchestrator.max_overload_attempts", 3)
	v.SetDefault("orchestrator.initial_backoff_ms", 500)
	v.SetDefault("orchestrator.max_backoff_ms", 8000)
	v.SetDefault("orchestrator.jitter_fraction", 0.25)
	v.SetDefault("gate.max_concurrency", 3)
	v.SetDefault("gate.queue_wait_ms", 2000)
	v.SetDefault("repair.probe_timeout_secs", 5)
	v.SetDefault("repair.max_concurrent", 4)
	v.SetDefault("repair.probes_per_second", 10)
	v.SetDefault("cache.result_ttl_mins", 15)
	v.SetDefault("cache.plan_ttl_mins", 30)
	v.SetDefault("cache.trace_ttl_mins", 30)

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

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.Gemini.Key == "" {
		return eris.New("config: gemini.key is required (MARKETMAP_GEMINI_KEY)")
	}
	return nil
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
