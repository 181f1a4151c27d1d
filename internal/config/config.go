// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"learnora/internal/observability"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Env                  string        `mapstructure:"APP_ENV"`
	APIBaseURL           string        `mapstructure:"API_BASE_URL"`
	MediaHost            string        `mapstructure:"MEDIA_HOST"`
	PlaceholderURL       string        `mapstructure:"PLACEHOLDER_URL"`
	PollInterval         time.Duration `mapstructure:"POLL_INTERVAL"`
	ReactionRefreshDelay time.Duration `mapstructure:"REACTION_REFRESH_DELAY"`
	CreateReconcileDelay time.Duration `mapstructure:"CREATE_RECONCILE_DELAY"`
	RequestTimeout       time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	MediaMaxBytes        int64         `mapstructure:"MEDIA_MAX_BYTES"`
	MediaCacheTTL        time.Duration `mapstructure:"MEDIA_CACHE_TTL"`
	MediaConcurrency     int           `mapstructure:"MEDIA_CONCURRENCY"`
	SessionFile          string        `mapstructure:"SESSION_FILE"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	SnapshotPath         string        `mapstructure:"SNAPSHOT_PATH"`
	FeatureFlags         string        `mapstructure:"FEATURE_FLAGS"`
	ListenAddr           string        `mapstructure:"LISTEN_ADDR"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	LogFormat            string        `mapstructure:"LOG_FORMAT"`
	TracingEnabled       bool          `mapstructure:"TRACING_ENABLED"`
	TracingExporter      string        `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint         string        `mapstructure:"OTLP_ENDPOINT"`
	TracingSamplerRatio  float64       `mapstructure:"TRACING_SAMPLER_RATIO"`
	TracingPollRatio     float64       `mapstructure:"TRACING_POLL_SAMPLER_RATIO"`
}

func setDefaults() {
	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("API_BASE_URL", "http://localhost:8081/api")
	viper.SetDefault("MEDIA_HOST", "http://localhost:8081")
	viper.SetDefault("PLACEHOLDER_URL", "https://placehold.co/600x400?text=Media+unavailable")
	viper.SetDefault("POLL_INTERVAL", "30s")
	viper.SetDefault("REACTION_REFRESH_DELAY", "500ms")
	viper.SetDefault("CREATE_RECONCILE_DELAY", "1s")
	viper.SetDefault("REQUEST_TIMEOUT", "10s")
	viper.SetDefault("MEDIA_MAX_BYTES", 25<<20)
	viper.SetDefault("MEDIA_CACHE_TTL", "10m")
	viper.SetDefault("MEDIA_CONCURRENCY", 4)
	viper.SetDefault("SESSION_FILE", "session.json")
	viper.SetDefault("REDIS_URL", "")
	viper.SetDefault("SNAPSHOT_PATH", "")
	viper.SetDefault("FEATURE_FLAGS", "")
	viper.SetDefault("LISTEN_ADDR", "127.0.0.1:8390")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("TRACING_EXPORTER", "stdout")
	viper.SetDefault("OTLP_ENDPOINT", "localhost:4318")
	viper.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
	viper.SetDefault("TRACING_POLL_SAMPLER_RATIO", 0.1)
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	viper.AddConfigPath(".")
	viper.AddConfigPath("..")
	viper.AddConfigPath("../..")
	viper.SetConfigName("config")
	viper.SetConfigType("yml")
	viper.AutomaticEnv()

	// The base config file is optional.
	_ = viper.ReadInConfig()

	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		viper.SetConfigName("config." + env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		observability.GlobalLogger.Info("loaded profile-specific configuration", "file", "config."+env+".yml")
	}

	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	config.normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) normalize() {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.MediaHost = strings.TrimRight(strings.TrimSpace(c.MediaHost), "/")
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.TracingExporter = strings.ToLower(strings.TrimSpace(c.TracingExporter))
}

// Validate ensures that required configuration values are present and usable.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return errors.New("API_BASE_URL is required")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("API_BASE_URL must be an absolute http(s) URL, got %q", c.APIBaseURL)
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL must be positive")
	}
	if c.ReactionRefreshDelay <= 0 {
		return errors.New("REACTION_REFRESH_DELAY must be positive")
	}
	if c.CreateReconcileDelay <= 0 {
		return errors.New("CREATE_RECONCILE_DELAY must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT must be positive")
	}
	if c.MediaMaxBytes <= 0 {
		return errors.New("MEDIA_MAX_BYTES must be positive")
	}
	if c.MediaConcurrency < 1 {
		return errors.New("MEDIA_CONCURRENCY must be at least 1")
	}
	if c.TracingSamplerRatio < 0 || c.TracingSamplerRatio > 1 {
		return errors.New("TRACING_SAMPLER_RATIO must be between 0 and 1")
	}
	if c.TracingPollRatio < 0 || c.TracingPollRatio > 1 {
		return errors.New("TRACING_POLL_SAMPLER_RATIO must be between 0 and 1")
	}
	switch c.TracingExporter {
	case "", "stdout", "otlp":
	default:
		return fmt.Errorf("TRACING_EXPORTER must be stdout or otlp, got %q", c.TracingExporter)
	}

	if c.IsProduction() {
		if strings.HasPrefix(c.APIBaseURL, "http://localhost") || strings.HasPrefix(c.APIBaseURL, "http://127.0.0.1") {
			return errors.New("API_BASE_URL must not point at localhost in production")
		}
		if c.PollInterval < 5*time.Second {
			observability.GlobalLogger.Warn("POLL_INTERVAL is below 5s in production", "interval", c.PollInterval)
		}
	}

	return nil
}

// IsProduction reports whether the app runs with a production profile.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// TracingConfig maps the tracing keys onto observability.TracingConfig.
func (c *Config) TracingConfig(version string) observability.TracingConfig {
	return observability.TracingConfig{
		ServiceName:      "learnora-feedsync",
		ServiceVersion:   version,
		Environment:      c.Env,
		Enabled:          c.TracingEnabled,
		Exporter:         c.TracingExporter,
		OTLPEndpoint:     c.OTLPEndpoint,
		SamplerRatio:     c.TracingSamplerRatio,
		PollSamplerRatio: c.TracingPollRatio,
		BackendURL:       c.APIBaseURL,
	}
}
