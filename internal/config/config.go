package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/jask/moneysync/internal/apperr"
)

// Config holds application configuration.
type Config struct {
	Database   DatabaseConfig
	Log        LogConfig
	Aggregator AggregatorConfig
	Sync       SyncConfig
	Matching   MatchingConfig
	Classifier ClassifierConfig
	Metrics    MetricsConfig
	Timezone   string
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// LogConfig selects logrus level and formatter.
type LogConfig struct {
	Level  string
	Format string
}

// AggregatorConfig holds bank-data provider settings.
type AggregatorConfig struct {
	Provider          string
	BaseURL           string `mapstructure:"base_url"`
	ClientID          string `mapstructure:"client_id"`
	SecretEnv         string `mapstructure:"secret_env"`
	Secret            string
	PageSize          int     `mapstructure:"page_size"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Timeout           time.Duration
}

// SyncConfig controls the per-account work queue.
type SyncConfig struct {
	Workers         int
	QueueSize       int           `mapstructure:"queue_size"`
	MaxPages        int           `mapstructure:"max_pages"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
	Interval        time.Duration
}

// MatchingConfig holds tolerances and thresholds for both matchers.
// Amount fields are decimal strings so they survive TOML round trips exactly.
type MatchingConfig struct {
	AmountTolerance          string  `mapstructure:"amount_tolerance"`
	DateWindowDays           int     `mapstructure:"date_window_days"`
	AutoLinkThreshold        float64 `mapstructure:"auto_link_threshold"`
	RecurringAmountTolerance string  `mapstructure:"recurring_amount_tolerance"`
	RecurringDayWindow       int     `mapstructure:"recurring_day_window"`
	OpenPeriodMonths         int     `mapstructure:"open_period_months"`
	Workers                  int
}

// ClassifierConfig controls background categorization.
type ClassifierConfig struct {
	Enabled             bool
	Timeout             time.Duration
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// MetricsConfig controls the prometheus endpoint of the daemon.
type MetricsConfig struct {
	Addr string
}

// Load reads configuration from file and env. Env var overrides use prefix MONEYSYNC_.
func Load() (Config, error) {
	return LoadFrom(os.Getenv("MONEYSYNC_CONFIG"))
}

// LoadFrom is Load with an explicit config file; an empty path searches the default location.
func LoadFrom(cfgPath string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")

	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "moneysync"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("MONEYSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", filepath.Join(os.Getenv("HOME"), ".local", "share", "moneysync", "moneysync.db"))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("aggregator.provider", "http")
	v.SetDefault("aggregator.base_url", "https://sandbox.plaid.com")
	v.SetDefault("aggregator.client_id", "")
	v.SetDefault("aggregator.secret_env", "MONEYSYNC_AGGREGATOR_SECRET")
	v.SetDefault("aggregator.secret", "")
	v.SetDefault("aggregator.page_size", 250)
	v.SetDefault("aggregator.requests_per_second", 5.0)
	v.SetDefault("aggregator.timeout", 30*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.queue_size", 64)
	v.SetDefault("sync.max_pages", 200)
	v.SetDefault("sync.retry_max_elapsed", 2*time.Minute)
	v.SetDefault("sync.interval", 6*time.Hour)
	v.SetDefault("matching.amount_tolerance", "0.01")
	v.SetDefault("matching.date_window_days", 5)
	v.SetDefault("matching.auto_link_threshold", 0.85)
	v.SetDefault("matching.recurring_amount_tolerance", "0")
	v.SetDefault("matching.recurring_day_window", 3)
	v.SetDefault("matching.open_period_months", 2)
	v.SetDefault("matching.workers", 4)
	v.SetDefault("classifier.enabled", false)
	v.SetDefault("classifier.timeout", 8*time.Second)
	v.SetDefault("classifier.confidence_threshold", 0.70)
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("timezone", "UTC")
}

// Default returns the configuration Load would produce with no file and no env.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Validate rejects values the engines cannot work with.
func (c Config) Validate() error {
	if c.Sync.Workers <= 0 || c.Sync.QueueSize <= 0 || c.Matching.Workers <= 0 {
		return apperr.New(apperr.CodeValidation, "worker and queue sizes must be positive")
	}
	if c.Sync.MaxPages <= 0 {
		return apperr.New(apperr.CodeValidation, "sync.max_pages must be positive")
	}
	if c.Matching.AutoLinkThreshold < 0 || c.Matching.AutoLinkThreshold > 1 {
		return apperr.New(apperr.CodeValidation, "matching.auto_link_threshold must be within [0,1]")
	}
	if c.Classifier.ConfidenceThreshold < 0 || c.Classifier.ConfidenceThreshold > 1 {
		return apperr.New(apperr.CodeValidation, "classifier.confidence_threshold must be within [0,1]")
	}
	if c.Matching.DateWindowDays <= 0 || c.Matching.RecurringDayWindow < 0 || c.Matching.OpenPeriodMonths <= 0 {
		return apperr.New(apperr.CodeValidation, "matching windows must be positive")
	}
	for name, raw := range map[string]string{
		"matching.amount_tolerance":           c.Matching.AmountTolerance,
		"matching.recurring_amount_tolerance": c.Matching.RecurringAmountTolerance,
	} {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return apperr.Wrap(apperr.CodeValidation, err, "%s %q is not a decimal", name, raw)
		}
		if d.IsNegative() {
			return apperr.New(apperr.CodeValidation, "%s must not be negative", name)
		}
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Save writes the provided config to disk, creating the config directory if needed.
// The aggregator secret is written as-is; prefer the env var or the secret store.
func Save(cfg Config) error {
	path := os.Getenv("MONEYSYNC_CONFIG")
	if path == "" {
		path = filepath.Join(os.Getenv("HOME"), ".config", "moneysync", "config.toml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("database.path", cfg.Database.Path)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("aggregator.provider", cfg.Aggregator.Provider)
	v.Set("aggregator.base_url", cfg.Aggregator.BaseURL)
	v.Set("aggregator.client_id", cfg.Aggregator.ClientID)
	v.Set("aggregator.secret_env", cfg.Aggregator.SecretEnv)
	v.Set("aggregator.secret", cfg.Aggregator.Secret)
	v.Set("aggregator.page_size", cfg.Aggregator.PageSize)
	v.Set("aggregator.requests_per_second", cfg.Aggregator.RequestsPerSecond)
	v.Set("aggregator.timeout", cfg.Aggregator.Timeout.String())
	v.Set("sync.workers", cfg.Sync.Workers)
	v.Set("sync.queue_size", cfg.Sync.QueueSize)
	v.Set("sync.max_pages", cfg.Sync.MaxPages)
	v.Set("sync.retry_max_elapsed", cfg.Sync.RetryMaxElapsed.String())
	v.Set("sync.interval", cfg.Sync.Interval.String())
	v.Set("matching.amount_tolerance", cfg.Matching.AmountTolerance)
	v.Set("matching.date_window_days", cfg.Matching.DateWindowDays)
	v.Set("matching.auto_link_threshold", cfg.Matching.AutoLinkThreshold)
	v.Set("matching.recurring_amount_tolerance", cfg.Matching.RecurringAmountTolerance)
	v.Set("matching.recurring_day_window", cfg.Matching.RecurringDayWindow)
	v.Set("matching.open_period_months", cfg.Matching.OpenPeriodMonths)
	v.Set("matching.workers", cfg.Matching.Workers)
	v.Set("classifier.enabled", cfg.Classifier.Enabled)
	v.Set("classifier.timeout", cfg.Classifier.Timeout.String())
	v.Set("classifier.confidence_threshold", cfg.Classifier.ConfidenceThreshold)
	v.Set("metrics.addr", cfg.Metrics.Addr)
	v.Set("timezone", cfg.Timezone)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
