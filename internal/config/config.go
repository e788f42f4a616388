// Package config loads the frozen configuration value the rest of the
// service is built from. Loading itself (YAML file discovery, env
// overlays) is a thin, externally-specified concern per the design; the
// schema and its defaults are the part this package owns and validates.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Account is one configured trading account.
type Account struct {
	Name               string `mapstructure:"name"`
	Enabled            bool   `mapstructure:"enabled"`
	BrokerCredentialsRef string `mapstructure:"broker_credentials_ref"`
	NotifierChannel    string `mapstructure:"notifier_channel"`
}

// ContractSelection configures the C4 decision procedure.
type ContractSelection struct {
	MinDaysToExpiry    int     `mapstructure:"min_days_to_expiry"`
	MaxDaysToExpiry    int     `mapstructure:"max_days_to_expiry"`
	TargetDaysToExpiry int     `mapstructure:"target_days_to_expiry"`
	TargetDeltaOpen    float64 `mapstructure:"target_delta_open"`
	MoneynessRuleClose string  `mapstructure:"moneyness_rule_close"`
}

// Logging configures the ambient logrus + lumberjack sink.
type Logging struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the single frozen value constructed at startup. It is
// read-only after Load returns; nothing mutates it once main() hands it
// out to components by value or pointer-to-const-in-practice.
type Config struct {
	Port     int  `mapstructure:"port"`
	MockMode bool `mapstructure:"mock_mode"`

	PositionPollingInterval time.Duration
	OrderPollingInterval    time.Duration
	MaxPollingErrors        int  `mapstructure:"max_polling_errors"`
	AutoStartPolling        bool `mapstructure:"auto_start_polling"`

	SpreadRatioThreshold        float64 `mapstructure:"spread_ratio_threshold"`
	SpreadTickMultipleThreshold int     `mapstructure:"spread_tick_multiple_threshold"`

	ProgressiveMaxSteps           int  `mapstructure:"progressive_max_steps"`
	ProgressiveStepInterval       time.Duration
	EnableMarketFallback          bool `mapstructure:"enable_market_fallback"`
	MaxPlaceRetries               int  `mapstructure:"max_place_retries"`
	SpreadHoldBudget              int  `mapstructure:"spread_hold_budget"`
	ForceProgress                 bool `mapstructure:"force_progress"`

	DeltaChangeThreshold float64 `mapstructure:"delta_change_threshold"`
	DeltaRetentionDays   int     `mapstructure:"delta_retention_days"`

	DedupeWindow     time.Duration
	SignalTimeout    time.Duration
	GatewayCallTimeout time.Duration
	ShutdownGrace    time.Duration

	ContractSelection ContractSelection `mapstructure:"contract_selection"`
	Accounts          []Account         `mapstructure:"accounts"`
	Logging           Logging           `mapstructure:"logging"`

	DBPath string `mapstructure:"db_path"`

	// raw seconds/minutes fields populated by viper, converted to
	// time.Duration fields above after load.
	PositionPollingIntervalMinutes int `mapstructure:"position_polling_interval_minutes"`
	OrderPollingIntervalMinutes    int `mapstructure:"order_polling_interval_minutes"`
	ProgressiveStepIntervalSeconds int `mapstructure:"progressive_step_interval_seconds"`
	DedupeWindowSeconds            int `mapstructure:"dedupe_window_seconds"`
	SignalTimeoutSeconds           int `mapstructure:"signal_timeout_seconds"`
	GatewayCallTimeoutSeconds      int `mapstructure:"gateway_call_timeout_seconds"`
	ShutdownGraceSeconds           int `mapstructure:"shutdown_grace_seconds"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("mock_mode", false)
	v.SetDefault("position_polling_interval_minutes", 15)
	v.SetDefault("order_polling_interval_minutes", 5)
	v.SetDefault("max_polling_errors", 5)
	v.SetDefault("auto_start_polling", true)
	v.SetDefault("spread_ratio_threshold", 0.15)
	v.SetDefault("spread_tick_multiple_threshold", 2)
	v.SetDefault("progressive_max_steps", 5)
	v.SetDefault("progressive_step_interval_seconds", 8)
	v.SetDefault("enable_market_fallback", false)
	v.SetDefault("max_place_retries", 3)
	v.SetDefault("spread_hold_budget", 3)
	v.SetDefault("force_progress", false)
	v.SetDefault("delta_change_threshold", 0.01)
	v.SetDefault("delta_retention_days", 90)
	v.SetDefault("dedupe_window_seconds", 60)
	v.SetDefault("signal_timeout_seconds", 60)
	v.SetDefault("gateway_call_timeout_seconds", 10)
	v.SetDefault("shutdown_grace_seconds", 5)
	v.SetDefault("db_path", "data/deltabridge.db")

	v.SetDefault("contract_selection.min_days_to_expiry", 7)
	v.SetDefault("contract_selection.max_days_to_expiry", 45)
	v.SetDefault("contract_selection.target_days_to_expiry", 30)
	v.SetDefault("contract_selection.target_delta_open", 0.30)
	v.SetDefault("contract_selection.moneyness_rule_close", "closest_atm")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)
}

// Load reads config.yaml (if present) from configPath, overlays
// DELTABRIDGE_-prefixed environment variables, loads a local .env file for
// developer-supplied secrets, and returns a validated Config. Any failure
// is a ConfigError-equivalent that callers should treat as fatal at
// startup (exit code 2).
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absent .env is not an error

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DELTABRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.PositionPollingInterval = time.Duration(cfg.PositionPollingIntervalMinutes) * time.Minute
	cfg.OrderPollingInterval = time.Duration(cfg.OrderPollingIntervalMinutes) * time.Minute
	cfg.ProgressiveStepInterval = time.Duration(cfg.ProgressiveStepIntervalSeconds) * time.Second
	cfg.DedupeWindow = time.Duration(cfg.DedupeWindowSeconds) * time.Second
	cfg.SignalTimeout = time.Duration(cfg.SignalTimeoutSeconds) * time.Second
	cfg.GatewayCallTimeout = time.Duration(cfg.GatewayCallTimeoutSeconds) * time.Second
	cfg.ShutdownGrace = time.Duration(cfg.ShutdownGraceSeconds) * time.Second

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ProgressiveMaxSteps < 0 {
		return fmt.Errorf("progressive_max_steps must be >= 0")
	}
	if c.SpreadRatioThreshold <= 0 {
		return fmt.Errorf("spread_ratio_threshold must be > 0")
	}
	if c.ContractSelection.MinDaysToExpiry > c.ContractSelection.MaxDaysToExpiry {
		return fmt.Errorf("contract_selection.min_days_to_expiry must be <= max_days_to_expiry")
	}
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("account with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate account name %q", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// EnabledAccounts returns only the accounts marked enabled.
func (c *Config) EnabledAccounts() []Account {
	out := make([]Account, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Account looks up a configured account by name, enabled or not.
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}
