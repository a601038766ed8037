package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. STORECREDIT_DATABASE_PATH.
const EnvPrefix = "STORECREDIT"

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Log      LogConfig
	Credit   CreditConfig
	Audit    AuditConfig
}

type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds the SQLite settings
type DatabaseConfig struct {
	Path        string
	BusyTimeout time.Duration
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// CreditConfig holds the terms applied when a sale is financed.
type CreditConfig struct {
	DownPaymentRatio        decimal.Decimal
	FinanceSurchargeRatio   decimal.Decimal
	AnnualInterestRate      decimal.Decimal // percent
	TaxRate                 decimal.Decimal
	GenerateOnSale          bool
	AbsorbRoundingRemainder bool
}

// AuditConfig controls the scheduled consistency audit.
type AuditConfig struct {
	Enabled  bool
	Schedule string // cron spec, e.g. "@daily" or "0 3 * * *"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "storecredit")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")

	v.SetDefault("database.path", "storecredit.db")
	v.SetDefault("database.busy_timeout", "5s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")

	v.SetDefault("credit.down_payment_ratio", "0.30")
	v.SetDefault("credit.finance_surcharge_ratio", "0.05")
	v.SetDefault("credit.annual_interest_rate", "5")
	v.SetDefault("credit.tax_rate", "0.19")
	v.SetDefault("credit.generate_on_sale", false)
	v.SetDefault("credit.absorb_rounding_remainder", false)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.schedule", "@daily")
}

// Load reads configuration from config.toml and the environment.
// Priority (highest to lowest):
// 1. Environment variables with the STORECREDIT_ prefix
// 2. config.toml found in one of paths (default: working directory)
// 3. Built-in defaults
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Path:        v.GetString("database.path"),
			BusyTimeout: v.GetDuration("database.busy_timeout"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Credit: CreditConfig{
			GenerateOnSale:          v.GetBool("credit.generate_on_sale"),
			AbsorbRoundingRemainder: v.GetBool("credit.absorb_rounding_remainder"),
		},
		Audit: AuditConfig{
			Enabled:  v.GetBool("audit.enabled"),
			Schedule: v.GetString("audit.schedule"),
		},
	}

	var err error
	decimals := []struct {
		key string
		dst *decimal.Decimal
	}{
		{"credit.down_payment_ratio", &cfg.Credit.DownPaymentRatio},
		{"credit.finance_surcharge_ratio", &cfg.Credit.FinanceSurchargeRatio},
		{"credit.annual_interest_rate", &cfg.Credit.AnnualInterestRate},
		{"credit.tax_rate", &cfg.Credit.TaxRate},
	}
	for _, d := range decimals {
		if *d.dst, err = decimal.NewFromString(v.GetString(d.key)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var one = decimal.NewFromInt(1)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.Database.BusyTimeout < 0 {
		return errors.New("database.busy_timeout must not be negative")
	}
	if c.App.Port == "" {
		return errors.New("app.port is required")
	}

	if c.Credit.DownPaymentRatio.IsNegative() || c.Credit.DownPaymentRatio.GreaterThanOrEqual(one) {
		return fmt.Errorf("credit.down_payment_ratio must be in [0, 1), got %s", c.Credit.DownPaymentRatio)
	}
	if c.Credit.FinanceSurchargeRatio.IsNegative() {
		return fmt.Errorf("credit.finance_surcharge_ratio must not be negative, got %s", c.Credit.FinanceSurchargeRatio)
	}
	if c.Credit.AnnualInterestRate.IsNegative() {
		return fmt.Errorf("credit.annual_interest_rate must not be negative, got %s", c.Credit.AnnualInterestRate)
	}
	if c.Credit.TaxRate.IsNegative() || c.Credit.TaxRate.GreaterThan(one) {
		return fmt.Errorf("credit.tax_rate must be in [0, 1], got %s", c.Credit.TaxRate)
	}

	if c.Audit.Enabled && c.Audit.Schedule == "" {
		return errors.New("audit.schedule is required when the audit is enabled")
	}
	return nil
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
