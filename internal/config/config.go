// Package config handles backtest configuration with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete backtest configuration structure
type Config struct {
	Account   AccountConfig   `yaml:"account"`
	Execution ExecutionConfig `yaml:"execution"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Results   ResultsConfig   `yaml:"results"`
}

// AccountConfig contains the simulated account parameters
type AccountConfig struct {
	InitialBalance float64 `yaml:"initial_balance"`
	// Leverage is the default leverage applied to instruments without an
	// explicit entry in LeveragePerInstrument.
	Leverage              float64            `yaml:"leverage"`
	LeveragePerInstrument map[string]float64 `yaml:"leverage_per_instrument"`
	// StopOutLevel is the margin level (equity / used margin) below which
	// forced liquidation starts. Expressed as a ratio, e.g. 0.2 for 20%.
	StopOutLevel float64 `yaml:"stop_out_level"`
}

// ExecutionConfig contains fill simulation parameters
type ExecutionConfig struct {
	Commission         CommissionConfig `yaml:"commission"`
	Slippage           SlippageConfig   `yaml:"slippage"`
	AllowPartialFills  bool             `yaml:"allow_partial_fills"`
	VolumeShare        float64          `yaml:"volume_share"`
	MaxOrderExpiryBars int              `yaml:"max_order_expiry_bars"`
}

// CommissionConfig selects the commission model
type CommissionConfig struct {
	Model string  `yaml:"model"` // fixed, per_unit, bps
	Rate  float64 `yaml:"rate"`
}

// SlippageConfig selects the slippage model
type SlippageConfig struct {
	Model        string  `yaml:"model"` // fixed_bps, volume_impact
	BasisPoints  float64 `yaml:"basis_points"`
	ImpactFactor float64 `yaml:"impact_factor"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ResultsConfig controls persistence of finished runs
type ResultsConfig struct {
	DBPath string `yaml:"db_path"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration.
// A failure here is fatal before any event is dispatched.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateAccount(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateAccount() error {
	if c.Account.InitialBalance <= 0 {
		return ValidationError{
			Field:   "account.initial_balance",
			Value:   c.Account.InitialBalance,
			Message: "initial balance must be positive",
		}
	}
	if c.Account.Leverage <= 0 {
		return ValidationError{
			Field:   "account.leverage",
			Value:   c.Account.Leverage,
			Message: "leverage must be positive",
		}
	}
	for symbol, lev := range c.Account.LeveragePerInstrument {
		if lev <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("account.leverage_per_instrument.%s", symbol),
				Value:   lev,
				Message: "leverage must be positive",
			}
		}
	}
	if c.Account.StopOutLevel <= 0 || c.Account.StopOutLevel >= 1 {
		return ValidationError{
			Field:   "account.stop_out_level",
			Value:   c.Account.StopOutLevel,
			Message: "stop out level must be in (0, 1)",
		}
	}
	return nil
}

func (c *Config) validateExecution() error {
	validCommission := []string{"fixed", "per_unit", "bps"}
	if !contains(validCommission, c.Execution.Commission.Model) {
		return ValidationError{
			Field:   "execution.commission.model",
			Value:   c.Execution.Commission.Model,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validCommission, ", ")),
		}
	}
	if c.Execution.Commission.Rate < 0 {
		return ValidationError{
			Field:   "execution.commission.rate",
			Value:   c.Execution.Commission.Rate,
			Message: "commission rate cannot be negative",
		}
	}

	validSlippage := []string{"fixed_bps", "volume_impact"}
	if !contains(validSlippage, c.Execution.Slippage.Model) {
		return ValidationError{
			Field:   "execution.slippage.model",
			Value:   c.Execution.Slippage.Model,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validSlippage, ", ")),
		}
	}
	if c.Execution.Slippage.BasisPoints < 0 {
		return ValidationError{
			Field:   "execution.slippage.basis_points",
			Value:   c.Execution.Slippage.BasisPoints,
			Message: "slippage basis points cannot be negative",
		}
	}
	if c.Execution.Slippage.ImpactFactor < 0 {
		return ValidationError{
			Field:   "execution.slippage.impact_factor",
			Value:   c.Execution.Slippage.ImpactFactor,
			Message: "impact factor cannot be negative",
		}
	}

	if c.Execution.AllowPartialFills {
		if c.Execution.VolumeShare <= 0 || c.Execution.VolumeShare > 1 {
			return ValidationError{
				Field:   "execution.volume_share",
				Value:   c.Execution.VolumeShare,
				Message: "volume share must be in (0, 1] when partial fills are enabled",
			}
		}
	}

	if c.Execution.MaxOrderExpiryBars < 0 {
		return ValidationError{
			Field:   "execution.max_order_expiry_bars",
			Value:   c.Execution.MaxOrderExpiryBars,
			Message: "order expiry cannot be negative",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// LeverageFor returns the leverage configured for symbol, falling back to the
// account default.
func (c *Config) LeverageFor(symbol string) float64 {
	if lev, ok := c.Account.LeveragePerInstrument[symbol]; ok {
		return lev
	}
	return c.Account.Leverage
}

// String returns a YAML representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Account: AccountConfig{
			InitialBalance: 100_000,
			Leverage:       1,
			StopOutLevel:   0.2,
		},
		Execution: ExecutionConfig{
			Commission: CommissionConfig{
				Model: "fixed",
				Rate:  0.0,
			},
			Slippage: SlippageConfig{
				Model:       "fixed_bps",
				BasisPoints: 0.0,
			},
			AllowPartialFills:  false,
			VolumeShare:        0.25,
			MaxOrderExpiryBars: 0,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
}
