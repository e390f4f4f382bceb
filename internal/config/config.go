// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"virtual_exchange/internal/core"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Symbols   []SymbolConfig  `yaml:"symbols"`
	Replay    ReplayConfig    `yaml:"replay"`
	Data      DataConfig      `yaml:"data"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	System    SystemConfig    `yaml:"system"`
}

// ServerConfig contains the REST/WS front-end settings
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`
	RateLimit      float64  `yaml:"rate_limit"` // requests per second per IP
	RateBurst      int      `yaml:"rate_burst"`
	Production     bool     `yaml:"production"`
}

// ExchangeConfig contains the core exchange parameters
type ExchangeConfig struct {
	CommissionRateMaker  float64 `yaml:"commission_rate_maker"`
	CommissionRateTaker  float64 `yaml:"commission_rate_taker"`
	RecentTradesCapacity int     `yaml:"recent_trades_capacity"`
	ArchiveRetentionDays int     `yaml:"archive_retention_days"`
	DepthDefaultLimit    int     `yaml:"depth_default_limit"`
	TimestampSkewMs      int64   `yaml:"timestamp_skew_ms"`
	MaxClientsPerSymbol  int     `yaml:"max_clients_per_symbol"` // 0 = unlimited
	MarketSlippageBuffer float64 `yaml:"market_slippage_buffer"`
}

// MakerRate returns the maker commission as a decimal.
func (e ExchangeConfig) MakerRate() decimal.Decimal {
	return decimal.NewFromFloat(e.CommissionRateMaker)
}

// TakerRate returns the taker commission as a decimal.
func (e ExchangeConfig) TakerRate() decimal.Decimal {
	return decimal.NewFromFloat(e.CommissionRateTaker)
}

// SlippageBuffer returns the MARKET-buy reservation buffer as a decimal.
func (e ExchangeConfig) SlippageBuffer() decimal.Decimal {
	return decimal.NewFromFloat(e.MarketSlippageBuffer)
}

// SymbolConfig declares one tradable symbol. Prices and quantities are
// strings so filter boundaries survive YAML exactly.
type SymbolConfig struct {
	Symbol         string `yaml:"symbol"`
	BaseAsset      string `yaml:"base_asset"`
	QuoteAsset     string `yaml:"quote_asset"`
	PriceMin       string `yaml:"price_min"`
	PriceMax       string `yaml:"price_max"`
	PriceTick      string `yaml:"price_tick"`
	LotMin         string `yaml:"lot_min"`
	LotMax         string `yaml:"lot_max"`
	LotStep        string `yaml:"lot_step"`
	MinNotional    string `yaml:"min_notional"`
	BasePrecision  int    `yaml:"base_precision"`
	QuotePrecision int    `yaml:"quote_precision"`
}

// Spec parses the symbol declaration into a core.SymbolSpec.
func (s SymbolConfig) Spec() (core.SymbolSpec, error) {
	spec := core.SymbolSpec{
		Symbol:         s.Symbol,
		BaseAsset:      s.BaseAsset,
		QuoteAsset:     s.QuoteAsset,
		BasePrecision:  s.BasePrecision,
		QuotePrecision: s.QuotePrecision,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"price_min", s.PriceMin, &spec.Price.Min},
		{"price_max", s.PriceMax, &spec.Price.Max},
		{"price_tick", s.PriceTick, &spec.Price.Tick},
		{"lot_min", s.LotMin, &spec.Lot.Min},
		{"lot_max", s.LotMax, &spec.Lot.Max},
		{"lot_step", s.LotStep, &spec.Lot.Step},
		{"min_notional", s.MinNotional, &spec.MinNotional},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return core.SymbolSpec{}, fmt.Errorf("symbol %s: invalid %s %q: %w", s.Symbol, f.name, f.raw, err)
		}
		*f.dst = d
	}
	return spec, nil
}

// ReplayConfig contains replay controller settings
type ReplayConfig struct {
	Mode            string  `yaml:"mode"`
	SpeedFactor     float64 `yaml:"speed_factor"`
	BatchCallbacks  bool    `yaml:"batch_callbacks"`
	MemoryOptimized bool    `yaml:"memory_optimized"`
	Workers         int     `yaml:"workers"`
}

// DataConfig contains historical data loading settings. The Binance
// keys are optional; public kline endpoints work without them.
type DataConfig struct {
	BinanceAPIKey    Secret `yaml:"binance_api_key"`
	BinanceSecretKey Secret `yaml:"binance_secret_key"`
}

// ArchiveConfig contains persistence settings
type ArchiveConfig struct {
	Path         string `yaml:"path"`
	SnapshotPath string `yaml:"snapshot_path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled     bool `yaml:"enabled"`
	StdoutTrace bool `yaml:"stdout_trace"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
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

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateExchangeConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSymbols(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateReplayConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.ListenAddr == "" {
		return ValidationError{
			Field:   "server.listen_addr",
			Message: "listen address is required",
		}
	}
	if c.Server.MaxConnections < 0 {
		return ValidationError{
			Field:   "server.max_connections",
			Value:   c.Server.MaxConnections,
			Message: "must not be negative",
		}
	}
	if c.Server.RateLimit < 0 {
		return ValidationError{
			Field:   "server.rate_limit",
			Value:   c.Server.RateLimit,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateExchangeConfig() error {
	rates := []struct {
		field string
		value float64
	}{
		{"exchange.commission_rate_maker", c.Exchange.CommissionRateMaker},
		{"exchange.commission_rate_taker", c.Exchange.CommissionRateTaker},
		{"exchange.market_slippage_buffer", c.Exchange.MarketSlippageBuffer},
	}
	for _, r := range rates {
		if r.value < 0 || r.value >= 1 {
			return ValidationError{
				Field:   r.field,
				Value:   r.value,
				Message: "must be in [0, 1)",
			}
		}
	}
	if c.Exchange.RecentTradesCapacity <= 0 {
		return ValidationError{
			Field:   "exchange.recent_trades_capacity",
			Value:   c.Exchange.RecentTradesCapacity,
			Message: "must be positive",
		}
	}
	if c.Exchange.DepthDefaultLimit <= 0 || c.Exchange.DepthDefaultLimit > 5000 {
		return ValidationError{
			Field:   "exchange.depth_default_limit",
			Value:   c.Exchange.DepthDefaultLimit,
			Message: "must be in (0, 5000]",
		}
	}
	if c.Exchange.TimestampSkewMs <= 0 {
		return ValidationError{
			Field:   "exchange.timestamp_skew_ms",
			Value:   c.Exchange.TimestampSkewMs,
			Message: "must be positive",
		}
	}
	if c.Exchange.ArchiveRetentionDays < 0 {
		return ValidationError{
			Field:   "exchange.archive_retention_days",
			Value:   c.Exchange.ArchiveRetentionDays,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateSymbols() error {
	seen := map[string]bool{}
	for _, s := range c.Symbols {
		if s.Symbol == "" || s.BaseAsset == "" || s.QuoteAsset == "" {
			return ValidationError{
				Field:   "symbols",
				Value:   s.Symbol,
				Message: "symbol, base_asset and quote_asset are required",
			}
		}
		if seen[s.Symbol] {
			return ValidationError{
				Field:   "symbols",
				Value:   s.Symbol,
				Message: "duplicate symbol",
			}
		}
		seen[s.Symbol] = true
		if _, err := s.Spec(); err != nil {
			return ValidationError{
				Field:   "symbols",
				Value:   s.Symbol,
				Message: err.Error(),
			}
		}
	}
	return nil
}

func (c *Config) validateReplayConfig() error {
	validModes := []string{"BACKTEST", "STEPPED", "REALTIME", "ACCELERATED"}
	if !contains(validModes, strings.ToUpper(c.Replay.Mode)) {
		return ValidationError{
			Field:   "replay.mode",
			Value:   c.Replay.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validModes, ", ")),
		}
	}
	if c.Replay.SpeedFactor <= 0 {
		return ValidationError{
			Field:   "replay.speed_factor",
			Value:   c.Replay.SpeedFactor,
			Message: "must be positive",
		}
	}
	if c.Replay.Workers <= 0 {
		return ValidationError{
			Field:   "replay.workers",
			Value:   c.Replay.Workers,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
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

// SymbolSpecs parses every configured symbol declaration.
func (c *Config) SymbolSpecs() ([]core.SymbolSpec, error) {
	specs := make([]core.SymbolSpec, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		spec, err := s.Spec()
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:     ":8890",
			AllowedOrigins: []string{"*"},
			MaxConnections: 1000,
			RateLimit:      10.0,
			RateBurst:      20,
			Production:     false,
		},
		Exchange: ExchangeConfig{
			CommissionRateMaker:  0.001,
			CommissionRateTaker:  0.001,
			RecentTradesCapacity: 1000,
			ArchiveRetentionDays: 90,
			DepthDefaultLimit:    100,
			TimestampSkewMs:      10000,
			MaxClientsPerSymbol:  0,
			MarketSlippageBuffer: 0.05,
		},
		Symbols: []SymbolConfig{
			{
				Symbol:         "BTCUSDT",
				BaseAsset:      "BTC",
				QuoteAsset:     "USDT",
				PriceMin:       "0.01",
				PriceMax:       "1000000",
				PriceTick:      "0.01",
				LotMin:         "0.00001",
				LotMax:         "9000",
				LotStep:        "0.00001",
				MinNotional:    "5",
				BasePrecision:  8,
				QuotePrecision: 8,
			},
		},
		Replay: ReplayConfig{
			Mode:            "BACKTEST",
			SpeedFactor:     1.0,
			BatchCallbacks:  false,
			MemoryOptimized: true,
			Workers:         4,
		},
		Archive: ArchiveConfig{
			Path:         "exchange_archive.db",
			SnapshotPath: "",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			StdoutTrace: false,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
	}
}
