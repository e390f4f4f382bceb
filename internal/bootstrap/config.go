package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"virtual_exchange/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader
func LoadConfig(path string) (*Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.Archive.Path != "" {
		dir := filepath.Dir(cfg.Archive.Path)
		info, err := os.Stat(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("archive directory not found: %s", dir)
			}
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("archive path parent is not a directory: %s", dir)
		}
	}

	// Binance credentials travel as a pair. Public kline loading works
	// with neither.
	hasKey := string(cfg.Data.BinanceAPIKey) != ""
	hasSecret := string(cfg.Data.BinanceSecretKey) != ""
	if hasKey != hasSecret {
		return fmt.Errorf("data.binance_api_key and data.binance_secret_key must be set together")
	}

	return nil
}
