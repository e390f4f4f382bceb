package bootstrap

import (
	"virtual_exchange/internal/core"
	"virtual_exchange/pkg/logging"
)

// InitLogger builds the process logger from configuration and installs
// it as the global fallback.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
