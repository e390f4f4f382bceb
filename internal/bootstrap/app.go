// Package bootstrap assembles the exchange process: configuration,
// logging, the exchange facade, and the runner lifecycle with signal
// handling.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"virtual_exchange/internal/core"
	"virtual_exchange/internal/exchange"

	"golang.org/x/sync/errgroup"
)

// App holds the process-wide dependencies.
type App struct {
	Cfg      *Config
	Logger   core.ILogger
	Exchange *exchange.VirtualExchange
}

// NewApp loads configuration and builds the exchange.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	ve, err := exchange.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("exchange: %w", err)
	}

	return &App{
		Cfg:      cfg,
		Logger:   logger,
		Exchange: ve,
	}, nil
}

// Runner is a component with a blocking lifecycle tied to a context.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context) error

// Run calls the function.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// Run starts every runner and blocks until they finish, a signal
// arrives, or one fails. The exchange is closed on the way out.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting virtual exchange",
		"listen_addr", a.Cfg.Server.ListenAddr,
		"replay_mode", a.Cfg.Replay.Mode,
		"symbols", len(a.Cfg.Symbols))

	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	err := g.Wait()
	if closeErr := a.Exchange.Close(); closeErr != nil {
		a.Logger.Error("exchange shutdown failed", "error", closeErr.Error())
	}
	if err != nil && err != context.Canceled {
		a.Logger.Error("application stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("application shut down gracefully")
	return nil
}
