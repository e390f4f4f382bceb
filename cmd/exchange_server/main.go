package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"virtual_exchange/internal/bootstrap"
	"virtual_exchange/internal/datasource"
	"virtual_exchange/internal/infrastructure/health"
	"virtual_exchange/internal/replay"
	"virtual_exchange/internal/restapi"
	"virtual_exchange/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/exchange.yaml", "Path to configuration file")
	listenAddr := flag.String("listen", "", "Listen address (overrides config)")
	seedUser := flag.String("seed-user", "", "Create this user at startup and print its API key")
	seedFunds := flag.String("seed-funds", "USDT=100000,BTC=10", "Initial balances for the seed user, asset=amount pairs")
	dataPath := flag.String("data", "", "CSV file to replay as market data")
	dataSymbol := flag.String("data-symbol", "", "Symbol for CSV rows without a symbol column")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("exchange_server version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	app, err := bootstrap.NewApp(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		app.Cfg.Server.ListenAddr = *listenAddr
	}
	logger := app.Logger
	ve := app.Exchange

	logger.Info("exchange_server starting", "version", version)

	if app.Cfg.Telemetry.Enabled {
		tel, err := telemetry.Setup("virtual_exchange")
		if err != nil {
			logger.Warn("telemetry setup failed", "error", err.Error())
		} else {
			defer tel.Shutdown(context.Background())
		}
	}

	restored, err := ve.LoadState(context.Background())
	if err != nil {
		logger.Error("state restore failed", "error", err.Error())
		os.Exit(1)
	}
	if restored {
		logger.Info("resumed from snapshot")
	}

	if *seedUser != "" {
		if err := provisionUser(app, *seedUser, *seedFunds); err != nil {
			logger.Error("seed user setup failed", "user_id", *seedUser, "error", err.Error())
			os.Exit(1)
		}
	}

	if *dataPath != "" {
		src, err := datasource.NewCSVSource(*dataPath, *dataSymbol)
		if err != nil {
			logger.Error("data source open failed", "path", *dataPath, "error", err.Error())
			os.Exit(1)
		}
		if err := ve.AddDataSource("csv", src); err != nil {
			logger.Error("data source registration failed", "error", err.Error())
			os.Exit(1)
		}
	}

	hm := health.NewHealthManager(logger)
	hm.Register("archive", func() error {
		if app.Cfg.Archive.Path != "" && ve.Archive() == nil {
			return fmt.Errorf("archive configured but not open")
		}
		return nil
	})
	hm.Register("replay", func() error {
		if ve.Replay.Status() == replay.StatusStopped {
			return fmt.Errorf("replay stopped")
		}
		return nil
	})

	api := restapi.NewServer(ve, app.Cfg, hm, logger)

	runners := []bootstrap.Runner{
		bootstrap.RunnerFunc(api.Start),
		bootstrap.RunnerFunc(func(ctx context.Context) error {
			ve.StartRetentionLoop(ctx)
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	if *dataPath != "" && !strings.EqualFold(app.Cfg.Replay.Mode, string(replay.ModeStepped)) {
		runners = append(runners, bootstrap.RunnerFunc(func(ctx context.Context) error {
			if err := ve.Replay.Start(); err != nil {
				return fmt.Errorf("start replay: %w", err)
			}
			<-ctx.Done()
			return ctx.Err()
		}))
	}

	runErr := app.Run(runners...)

	if ve.Archive() != nil {
		if err := ve.SaveState(context.Background()); err != nil {
			logger.Error("state snapshot failed", "error", err.Error())
		}
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// provisionUser creates the seed account and funds it. The API key is
// printed to stdout, it is the only way to retrieve it.
func provisionUser(app *bootstrap.App, userID, funds string) error {
	apiKey, err := app.Exchange.RegisterUser(userID)
	if err != nil {
		return err
	}
	for _, pair := range strings.Split(funds, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		asset, amount, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("malformed balance %q, want asset=amount", pair)
		}
		d, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return fmt.Errorf("balance %s: %w", asset, err)
		}
		if err := app.Exchange.Deposit(userID, strings.ToUpper(strings.TrimSpace(asset)), d); err != nil {
			return err
		}
	}
	fmt.Printf("user %s created, api key: %s\n", userID, apiKey)
	return nil
}
