// Package main is the entry point for the execution bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/exec-bot/internal/alerting"
	"github.com/tathienbao/exec-bot/internal/config"
	"github.com/tathienbao/exec-bot/internal/gateway"
	"github.com/tathienbao/exec-bot/internal/gateway/binance"
	"github.com/tathienbao/exec-bot/internal/gateway/sim"
	"github.com/tathienbao/exec-bot/internal/grid"
	"github.com/tathienbao/exec-bot/internal/metrics"
	"github.com/tathienbao/exec-bot/internal/oco"
	"github.com/tathienbao/exec-bot/internal/persistence"
	"github.com/tathienbao/exec-bot/internal/twap"
	"github.com/tathienbao/exec-bot/internal/types"
	"github.com/tathienbao/exec-bot/internal/ui"
)

// Version information (set by build flags).
var (
	Version   = "0.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "menu":
		cmdMenu(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Execution Bot - TWAP, Grid and OCO order execution for USDT-M futures

Usage:
  exec-bot <command> [options]

Commands:
  menu       Start the interactive trading menu
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  exec-bot menu --config config.yaml
  exec-bot validate --config config.yaml

Use "exec-bot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("exec-bot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	fmt.Printf("  Gateway: %s (testnet: %v)\n", cfg.Gateway.Type, cfg.Gateway.Testnet)
	fmt.Printf("  Metrics: enabled=%v port=%d\n", cfg.Metrics.Enabled, cfg.Metrics.Port)
	fmt.Printf("  Persistence: enabled=%v path=%s\n", cfg.Persistence.Enabled, cfg.Persistence.Path)
}

func cmdMenu(args []string) {
	fs := flag.NewFlagSet("menu", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if !ui.IsInteractive() {
		slog.Error("menu requires an interactive terminal")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("exec-bot starting",
		"version", Version,
		"gateway", cfg.Gateway.Type,
		"testnet", cfg.Gateway.Testnet,
	)

	gw := newGateway(cfg, logger)

	alerter := newAlerter(cfg, logger)

	var repo persistence.Repository
	var onEvent types.Callback
	if cfg.Persistence.Enabled {
		sqlRepo, err := persistence.NewSQLiteRepository(cfg.Persistence.Path)
		if err != nil {
			slog.Error("failed to open persistence", "err", err)
			os.Exit(1)
		}
		repo = sqlRepo
		onEvent = persistence.NewJournal(repo, logger).Record
		defer func() { _ = repo.Close() }()
	}

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(metrics.ServerConfig{
			Port:        cfg.Metrics.Port,
			MetricsPath: cfg.Metrics.Path,
		}, logger)
		if err := metricsServer.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	coord := oco.NewCoordinator(gw, alerter, logger)
	sched := twap.NewScheduler(gw, alerter, logger)
	engine := grid.NewEngine(gw, alerter, logger, grid.EngineConfig{
		PollInterval: cfg.GridPollInterval(),
		ErrorBackoff: cfg.GridErrorBackoff(),
	})

	menu := ui.NewMenu(gw, coord, sched, engine, repo, onEvent, ui.Defaults{
		TWAPOrderType:     types.OrderType(cfg.TWAP.DefaultOrderType),
		MaxPriceDeviation: cfg.MaxPriceDeviation(),
	})
	if err := menu.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("menu failed", "err", err)
	}

	slog.Info("shutting down, stopping active runs")
	sched.StopAll()
	engine.StopAll()
	sched.Wait()
	engine.Wait()

	slog.Info("exec-bot shutdown complete")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func newGateway(cfg *config.Config, logger *slog.Logger) gateway.Gateway {
	if cfg.Gateway.Type == "binance" {
		return binance.NewClient(binance.Config{
			APIKey:             cfg.Gateway.APIKey,
			APISecret:          cfg.Gateway.APISecret,
			Testnet:            cfg.Gateway.Testnet,
			BaseURL:            cfg.Gateway.BaseURL,
			Timeout:            cfg.GatewayTimeout(),
			RateLimitPerSecond: cfg.Gateway.RateLimitPerSecond,
		}, logger)
	}

	gw := sim.New(map[string]types.SymbolRules{
		"BTCUSDT": sim.DefaultRules("BTCUSDT"),
		"ETHUSDT": sim.DefaultRules("ETHUSDT"),
	}, logger)
	gw.SetPrice("BTCUSDT", decimal.RequireFromString("50000"))
	gw.SetPrice("ETHUSDT", decimal.RequireFromString("3000"))
	slog.Warn("using simulated gateway, no real orders will be placed")
	return gw
}

func newAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	if !cfg.Alerting.Enabled {
		return nil
	}

	var alerters []alerting.Alerter
	for _, ch := range cfg.Alerting.Channels {
		switch ch.Type {
		case "telegram":
			alerters = append(alerters, alerting.NewTelegramAlerter(alerting.TelegramConfig{
				BotToken: ch.BotToken,
				ChatID:   ch.ChatID,
			}))
		case "console":
			alerters = append(alerters, alerting.NewConsoleAlerter(logger))
		}
	}
	if len(alerters) == 0 {
		return nil
	}
	if len(alerters) == 1 {
		return alerters[0]
	}
	return alerting.NewMultiAlerter(logger, alerters...)
}
