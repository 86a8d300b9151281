package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"hl-basis-rebalancer/internal/app"
	"hl-basis-rebalancer/internal/config"
	"hl-basis-rebalancer/internal/console"
	"hl-basis-rebalancer/internal/logging"

	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "print the position and exit")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	creds, err := app.CredentialsFromEnv()
	if err != nil {
		log.Error("missing credentials", zap.Error(err))
		return 1
	}
	application, err := app.New(cfg, creds, log)
	if err != nil {
		log.Error("failed to initialize app", zap.Error(err))
		return 1
	}
	defer func() { _ = application.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := application.ClosePosition(ctx, *dryRun)
	console.New(os.Stdout).Close(res, *dryRun)
	if err != nil {
		log.Error("close failed", zap.String("perp", cfg.Strategy.PerpSymbol), zap.Error(err))
		return 1
	}
	return 0
}
