package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
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
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
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
	log.Info("config loaded", zap.String("path", *configPath))

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

	out := console.New(os.Stdout)
	confirm := prompt(out, os.Stdin, os.Stdout, cfg.Confirm.Auto || *yes)
	report, err := application.Rebalance(ctx, confirm)
	if report != nil {
		out.Report(report)
	}
	if err != nil {
		log.Error("rebalance failed", zap.Error(err))
		return 1
	}
	return 0
}

// prompt shows the proposal and asks for y/n on in. Anything but y/yes
// declines, as does an interrupt while waiting.
func prompt(out *console.Console, in io.Reader, w io.Writer, auto bool) app.Confirmer {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, p app.Proposal) (bool, error) {
		out.Proposal(p)
		if auto {
			return true, nil
		}
		fmt.Fprint(w, "Proceed with rebalance? [y/N]: ")
		answer := make(chan string, 1)
		errs := make(chan error, 1)
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				errs <- err
				return
			}
			answer <- line
		}()
		select {
		case <-ctx.Done():
			fmt.Fprintln(w)
			return false, nil
		case err := <-errs:
			if err == io.EOF {
				return false, nil
			}
			return false, err
		case line := <-answer:
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "y", "yes":
				return true, nil
			default:
				return false, nil
			}
		}
	}
}
