package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"hl-basis-rebalancer/internal/alerts"
	"hl-basis-rebalancer/internal/config"
	"hl-basis-rebalancer/internal/exec"
	"hl-basis-rebalancer/internal/hl/exchange"
	"hl-basis-rebalancer/internal/hl/rest"
	"hl-basis-rebalancer/internal/journal"
	"hl-basis-rebalancer/internal/market"
	"hl-basis-rebalancer/internal/metrics"
	"hl-basis-rebalancer/internal/state/sqlite"

	"go.uber.org/zap"
)

type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    *sqlite.Store
	rest     *rest.Client
	exchange *exchange.Client
	reader   *market.Reader
	gateway  *exec.Gateway
	prom     *metrics.Prometheus
	alerts   *alerts.Telegram
	journal  *journal.Writer
	address  string
}

type Credentials struct {
	WalletAddress  string
	PrivateKey     string
	AccountAddress string
	VaultAddress   string
}

func CredentialsFromEnv() (Credentials, error) {
	creds := Credentials{
		WalletAddress:  strings.TrimSpace(os.Getenv("HL_WALLET_ADDRESS")),
		PrivateKey:     strings.TrimSpace(os.Getenv("HL_PRIVATE_KEY")),
		AccountAddress: strings.TrimSpace(os.Getenv("HL_ACCOUNT_ADDRESS")),
		VaultAddress:   strings.TrimSpace(os.Getenv("HL_VAULT_ADDRESS")),
	}
	if creds.WalletAddress == "" {
		return Credentials{}, errors.New("HL_WALLET_ADDRESS is required")
	}
	if creds.PrivateKey == "" {
		return Credentials{}, errors.New("HL_PRIVATE_KEY is required")
	}
	if creds.AccountAddress == "" {
		creds.AccountAddress = creds.WalletAddress
	}
	return creds, nil
}

func New(cfg *config.Config, creds Credentials, log *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	isMainnet := !strings.Contains(strings.ToLower(cfg.REST.BaseURL), "testnet")
	signer, err := exchange.NewSigner(creds.PrivateKey, isMainnet)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(creds.WalletAddress, signer.Address().Hex()) {
		return nil, fmt.Errorf("wallet address does not match private key: got %s expected %s", creds.WalletAddress, signer.Address().Hex())
	}
	store, err := sqlite.New(cfg.State.SQLitePath)
	if err != nil {
		return nil, err
	}
	restClient := rest.New(cfg.REST.BaseURL, cfg.REST.Timeout, log)
	restClient.SetRateLimit(cfg.REST.InfoRatePerSec, cfg.REST.InfoBurst)
	reader := market.NewReader(restClient, cfg.Strategy.QuoteSymbol, log)

	exClient, err := exchange.NewClient(cfg.REST.BaseURL, cfg.REST.Timeout, signer, creds.VaultAddress)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	exClient.SetLogger(log)

	journalWriter, err := journal.New(cfg.Journal, log)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &App{
		cfg:      cfg,
		log:      log,
		store:    store,
		rest:     restClient,
		exchange: exClient,
		reader:   reader,
		gateway:  exec.New(exClient, reader, store, creds.AccountAddress, log),
		prom:     metrics.NewPrometheus(),
		alerts:   alerts.NewTelegram(cfg.Telegram, log),
		journal:  journalWriter,
		address:  creds.AccountAddress,
	}, nil
}

func (a *App) Address() string {
	return a.address
}

// Rebalance runs the rebalance once and pushes its metrics.
func (a *App) Rebalance(ctx context.Context, confirm Confirmer) (*Report, error) {
	a.initNonces(ctx)
	rb, err := NewRebalancer(a.cfg.Strategy, a.address, a.reader, a.gateway, Sinks{
		Store:    a.store,
		Journal:  a.journal,
		Metrics:  a.prom.Metrics,
		Notifier: a.alerts,
	}, a.log)
	if err != nil {
		return nil, err
	}
	report, runErr := rb.Run(ctx, confirm)
	a.pushMetrics(context.WithoutCancel(ctx))
	return report, runErr
}

type CloseResult struct {
	Position map[string]any
	Response map[string]any
	Result   exchange.OrderResult
}

// ClosePosition flattens the configured perp position. With dryRun it only
// reports the position.
func (a *App) ClosePosition(ctx context.Context, dryRun bool) (CloseResult, error) {
	if !dryRun {
		a.initNonces(ctx)
	}
	res, err := closePosition(ctx, a.reader, a.gateway, a.address, a.cfg.Strategy, dryRun, a.prom.Metrics)
	if !dryRun {
		a.pushMetrics(context.WithoutCancel(ctx))
	}
	return res, err
}

type positionReader interface {
	Positions(ctx context.Context, address string) ([]map[string]any, error)
}

type positionCloser interface {
	MarketClose(ctx context.Context, symbol string, slippage float64) (map[string]any, error)
}

func closePosition(ctx context.Context, reader positionReader, closer positionCloser, address string, cfg config.StrategyConfig, dryRun bool, m *metrics.Metrics) (CloseResult, error) {
	positions, err := reader.Positions(ctx, address)
	if err != nil {
		return CloseResult{}, err
	}
	var out CloseResult
	for _, pos := range positions {
		if coin, _ := pos["coin"].(string); coin == cfg.PerpSymbol {
			out.Position = pos
			break
		}
	}
	if dryRun {
		return out, nil
	}
	resp, err := closer.MarketClose(context.WithoutCancel(ctx), cfg.PerpSymbol, cfg.Slippage)
	if err != nil {
		m.OrdersFailed.Inc()
		return out, err
	}
	out.Response = resp
	out.Result, err = exchange.Validate(resp)
	if err != nil {
		m.OrdersFailed.Inc()
		return out, err
	}
	m.OrdersPlaced.Inc()
	return out, nil
}

func (a *App) Close() error {
	var errs []error
	if a.journal != nil {
		errs = append(errs, a.journal.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func (a *App) initNonces(ctx context.Context) {
	if a.exchange == nil || a.store == nil {
		return
	}
	if _, ok := a.exchange.NonceState(); ok {
		return
	}
	if err := a.exchange.InitNonceStore(ctx, a.store); err != nil {
		a.log.Warn("nonce store init failed", zap.Error(err))
	} else if state, ok := a.exchange.NonceState(); ok {
		a.log.Info("nonce persistence enabled", zap.String("nonce_key", state.Key), zap.Uint64("nonce_seed", state.Last))
	}
}

func (a *App) pushMetrics(ctx context.Context) {
	url := strings.TrimSpace(a.cfg.Metrics.PushgatewayURL)
	if url == "" {
		return
	}
	if err := a.prom.Push(ctx, url, a.cfg.Metrics.Job); err != nil {
		a.log.Warn("metrics push failed", zap.Error(err))
	}
}
