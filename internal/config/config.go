package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log      LoggingConfig  `yaml:"log"`
	REST     RESTConfig     `yaml:"rest"`
	State    StateConfig    `yaml:"state"`
	Strategy StrategyConfig `yaml:"strategy"`
	Confirm  ConfirmConfig  `yaml:"confirm"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Journal  JournalConfig  `yaml:"journal"`
	Telegram TelegramConfig `yaml:"telegram"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type RESTConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Timeout        time.Duration `yaml:"timeout"`
	InfoRatePerSec float64       `yaml:"info_rate_per_sec"`
	InfoBurst      int           `yaml:"info_burst"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// TransferBasis selects which USDC figure feeds the margin transfer.
type TransferBasis string

const (
	// TransferPlanned moves initial spot USDC plus the planned USDC delta.
	TransferPlanned TransferBasis = "planned"
	// TransferObserved moves the spot USDC balance re-read after the swap.
	TransferObserved TransferBasis = "observed"
)

type StrategyConfig struct {
	SpotSymbol       string        `yaml:"spot_symbol"`
	PerpSymbol       string        `yaml:"perp_symbol"`
	QuoteSymbol      string        `yaml:"quote_symbol"`
	Slippage         float64       `yaml:"slippage"`
	SwapSlippage     float64       `yaml:"swap_slippage"`
	BufferMultiplier float64       `yaml:"buffer_multiplier"`
	TransferBasis    TransferBasis `yaml:"transfer_basis"`
	LowUSDCNotice    float64       `yaml:"low_usdc_notice"`
}

type ConfirmConfig struct {
	Auto bool `yaml:"auto"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

type JournalConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type TelegramConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
	ChatID  string `yaml:"chat_id"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB == 0 {
			cfg.Log.MaxSizeMB = 50
		}
		if cfg.Log.MaxBackups == 0 {
			cfg.Log.MaxBackups = 5
		}
	}
	if cfg.REST.BaseURL == "" {
		cfg.REST.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.REST.Timeout == 0 {
		cfg.REST.Timeout = 10 * time.Second
	}
	if cfg.REST.InfoRatePerSec == 0 {
		cfg.REST.InfoRatePerSec = 10
	}
	if cfg.REST.InfoBurst == 0 {
		cfg.REST.InfoBurst = 5
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hl-basis-rebalancer.db"
	}
	if cfg.Strategy.QuoteSymbol == "" {
		cfg.Strategy.QuoteSymbol = "USDC"
	}
	if cfg.Strategy.PerpSymbol == "" && cfg.Strategy.SpotSymbol != "" {
		base, _, _ := strings.Cut(cfg.Strategy.SpotSymbol, "/")
		cfg.Strategy.PerpSymbol = base
	}
	if cfg.Strategy.SpotSymbol == "" && cfg.Strategy.PerpSymbol != "" {
		cfg.Strategy.SpotSymbol = cfg.Strategy.PerpSymbol + "/" + cfg.Strategy.QuoteSymbol
	}
	if cfg.Strategy.Slippage == 0 {
		cfg.Strategy.Slippage = 0.02
	}
	if cfg.Strategy.SwapSlippage == 0 {
		cfg.Strategy.SwapSlippage = 0.05
	}
	if cfg.Strategy.BufferMultiplier == 0 {
		cfg.Strategy.BufferMultiplier = 1
	}
	if cfg.Strategy.LowUSDCNotice == 0 {
		cfg.Strategy.LowUSDCNotice = 10
	}
	if cfg.Metrics.Job == "" {
		cfg.Metrics.Job = "hl_basis_rebalancer"
	}
	if cfg.Journal.Schema == "" {
		cfg.Journal.Schema = "public"
	}
}

func applyEnvOverrides(cfg *Config) {
	if token := strings.TrimSpace(os.Getenv("HL_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HL_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HL_JOURNAL_DSN")); dsn != "" {
		cfg.Journal.DSN = dsn
	}
}

func validate(cfg *Config) error {
	s := cfg.Strategy
	if s.PerpSymbol == "" {
		return errors.New("strategy.perp_symbol is required")
	}
	if !strings.Contains(s.SpotSymbol, "/") {
		return fmt.Errorf("strategy.spot_symbol %q must be a BASE/QUOTE pair", s.SpotSymbol)
	}
	if strings.EqualFold(s.PerpSymbol, s.QuoteSymbol) {
		return errors.New("strategy.perp_symbol must differ from strategy.quote_symbol")
	}
	if s.Slippage <= 0 || s.Slippage >= 1 {
		return errors.New("strategy.slippage must be in (0, 1)")
	}
	if s.SwapSlippage <= 0 || s.SwapSlippage >= 1 {
		return errors.New("strategy.swap_slippage must be in (0, 1)")
	}
	if s.BufferMultiplier <= 0 {
		return errors.New("strategy.buffer_multiplier must be > 0")
	}
	switch s.TransferBasis {
	case TransferPlanned, TransferObserved:
	case "":
		return errors.New("strategy.transfer_basis is required (planned or observed)")
	default:
		return fmt.Errorf("strategy.transfer_basis %q must be planned or observed", s.TransferBasis)
	}
	if cfg.REST.InfoRatePerSec < 0 || cfg.REST.InfoBurst < 0 {
		return errors.New("rest info rate settings must be >= 0")
	}
	if cfg.Journal.Enabled && strings.TrimSpace(cfg.Journal.DSN) == "" {
		return errors.New("journal.dsn is required when journal is enabled")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	return nil
}
