package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"hl-basis-rebalancer/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

var schemaName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Step is one state transition of a run.
type Step struct {
	RunID  string
	Time   time.Time
	State  string
	Detail string
	Error  string
}

// Run is the final outcome of a run.
type Run struct {
	RunID            string
	StartedAt        time.Time
	FinishedAt       time.Time
	Status           string
	SpotSymbol       string
	PerpSymbol       string
	Price            float64
	DeltaUSDC        float64
	DeltaToken       float64
	TransferBasis    string
	PlannedTransfer  float64
	ObservedTransfer float64
	TransferAmount   float64
	ShortSize        float64
	Error            string
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Writer records runs to Postgres/Timescale. Writes are synchronous and
// best effort: a journal failure is logged and never fails the run.
type Writer struct {
	db     execer
	closer func() error
	log    *zap.Logger
	schema string
}

func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	if !schemaName.MatchString(schema) {
		return nil, fmt.Errorf("journal schema %q is not a plain identifier", schema)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, db.Close, schema, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db execer, closer func() error, schema string, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{db: db, closer: closer, log: log, schema: schema}
}

func (w *Writer) Close() error {
	if w == nil || w.closer == nil {
		return nil
	}
	return w.closer()
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("journal db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		run_id TEXT NOT NULL,
		state TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("rebalance_steps"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		run_id TEXT PRIMARY KEY,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL,
		spot_symbol TEXT NOT NULL,
		perp_symbol TEXT NOT NULL,
		price DOUBLE PRECISION NOT NULL,
		delta_usdc DOUBLE PRECISION NOT NULL,
		delta_token DOUBLE PRECISION NOT NULL,
		transfer_basis TEXT NOT NULL,
		planned_transfer DOUBLE PRECISION NOT NULL,
		observed_transfer DOUBLE PRECISION NOT NULL,
		transfer_amount DOUBLE PRECISION NOT NULL,
		short_size DOUBLE PRECISION NOT NULL,
		error TEXT NOT NULL DEFAULT ''
	)`, w.table("rebalance_runs"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table("rebalance_steps"))); err != nil {
		w.log.Warn("rebalance_steps hypertable create failed", zap.Error(err))
	}
	return nil
}

func (w *Writer) RecordStep(ctx context.Context, step Step) {
	if w == nil || w.db == nil {
		return
	}
	if step.Time.IsZero() {
		step.Time = time.Now().UTC()
	}
	query := fmt.Sprintf(`INSERT INTO %s (ts, run_id, state, detail, error) VALUES ($1,$2,$3,$4,$5)`, w.table("rebalance_steps"))
	if err := w.exec(ctx, query, step.Time, step.RunID, step.State, step.Detail, step.Error); err != nil {
		w.log.Warn("journal step insert failed", zap.String("run_id", step.RunID), zap.String("state", step.State), zap.Error(err))
	}
}

func (w *Writer) RecordRun(ctx context.Context, run Run) {
	if w == nil || w.db == nil {
		return
	}
	query := fmt.Sprintf(`INSERT INTO %s (
		run_id, started_at, finished_at, status, spot_symbol, perp_symbol, price, delta_usdc, delta_token,
		transfer_basis, planned_transfer, observed_transfer, transfer_amount, short_size, error
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
	)
	ON CONFLICT (run_id) DO UPDATE SET
		finished_at = EXCLUDED.finished_at,
		status = EXCLUDED.status,
		transfer_amount = EXCLUDED.transfer_amount,
		short_size = EXCLUDED.short_size,
		error = EXCLUDED.error`, w.table("rebalance_runs"))
	if err := w.exec(ctx, query,
		run.RunID,
		run.StartedAt,
		run.FinishedAt,
		run.Status,
		run.SpotSymbol,
		run.PerpSymbol,
		run.Price,
		run.DeltaUSDC,
		run.DeltaToken,
		run.TransferBasis,
		run.PlannedTransfer,
		run.ObservedTransfer,
		run.TransferAmount,
		run.ShortSize,
		run.Error,
	); err != nil {
		w.log.Warn("journal run upsert failed", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
