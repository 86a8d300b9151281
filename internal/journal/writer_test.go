package journal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hl-basis-rebalancer/internal/config"

	"go.uber.org/zap"
)

type execCall struct {
	query string
	args  []any
}

type fakeDB struct {
	mu    sync.Mutex
	calls []execCall
	fail  func(query string) error
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{query: query, args: args})
	if f.fail != nil {
		if err := f.fail(query); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func TestNewDisabledReturnsNil(t *testing.T) {
	w, err := New(config.JournalConfig{Enabled: false}, zap.NewNop())
	if err != nil || w != nil {
		t.Fatalf("expected nil writer, got %v (%v)", w, err)
	}
	w.RecordStep(context.Background(), Step{RunID: "r"})
	if err := w.Close(); err != nil {
		t.Fatalf("close nil writer: %v", err)
	}
}

func TestNewRejectsBadSchema(t *testing.T) {
	_, err := New(config.JournalConfig{Enabled: true, DSN: "postgres://localhost/db", Schema: "x; DROP TABLE y"}, zap.NewNop())
	if err == nil {
		t.Fatalf("expected schema error")
	}
}

func TestEnsureSchemaToleratesMissingTimescale(t *testing.T) {
	db := &fakeDB{fail: func(query string) error {
		if strings.Contains(query, "timescaledb") {
			return errors.New("extension not available")
		}
		return nil
	}}
	w := newWriter(db, nil, "journal", zap.NewNop())
	if err := w.ensureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if !strings.Contains(db.calls[0].query, "CREATE SCHEMA IF NOT EXISTS journal") {
		t.Fatalf("expected schema creation first, got %q", db.calls[0].query)
	}
	for _, call := range db.calls {
		if strings.Contains(call.query, "create_hypertable") {
			t.Fatalf("hypertable should be skipped without the extension")
		}
	}
}

func TestRecordStepAndRun(t *testing.T) {
	db := &fakeDB{}
	w := newWriter(db, nil, "public", zap.NewNop())
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	w.RecordStep(context.Background(), Step{RunID: "run-1", Time: ts, State: "OPEN_SHORT", Detail: "size=83.33"})
	w.RecordRun(context.Background(), Run{RunID: "run-1", Status: "DONE", ShortSize: 83.33})

	if len(db.calls) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(db.calls))
	}
	step := db.calls[0]
	if !strings.Contains(step.query, "public.rebalance_steps") || step.args[1] != "run-1" || step.args[2] != "OPEN_SHORT" {
		t.Fatalf("unexpected step insert: %+v", step)
	}
	run := db.calls[1]
	if !strings.Contains(run.query, "public.rebalance_runs") || len(run.args) != 15 || run.args[3] != "DONE" {
		t.Fatalf("unexpected run upsert: %+v", run)
	}
}

func TestRecordStepFailureIsSwallowed(t *testing.T) {
	db := &fakeDB{fail: func(string) error { return errors.New("connection reset") }}
	w := newWriter(db, nil, "public", zap.NewNop())
	w.RecordStep(context.Background(), Step{RunID: "run-1", State: "DONE"})
	if len(db.calls) != 1 {
		t.Fatalf("expected one attempt, got %d", len(db.calls))
	}
}
