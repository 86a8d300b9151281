package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

const (
	LastRunKey     = "run:last"
	runKeyPrefix   = "run:"
	orderKeyPrefix = "order:"
)

// RunRecord is the persisted outcome of one rebalance run. It is written
// after every run, failed ones included, so partial effects can be
// reconciled by hand.
type RunRecord struct {
	ID                      string   `json:"id"`
	Status                  string   `json:"status"`
	Error                   string   `json:"error,omitempty"`
	ErrorKind               string   `json:"error_kind,omitempty"`
	SpotSymbol              string   `json:"spot_symbol"`
	PerpSymbol              string   `json:"perp_symbol"`
	Price                   float64  `json:"price"`
	MaxLeverage             int      `json:"max_leverage"`
	BufferMultiplier        float64  `json:"buffer_multiplier"`
	InitialSpotToken        float64  `json:"initial_spot_token"`
	InitialSpotUSDC         float64  `json:"initial_spot_usdc"`
	InitialPerpWithdrawable float64  `json:"initial_perp_withdrawable"`
	DeltaUSDC               float64  `json:"delta_usdc"`
	DeltaToken              float64  `json:"delta_token"`
	Branch                  string   `json:"branch,omitempty"`
	SwapSize                float64  `json:"swap_size"`
	TransferBasis           string   `json:"transfer_basis"`
	PlannedTransfer         float64  `json:"planned_transfer"`
	ObservedTransfer        float64  `json:"observed_transfer"`
	TransferAmount          float64  `json:"transfer_amount"`
	ShortSize               float64  `json:"short_size"`
	OrderIDs                []string `json:"order_ids,omitempty"`
	VenueChanged            bool     `json:"venue_changed"`
	UnconfirmedSteps        []string `json:"unconfirmed_steps,omitempty"`
	States                  []string `json:"states"`
	StartedAtMS             int64    `json:"started_at_ms"`
	FinishedAtMS            int64    `json:"finished_at_ms"`
}

func SaveRunRecord(ctx context.Context, store Store, record RunRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(record.ID) == "" {
		return errors.New("run record id is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, runKeyPrefix+record.ID, string(payload)); err != nil {
		return err
	}
	return store.Set(ctx, LastRunKey, string(payload))
}

func LoadRunRecord(ctx context.Context, store Store, id string) (RunRecord, bool, error) {
	key := LastRunKey
	if strings.TrimSpace(id) != "" {
		key = runKeyPrefix + id
	}
	return loadJSON[RunRecord](ctx, store, key)
}

// SaveOrderResponse journals the raw venue response for a submitted action
// under its client order id.
func SaveOrderResponse(ctx context.Context, store Store, cloid string, resp map[string]any) error {
	if store == nil || strings.TrimSpace(cloid) == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return store.Set(ctx, orderKeyPrefix+cloid, string(payload))
}

func LoadOrderResponse(ctx context.Context, store Store, cloid string) (map[string]any, bool, error) {
	return loadJSON[map[string]any](ctx, store, orderKeyPrefix+cloid)
}

func loadJSON[T any](ctx context.Context, store Store, key string) (T, bool, error) {
	var out T
	if store == nil {
		return out, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return out, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return out, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return out, false, err
	}
	return out, true, nil
}
