package exec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"hl-basis-rebalancer/internal/errdefs"
	"hl-basis-rebalancer/internal/hl/exchange"
	"hl-basis-rebalancer/internal/market"
	"hl-basis-rebalancer/internal/state"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

type mockExchange struct {
	mu        sync.Mutex
	orders    []exchange.OrderWire
	transfers []float64
	resp      map[string]any
	err       error
}

func (m *mockExchange) PlaceOrder(ctx context.Context, order exchange.OrderWire) (map[string]any, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, order)
	if m.err != nil {
		return nil, m.err
	}
	return m.resp, nil
}

func (m *mockExchange) USDClassTransfer(ctx context.Context, amount float64, toPerp bool) (map[string]any, error) {
	_ = ctx
	_ = toPerp
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = append(m.transfers, amount)
	if m.err != nil {
		return nil, m.err
	}
	return map[string]any{"status": "ok", "response": map[string]any{"type": "default"}}, nil
}

type mockReader struct {
	positions []map[string]any
}

func (m *mockReader) PerpMeta(ctx context.Context, symbol string) (market.PerpMeta, error) {
	_ = ctx
	if symbol != "HYPE" {
		return market.PerpMeta{}, errdefs.ErrLookup
	}
	return market.PerpMeta{Name: "HYPE", Index: 159, SzDecimals: 2, MaxLeverage: 5}, nil
}

func (m *mockReader) SpotContext(ctx context.Context, symbol string) (market.SpotContext, error) {
	_ = ctx
	if symbol != "HYPE/USDC" && symbol != "HYPE" {
		return market.SpotContext{}, errdefs.ErrLookup
	}
	return market.SpotContext{Symbol: "HYPE/USDC", Base: "HYPE", Quote: "USDC", Index: 107, BaseSzDecimals: 2, QuoteSzDecimals: 8, MidKey: "@107"}, nil
}

func (m *mockReader) Price(ctx context.Context, symbol string) (float64, error) {
	_ = ctx
	_ = symbol
	return 10, nil
}

func (m *mockReader) Positions(ctx context.Context, address string) ([]map[string]any, error) {
	_ = ctx
	_ = address
	return m.positions, nil
}

func okFill() map[string]any {
	return map[string]any{
		"status": "ok",
		"response": map[string]any{
			"type": "order",
			"data": map[string]any{"statuses": []any{map[string]any{"filled": map[string]any{"oid": 7, "totalSz": "1.5", "avgPx": "10"}}}},
		},
	}
}

func TestMarketSwapUsesSpotAsset(t *testing.T) {
	ex := &mockExchange{resp: okFill()}
	store := newMemoryStore()
	gw := New(ex, &mockReader{}, store, "0xabc", zap.NewNop())
	gw.newCloid = func() string { return "0x01" }

	resp, err := gw.MarketSwap(context.Background(), "HYPE/USDC", true, 1.5, 0.05)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected raw response, got %+v", resp)
	}
	if len(ex.orders) != 1 {
		t.Fatalf("expected exactly one order, got %d", len(ex.orders))
	}
	order := ex.orders[0]
	if order.Asset != 10107 || !order.IsBuy || order.Size != "1.5" || order.Price != "10.5" {
		t.Fatalf("unexpected swap order: %+v", order)
	}
	if order.OrderType.Limit == nil || order.OrderType.Limit.Tif != exchange.TifIoc {
		t.Fatalf("expected IOC order")
	}
	if _, ok, _ := state.LoadOrderResponse(context.Background(), store, "0x01"); !ok {
		t.Fatalf("expected response journaled by cloid")
	}
}

func TestMarketOpenShort(t *testing.T) {
	ex := &mockExchange{resp: okFill()}
	gw := New(ex, &mockReader{}, nil, "0xabc", zap.NewNop())

	if _, err := gw.MarketOpen(context.Background(), "HYPE", false, 83.33, 0.02); err != nil {
		t.Fatalf("open: %v", err)
	}
	order := ex.orders[0]
	if order.Asset != 159 || order.IsBuy || order.ReduceOnly || order.Price != "9.8" || order.Size != "83.33" {
		t.Fatalf("unexpected short order: %+v", order)
	}
	if len(order.Cloid) != 34 {
		t.Fatalf("expected 128-bit hex cloid, got %q", order.Cloid)
	}
}

func TestMarketOpenUnknownSymbolPlacesNothing(t *testing.T) {
	ex := &mockExchange{resp: okFill()}
	gw := New(ex, &mockReader{}, nil, "0xabc", zap.NewNop())
	if _, err := gw.MarketOpen(context.Background(), "DOGE", false, 1, 0.02); !errdefs.IsLookup(err) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if _, err := gw.MarketOpen(context.Background(), "HYPE", false, 0, 0.02); !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter error, got %v", err)
	}
	if len(ex.orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(ex.orders))
	}
}

func TestMarketCloseBuysBackShort(t *testing.T) {
	ex := &mockExchange{resp: okFill()}
	reader := &mockReader{positions: []map[string]any{{"coin": "HYPE", "szi": "-4.2"}}}
	gw := New(ex, reader, nil, "0xabc", zap.NewNop())

	if _, err := gw.MarketClose(context.Background(), "HYPE", 0.02); err != nil {
		t.Fatalf("close: %v", err)
	}
	order := ex.orders[0]
	if !order.IsBuy || !order.ReduceOnly || order.Size != "4.2" || order.Price != "10.2" {
		t.Fatalf("unexpected close order: %+v", order)
	}
}

func TestMarketCloseWithoutPosition(t *testing.T) {
	ex := &mockExchange{resp: okFill()}
	gw := New(ex, &mockReader{}, nil, "0xabc", zap.NewNop())
	if _, err := gw.MarketClose(context.Background(), "HYPE", 0.02); !errdefs.IsLookup(err) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if len(ex.orders) != 0 {
		t.Fatalf("expected no orders, got %d", len(ex.orders))
	}
}

func TestTransferToMargin(t *testing.T) {
	ex := &mockExchange{}
	gw := New(ex, &mockReader{}, newMemoryStore(), "0xabc", zap.NewNop())
	if _, err := gw.TransferToMargin(context.Background(), 166.66, true); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(ex.transfers) != 1 || ex.transfers[0] != 166.66 {
		t.Fatalf("unexpected transfers: %v", ex.transfers)
	}
	if _, err := gw.TransferToMargin(context.Background(), 0, true); !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter error, got %v", err)
	}
}

func TestTransportFailureIsUnconfirmed(t *testing.T) {
	timeout := fmt.Errorf("%w: Post \"/exchange\": context deadline exceeded", errdefs.ErrRequestFailed)
	ex := &mockExchange{err: timeout}
	gw := New(ex, &mockReader{}, nil, "0xabc", zap.NewNop())
	gw.newCloid = func() string { return "0x02" }

	_, err := gw.MarketOpen(context.Background(), "HYPE", false, 1, 0.02)
	if !errdefs.IsUnconfirmed(err) || !errdefs.IsRequestFailed(err) {
		t.Fatalf("expected unconfirmed request failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "cloid 0x02") {
		t.Fatalf("expected cloid in error for reconciliation, got %v", err)
	}
	if _, err := gw.TransferToMargin(context.Background(), 5, true); !errdefs.IsUnconfirmed(err) {
		t.Fatalf("expected unconfirmed transfer, got %v", err)
	}
}

func TestSigningFailureIsNotUnconfirmed(t *testing.T) {
	ex := &mockExchange{err: errors.New("sign order: bad key")}
	gw := New(ex, &mockReader{}, nil, "0xabc", zap.NewNop())
	_, err := gw.MarketOpen(context.Background(), "HYPE", false, 1, 0.02)
	if err == nil || errdefs.IsUnconfirmed(err) {
		t.Fatalf("expected a plain error, got %v", err)
	}
}
