package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"hl-basis-rebalancer/internal/errdefs"
	"hl-basis-rebalancer/internal/hl/rest"

	"go.uber.org/zap"
)

type infoStub struct {
	mu     sync.Mutex
	counts   map[string]int
	books    map[string]any
	spotMeta any
}

func (s *infoStub) count(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[typ]
}

func newInfoServer(t *testing.T, stub *infoStub) *Reader {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rest.InfoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		stub.mu.Lock()
		stub.counts[req.Type]++
		stub.mu.Unlock()
		var out any
		switch req.Type {
		case "meta":
			out = map[string]any{"universe": []any{
				map[string]any{"name": "BTC", "szDecimals": 5, "maxLeverage": 40},
				map[string]any{"name": "HYPE", "szDecimals": 2, "maxLeverage": 5},
			}}
		case "spotMeta":
			if stub.spotMeta != nil {
				out = stub.spotMeta
				break
			}
			out = map[string]any{
				"universe": []any{map[string]any{"name": "@107", "index": 107, "tokens": []any{150, 0}}},
				"tokens": []any{
					map[string]any{"name": "USDC", "index": 0, "szDecimals": 8},
					map[string]any{"name": "HYPE", "index": 150, "szDecimals": 2},
				},
			}
		case "l2Book":
			out = stub.books[req.Coin]
		case "spotClearinghouseState":
			out = map[string]any{"balances": []any{
				map[string]any{"coin": "USDC", "total": "1000.0"},
				map[string]any{"coin": "HYPE", "total": "3.5"},
			}}
		case "clearinghouseState":
			out = map[string]any{
				"withdrawable":   "42.5",
				"assetPositions": []any{map[string]any{"position": map[string]any{"coin": "HYPE", "szi": "-1.5"}}},
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return NewReader(rest.New(srv.URL, 2*time.Second, zap.NewNop()), "USDC", zap.NewNop())
}

func book(bid, ask string) map[string]any {
	return map[string]any{"levels": []any{
		[]any{map[string]any{"px": bid, "sz": "1", "n": 1}},
		[]any{map[string]any{"px": ask, "sz": "1", "n": 1}},
	}}
}

func TestReaderMetadataCachedForRun(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}}
	reader := newInfoServer(t, stub)
	ctx := context.Background()

	dec, err := reader.Decimals(ctx, "HYPE")
	if err != nil || dec != 2 {
		t.Fatalf("expected decimals 2, got %d (%v)", dec, err)
	}
	lev, err := reader.MaxLeverage(ctx, "HYPE")
	if err != nil || lev != 5 {
		t.Fatalf("expected max leverage 5, got %d (%v)", lev, err)
	}
	if stub.count("meta") != 1 {
		t.Fatalf("expected one meta request, got %d", stub.count("meta"))
	}
}

func TestReaderDecimalsErrors(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}}
	reader := newInfoServer(t, stub)
	ctx := context.Background()

	if _, err := reader.Decimals(ctx, "DOGE"); !errdefs.IsLookup(err) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if _, err := reader.Decimals(ctx, "USDC"); !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter for quote symbol, got %v", err)
	}
	if _, err := reader.MaxLeverage(ctx, "DOGE"); !errdefs.IsLookup(err) {
		t.Fatalf("expected lookup error, got %v", err)
	}
}

func TestReaderPriceResolvesSpotBookKey(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}, books: map[string]any{
		"@107": book("9.9", "10.1"),
		"HYPE": book("10.0", "10.2"),
	}}
	reader := newInfoServer(t, stub)
	ctx := context.Background()

	spot, err := reader.Price(ctx, "HYPE/USDC")
	if err != nil {
		t.Fatalf("spot price: %v", err)
	}
	if !closeEnough(spot, 10.0) {
		t.Fatalf("expected spot mid 10.0, got %f", spot)
	}
	perp, err := reader.Price(ctx, "HYPE")
	if err != nil {
		t.Fatalf("perp price: %v", err)
	}
	if !closeEnough(perp, 10.1) {
		t.Fatalf("expected perp mid 10.1, got %f", perp)
	}
	sc, err := reader.SpotContext(ctx, "HYPE")
	if err != nil {
		t.Fatalf("spot context: %v", err)
	}
	if sc.AssetID() != 10107 || sc.BaseSzDecimals != 2 || sc.QuoteSzDecimals != 8 {
		t.Fatalf("unexpected spot context: %+v", sc)
	}
}

func TestReaderPriceEmptyBook(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}, books: map[string]any{
		"HYPE": map[string]any{"levels": []any{[]any{}, []any{}}},
	}}
	reader := newInfoServer(t, stub)
	if _, err := reader.Price(context.Background(), "HYPE"); !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter error, got %v", err)
	}
	if _, err := reader.Price(context.Background(), "NOPE"); !errdefs.IsLookup(err) {
		t.Fatalf("expected lookup error, got %v", err)
	}
	if stub.count("l2Book") != 1 {
		t.Fatalf("expected unknown symbol to fail before l2Book, got %d requests", stub.count("l2Book"))
	}
}

func TestReaderBalancesAreNeverCached(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}}
	reader := newInfoServer(t, stub)
	ctx := context.Background()

	state, err := reader.AccountState(ctx, "0xabc", "HYPE", "USDC")
	if err != nil {
		t.Fatalf("account state: %v", err)
	}
	if !closeEnough(state.SpotToken, 3.5) || !closeEnough(state.SpotUSDC, 1000) || !closeEnough(state.PerpWithdrawable, 42.5) {
		t.Fatalf("unexpected account state: %+v", state)
	}
	if len(state.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(state.Positions))
	}
	if _, err := reader.AccountState(ctx, "0xabc", "HYPE", "USDC"); err != nil {
		t.Fatalf("account state: %v", err)
	}
	if stub.count("spotClearinghouseState") != 2 || stub.count("clearinghouseState") != 2 {
		t.Fatalf("expected fresh reads, got %d/%d", stub.count("spotClearinghouseState"), stub.count("clearinghouseState"))
	}

	missing, err := reader.SpotBalance(ctx, "0xabc", "PURR")
	if err != nil || missing != 0 {
		t.Fatalf("expected 0 for absent coin, got %f (%v)", missing, err)
	}
	withdrawable, err := reader.PerpWithdrawable(ctx, "0xabc")
	if err != nil || !closeEnough(withdrawable, 42.5) {
		t.Fatalf("expected withdrawable 42.5, got %f (%v)", withdrawable, err)
	}
	positions, err := reader.Positions(ctx, "0xabc")
	if err != nil || len(positions) != 1 {
		t.Fatalf("expected one position, got %d (%v)", len(positions), err)
	}
}

func TestReaderRequiresAddress(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}}
	reader := newInfoServer(t, stub)
	if _, err := reader.SpotBalance(context.Background(), " ", "USDC"); !errdefs.IsInvalidParameter(err) {
		t.Fatalf("expected invalid parameter error, got %v", err)
	}
}

func TestReaderBareBaseResolvesQuotePair(t *testing.T) {
	stub := &infoStub{counts: map[string]int{}, spotMeta: map[string]any{
		"universe": []any{
			map[string]any{"name": "@90", "index": 90, "tokens": []any{150, 7}},
			map[string]any{"name": "@107", "index": 107, "tokens": []any{150, 0}},
		},
		"tokens": []any{
			map[string]any{"name": "USDC", "index": 0, "szDecimals": 8},
			map[string]any{"name": "USDH", "index": 7, "szDecimals": 2},
			map[string]any{"name": "HYPE", "index": 150, "szDecimals": 2},
		},
	}}
	reader := newInfoServer(t, stub)

	sc, err := reader.SpotContext(context.Background(), "HYPE")
	if err != nil {
		t.Fatalf("spot context: %v", err)
	}
	if sc.Symbol != "HYPE/USDC" || sc.MidKey != "@107" {
		t.Fatalf("expected HYPE/USDC at @107, got %s at %s", sc.Symbol, sc.MidKey)
	}
	other, err := reader.SpotContext(context.Background(), "HYPE/USDH")
	if err != nil || other.MidKey != "@90" {
		t.Fatalf("expected explicit HYPE/USDH pair at @90, got %+v (%v)", other, err)
	}
	if _, err := reader.SpotContext(context.Background(), "PURR"); !errdefs.IsLookup(err) {
		t.Fatalf("expected lookup error for unknown base, got %v", err)
	}
}
