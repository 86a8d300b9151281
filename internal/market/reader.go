package market

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"hl-basis-rebalancer/internal/errdefs"
	"hl-basis-rebalancer/internal/hl/rest"

	"go.uber.org/zap"
)

const spotAssetOffset = 10000

type InfoClient interface {
	Info(ctx context.Context, req interface{}) (map[string]any, error)
	InfoAny(ctx context.Context, req interface{}) (any, error)
}

type PerpMeta struct {
	Name        string
	Index       int
	SzDecimals  int
	MaxLeverage int
}

type SpotContext struct {
	Symbol          string
	Base            string
	Quote           string
	Index           int
	BaseSzDecimals  int
	QuoteSzDecimals int
	RawName         string
	MidKey          string
}

func (s SpotContext) AssetID() int {
	return spotAssetOffset + s.Index
}

// AccountState is never cached: every call re-reads the venue.
type AccountState struct {
	SpotToken        float64
	SpotUSDC         float64
	PerpWithdrawable float64
	Positions        []map[string]any
}

// Reader serves venue metadata, prices and balances. Metadata is loaded once
// per Reader; prices and balances hit the venue on every call.
type Reader struct {
	info  InfoClient
	log   *zap.Logger
	quote string

	mu   sync.Mutex
	perp map[string]PerpMeta
	spot map[string]SpotContext
}

func NewReader(info InfoClient, quote string, log *zap.Logger) *Reader {
	if log == nil {
		log = zap.NewNop()
	}
	quote = strings.TrimSpace(quote)
	if quote == "" {
		quote = "USDC"
	}
	return &Reader{info: info, log: log, quote: quote}
}

func (r *Reader) PerpMeta(ctx context.Context, symbol string) (PerpMeta, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return PerpMeta{}, fmt.Errorf("%w: empty perp symbol", errdefs.ErrInvalidParameter)
	}
	if strings.Contains(symbol, r.quote) {
		return PerpMeta{}, fmt.Errorf("%w: %q is not a perp symbol", errdefs.ErrInvalidParameter, symbol)
	}
	perp, err := r.loadPerp(ctx)
	if err != nil {
		return PerpMeta{}, err
	}
	meta, ok := perp[symbol]
	if !ok {
		return PerpMeta{}, fmt.Errorf("%w: coin %s not found in meta", errdefs.ErrLookup, symbol)
	}
	return meta, nil
}

func (r *Reader) Decimals(ctx context.Context, symbol string) (int, error) {
	meta, err := r.PerpMeta(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if meta.SzDecimals < 0 {
		return 0, fmt.Errorf("%w: coin %s has no size decimals", errdefs.ErrLookup, symbol)
	}
	return meta.SzDecimals, nil
}

func (r *Reader) MaxLeverage(ctx context.Context, symbol string) (int, error) {
	meta, err := r.PerpMeta(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if meta.MaxLeverage <= 0 {
		return 0, fmt.Errorf("%w: coin %s max leverage %d", errdefs.ErrInvalidParameter, symbol, meta.MaxLeverage)
	}
	return meta.MaxLeverage, nil
}

// SpotContext resolves a pair ("HYPE/USDC"), its raw venue name ("@107") or a
// bare base coin, which maps to BASE/<quote>.
func (r *Reader) SpotContext(ctx context.Context, symbol string) (SpotContext, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return SpotContext{}, fmt.Errorf("%w: empty spot symbol", errdefs.ErrInvalidParameter)
	}
	spot, err := r.loadSpot(ctx)
	if err != nil {
		return SpotContext{}, err
	}
	// a bare base coin means its pair against the configured quote
	if !strings.Contains(symbol, "/") && !strings.HasPrefix(symbol, "@") {
		if sc, ok := spot[symbol+"/"+r.quote]; ok {
			return sc, nil
		}
	}
	if sc, ok := spot[symbol]; ok {
		return sc, nil
	}
	return SpotContext{}, fmt.Errorf("%w: spot pair %s not found in spot meta", errdefs.ErrLookup, symbol)
}

// Price is the mid of a single l2Book snapshot.
func (r *Reader) Price(ctx context.Context, symbol string) (float64, error) {
	coin, err := r.bookCoin(ctx, symbol)
	if err != nil {
		return 0, err
	}
	resp, err := r.info.InfoAny(ctx, rest.InfoRequest{Type: "l2Book", Coin: coin})
	if err != nil {
		return 0, fmt.Errorf("l2Book %s: %w", coin, err)
	}
	if resp == nil {
		return 0, fmt.Errorf("%w: no book for %s", errdefs.ErrLookup, symbol)
	}
	bid, ask, err := parseBookTop(resp)
	if err != nil {
		return 0, fmt.Errorf("book %s: %w", symbol, err)
	}
	return (bid + ask) / 2, nil
}

func (r *Reader) bookCoin(ctx context.Context, symbol string) (string, error) {
	symbol = strings.TrimSpace(symbol)
	if strings.Contains(symbol, "/") || strings.HasPrefix(symbol, "@") {
		sc, err := r.SpotContext(ctx, symbol)
		if err != nil {
			return "", err
		}
		return sc.MidKey, nil
	}
	meta, err := r.PerpMeta(ctx, symbol)
	if err != nil {
		return "", err
	}
	return meta.Name, nil
}

// SpotBalance returns 0 when the coin is absent from the account.
func (r *Reader) SpotBalance(ctx context.Context, address, coin string) (float64, error) {
	balances, err := r.spotBalances(ctx, address)
	if err != nil {
		return 0, err
	}
	return balances[strings.TrimSpace(coin)], nil
}

func (r *Reader) PerpWithdrawable(ctx context.Context, address string) (float64, error) {
	state, err := r.clearinghouse(ctx, address)
	if err != nil {
		return 0, err
	}
	return parseWithdrawable(state)
}

func (r *Reader) Positions(ctx context.Context, address string) ([]map[string]any, error) {
	state, err := r.clearinghouse(ctx, address)
	if err != nil {
		return nil, err
	}
	return parsePositions(state), nil
}

// AccountState reads spot and perp state with one request each.
func (r *Reader) AccountState(ctx context.Context, address, spotCoin, quoteCoin string) (AccountState, error) {
	balances, err := r.spotBalances(ctx, address)
	if err != nil {
		return AccountState{}, err
	}
	perp, err := r.clearinghouse(ctx, address)
	if err != nil {
		return AccountState{}, err
	}
	withdrawable, err := parseWithdrawable(perp)
	if err != nil {
		return AccountState{}, err
	}
	state := AccountState{
		SpotToken:        balances[strings.TrimSpace(spotCoin)],
		SpotUSDC:         balances[strings.TrimSpace(quoteCoin)],
		PerpWithdrawable: withdrawable,
		Positions:        parsePositions(perp),
	}
	r.log.Debug("account state read",
		zap.String("address", address),
		zap.Float64("spot_token", state.SpotToken),
		zap.Float64("spot_usdc", state.SpotUSDC),
		zap.Float64("perp_withdrawable", state.PerpWithdrawable),
		zap.Int("positions", len(state.Positions)),
	)
	return state, nil
}

func (r *Reader) spotBalances(ctx context.Context, address string) (map[string]float64, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: address is required", errdefs.ErrInvalidParameter)
	}
	resp, err := r.info.Info(ctx, rest.InfoRequest{Type: "spotClearinghouseState", User: address})
	if err != nil {
		return nil, fmt.Errorf("spotClearinghouseState: %w", err)
	}
	return parseBalances(resp), nil
}

func (r *Reader) clearinghouse(ctx context.Context, address string) (map[string]any, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: address is required", errdefs.ErrInvalidParameter)
	}
	resp, err := r.info.Info(ctx, rest.InfoRequest{Type: "clearinghouseState", User: address})
	if err != nil {
		return nil, fmt.Errorf("clearinghouseState: %w", err)
	}
	return resp, nil
}

func (r *Reader) loadPerp(ctx context.Context) (map[string]PerpMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.perp != nil {
		return r.perp, nil
	}
	resp, err := r.info.InfoAny(ctx, rest.InfoRequest{Type: "meta"})
	if err != nil {
		return nil, fmt.Errorf("meta: %w", err)
	}
	perp, err := parsePerpMeta(resp)
	if err != nil {
		return nil, err
	}
	r.perp = perp
	return perp, nil
}

func (r *Reader) loadSpot(ctx context.Context) (map[string]SpotContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spot != nil {
		return r.spot, nil
	}
	resp, err := r.info.InfoAny(ctx, rest.InfoRequest{Type: "spotMeta"})
	if err != nil {
		return nil, fmt.Errorf("spotMeta: %w", err)
	}
	spot, err := parseSpotContexts(resp)
	if err != nil {
		return nil, err
	}
	r.spot = spot
	return spot, nil
}
