package exec

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"hl-basis-rebalancer/internal/errdefs"
	"hl-basis-rebalancer/internal/hl/exchange"
	"hl-basis-rebalancer/internal/market"
	"hl-basis-rebalancer/internal/state"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Exchange interface {
	PlaceOrder(ctx context.Context, order exchange.OrderWire) (map[string]any, error)
	USDClassTransfer(ctx context.Context, amount float64, toPerp bool) (map[string]any, error)
}

type MarketReader interface {
	PerpMeta(ctx context.Context, symbol string) (market.PerpMeta, error)
	SpotContext(ctx context.Context, symbol string) (market.SpotContext, error)
	Price(ctx context.Context, symbol string) (float64, error)
	Positions(ctx context.Context, address string) ([]map[string]any, error)
}

// Gateway turns symbol-level intents into signed venue actions. It submits
// each action exactly once and returns the raw response for validation.
type Gateway struct {
	ex      Exchange
	reader  MarketReader
	store   state.Store
	address string
	log     *zap.Logger

	newCloid func() string
}

func New(ex Exchange, reader MarketReader, store state.Store, address string, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		ex:       ex,
		reader:   reader,
		store:    store,
		address:  strings.TrimSpace(address),
		log:      log,
		newCloid: NewCloid,
	}
}

// NewCloid returns a random 128-bit client order id in the venue's hex form.
func NewCloid() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

// MarketSwap converts between a spot token and its quote. Size is in base
// token units.
func (g *Gateway) MarketSwap(ctx context.Context, symbol string, isBuy bool, size, slippage float64) (map[string]any, error) {
	if err := checkSize(size, slippage); err != nil {
		return nil, err
	}
	sc, err := g.reader.SpotContext(ctx, symbol)
	if err != nil {
		return nil, err
	}
	mid, err := g.reader.Price(ctx, sc.Symbol)
	if err != nil {
		return nil, err
	}
	order, err := exchange.MarketOrderWire(sc.AssetID(), isBuy, size, mid, slippage, true, sc.BaseSzDecimals, false, g.newCloid())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidParameter, err)
	}
	return g.submit(ctx, "swap", sc.Symbol, order)
}

func (g *Gateway) MarketOpen(ctx context.Context, symbol string, isBuy bool, size, slippage float64) (map[string]any, error) {
	if err := checkSize(size, slippage); err != nil {
		return nil, err
	}
	meta, err := g.reader.PerpMeta(ctx, symbol)
	if err != nil {
		return nil, err
	}
	mid, err := g.reader.Price(ctx, meta.Name)
	if err != nil {
		return nil, err
	}
	order, err := exchange.MarketOrderWire(meta.Index, isBuy, size, mid, slippage, false, meta.SzDecimals, false, g.newCloid())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidParameter, err)
	}
	return g.submit(ctx, "open", meta.Name, order)
}

// MarketClose flattens the account's position on symbol with a reduce-only
// order on the opposite side.
func (g *Gateway) MarketClose(ctx context.Context, symbol string, slippage float64) (map[string]any, error) {
	if g.address == "" {
		return nil, fmt.Errorf("%w: account address is required to close", errdefs.ErrInvalidParameter)
	}
	meta, err := g.reader.PerpMeta(ctx, symbol)
	if err != nil {
		return nil, err
	}
	positions, err := g.reader.Positions(ctx, g.address)
	if err != nil {
		return nil, err
	}
	szi, ok := market.PositionSize(positions, meta.Name)
	if !ok || szi == 0 {
		return nil, fmt.Errorf("%w: no open %s position", errdefs.ErrLookup, meta.Name)
	}
	mid, err := g.reader.Price(ctx, meta.Name)
	if err != nil {
		return nil, err
	}
	order, err := exchange.MarketOrderWire(meta.Index, szi < 0, math.Abs(szi), mid, slippage, false, meta.SzDecimals, true, g.newCloid())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidParameter, err)
	}
	return g.submit(ctx, "close", meta.Name, order)
}

// TransferToMargin moves quote between the spot and perp wallets.
func (g *Gateway) TransferToMargin(ctx context.Context, amount float64, toPerp bool) (map[string]any, error) {
	if !(amount > 0) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("%w: transfer amount must be > 0, got %v", errdefs.ErrInvalidParameter, amount)
	}
	resp, err := g.ex.USDClassTransfer(ctx, amount, toPerp)
	if err != nil {
		return nil, sendError(fmt.Sprintf("usd class transfer %v", amount), err)
	}
	g.journal(ctx, "transfer:"+uuid.NewString(), resp)
	g.log.Info("transfer submitted", zap.Float64("amount", amount), zap.Bool("to_perp", toPerp), zap.Any("response", resp))
	return resp, nil
}

func (g *Gateway) submit(ctx context.Context, kind, symbol string, order exchange.OrderWire) (map[string]any, error) {
	resp, err := g.ex.PlaceOrder(ctx, order)
	if err != nil {
		return nil, sendError(fmt.Sprintf("%s %s cloid %s", kind, symbol, order.Cloid), err)
	}
	g.journal(ctx, order.Cloid, resp)
	g.log.Info("order submitted",
		zap.String("kind", kind),
		zap.String("symbol", symbol),
		zap.Bool("is_buy", order.IsBuy),
		zap.String("size", order.Size),
		zap.String("limit_px", order.Price),
		zap.String("cloid", order.Cloid),
		zap.Any("response", resp),
	)
	return resp, nil
}

func (g *Gateway) journal(ctx context.Context, key string, resp map[string]any) {
	if g.store == nil {
		return
	}
	if err := state.SaveOrderResponse(ctx, g.store, key, resp); err != nil {
		g.log.Warn("failed to journal exchange response", zap.String("key", key), zap.Error(err))
	}
}

// sendError marks transport failures on a mutating call as unconfirmed: the
// request may have been applied even though no response arrived.
func sendError(what string, err error) error {
	if errdefs.IsRequestFailed(err) {
		return fmt.Errorf("%w: %s: %w", errdefs.ErrUnconfirmed, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func checkSize(size, slippage float64) error {
	if !(size > 0) || math.IsInf(size, 0) {
		return fmt.Errorf("%w: size must be > 0, got %v", errdefs.ErrInvalidParameter, size)
	}
	if !(slippage >= 0 && slippage < 1) {
		return fmt.Errorf("%w: slippage must be in [0, 1), got %v", errdefs.ErrInvalidParameter, slippage)
	}
	return nil
}
