package market

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"hl-basis-rebalancer/internal/errdefs"
)

func parsePerpMeta(payload any) (map[string]PerpMeta, error) {
	universe := extractUniverse(payload)
	if len(universe) == 0 {
		return nil, fmt.Errorf("%w: meta missing universe", errdefs.ErrLookup)
	}
	result := make(map[string]PerpMeta, len(universe))
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name", "coin", "symbol")
		if name == "" {
			continue
		}
		result[name] = PerpMeta{
			Name:        name,
			Index:       intFromAny(meta["index"], i),
			SzDecimals:  intFromAny(meta["szDecimals"], -1),
			MaxLeverage: intFromAny(meta["maxLeverage"], 0),
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no perp metadata parsed", errdefs.ErrLookup)
	}
	return result, nil
}

func parseSpotContexts(payload any) (map[string]SpotContext, error) {
	universe, tokens := extractSpotUniverseAndTokens(payload)
	if len(universe) == 0 {
		return nil, fmt.Errorf("%w: spot meta missing universe", errdefs.ErrLookup)
	}
	tokenMeta := tokenMetaByIndex(tokens)
	result := make(map[string]SpotContext)
	for i, entry := range universe {
		meta, ok := toMap(entry)
		if !ok {
			continue
		}
		rawName := stringFromMap(meta, "name", "symbol", "coin")
		base, quote, baseDecimals, quoteDecimals := baseQuoteFromTokens(meta, tokenMeta)
		name := spotSymbol(meta, base, quote)
		if name == "" {
			continue
		}
		midKey := rawName
		if midKey == "" {
			midKey = name
		}
		ctx := SpotContext{
			Symbol:          name,
			Base:            base,
			Quote:           quote,
			Index:           intFromAny(meta["index"], i),
			BaseSzDecimals:  baseDecimals,
			QuoteSzDecimals: quoteDecimals,
			RawName:         rawName,
			MidKey:          midKey,
		}
		result[name] = ctx
		if rawName != "" && rawName != name {
			result[rawName] = ctx
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: no spot contexts parsed", errdefs.ErrLookup)
	}
	return result, nil
}

// extractUniverse accepts both the meta object and the metaAndAssetCtxs pair.
func extractUniverse(payload any) []any {
	if arr, ok := toSlice(payload); ok && len(arr) >= 1 {
		if metaMap, ok := toMap(arr[0]); ok {
			universe, _ := toSlice(metaMap["universe"])
			return universe
		}
		universe, _ := toSlice(arr[0])
		return universe
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		return universe
	}
	return nil
}

// parseBookTop returns the best bid and ask of an l2Book snapshot, whose
// levels are [bids, asks] with the best level first.
func parseBookTop(payload any) (float64, float64, error) {
	book, ok := toMap(payload)
	if !ok {
		return 0, 0, fmt.Errorf("%w: unexpected l2Book payload %T", errdefs.ErrLookup, payload)
	}
	levels, ok := toSlice(book["levels"])
	if !ok || len(levels) < 2 {
		return 0, 0, fmt.Errorf("%w: l2Book missing levels", errdefs.ErrInvalidParameter)
	}
	bid, ok := topPrice(levels[0])
	if !ok {
		return 0, 0, fmt.Errorf("%w: l2Book has no bid level", errdefs.ErrInvalidParameter)
	}
	ask, ok := topPrice(levels[1])
	if !ok {
		return 0, 0, fmt.Errorf("%w: l2Book has no ask level", errdefs.ErrInvalidParameter)
	}
	return bid, ask, nil
}

func topPrice(side any) (float64, bool) {
	entries, ok := toSlice(side)
	if !ok || len(entries) == 0 {
		return 0, false
	}
	level, ok := toMap(entries[0])
	if !ok {
		return 0, false
	}
	px, ok := floatFromAny(level["px"])
	if !ok || px <= 0 {
		return 0, false
	}
	return px, true
}

func parseBalances(payload map[string]any) map[string]float64 {
	balances := make(map[string]float64)
	if payload == nil {
		return balances
	}
	raw, ok := toSlice(payload["balances"])
	if !ok {
		return balances
	}
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		coin := stringFromMap(entry, "coin", "symbol")
		if coin == "" {
			continue
		}
		if val, ok := floatFromAny(entry["total"]); ok {
			balances[coin] = val
			continue
		}
		if val, ok := floatFromAny(entry["balance"]); ok {
			balances[coin] = val
		}
	}
	return balances
}

func parseWithdrawable(payload map[string]any) (float64, error) {
	if payload == nil {
		return 0, fmt.Errorf("%w: empty clearinghouse state", errdefs.ErrLookup)
	}
	val, ok := floatFromAny(payload["withdrawable"])
	if !ok {
		return 0, fmt.Errorf("%w: clearinghouse state missing withdrawable", errdefs.ErrLookup)
	}
	return val, nil
}

// parsePositions passes assetPositions[].position through untouched.
func parsePositions(payload map[string]any) []map[string]any {
	positions := []map[string]any{}
	if payload == nil {
		return positions
	}
	raw, ok := toSlice(payload["assetPositions"])
	if !ok {
		return positions
	}
	for _, item := range raw {
		entry, ok := toMap(item)
		if !ok {
			continue
		}
		if pos, ok := toMap(entry["position"]); ok {
			positions = append(positions, pos)
		}
	}
	return positions
}

// PositionSize returns the signed size (szi) of coin among positions.
func PositionSize(positions []map[string]any, coin string) (float64, bool) {
	for _, pos := range positions {
		if stringFromMap(pos, "coin") != coin {
			continue
		}
		size, ok := floatFromAny(pos["szi"])
		return size, ok
	}
	return 0, false
}

func extractSpotUniverseAndTokens(payload any) ([]any, []any) {
	if arr, ok := toSlice(payload); ok && len(arr) >= 1 {
		metaMap, _ := toMap(arr[0])
		if metaMap != nil {
			universe, _ := toSlice(metaMap["universe"])
			tokens, _ := toSlice(metaMap["tokens"])
			return universe, tokens
		}
		if universe, ok := toSlice(arr[0]); ok {
			return universe, nil
		}
	}
	if metaMap, ok := toMap(payload); ok {
		universe, _ := toSlice(metaMap["universe"])
		tokens, _ := toSlice(metaMap["tokens"])
		return universe, tokens
	}
	return nil, nil
}

type tokenMeta struct {
	name       string
	szDecimals int
}

func tokenMetaByIndex(tokens []any) map[int]tokenMeta {
	if len(tokens) == 0 {
		return nil
	}
	names := make(map[int]tokenMeta, len(tokens))
	for i, item := range tokens {
		meta, ok := toMap(item)
		if !ok {
			continue
		}
		name := stringFromMap(meta, "name")
		if name == "" {
			continue
		}
		index := intFromAny(meta["index"], i)
		names[index] = tokenMeta{
			name:       name,
			szDecimals: intFromAny(meta["szDecimals"], -1),
		}
	}
	return names
}

func baseQuoteFromTokens(meta map[string]any, tokenNames map[int]tokenMeta) (string, string, int, int) {
	tokens, ok := toSlice(meta["tokens"])
	if !ok || len(tokens) < 2 || tokenNames == nil {
		return stringFromMap(meta, "base", "baseCoin"), stringFromMap(meta, "quote", "quoteCoin"), -1, -1
	}
	baseIdx := intFromAny(tokens[0], -1)
	quoteIdx := intFromAny(tokens[1], -1)
	base := tokenNames[baseIdx]
	quote := tokenNames[quoteIdx]
	return base.name, quote.name, base.szDecimals, quote.szDecimals
}

func spotSymbol(meta map[string]any, base, quote string) string {
	name := stringFromMap(meta, "name", "symbol", "coin")
	if name != "" && !strings.HasPrefix(name, "@") {
		return name
	}
	if base != "" && quote != "" {
		return base + "/" + quote
	}
	return strings.TrimSpace(name)
}

func toMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func toSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func stringFromMap(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			if s := stringFromAny(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func floatFromAny(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func intFromAny(v any, fallback int) int {
	if f, ok := floatFromAny(v); ok {
		return int(f)
	}
	return fallback
}
