package exchange

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	perpPriceDecimals = 6
	spotPriceDecimals = 8
)

func LimitOrderWire(asset int, isBuy bool, size, limit float64, reduceOnly bool, tif Tif, cloid string) (OrderWire, error) {
	if tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	price, err := floatToWire(limit)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	sizeWire, err := floatToWire(size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      asset,
		IsBuy:      isBuy,
		Price:      price,
		Size:       sizeWire,
		ReduceOnly: reduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: tif}},
		Cloid:      cloid,
	}, nil
}

// MarketOrderWire builds the aggressive IOC limit order the venue treats as a
// market order: the limit sits slippage away from mid on the taker side.
func MarketOrderWire(asset int, isBuy bool, size, mid, slippage float64, isSpot bool, szDecimals int, reduceOnly bool, cloid string) (OrderWire, error) {
	if size <= 0 {
		return OrderWire{}, errors.New("size must be > 0")
	}
	limit := SlippagePrice(mid, isBuy, slippage, isSpot, szDecimals)
	if limit <= 0 {
		return OrderWire{}, fmt.Errorf("slippage price %v is invalid", limit)
	}
	return LimitOrderWire(asset, isBuy, size, limit, reduceOnly, TifIoc, cloid)
}

// SlippagePrice applies slippage to mid and rounds to the venue tick: five
// significant figures and at most (6 perp / 8 spot) - szDecimals decimals.
func SlippagePrice(mid float64, isBuy bool, slippage float64, isSpot bool, szDecimals int) float64 {
	if mid <= 0 {
		return 0
	}
	price := mid * (1 - slippage)
	if isBuy {
		price = mid * (1 + slippage)
	}
	if sig, err := strconv.ParseFloat(strconv.FormatFloat(price, 'g', 5, 64), 64); err == nil {
		price = sig
	}
	decimals := perpPriceDecimals
	if isSpot {
		decimals = spotPriceDecimals
	}
	if szDecimals >= 0 {
		decimals -= szDecimals
		if decimals < 0 {
			decimals = 0
		}
	}
	factor := math.Pow10(decimals)
	return math.Round(price*factor) / factor
}

func floatToWire(x float64) (string, error) {
	rounded := fmt.Sprintf("%.8f", x)
	parsed, err := strconv.ParseFloat(rounded, 64)
	if err != nil {
		return "", err
	}
	if math.Abs(parsed-x) >= 1e-12 {
		return "", fmt.Errorf("float_to_wire causes rounding: %f", x)
	}
	trimmed := strings.TrimRight(rounded, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	if trimmed == "" || trimmed == "-0" {
		trimmed = "0"
	}
	return trimmed, nil
}
