package strategy

import (
	"fmt"
	"math"

	"hl-basis-rebalancer/internal/errdefs"

	"github.com/shopspring/decimal"
)

// DefaultEpsilon is the magnitude below which a delta counts as zero.
const DefaultEpsilon = 1e-9

// Plan is the rebalance for one run. DeltaUSDC == -DeltaToken*Price.
type Plan struct {
	DeltaUSDC  float64
	DeltaToken float64
	Price      float64
}

// PositionBalance computes the swap that leaves spot holdings y and USDC x
// with x*L/p == M*y once x is posted as perp margin.
//
//	dy = L*x0/(p*(M+L)) - M*y0/(M+L)
//	dx = -dy*p
func PositionBalance(x0, y0, p, m float64, l int) (Plan, error) {
	if !(p > 0) || math.IsInf(p, 0) {
		return Plan{}, fmt.Errorf("%w: price must be > 0, got %v", errdefs.ErrInvalidParameter, p)
	}
	if l <= 0 {
		return Plan{}, fmt.Errorf("%w: max leverage must be > 0, got %d", errdefs.ErrInvalidParameter, l)
	}
	if !(m > 0) || math.IsInf(m, 0) {
		return Plan{}, fmt.Errorf("%w: buffer multiplier must be > 0, got %v", errdefs.ErrInvalidParameter, m)
	}
	if !validBalance(x0) {
		return Plan{}, fmt.Errorf("%w: usdc balance must be >= 0, got %v", errdefs.ErrInvalidParameter, x0)
	}
	if !validBalance(y0) {
		return Plan{}, fmt.Errorf("%w: token balance must be >= 0, got %v", errdefs.ErrInvalidParameter, y0)
	}
	lf := float64(l)
	dy := lf*x0/(p*(m+lf)) - m*y0/(m+lf)
	dx := -dy * p
	return Plan{DeltaUSDC: dx, DeltaToken: dy, Price: p}, nil
}

func validBalance(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

type ConsistencyError struct {
	Plan    Plan
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("inconsistent plan (delta_usdc=%v delta_token=%v price=%v): %s",
		e.Plan.DeltaUSDC, e.Plan.DeltaToken, e.Plan.Price, e.Message)
}

func (e *ConsistencyError) Unwrap() error {
	return errdefs.ErrConsistency
}

// Branch selects the swap direction. A positive delta on one side must be
// paid for by a negative delta on the other.
func (p Plan) Branch(eps float64) (SwapBranch, error) {
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	if math.Abs(p.DeltaUSDC) <= eps && math.Abs(p.DeltaToken) <= eps {
		return BranchNoSwap, nil
	}
	switch {
	case p.DeltaUSDC > 0:
		if !(p.DeltaToken < 0) {
			return "", &ConsistencyError{Plan: p, Message: "usdc increase requires a token decrease"}
		}
		return BranchSwapToUSDC, nil
	case p.DeltaToken > 0:
		if !(p.DeltaUSDC < 0) {
			return "", &ConsistencyError{Plan: p, Message: "token increase requires a usdc decrease"}
		}
		return BranchSwapToToken, nil
	default:
		return "", &ConsistencyError{Plan: p, Message: "deltas do not offset"}
	}
}

// SellSize is the token amount that converts to DeltaUSDC at the plan price.
func (p Plan) SellSize() float64 {
	if p.Price <= 0 {
		return 0
	}
	return p.DeltaUSDC / p.Price
}

// TargetUSDC is the planned spot USDC after the swap.
func (p Plan) TargetUSDC(x0 float64) float64 {
	return x0 + p.DeltaUSDC
}

// TargetToken is the planned spot token holding after the swap.
func (p Plan) TargetToken(y0 float64) float64 {
	return y0 + p.DeltaToken
}

// TruncateSize rounds v toward zero at k decimals: 2.999@2 is 2.99.
func TruncateSize(v float64, k int) float64 {
	if k < 0 {
		k = 0
	}
	out, _ := decimal.NewFromFloat(v).Truncate(int32(k)).Float64()
	return out
}
