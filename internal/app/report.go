package app

import (
	"time"

	"hl-basis-rebalancer/internal/config"
	"hl-basis-rebalancer/internal/hl/exchange"
	"hl-basis-rebalancer/internal/market"
	"hl-basis-rebalancer/internal/strategy"
)

// Proposal is what the confirmer is asked to accept. Nothing has been sent
// to the venue when it is shown.
type Proposal struct {
	RunID       string
	SpotSymbol  string
	PerpSymbol  string
	Initial     market.AccountState
	Price       float64
	MaxLeverage int
	Buffer      float64
	Plan        strategy.Plan
	Branch      strategy.SwapBranch
	SwapSize    float64
	TargetToken float64
	TargetUSDC  float64
	ShortSize   float64
	Transfer    config.TransferBasis
	Notices     []string
}

// StepResult is one attempted exchange action. Response is nil when the
// call failed before any venue reply.
type StepResult struct {
	State       strategy.State
	Response    map[string]any
	Result      exchange.OrderResult
	Err         error
	Unconfirmed bool
}

// Changed reports whether the venue acknowledged an effect of this step:
// an accepted action, or a rejected order that still filled in part.
func (s StepResult) Changed() bool {
	if s.Response == nil {
		return false
	}
	return s.Err == nil || s.Result.FilledSize() > 0
}

// Report describes a run as far as it got. Side effects of a failed run
// stay listed in Steps.
type Report struct {
	RunID       string
	State       strategy.State
	States      []strategy.State
	SpotSymbol  string
	PerpSymbol  string
	Initial     market.AccountState
	PostSwap    *market.AccountState
	Price       float64
	MaxLeverage int
	Plan        strategy.Plan
	Branch      strategy.SwapBranch
	SwapSize    float64

	TransferBasis    config.TransferBasis
	PlannedTransfer  float64
	ObservedTransfer float64
	TransferAmount   float64

	ShortSize float64
	Steps     []StepResult
	Notices   []string
	Err       error

	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Report) Succeeded() bool {
	return r.State == strategy.StateDone
}

func (r *Report) Aborted() bool {
	return r.State == strategy.StateAborted
}

// Changed reports whether the venue confirmed any effect of this run.
func (r *Report) Changed() bool {
	for _, step := range r.Steps {
		if step.Changed() {
			return true
		}
	}
	return false
}

// Unconfirmed lists the states whose action may have reached the venue
// without a reply.
func (r *Report) Unconfirmed() []string {
	var out []string
	for _, step := range r.Steps {
		if step.Unconfirmed {
			out = append(out, string(step.State))
		}
	}
	return out
}

// NeedsReconcile is true when the account may differ from what a clean
// failure would leave behind.
func (r *Report) NeedsReconcile() bool {
	return r.Err != nil && (r.Changed() || len(r.Unconfirmed()) > 0)
}

func (r *Report) orderIDs() []string {
	var ids []string
	for _, step := range r.Steps {
		if id := exchange.OrderIDFromResponse(step.Response); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Report) stateNames() []string {
	names := make([]string, len(r.States))
	for i, s := range r.States {
		names[i] = string(s)
	}
	return names
}
