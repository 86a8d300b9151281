package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"hl-basis-rebalancer/internal/alerts"
	"hl-basis-rebalancer/internal/config"
	"hl-basis-rebalancer/internal/errdefs"
	"hl-basis-rebalancer/internal/hl/exchange"
	"hl-basis-rebalancer/internal/journal"
	"hl-basis-rebalancer/internal/market"
	"hl-basis-rebalancer/internal/metrics"
	"hl-basis-rebalancer/internal/state"
	"hl-basis-rebalancer/internal/strategy"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// perp margin is accounted in micro-USDC
const maxTransferDecimals = 6

type Reader interface {
	Decimals(ctx context.Context, symbol string) (int, error)
	MaxLeverage(ctx context.Context, symbol string) (int, error)
	SpotContext(ctx context.Context, symbol string) (market.SpotContext, error)
	Price(ctx context.Context, symbol string) (float64, error)
	AccountState(ctx context.Context, address, spotCoin, quoteCoin string) (market.AccountState, error)
}

type Gateway interface {
	MarketSwap(ctx context.Context, symbol string, isBuy bool, size, slippage float64) (map[string]any, error)
	MarketOpen(ctx context.Context, symbol string, isBuy bool, size, slippage float64) (map[string]any, error)
	TransferToMargin(ctx context.Context, amount float64, toPerp bool) (map[string]any, error)
}

type Journal interface {
	RecordStep(ctx context.Context, step journal.Step)
	RecordRun(ctx context.Context, run journal.Run)
}

// Confirmer accepts or declines a proposal. It is the only point at which a
// run can stop without touching the venue.
type Confirmer func(ctx context.Context, p Proposal) (bool, error)

// Sinks receive run outcomes. All are optional.
type Sinks struct {
	Store    state.Store
	Journal  Journal
	Metrics  *metrics.Metrics
	Notifier alerts.Notifier
}

type Rebalancer struct {
	cfg     config.StrategyConfig
	address string
	reader  Reader
	gateway Gateway
	sinks   Sinks
	log     *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewRebalancer(cfg config.StrategyConfig, address string, reader Reader, gateway Gateway, sinks Sinks, log *zap.Logger) (*Rebalancer, error) {
	if reader == nil || gateway == nil {
		return nil, errors.New("reader and gateway are required")
	}
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: account address is required", errdefs.ErrInvalidParameter)
	}
	if cfg.TransferBasis != config.TransferPlanned && cfg.TransferBasis != config.TransferObserved {
		return nil, fmt.Errorf("%w: transfer basis %q must be planned or observed", errdefs.ErrInvalidParameter, cfg.TransferBasis)
	}
	if log == nil {
		log = zap.NewNop()
	}
	if sinks.Metrics == nil {
		sinks.Metrics = metrics.NewNoop()
	}
	if sinks.Notifier == nil {
		sinks.Notifier = alerts.Noop{}
	}
	return &Rebalancer{
		cfg:     cfg,
		address: strings.TrimSpace(address),
		reader:  reader,
		gateway: gateway,
		sinks:   sinks,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

// Run executes one rebalance. The returned report is never nil; err is
// non-nil exactly when the run ends FAILED.
func (r *Rebalancer) Run(ctx context.Context, confirm Confirmer) (*Report, error) {
	report := &Report{
		RunID:         r.newID(),
		SpotSymbol:    r.cfg.SpotSymbol,
		PerpSymbol:    r.cfg.PerpSymbol,
		TransferBasis: r.cfg.TransferBasis,
		StartedAt:     r.now(),
	}
	run := &runner{
		r:      r,
		sm:     strategy.NewStateMachine(),
		report: report,
		log:    r.log.With(zap.String("run_id", report.RunID)),
	}
	r.sinks.Metrics.RunsStarted.Inc()

	err := run.execute(ctx, confirm)
	if err != nil {
		run.sm.Fail()
		run.report.Err = err
		run.log.Error("rebalance failed",
			zap.String("error_kind", errdefs.Kind(err)),
			zap.Bool("venue_changed", run.report.Changed()),
			zap.Strings("unconfirmed", run.report.Unconfirmed()),
			zap.Error(err),
		)
	}
	// outcome sinks must survive an interrupt that arrived mid run
	run.finish(context.WithoutCancel(ctx))
	return run.report, err
}

type runner struct {
	r      *Rebalancer
	sm     *strategy.StateMachine
	report *Report
	log    *zap.Logger

	spot         market.SpotContext
	perpDecimals int
}

func (u *runner) execute(ctx context.Context, confirm Confirmer) error {
	if confirm == nil {
		return errors.New("confirmer is required")
	}
	if err := u.readState(ctx); err != nil {
		return err
	}
	proposal, err := u.computePlan(ctx)
	if err != nil {
		return err
	}
	if err := u.advance(ctx, strategy.StateConfirm, ""); err != nil {
		return err
	}
	ok, err := confirm(ctx, proposal)
	if err != nil {
		return fmt.Errorf("confirmation: %w", err)
	}
	if !ok {
		u.log.Info("rebalance declined at confirmation")
		return u.advance(ctx, strategy.StateAborted, "declined")
	}

	// Past confirmation there is no cancellation: a half-sent sequence is
	// worse than a finished one.
	mctx := context.WithoutCancel(ctx)
	if err := u.swap(mctx); err != nil {
		return err
	}
	if err := u.transfer(mctx); err != nil {
		return err
	}
	if err := u.openShort(mctx); err != nil {
		return err
	}
	return u.advance(mctx, strategy.StateDone, "")
}

func (u *runner) readState(ctx context.Context) error {
	cfg := u.r.cfg
	if err := u.advance(ctx, strategy.StateReadState, ""); err != nil {
		return err
	}
	spot, err := u.r.reader.SpotContext(ctx, cfg.SpotSymbol)
	if err != nil {
		return fmt.Errorf("spot context: %w", err)
	}
	if spot.BaseSzDecimals < 0 {
		return fmt.Errorf("%w: spot %s has no size decimals", errdefs.ErrLookup, spot.Symbol)
	}
	u.spot = spot
	u.perpDecimals, err = u.r.reader.Decimals(ctx, cfg.PerpSymbol)
	if err != nil {
		return fmt.Errorf("perp decimals: %w", err)
	}
	u.report.MaxLeverage, err = u.r.reader.MaxLeverage(ctx, cfg.PerpSymbol)
	if err != nil {
		return fmt.Errorf("max leverage: %w", err)
	}
	u.report.Price, err = u.r.reader.Price(ctx, cfg.SpotSymbol)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	u.report.Initial, err = u.r.reader.AccountState(ctx, u.r.address, spot.Base, cfg.QuoteSymbol)
	if err != nil {
		return fmt.Errorf("account state: %w", err)
	}
	if u.report.Initial.SpotUSDC < cfg.LowUSDCNotice {
		u.notice(fmt.Sprintf("only %.6g %s in the spot account; USDC must sit in spot to be split between the swap and perp margin",
			u.report.Initial.SpotUSDC, cfg.QuoteSymbol))
	}
	u.log.Info("starting account state",
		zap.Float64("spot_token", u.report.Initial.SpotToken),
		zap.Float64("spot_usdc", u.report.Initial.SpotUSDC),
		zap.Float64("perp_withdrawable", u.report.Initial.PerpWithdrawable),
		zap.Float64("price", u.report.Price),
		zap.Int("max_leverage", u.report.MaxLeverage),
	)
	return nil
}

func (u *runner) computePlan(ctx context.Context) (Proposal, error) {
	cfg := u.r.cfg
	rep := u.report
	if err := u.advance(ctx, strategy.StateComputePlan, ""); err != nil {
		return Proposal{}, err
	}
	plan, err := strategy.PositionBalance(rep.Initial.SpotUSDC, rep.Initial.SpotToken, rep.Price, cfg.BufferMultiplier, rep.MaxLeverage)
	if err != nil {
		return Proposal{}, err
	}
	rep.Plan = plan
	branch, err := plan.Branch(strategy.DefaultEpsilon)
	if err != nil {
		return Proposal{}, err
	}
	switch branch {
	case strategy.BranchSwapToUSDC:
		rep.SwapSize = strategy.TruncateSize(plan.SellSize(), u.spot.BaseSzDecimals)
	case strategy.BranchSwapToToken:
		rep.SwapSize = strategy.TruncateSize(plan.DeltaToken, u.spot.BaseSzDecimals)
	}
	if branch != strategy.BranchNoSwap && rep.SwapSize <= 0 {
		u.notice(fmt.Sprintf("%s swap rounds to zero at %d decimals; skipping swap", branch, u.spot.BaseSzDecimals))
		branch = strategy.BranchNoSwap
	}
	rep.Branch = branch
	rep.PlannedTransfer = plan.TargetUSDC(rep.Initial.SpotUSDC)
	rep.ShortSize = strategy.TruncateSize(plan.TargetToken(rep.Initial.SpotToken), u.perpDecimals)
	u.log.Info("rebalance plan",
		zap.Float64("delta_usdc", plan.DeltaUSDC),
		zap.Float64("delta_token", plan.DeltaToken),
		zap.String("branch", string(branch)),
		zap.Float64("swap_size", rep.SwapSize),
		zap.Float64("short_size", rep.ShortSize),
	)
	return Proposal{
		RunID:       rep.RunID,
		SpotSymbol:  cfg.SpotSymbol,
		PerpSymbol:  cfg.PerpSymbol,
		Initial:     rep.Initial,
		Price:       rep.Price,
		MaxLeverage: rep.MaxLeverage,
		Buffer:      cfg.BufferMultiplier,
		Plan:        plan,
		Branch:      branch,
		SwapSize:    rep.SwapSize,
		TargetToken: plan.TargetToken(rep.Initial.SpotToken),
		TargetUSDC:  rep.PlannedTransfer,
		ShortSize:   rep.ShortSize,
		Transfer:    cfg.TransferBasis,
		Notices:     append([]string(nil), rep.Notices...),
	}, nil
}

func (u *runner) swap(ctx context.Context) error {
	rep := u.report
	if err := u.advance(ctx, rep.Branch.State(), ""); err != nil {
		return err
	}
	switch rep.Branch {
	case strategy.BranchSwapToUSDC:
		return u.submit(ctx, rep.Branch.State(), func() (map[string]any, error) {
			return u.r.gateway.MarketSwap(ctx, u.r.cfg.SpotSymbol, false, rep.SwapSize, u.r.cfg.SwapSlippage)
		})
	case strategy.BranchSwapToToken:
		return u.submit(ctx, rep.Branch.State(), func() (map[string]any, error) {
			return u.r.gateway.MarketSwap(ctx, u.r.cfg.SpotSymbol, true, rep.SwapSize, u.r.cfg.SwapSlippage)
		})
	default:
		u.log.Info("no change in position")
		return nil
	}
}

func (u *runner) transfer(ctx context.Context) error {
	cfg := u.r.cfg
	rep := u.report
	if err := u.advance(ctx, strategy.StateTransferMargin, ""); err != nil {
		return err
	}
	post, err := u.r.reader.AccountState(ctx, u.r.address, u.spot.Base, cfg.QuoteSymbol)
	if err != nil {
		return fmt.Errorf("post-swap account state: %w", err)
	}
	rep.PostSwap = &post
	rep.ObservedTransfer = post.SpotUSDC
	amount := rep.PlannedTransfer
	if cfg.TransferBasis == config.TransferObserved {
		amount = rep.ObservedTransfer
	}
	rep.TransferAmount = strategy.TruncateSize(amount, u.quoteDecimals())
	u.log.Info("margin transfer",
		zap.String("basis", string(cfg.TransferBasis)),
		zap.Float64("planned", rep.PlannedTransfer),
		zap.Float64("observed", rep.ObservedTransfer),
		zap.Float64("amount", rep.TransferAmount),
		zap.Float64("perp_withdrawable", post.PerpWithdrawable),
	)
	if rep.TransferAmount <= 0 {
		u.notice("nothing to transfer to perp margin")
		return nil
	}
	return u.submit(ctx, strategy.StateTransferMargin, func() (map[string]any, error) {
		return u.r.gateway.TransferToMargin(ctx, rep.TransferAmount, true)
	})
}

func (u *runner) openShort(ctx context.Context) error {
	rep := u.report
	if err := u.advance(ctx, strategy.StateOpenShort, ""); err != nil {
		return err
	}
	if rep.ShortSize <= 0 {
		u.notice(fmt.Sprintf("short size rounds to zero at %d decimals; no perp order placed", u.perpDecimals))
		return nil
	}
	return u.submit(ctx, strategy.StateOpenShort, func() (map[string]any, error) {
		return u.r.gateway.MarketOpen(ctx, u.r.cfg.PerpSymbol, false, rep.ShortSize, u.r.cfg.Slippage)
	})
}

// submit sends one exchange action and validates the response before the
// run may continue.
func (u *runner) submit(ctx context.Context, st strategy.State, send func() (map[string]any, error)) error {
	m := u.r.sinks.Metrics
	resp, err := send()
	if err != nil {
		m.OrdersFailed.Inc()
		unconfirmed := errdefs.IsUnconfirmed(err)
		u.report.Steps = append(u.report.Steps, StepResult{State: st, Err: err, Unconfirmed: unconfirmed})
		if unconfirmed {
			u.log.Error("exchange action outcome unknown", zap.String("state", string(st)), zap.Error(err))
		}
		return fmt.Errorf("%s: %w", st, err)
	}
	result, err := exchange.Validate(resp)
	u.report.Steps = append(u.report.Steps, StepResult{State: st, Response: resp, Result: result, Err: err})
	if err != nil {
		m.OrdersFailed.Inc()
		var orderErr *exchange.OrderError
		if errors.As(err, &orderErr) {
			u.log.Error("order status without fill", zap.String("state", string(st)), zap.Any("entry", orderErr.Entry))
		}
		return fmt.Errorf("%s: %w", st, err)
	}
	m.OrdersPlaced.Inc()
	u.log.Info("exchange action accepted",
		zap.String("state", string(st)),
		zap.Float64("filled_size", result.FilledSize()),
		zap.Any("response", resp),
	)
	u.r.record(ctx, journal.Step{RunID: u.report.RunID, State: string(st), Detail: "accepted"})
	return nil
}

func (u *runner) advance(ctx context.Context, next strategy.State, detail string) error {
	if err := u.sm.Advance(next); err != nil {
		return err
	}
	u.report.State = next
	u.r.record(ctx, journal.Step{RunID: u.report.RunID, State: string(next), Detail: detail})
	return nil
}

func (u *runner) notice(msg string) {
	u.report.Notices = append(u.report.Notices, msg)
	u.log.Warn("notice", zap.String("message", msg))
}

func (u *runner) quoteDecimals() int {
	d := u.spot.QuoteSzDecimals
	if d < 0 || d > maxTransferDecimals {
		return maxTransferDecimals
	}
	return d
}

func (u *runner) finish(ctx context.Context) {
	rep := u.report
	rep.State = u.sm.Current()
	rep.States = u.sm.History()
	rep.FinishedAt = u.r.now()
	m := u.r.sinks.Metrics
	switch rep.State {
	case strategy.StateDone:
		m.RunsSucceeded.Inc()
	case strategy.StateAborted:
		m.RunsAborted.Inc()
	default:
		m.RunsFailed.Inc()
	}

	errText := ""
	if rep.Err != nil {
		errText = rep.Err.Error()
		u.r.record(ctx, journal.Step{RunID: rep.RunID, State: string(rep.State), Error: errText})
	}
	if u.r.sinks.Journal != nil {
		u.r.sinks.Journal.RecordRun(ctx, journal.Run{
			RunID:            rep.RunID,
			StartedAt:        rep.StartedAt,
			FinishedAt:       rep.FinishedAt,
			Status:           string(rep.State),
			SpotSymbol:       rep.SpotSymbol,
			PerpSymbol:       rep.PerpSymbol,
			Price:            rep.Price,
			DeltaUSDC:        rep.Plan.DeltaUSDC,
			DeltaToken:       rep.Plan.DeltaToken,
			TransferBasis:    string(rep.TransferBasis),
			PlannedTransfer:  rep.PlannedTransfer,
			ObservedTransfer: rep.ObservedTransfer,
			TransferAmount:   rep.TransferAmount,
			ShortSize:        rep.ShortSize,
			Error:            errText,
		})
	}
	record := state.RunRecord{
		ID:                      rep.RunID,
		Status:                  string(rep.State),
		Error:                   errText,
		ErrorKind:               errdefs.Kind(rep.Err),
		SpotSymbol:              rep.SpotSymbol,
		PerpSymbol:              rep.PerpSymbol,
		Price:                   rep.Price,
		MaxLeverage:             rep.MaxLeverage,
		BufferMultiplier:        u.r.cfg.BufferMultiplier,
		InitialSpotToken:        rep.Initial.SpotToken,
		InitialSpotUSDC:         rep.Initial.SpotUSDC,
		InitialPerpWithdrawable: rep.Initial.PerpWithdrawable,
		DeltaUSDC:               rep.Plan.DeltaUSDC,
		DeltaToken:              rep.Plan.DeltaToken,
		Branch:                  string(rep.Branch),
		SwapSize:                rep.SwapSize,
		TransferBasis:           string(rep.TransferBasis),
		PlannedTransfer:         rep.PlannedTransfer,
		ObservedTransfer:        rep.ObservedTransfer,
		TransferAmount:          rep.TransferAmount,
		ShortSize:               rep.ShortSize,
		OrderIDs:                rep.orderIDs(),
		VenueChanged:            rep.Changed(),
		UnconfirmedSteps:        rep.Unconfirmed(),
		States:                  rep.stateNames(),
		StartedAtMS:             rep.StartedAt.UnixMilli(),
		FinishedAtMS:            rep.FinishedAt.UnixMilli(),
	}
	if err := state.SaveRunRecord(ctx, u.r.sinks.Store, record); err != nil {
		u.log.Warn("failed to persist run record", zap.Error(err))
	}
	if rep.State != strategy.StateAborted {
		if err := u.r.sinks.Notifier.Send(ctx, summary(rep)); err != nil {
			u.log.Warn("run notification failed", zap.Error(err))
		}
	}
	u.log.Info("rebalance finished", zap.String("state", string(rep.State)), zap.Duration("elapsed", rep.FinishedAt.Sub(rep.StartedAt)))
}

func (r *Rebalancer) record(ctx context.Context, step journal.Step) {
	if r.sinks.Journal == nil {
		return
	}
	step.Time = r.now()
	r.sinks.Journal.RecordStep(ctx, step)
}

func summary(rep *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "rebalance %s %s: %s\n", rep.SpotSymbol, rep.RunID, rep.State)
	fmt.Fprintf(&b, "price %.6g, delta usdc %.6f, delta token %.6f\n", rep.Price, rep.Plan.DeltaUSDC, rep.Plan.DeltaToken)
	if rep.Branch != "" {
		fmt.Fprintf(&b, "swap %s size %.6g\n", rep.Branch, rep.SwapSize)
	}
	fmt.Fprintf(&b, "transfer %.6f (%s), short %.6g\n", rep.TransferAmount, rep.TransferBasis, rep.ShortSize)
	if rep.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", rep.Err)
		if rep.Changed() {
			b.WriteString("venue state changed before the failure; reconcile manually\n")
		}
		for _, st := range rep.Unconfirmed() {
			fmt.Fprintf(&b, "%s got no venue reply and may have executed; check the account before rerunning\n", st)
		}
	}
	return strings.TrimSpace(b.String())
}
