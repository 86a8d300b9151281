package console

import (
	"fmt"
	"io"
	"strings"

	"hl-basis-rebalancer/internal/app"
	"hl-basis-rebalancer/internal/market"
	"hl-basis-rebalancer/internal/strategy"

	"github.com/olekukonko/tablewriter"
)

// Console prints run proposals and reports as plain tables.
type Console struct {
	out io.Writer
}

func New(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Proposal(p app.Proposal) {
	fmt.Fprintf(c.out, "\nRebalance %s / %s (run %s)\n", p.SpotSymbol, p.PerpSymbol, p.RunID)
	c.accountTable("Current", p.Initial)

	table := tablewriter.NewWriter(c.out)
	table.Header("Item", "Value")
	table.Append("Mid price", fmt.Sprintf("%.6f", p.Price))
	table.Append("Max leverage", fmt.Sprintf("%dx", p.MaxLeverage))
	table.Append("Buffer", fmt.Sprintf("%.4g", p.Buffer))
	table.Append("Delta USDC", fmt.Sprintf("%+.6f", p.Plan.DeltaUSDC))
	table.Append("Delta token", fmt.Sprintf("%+.6f", p.Plan.DeltaToken))
	table.Append("Swap", swapLabel(p.Branch, p.SwapSize))
	table.Append("Target token", fmt.Sprintf("%.6f", p.TargetToken))
	table.Append("Target USDC", fmt.Sprintf("%.6f", p.TargetUSDC))
	table.Append("Margin transfer basis", string(p.Transfer))
	table.Append("Perp short", fmt.Sprintf("%.6g %s", p.ShortSize, p.PerpSymbol))
	table.Render()

	c.Notices(p.Notices)
}

func (c *Console) Report(r *app.Report) {
	fmt.Fprintf(c.out, "\nRun %s finished: %s\n", r.RunID, r.State)
	if r.PostSwap != nil {
		c.accountTable("After swap", *r.PostSwap)
	}
	if len(r.Steps) > 0 {
		table := tablewriter.NewWriter(c.out)
		table.Header("Step", "Status", "Filled", "Detail")
		for _, step := range r.Steps {
			status := "ok"
			detail := ""
			switch {
			case step.Unconfirmed:
				status = "unknown"
				detail = step.Err.Error()
			case step.Err != nil:
				status = "failed"
				detail = step.Err.Error()
			}
			table.Append(
				string(step.State),
				status,
				fmt.Sprintf("%.6g", step.Result.FilledSize()),
				detail,
			)
		}
		table.Render()
	}
	if r.TransferBasis != "" && r.State != strategy.StateAborted {
		fmt.Fprintf(c.out, "  transfer: planned %.6f, observed %.6f, sent %.6f (%s)\n",
			r.PlannedTransfer, r.ObservedTransfer, r.TransferAmount, r.TransferBasis)
	}
	if r.Err != nil {
		fmt.Fprintf(c.out, "  error: %v\n", r.Err)
		if r.Changed() {
			fmt.Fprintln(c.out, "  venue state changed before the failure; reconcile manually")
		}
		for _, st := range r.Unconfirmed() {
			fmt.Fprintf(c.out, "  %s got no venue reply and may have executed; check the account before rerunning\n", st)
		}
	}
	fmt.Fprintf(c.out, "  states: %s\n", joinStates(r.States))
}

func (c *Console) Close(res app.CloseResult, dryRun bool) {
	if res.Position == nil {
		fmt.Fprintln(c.out, "no open position")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Coin", "Size", "Entry", "Unrealized PnL")
	table.Append(
		fmt.Sprint(res.Position["coin"]),
		fmt.Sprint(res.Position["szi"]),
		fmt.Sprint(res.Position["entryPx"]),
		fmt.Sprint(res.Position["unrealizedPnl"]),
	)
	table.Render()
	if dryRun {
		fmt.Fprintln(c.out, "dry run: no order sent")
		return
	}
	fmt.Fprintf(c.out, "closed %.6g\n", res.Result.FilledSize())
}

func (c *Console) Notices(notices []string) {
	for _, n := range notices {
		fmt.Fprintf(c.out, "  note: %s\n", n)
	}
}

func (c *Console) accountTable(title string, s market.AccountState) {
	table := tablewriter.NewWriter(c.out)
	table.Header(title, "Spot token", "Spot USDC", "Perp withdrawable", "Positions")
	table.Append(
		"",
		fmt.Sprintf("%.6f", s.SpotToken),
		fmt.Sprintf("%.6f", s.SpotUSDC),
		fmt.Sprintf("%.6f", s.PerpWithdrawable),
		fmt.Sprintf("%d", len(s.Positions)),
	)
	table.Render()
}

func swapLabel(branch strategy.SwapBranch, size float64) string {
	switch branch {
	case strategy.BranchSwapToUSDC:
		return fmt.Sprintf("sell %.6g", size)
	case strategy.BranchSwapToToken:
		return fmt.Sprintf("buy %.6g", size)
	default:
		return "none"
	}
}

func joinStates(states []strategy.State) string {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return strings.Join(names, " > ")
}
