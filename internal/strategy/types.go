package strategy

type State string

const (
	StateStart          State = "START"
	StateReadState      State = "READ_STATE"
	StateComputePlan    State = "COMPUTE_PLAN"
	StateConfirm        State = "CONFIRM"
	StateSwapToUSDC     State = "SWAP_TO_USDC"
	StateSwapToToken    State = "SWAP_TO_TOKEN"
	StateNoSwap         State = "NO_SWAP"
	StateTransferMargin State = "TRANSFER_MARGIN"
	StateOpenShort      State = "OPEN_SHORT"
	StateDone           State = "DONE"
	StateFailed         State = "FAILED"
	StateAborted        State = "ABORTED"
)

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAborted
}

// SwapBranch is the spot conversion a plan calls for. Its values double as
// the orchestrator states that execute them.
type SwapBranch string

const (
	BranchSwapToUSDC  SwapBranch = SwapBranch(StateSwapToUSDC)
	BranchSwapToToken SwapBranch = SwapBranch(StateSwapToToken)
	BranchNoSwap      SwapBranch = SwapBranch(StateNoSwap)
)

func (b SwapBranch) State() State {
	return State(b)
}
