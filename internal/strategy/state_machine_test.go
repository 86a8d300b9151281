package strategy

import "testing"

func TestStateMachineHappyPath(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != StateStart {
		t.Fatalf("expected %s, got %s", StateStart, sm.Current())
	}
	path := []State{StateReadState, StateComputePlan, StateConfirm, StateSwapToToken, StateTransferMargin, StateOpenShort, StateDone}
	for _, next := range path {
		if err := sm.Advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if got := len(sm.History()); got != len(path)+1 {
		t.Fatalf("expected %d history entries, got %d", len(path)+1, got)
	}
}

func TestStateMachineRejectsSkippingConfirm(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Advance(StateReadState)
	_ = sm.Advance(StateComputePlan)
	if err := sm.Advance(StateSwapToUSDC); err == nil {
		t.Fatalf("expected swap before confirm to be rejected")
	}
	if sm.Current() != StateComputePlan {
		t.Fatalf("rejected transition should not change state, got %s", sm.Current())
	}
}

func TestStateMachineAbortOnlyFromConfirm(t *testing.T) {
	sm := NewStateMachine()
	if err := sm.Advance(StateAborted); err == nil {
		t.Fatalf("expected abort from START to be rejected")
	}
	for _, next := range []State{StateReadState, StateComputePlan, StateConfirm, StateAborted} {
		if err := sm.Advance(next); err != nil {
			t.Fatalf("advance to %s: %v", next, err)
		}
	}
	if err := sm.Advance(StateNoSwap); err == nil {
		t.Fatalf("expected terminal state to reject transitions")
	}
}

func TestStateMachineFail(t *testing.T) {
	sm := NewStateMachine()
	_ = sm.Advance(StateReadState)
	sm.Fail()
	if sm.Current() != StateFailed {
		t.Fatalf("expected %s, got %s", StateFailed, sm.Current())
	}
	sm.Fail()
	if got := sm.History(); len(got) != 3 {
		t.Fatalf("expected fail to be recorded once, got %v", got)
	}
}
