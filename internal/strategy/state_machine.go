package strategy

import (
	"fmt"
	"sync"
)

var transitions = map[State][]State{
	StateStart:          {StateReadState},
	StateReadState:      {StateComputePlan},
	StateComputePlan:    {StateConfirm},
	StateConfirm:        {StateSwapToUSDC, StateSwapToToken, StateNoSwap, StateAborted},
	StateSwapToUSDC:     {StateTransferMargin},
	StateSwapToToken:    {StateTransferMargin},
	StateNoSwap:         {StateTransferMargin},
	StateTransferMargin: {StateOpenShort},
	StateOpenShort:      {StateDone},
}

type StateMachine struct {
	mu      sync.Mutex
	State   State
	history []State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateStart, history: []State{StateStart}}
}

// Advance moves to next if the run graph allows it. Any non-terminal state
// may fail; terminal states accept nothing.
func (s *StateMachine) Advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.State, next) {
		return fmt.Errorf("illegal transition %s -> %s", s.State, next)
	}
	s.State = next
	s.history = append(s.history, next)
	return nil
}

// Fail moves to FAILED unless the run already reached a terminal state.
func (s *StateMachine) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State.Terminal() {
		return
	}
	s.State = StateFailed
	s.history = append(s.history, StateFailed)
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (s *StateMachine) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, len(s.history))
	copy(out, s.history)
	return out
}

func canTransition(current, next State) bool {
	if current.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	for _, allowed := range transitions[current] {
		if allowed == next {
			return true
		}
	}
	return false
}
