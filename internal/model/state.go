package model

import "github.com/rotisserie/eris"

// PipelineState represents the current stage of a report run. States only
// move forward; transitions outside the allowed table are rejected.
type PipelineState string

const (
	StatePending        PipelineState = "pending"
	StateAnalyzing      PipelineState = "analyzing"
	StateResearching    PipelineState = "researching"
	StateCrossAnalyzing PipelineState = "cross_analyzing"
	StateCompleted      PipelineState = "completed"
	StateFailed         PipelineState = "failed"
)

// allowedTransitions is the full transition table. FAILED is reachable only
// from ANALYZING; the trend stage (CROSS_ANALYZING) is optional, so both
// RESEARCHING->COMPLETED and RESEARCHING->CROSS_ANALYZING are legal.
var allowedTransitions = map[PipelineState][]PipelineState{
	StatePending:        {StateAnalyzing},
	StateAnalyzing:      {StateResearching, StateFailed},
	StateResearching:    {StateCrossAnalyzing, StateCompleted},
	StateCrossAnalyzing: {StateCompleted},
}

// CanTransition reports whether moving from the current state to next is
// allowed.
func (s PipelineState) CanTransition(next PipelineState) bool {
	for _, t := range allowedTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s PipelineState) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// StateMachine tracks a run's pipeline state and enforces the transition
// table at the update call site.
type StateMachine struct {
	current PipelineState
}

// NewStateMachine starts a state machine at PENDING.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: StatePending}
}

// Current returns the current state.
func (m *StateMachine) Current() PipelineState {
	return m.current
}

// Transition moves to next, or returns an error if the transition is not in
// the allowed table. The state is unchanged on error.
func (m *StateMachine) Transition(next PipelineState) error {
	if !m.current.CanTransition(next) {
		return eris.Errorf("state: illegal transition %s -> %s", m.current, next)
	}
	m.current = next
	return nil
}
