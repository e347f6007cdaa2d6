package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/dasv/internal/model"
)

// State is a node of the orchestrator state machine.
type State string

const (
	StateDiscover   State = "DISCOVER"
	StateAnalyze    State = "ANALYZE"
	StateSynthesize State = "SYNTHESIZE"
	StateValidate   State = "VALIDATE"
	// StateEnhance re-runs discovery to raise the confidence of an existing
	// record. It overwrites the Discovery record instead of appending.
	StateEnhance State = "ENHANCE"
	StateDone    State = "DONE"
	StateHalted  State = "HALTED"
)

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateDiscover:   {StateAnalyze, StateHalted},
	StateAnalyze:    {StateSynthesize, StateHalted},
	StateSynthesize: {StateValidate, StateHalted},
	StateValidate:   {StateDone, StateEnhance, StateHalted},
	StateEnhance:    {StateAnalyze, StateHalted},
}

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateHalted
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, eris.Errorf("pipeline: illegal transition %s -> %s", from, to)
	}
	return to, nil
}

// phaseOf maps a working state to the phase it produces.
func phaseOf(s State) model.Phase {
	switch s {
	case StateDiscover, StateEnhance:
		return model.PhaseDiscover
	case StateAnalyze:
		return model.PhaseAnalyze
	case StateSynthesize:
		return model.PhaseSynthesize
	case StateValidate:
		return model.PhaseValidate
	}
	return ""
}

// runStatus maps a state to the audit status of the run.
func runStatus(s State) model.RunStatus {
	switch s {
	case StateDiscover:
		return model.RunStatusDiscovering
	case StateAnalyze:
		return model.RunStatusAnalyzing
	case StateSynthesize:
		return model.RunStatusSynthesizing
	case StateValidate:
		return model.RunStatusValidating
	case StateEnhance:
		return model.RunStatusEnhancing
	case StateDone:
		return model.RunStatusComplete
	case StateHalted:
		return model.RunStatusHalted
	}
	return model.RunStatusQueued
}
