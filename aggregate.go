package rundaq

import (
	"fmt"
	"strings"
)

// Precedence orders states from worst to best. The aggregate state of a set
// of components is the worst state any of them is in.
type Precedence []State

// DefaultPrecedence ranks ERROR > UNINIT > UNCONF > CONF > RUNNING, so that a
// single uninitialised component keeps the whole system from looking ready.
var DefaultPrecedence = Precedence{StateError, StateUninit, StateUnconf, StateConf, StateRunning}

// ParsePrecedence reads a list of state names, worst first. Every state must
// appear exactly once.
func ParsePrecedence(names []string) (Precedence, error) {
	var p Precedence
	seen := make(map[State]bool)
	for _, n := range names {
		s, err := ParseState(strings.TrimSpace(n))
		if err != nil {
			return nil, err
		}
		if seen[s] {
			return nil, fmt.Errorf("state %s listed twice", s)
		}
		seen[s] = true
		p = append(p, s)
	}
	if len(p) != len(stateNames) {
		return nil, fmt.Errorf("precedence lists %d states, want %d", len(p), len(stateNames))
	}
	return p, nil
}

func (p Precedence) rank(s State) int {
	for i, x := range p {
		if x == s {
			return i
		}
	}
	// Unknown states count as worst.
	return -1
}

// Worst returns the aggregate of states. With no states at all the system
// is StateUninit.
func (p Precedence) Worst(states []State) State {
	if len(states) == 0 {
		return StateUninit
	}
	worst := states[0]
	for _, s := range states[1:] {
		if p.rank(s) < p.rank(worst) {
			worst = s
		}
	}
	return worst
}
