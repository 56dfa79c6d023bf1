package cellular

import (
	"fmt"

	"github.com/juju/errors"
)

// State of the modem session. Progression is strictly ordered,
// each step is entered only after the previous one succeeded in the
// same session. Reset and power-cycle start a new session at PoweredOff.
type State uint8

const (
	StatePoweredOff State = iota
	StateCommsEstablished
	StateIdentityValid
	StateRegistered
	StateDataContextActive
	StateSleeping
)

var stateNames = [...]string{
	StatePoweredOff:        "powered-off",
	StateCommsEstablished:  "comms-established",
	StateIdentityValid:     "identity-valid",
	StateRegistered:        "registered",
	StateDataContextActive: "data-context-active",
	StateSleeping:          "sleeping",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

var ErrIllegalTransition = errors.New("illegal modem session transition")

// transitions[to] lists states `to` may be entered from.
// PoweredOff is reachable from anywhere and not listed.
var transitions = map[State][]State{
	StateCommsEstablished:  {StatePoweredOff},
	StateIdentityValid:     {StateCommsEstablished},
	StateRegistered:        {StateIdentityValid, StateDataContextActive, StateSleeping},
	StateDataContextActive: {StateRegistered, StateSleeping},
	StateSleeping:          {StateDataContextActive},
}

func checkTransition(from, to State) error {
	if to == StatePoweredOff {
		return nil
	}
	for _, s := range transitions[to] {
		if s == from {
			return nil
		}
	}
	return errors.Annotatef(ErrIllegalTransition, "from=%s to=%s", from, to)
}
