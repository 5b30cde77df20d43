package client

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrInvalidTransition = errors.New("client: invalid state transition")

// transitions lists the states reachable from each state. Disconnect may
// leave any state.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateDisconnected, StateReconnecting},
	StateReconnecting: {StateConnecting, StateDisconnected},
	StateError:        {StateReconnecting, StateConnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateChange describes one transition. Attempt and Delay are set when
// entering StateReconnecting; Err carries the cause of a failure.
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   time.Duration
	Err     error
}
