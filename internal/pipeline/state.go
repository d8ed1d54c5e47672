package pipeline

import "fmt"

// State is the position of one exchange in the request lifecycle.
//
//	Validating -> Completing -> Connecting -> HeadersSent -> Streaming -> Done
//
// Failed is reachable before the response is committed and is always
// reported as a JSON error. Aborted is reachable only after commit and ends
// the connection without a body terminator.
type State int

const (
	StateValidating State = iota
	StateCompleting
	StateConnecting
	StateHeadersSent
	StateStreaming
	StateDone
	StateFailed
	StateAborted
)

var stateNames = [...]string{
	StateValidating:  "validating",
	StateCompleting:  "completing",
	StateConnecting:  "connecting",
	StateHeadersSent: "headers_sent",
	StateStreaming:   "streaming",
	StateDone:        "done",
	StateFailed:      "failed",
	StateAborted:     "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

var transitions = map[State][]State{
	StateValidating:  {StateCompleting, StateFailed},
	StateCompleting:  {StateConnecting, StateDone, StateFailed},
	StateConnecting:  {StateHeadersSent, StateFailed},
	StateHeadersSent: {StateStreaming, StateAborted},
	StateStreaming:   {StateDone, StateAborted},
}

// CanTransition reports whether next may follow s.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Committed reports whether the response status has been written. Once
// committed, no structured error can be sent.
func (s State) Committed() bool {
	switch s {
	case StateHeadersSent, StateStreaming, StateAborted:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateAborted
}
