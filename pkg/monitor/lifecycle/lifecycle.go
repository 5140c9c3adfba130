// Package lifecycle tracks whether a call is in progress.
package lifecycle

import (
	"time"

	"github.com/google/uuid"
)

// State is Idle or Active.
type State int

const (
	Idle State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "idle"
}

// Kind names a transition edge.
type Kind int

const (
	CallStarted Kind = iota + 1
	CallEnded
)

func (k Kind) String() string {
	switch k {
	case CallStarted:
		return "call_started"
	case CallEnded:
		return "call_ended"
	default:
		return "unknown"
	}
}

// Transition is emitted once per real edge.
type Transition struct {
	Kind   Kind
	CallID string
	At     time.Time
}

// Machine is the Idle/Active state machine. It is not safe for concurrent
// use; callers serialize access.
type Machine struct {
	now   func() time.Time
	newID func() string

	state      State
	callID     string
	duplicates int
}

// New returns an Idle machine. now defaults to time.Now.
func New(now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{now: now, newID: uuid.NewString}
}

// SignalStart moves Idle -> Active and returns the transition. Repeated
// start signals while Active return ok=false.
func (m *Machine) SignalStart() (Transition, bool) {
	if m.state == Active {
		m.duplicates++
		return Transition{}, false
	}
	m.state = Active
	m.callID = m.newID()
	return Transition{Kind: CallStarted, CallID: m.callID, At: m.now()}, true
}

// SignalEnd moves Active -> Idle and returns the transition. Repeated end
// signals while Idle return ok=false.
func (m *Machine) SignalEnd() (Transition, bool) {
	if m.state == Idle {
		m.duplicates++
		return Transition{}, false
	}
	tr := Transition{Kind: CallEnded, CallID: m.callID, At: m.now()}
	m.state = Idle
	m.callID = ""
	return tr, true
}

func (m *Machine) State() State { return m.state }

// CallID is the id of the active call, or "" when Idle.
func (m *Machine) CallID() string { return m.callID }

// Duplicates counts swallowed signals.
func (m *Machine) Duplicates() int { return m.duplicates }
