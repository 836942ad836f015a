package carry

import "swarmview/mirror/internal/handle"

// State enumerates the carry states of an agent.
type State int

const (
	// Idle means the agent holds nothing.
	Idle State = iota
	// Carrying means the agent owns exactly one attached item.
	Carrying
)

func (s State) String() string {
	switch s {
	case Carrying:
		return "carrying"
	default:
		return "idle"
	}
}

// Transition describes what a single input did to the machine.
type Transition int

const (
	// None leaves the machine untouched.
	None Transition = iota
	// Picked moved the machine from Idle to Carrying and created an item.
	Picked
	// Dropped moved the machine from Carrying to Idle and released the item.
	Dropped
)

func (t Transition) String() string {
	switch t {
	case Picked:
		return "picked"
	case Dropped:
		return "dropped"
	default:
		return "none"
	}
}

// MarshalText lets transitions travel as readable strings in effect payloads.
func (t Transition) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText parses the textual form produced by MarshalText.
func (t *Transition) UnmarshalText(text []byte) error {
	switch string(text) {
	case "picked":
		*t = Picked
	case "dropped":
		*t = Dropped
	default:
		*t = None
	}
	return nil
}

// Step reports the outcome of Apply. Item is the created item on Picked and
// the released item on Dropped.
type Step struct {
	Transition Transition
	Item       handle.Handle
}

// Machine is the per-agent carry state. The zero value is Idle.
//
// The item handle is owned by the Carrying state: it is set exactly when the
// machine enters Carrying and cleared exactly when it leaves it.
type Machine struct {
	state State
	item  handle.Handle
}

// State returns the current state.
func (m Machine) State() State { return m.state }

// Item returns the attached item while carrying.
func (m Machine) Item() (handle.Handle, bool) {
	if m.state != Carrying {
		return 0, false
	}
	return m.item, true
}

// Next reports the transition the input would trigger without applying it.
func (m Machine) Next(carrying bool) Transition {
	switch {
	case m.state == Idle && carrying:
		return Picked
	case m.state == Carrying && !carrying:
		return Dropped
	default:
		return None
	}
}

// Apply drives the machine with the carrying flag from a snapshot. newItem is
// only invoked on Idle -> Carrying, so repeated identical input never creates
// a second item.
func (m *Machine) Apply(carrying bool, newItem func() handle.Handle) Step {
	switch m.Next(carrying) {
	case Picked:
		var item handle.Handle
		if newItem != nil {
			item = newItem()
		}
		m.state = Carrying
		m.item = item
		return Step{Transition: Picked, Item: item}
	case Dropped:
		released := m.item
		m.state = Idle
		m.item = 0
		return Step{Transition: Dropped, Item: released}
	default:
		return Step{}
	}
}

// Release forces the machine back to Idle, returning the item that was held.
// It is used when an agent is deregistered.
func (m *Machine) Release() (handle.Handle, bool) {
	if m.state != Carrying {
		return 0, false
	}
	released := m.item
	m.state = Idle
	m.item = 0
	return released, true
}
