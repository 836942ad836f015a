package reconcile

import (
	"encoding/json"
	"fmt"

	"swarmview/mirror/internal/carry"
	"swarmview/mirror/internal/grid"
	"swarmview/mirror/internal/handle"
	"swarmview/mirror/internal/snapshot"
)

// Kind names a lifecycle effect handed to the presentation layer.
type Kind string

const (
	CreateFood        Kind = "create_food"
	RemoveFood        Kind = "remove_food"
	CreateDeposit     Kind = "create_deposit"
	UpdateAgentTarget Kind = "update_agent_target"
	SetAgentCarry     Kind = "set_agent_carry"
	// UnregisteredAgent is diagnostic only: the snapshot named an id that was
	// never spawned locally.
	UnregisteredAgent Kind = "unregistered_agent"
	SpawnAgent        Kind = "spawn_agent"
	ReleaseAgent      Kind = "release_agent"
)

// Offset is the local attachment point of a carried item in the agent frame.
type Offset [3]float64

// DefaultCarryOffset places the carried item above and slightly behind the agent.
var DefaultCarryOffset = Offset{0, 0.8, -0.5}

// Effect is one instruction for the presentation layer. Only the fields that
// belong to Kind are meaningful.
type Effect struct {
	Kind     Kind
	Position grid.Position
	AgentID  int
	// Handle names the food, deposit or agent visual.
	Handle handle.Handle

	Carrying   bool
	Transition carry.Transition
	// Item is the carried item created on Picked or released on Dropped.
	Item   handle.Handle
	Offset Offset
	// Height is the world height of placed food, deposit and agent visuals.
	Height float64
}

type wireEffect struct {
	Kind       Kind              `json:"kind"`
	AgentID    *int              `json:"agent_id,omitempty"`
	Position   *grid.Position    `json:"position,omitempty"`
	Handle     handle.Handle     `json:"handle,omitempty"`
	Carrying   *bool             `json:"carrying,omitempty"`
	Transition *carry.Transition `json:"transition,omitempty"`
	Item       handle.Handle     `json:"item,omitempty"`
	Offset     *Offset           `json:"offset,omitempty"`
	Height     float64           `json:"height,omitempty"`
}

// MarshalJSON writes only the fields relevant to the effect kind.
func (e Effect) MarshalJSON() ([]byte, error) {
	w := wireEffect{Kind: e.Kind}
	switch e.Kind {
	case CreateFood, CreateDeposit:
		w.Position = &e.Position
		w.Handle = e.Handle
		w.Height = e.Height
	case RemoveFood:
		w.Position = &e.Position
		w.Handle = e.Handle
	case UpdateAgentTarget:
		w.AgentID = &e.AgentID
		w.Position = &e.Position
	case SetAgentCarry:
		w.AgentID = &e.AgentID
		w.Carrying = &e.Carrying
		w.Transition = &e.Transition
		w.Item = e.Item
		if e.Transition == carry.Picked {
			w.Offset = &e.Offset
		}
	case UnregisteredAgent:
		w.AgentID = &e.AgentID
	case SpawnAgent:
		w.AgentID = &e.AgentID
		w.Position = &e.Position
		w.Handle = e.Handle
		w.Height = e.Height
	case ReleaseAgent:
		w.AgentID = &e.AgentID
		w.Handle = e.Handle
		w.Item = e.Item
	default:
		return nil, fmt.Errorf("reconcile: unknown effect kind %q", e.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts the output of MarshalJSON.
func (e *Effect) UnmarshalJSON(data []byte) error {
	var w wireEffect
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Effect{Kind: w.Kind, Handle: w.Handle, Item: w.Item, Height: w.Height}
	if w.AgentID != nil {
		e.AgentID = *w.AgentID
	}
	if w.Position != nil {
		e.Position = *w.Position
	}
	if w.Carrying != nil {
		e.Carrying = *w.Carrying
	}
	if w.Transition != nil {
		e.Transition = *w.Transition
	}
	if w.Offset != nil {
		e.Offset = *w.Offset
	}
	return nil
}

func (e Effect) String() string {
	switch e.Kind {
	case CreateFood, RemoveFood, CreateDeposit:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Position)
	case UpdateAgentTarget, SpawnAgent:
		return fmt.Sprintf("%s(%d,%s)", e.Kind, e.AgentID, e.Position)
	case SetAgentCarry:
		return fmt.Sprintf("%s(%d,%t)", e.Kind, e.AgentID, e.Carrying)
	default:
		return fmt.Sprintf("%s(%d)", e.Kind, e.AgentID)
	}
}

// Batch is the ordered output of one pass. Sequence increases by one for
// every batch that changed local state; bootstrap batches reuse the sequence
// of the state they describe.
type Batch struct {
	Sequence    uint64                `json:"sequence"`
	Bootstrap   bool                  `json:"bootstrap,omitempty"`
	Effects     []Effect              `json:"effects"`
	Diagnostics []snapshot.Diagnostic `json:"diagnostics,omitempty"`
}

// Count returns how many effects of kind the batch holds.
func (b Batch) Count(kind Kind) int {
	n := 0
	for _, effect := range b.Effects {
		if effect.Kind == kind {
			n++
		}
	}
	return n
}

// Empty reports whether the batch carries neither effects nor diagnostics.
func (b Batch) Empty() bool {
	return len(b.Effects) == 0 && len(b.Diagnostics) == 0
}
