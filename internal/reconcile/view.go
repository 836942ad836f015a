package reconcile

import (
	"swarmview/mirror/internal/grid"
	"swarmview/mirror/internal/handle"
)

// AgentView is a read-only copy of an agent entity.
type AgentView struct {
	ID     int           `json:"id"`
	Handle handle.Handle `json:"handle"`
	Target grid.Position `json:"target"`
	State  string        `json:"carry_state"`
	Item   handle.Handle `json:"item,omitempty"`
}

// View is a point-in-time copy of the local mirror.
type View struct {
	Sequence uint64          `json:"sequence"`
	Agents   []AgentView     `json:"agents"`
	Food     []grid.Position `json:"food"`
	Deposit  *grid.Position  `json:"deposit,omitempty"`
}

// View copies the current local state.
func (r *Reconciler) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := View{
		Sequence: r.seq,
		Agents:   []AgentView{},
		Food:     r.food.Keys(),
	}
	if view.Food == nil {
		view.Food = []grid.Position{}
	}
	if r.deposit != nil {
		pos := r.deposit.Position
		view.Deposit = &pos
	}
	for _, id := range r.agents.Keys() {
		agent, ok := r.agents.Get(id)
		if !ok {
			continue
		}
		item, _ := agent.Carry.Item()
		view.Agents = append(view.Agents, AgentView{
			ID:     id,
			Handle: agent.Handle,
			Target: agent.Target,
			State:  agent.Carry.State().String(),
			Item:   item,
		})
	}
	return view
}
