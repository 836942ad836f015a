package reconcile

import (
	"fmt"

	"swarmview/mirror/internal/carry"
	"swarmview/mirror/internal/handle"
)

// Restore rebuilds local state from a bootstrap batch, keeping its handles
// and sequence. It only runs on a reconciler that has seen nothing yet.
func (r *Reconciler) Restore(batch Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seq != 0 || r.deposit != nil || len(r.food.Keys()) != 0 || len(r.agents.Keys()) != 0 {
		return fmt.Errorf("%w: restore into a non-empty mirror", ErrInvariant)
	}

	var undo journal
	fail := func(err error) error {
		undo.rollback()
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	for _, effect := range batch.Effects {
		r.handles.Reserve(effect.Handle)
		r.handles.Reserve(effect.Item)
		switch effect.Kind {
		case CreateDeposit:
			r.deposit = &Food{Position: effect.Position, Handle: effect.Handle}
			undo.add(func() { r.deposit = nil })
		case CreateFood:
			pos := effect.Position
			if err := r.food.Insert(pos, Food{Position: pos, Handle: effect.Handle}); err != nil {
				return fail(err)
			}
			undo.add(func() { _, _ = r.food.Remove(pos) })
		case SpawnAgent:
			id := effect.AgentID
			if err := r.agents.Insert(id, &Agent{ID: id, Handle: effect.Handle, Target: effect.Position}); err != nil {
				return fail(err)
			}
			undo.add(func() { _, _ = r.agents.Remove(id) })
		case UpdateAgentTarget, SetAgentCarry:
			agent, ok := r.agents.Get(effect.AgentID)
			if !ok {
				return fail(fmt.Errorf("agent %d referenced before spawn", effect.AgentID))
			}
			if effect.Kind == UpdateAgentTarget {
				agent.Target = effect.Position
				continue
			}
			if effect.Transition == carry.Picked {
				item := effect.Item
				agent.Carry.Apply(true, func() handle.Handle { return item })
			}
		default:
			return fail(fmt.Errorf("effect %s cannot appear in a bootstrap batch", effect.Kind))
		}
	}
	r.seq = batch.Sequence
	return nil
}
