package reconcile

import (
	"errors"
	"fmt"
	"sync"

	"swarmview/mirror/internal/carry"
	"swarmview/mirror/internal/grid"
	"swarmview/mirror/internal/handle"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/registry"
	"swarmview/mirror/internal/snapshot"
)

// ErrInvariant marks a pass that was aborted because a registry rejected a
// mutation the diff had planned. Local state is left as it was before the pass.
var ErrInvariant = errors.New("reconcile: invariant violated")

// Agent is the local entity for one spawned agent.
type Agent struct {
	ID     int
	Handle handle.Handle
	Target grid.Position
	Carry  carry.Machine
}

// Food is the local entity for one food position.
type Food struct {
	Position grid.Position
	Handle   handle.Handle
}

// AgentStore holds agents keyed by id. *registry.Registry satisfies it.
type AgentStore interface {
	Get(id int) (*Agent, bool)
	Insert(id int, agent *Agent) error
	Remove(id int) (*Agent, error)
	Keys() []int
}

// FoodStore holds food keyed by position. *registry.Registry satisfies it.
type FoodStore interface {
	Contains(pos grid.Position) bool
	Get(pos grid.Position) (Food, bool)
	Insert(pos grid.Position, food Food) error
	InsertBefore(pos grid.Position, food Food, mark grid.Position) error
	Remove(pos grid.Position) (Food, error)
	Keys() []grid.Position
}

// Options wires a Reconciler. Nil stores get fresh registries.
type Options struct {
	Agents      AgentStore
	Food        FoodStore
	Handles     *handle.Allocator
	CarryOffset Offset
	// Height is stamped on every placement effect.
	Height float64
	Logger *logging.Logger
}

// Reconciler owns the local mirror of the simulation and turns snapshots into
// effect batches. Passes are serialized.
type Reconciler struct {
	mu      sync.Mutex
	agents  AgentStore
	food    FoodStore
	handles *handle.Allocator
	offset  Offset
	height  float64
	log     *logging.Logger

	deposit *Food
	seq     uint64
}

// New constructs a Reconciler.
func New(opts Options) *Reconciler {
	r := &Reconciler{
		agents:  opts.Agents,
		food:    opts.Food,
		handles: opts.Handles,
		offset:  opts.CarryOffset,
		height:  opts.Height,
		log:     opts.Logger,
	}
	if r.agents == nil {
		r.agents = registry.New[int, *Agent]()
	}
	if r.food == nil {
		r.food = registry.New[grid.Position, Food]()
	}
	if r.handles == nil {
		r.handles = handle.NewAllocator()
	}
	if r.log == nil {
		r.log = logging.L()
	}
	r.log = r.log.With(logging.String("component", "reconcile"))
	return r
}

// journal collects undo steps so an aborted pass can restore prior state.
type journal []func()

func (j *journal) add(undo func()) { *j = append(*j, undo) }

func (j journal) rollback() {
	for i := len(j) - 1; i >= 0; i-- {
		j[i]()
	}
}

// Apply reconciles one snapshot. Food is diffed as a set, then the deposit
// latch is checked, then agent records are applied in snapshot order. Only
// the food diff can fail, so it runs first and is undone on error.
//
// On error nothing is mutated and the returned batch is empty.
func (r *Reconciler) Apply(snap *snapshot.Snapshot) (Batch, error) {
	if snap == nil {
		return Batch{}, errors.New("reconcile: nil snapshot")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		undo    journal
		effects []Effect
	)
	for _, diag := range snap.Diagnostics {
		r.log.Warn("snapshot record skipped",
			logging.String("kind", string(diag.Kind)),
			logging.String("section", diag.Section),
			logging.Int("index", diag.Index),
			logging.String("detail", diag.Detail),
		)
	}

	//1.- Diff food first; it is the only phase that can fail.
	if snap.FoodPresent {
		foodEffects, err := r.diffFood(snap.Food, &undo)
		if err != nil {
			undo.rollback()
			r.log.Error("reconciliation aborted", logging.Error(err))
			return Batch{}, fmt.Errorf("%w: %w", ErrInvariant, err)
		}
		effects = append(effects, foodEffects...)
	}

	//2.- Latch the deposit on its first appearance.
	if r.deposit == nil && snap.Deposit != nil {
		r.deposit = &Food{Position: *snap.Deposit, Handle: r.handles.Next()}
		effects = append(effects, Effect{Kind: CreateDeposit, Position: r.deposit.Position, Handle: r.deposit.Handle, Height: r.height})
	}

	//3.- Apply agent records in snapshot order.
	for _, rec := range snap.Agents {
		effects = append(effects, r.applyAgent(rec)...)
	}

	r.seq++
	return Batch{Sequence: r.seq, Effects: effects, Diagnostics: snap.Diagnostics}, nil
}

func (r *Reconciler) diffFood(records []snapshot.FoodRecord, undo *journal) ([]Effect, error) {
	var effects []Effect
	//1.- Create every incoming position that is not yet mirrored.
	next := make(map[grid.Position]struct{}, len(records))
	for _, rec := range records {
		pos := rec.Position
		if _, dup := next[pos]; dup {
			continue
		}
		next[pos] = struct{}{}
		if r.food.Contains(pos) {
			continue
		}
		food := Food{Position: pos, Handle: r.handles.Next()}
		if err := r.food.Insert(pos, food); err != nil {
			return nil, err
		}
		undo.add(func() { _, _ = r.food.Remove(pos) })
		effects = append(effects, Effect{Kind: CreateFood, Position: pos, Handle: food.Handle, Height: r.height})
	}

	//2.- Remove every mirrored position the snapshot no longer lists.
	keys := r.food.Keys()
	for i, pos := range keys {
		pos := pos // per-iteration copy for the undo closures (go 1.21 loop semantics)
		if _, keep := next[pos]; keep {
			continue
		}
		removed, err := r.food.Remove(pos)
		if err != nil {
			return nil, err
		}
		// undo runs in reverse, so the successor is back in place by then
		if i+1 < len(keys) {
			mark := keys[i+1]
			undo.add(func() { _ = r.food.InsertBefore(pos, removed, mark) })
		} else {
			undo.add(func() { _ = r.food.Insert(pos, removed) })
		}
		effects = append(effects, Effect{Kind: RemoveFood, Position: pos, Handle: removed.Handle})
	}
	return effects, nil
}

func (r *Reconciler) applyAgent(rec snapshot.AgentRecord) []Effect {
	agent, ok := r.agents.Get(rec.ID)
	if !ok {
		r.log.Warn("unregistered agent", logging.String("kind", string(UnregisteredAgent)), logging.Int("agent_id", rec.ID))
		return []Effect{{Kind: UnregisteredAgent, AgentID: rec.ID}}
	}
	//1.- Retarget the agent, then drive its carry machine.
	agent.Target = rec.Position
	step := agent.Carry.Apply(rec.Carrying, r.handles.Next)
	carryEffect := Effect{
		Kind:       SetAgentCarry,
		AgentID:    rec.ID,
		Carrying:   rec.Carrying,
		Transition: step.Transition,
		Item:       step.Item,
	}
	if step.Transition == carry.Picked {
		carryEffect.Offset = r.offset
	}
	if step.Transition != carry.None {
		r.log.Debug("carry state changed",
			logging.Int("agent_id", rec.ID),
			logging.String("transition", step.Transition.String()),
			logging.String("item", step.Item.String()),
		)
	}
	return []Effect{
		{Kind: UpdateAgentTarget, AgentID: rec.ID, Position: rec.Position},
		carryEffect,
	}
}

// RegisterAgent spawns an agent at pos. Spawning an id twice fails with
// registry.ErrDuplicateKey wrapped in ErrInvariant.
func (r *Reconciler) RegisterAgent(id int, pos grid.Position) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := &Agent{ID: id, Handle: r.handles.Next(), Target: pos}
	if err := r.agents.Insert(id, agent); err != nil {
		return Batch{}, fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	r.seq++
	r.log.Info("agent spawned", logging.Int("agent_id", id), logging.String("position", pos.String()))
	return Batch{
		Sequence: r.seq,
		Effects:  []Effect{{Kind: SpawnAgent, AgentID: id, Position: pos, Handle: agent.Handle, Height: r.height}},
	}, nil
}

// DeregisterAgent removes an agent, releasing any item it carries.
func (r *Reconciler) DeregisterAgent(id int) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent, err := r.agents.Remove(id)
	if err != nil {
		return Batch{}, err
	}
	item, _ := agent.Carry.Release()
	r.seq++
	r.log.Info("agent released", logging.Int("agent_id", id))
	return Batch{
		Sequence: r.seq,
		Effects:  []Effect{{Kind: ReleaseAgent, AgentID: id, Handle: agent.Handle, Item: item}},
	}, nil
}

// Bootstrap describes the current world as a batch for a viewer that joins
// mid-session. It does not advance the sequence.
func (r *Reconciler) Bootstrap() Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	//1.- Static entities first so agents spawn into a complete world.
	var effects []Effect
	if r.deposit != nil {
		effects = append(effects, Effect{Kind: CreateDeposit, Position: r.deposit.Position, Handle: r.deposit.Handle, Height: r.height})
	}
	for _, pos := range r.food.Keys() {
		food, ok := r.food.Get(pos)
		if !ok {
			continue
		}
		effects = append(effects, Effect{Kind: CreateFood, Position: pos, Handle: food.Handle, Height: r.height})
	}
	//2.- Each agent is spawned, retargeted and given its carried item.
	for _, id := range r.agents.Keys() {
		agent, ok := r.agents.Get(id)
		if !ok {
			continue
		}
		effects = append(effects,
			Effect{Kind: SpawnAgent, AgentID: id, Position: agent.Target, Handle: agent.Handle, Height: r.height},
			Effect{Kind: UpdateAgentTarget, AgentID: id, Position: agent.Target},
		)
		if item, carrying := agent.Carry.Item(); carrying {
			effects = append(effects, Effect{
				Kind:       SetAgentCarry,
				AgentID:    id,
				Carrying:   true,
				Transition: carry.Picked,
				Item:       item,
				Offset:     r.offset,
			})
		}
	}
	return Batch{Sequence: r.seq, Bootstrap: true, Effects: effects}
}

// Sequence returns the sequence number of the last applied batch.
func (r *Reconciler) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
