package reconcile

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"testing"

	"swarmview/mirror/internal/carry"
	"swarmview/mirror/internal/grid"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/registry"
	"swarmview/mirror/internal/snapshot"
)

func newTestReconciler(t *testing.T, agentIDs ...int) *Reconciler {
	t.Helper()
	r := New(Options{Logger: logging.NewTestLogger(), CarryOffset: DefaultCarryOffset})
	for _, id := range agentIDs {
		if _, err := r.RegisterAgent(id, grid.At(0, 0)); err != nil {
			t.Fatalf("register agent %d: %v", id, err)
		}
	}
	return r
}

func foodSnapshot(positions ...grid.Position) *snapshot.Snapshot {
	snap := &snapshot.Snapshot{AgentsPresent: true, FoodPresent: true}
	for _, pos := range positions {
		snap.Food = append(snap.Food, snapshot.FoodRecord{Position: pos})
	}
	return snap
}

func agentSnapshot(records ...snapshot.AgentRecord) *snapshot.Snapshot {
	return &snapshot.Snapshot{AgentsPresent: true, FoodPresent: true, Agents: records}
}

func sortedFood(r *Reconciler) []grid.Position {
	keys := r.food.Keys()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].X != keys[j].X {
			return keys[i].X < keys[j].X
		}
		return keys[i].Y < keys[j].Y
	})
	return keys
}

func kinds(batch Batch) []Kind {
	out := make([]Kind, 0, len(batch.Effects))
	for _, effect := range batch.Effects {
		out = append(out, effect.Kind)
	}
	return out
}

func mustApply(t *testing.T, r *Reconciler, snap *snapshot.Snapshot) Batch {
	t.Helper()
	batch, err := r.Apply(snap)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return batch
}

func TestFoodSetEqualsLatestSnapshotRegardlessOfHistory(t *testing.T) {
	histories := [][]grid.Position{
		nil,
		{grid.At(0, 0), grid.At(5, 5)},
		{grid.At(1, 1), grid.At(2, 2), grid.At(3, 3)},
	}
	next := []grid.Position{grid.At(1, 1), grid.At(4, 4), grid.At(1, 1)}
	want := []grid.Position{grid.At(1, 1), grid.At(4, 4)}

	for _, history := range histories {
		r := newTestReconciler(t)
		mustApply(t, r, foodSnapshot(history...))
		mustApply(t, r, foodSnapshot(next...))
		if got := sortedFood(r); !reflect.DeepEqual(got, want) {
			t.Fatalf("after history %v expected food %v, got %v", history, want, got)
		}
	}
}

func TestApplyingSameSnapshotTwiceIsIdempotent(t *testing.T) {
	r := newTestReconciler(t, 1)
	snap := foodSnapshot(grid.At(0, 0), grid.At(1, 1))
	snap.Agents = []snapshot.AgentRecord{{ID: 1, Position: grid.At(2, 2), Carrying: true}}
	deposit := grid.At(9, 9)
	snap.Deposit = &deposit

	first := mustApply(t, r, snap)
	if first.Count(CreateFood) != 2 || first.Count(CreateDeposit) != 1 {
		t.Fatalf("unexpected first batch %v", first.Effects)
	}
	second := mustApply(t, r, snap)
	for _, kind := range []Kind{CreateFood, RemoveFood, CreateDeposit} {
		if n := second.Count(kind); n != 0 {
			t.Fatalf("expected no %s on repeat, got %d", kind, n)
		}
	}
	for _, effect := range second.Effects {
		if effect.Kind == SetAgentCarry && effect.Transition != carry.None {
			t.Fatalf("expected carry no-op on repeat, got %v", effect.Transition)
		}
	}
	if second.Sequence != first.Sequence+1 {
		t.Fatalf("expected sequence to advance, got %d then %d", first.Sequence, second.Sequence)
	}
}

func TestRepeatedCarryingCreatesOneItem(t *testing.T) {
	r := newTestReconciler(t, 3)
	picked := 0
	for i := 0; i < 5; i++ {
		batch := mustApply(t, r, agentSnapshot(snapshot.AgentRecord{ID: 3, Position: grid.At(i, 0), Carrying: true}))
		for _, effect := range batch.Effects {
			if effect.Kind == SetAgentCarry && effect.Transition == carry.Picked {
				picked++
			}
		}
	}
	if picked != 1 {
		t.Fatalf("expected exactly one item creation, got %d", picked)
	}
	agent, _ := r.agents.Get(3)
	if agent.Carry.State() != carry.Carrying {
		t.Fatalf("expected carrying state, got %v", agent.Carry.State())
	}
	if _, ok := agent.Carry.Item(); !ok {
		t.Fatalf("expected an attached item")
	}
}

func TestDuplicateFoodPositionsCollapse(t *testing.T) {
	r := newTestReconciler(t)
	batch := mustApply(t, r, foodSnapshot(grid.At(0, 0), grid.At(0, 0), grid.At(1, 1)))

	if want := []Kind{CreateFood, CreateFood}; !reflect.DeepEqual(kinds(batch), want) {
		t.Fatalf("expected %v, got %v", want, kinds(batch))
	}
	if batch.Effects[0].Position != grid.At(0, 0) || batch.Effects[1].Position != grid.At(1, 1) {
		t.Fatalf("unexpected creation order %v", batch.Effects)
	}
}

func TestScenarioFirstSnapshotWithRegisteredAgent(t *testing.T) {
	r := newTestReconciler(t, 1)
	snap := foodSnapshot(grid.At(0, 0))
	snap.Agents = []snapshot.AgentRecord{{ID: 1, Position: grid.At(2, 3), Carrying: false}}

	batch := mustApply(t, r, snap)

	want := []Kind{CreateFood, UpdateAgentTarget, SetAgentCarry}
	if !reflect.DeepEqual(kinds(batch), want) {
		t.Fatalf("expected %v, got %v", want, kinds(batch))
	}
	if batch.Effects[0].Position != grid.At(0, 0) {
		t.Fatalf("unexpected food effect %v", batch.Effects[0])
	}
	if e := batch.Effects[1]; e.AgentID != 1 || e.Position != grid.At(2, 3) {
		t.Fatalf("unexpected target effect %v", e)
	}
	if e := batch.Effects[2]; e.AgentID != 1 || e.Carrying || e.Transition != carry.None {
		t.Fatalf("expected idle no-op carry effect, got %+v", e)
	}
}

func TestScenarioFoodRemoval(t *testing.T) {
	r := newTestReconciler(t)
	mustApply(t, r, foodSnapshot(grid.At(0, 0), grid.At(1, 1)))

	batch := mustApply(t, r, foodSnapshot(grid.At(1, 1)))
	if len(batch.Effects) != 1 {
		t.Fatalf("expected a single effect, got %v", batch.Effects)
	}
	if e := batch.Effects[0]; e.Kind != RemoveFood || e.Position != grid.At(0, 0) || !e.Handle.Valid() {
		t.Fatalf("expected RemoveFood((0,0)), got %+v", e)
	}
}

func TestScenarioCarryToggle(t *testing.T) {
	r := newTestReconciler(t, 1)
	var transitions []carry.Transition
	released := 0
	var created []uint64
	for _, carrying := range []bool{true, false, true} {
		batch := mustApply(t, r, agentSnapshot(snapshot.AgentRecord{ID: 1, Position: grid.At(1, 1), Carrying: carrying}))
		for _, effect := range batch.Effects {
			if effect.Kind != SetAgentCarry {
				continue
			}
			transitions = append(transitions, effect.Transition)
			switch effect.Transition {
			case carry.Picked:
				created = append(created, uint64(effect.Item))
				if effect.Offset != DefaultCarryOffset {
					t.Fatalf("expected default offset on pick, got %v", effect.Offset)
				}
			case carry.Dropped:
				released++
				if uint64(effect.Item) != created[0] {
					t.Fatalf("expected the first item to be released, got %v", effect.Item)
				}
			}
		}
		if live := len(created) - released; live > 1 {
			t.Fatalf("more than one attached item alive: %d", live)
		}
	}
	if want := []carry.Transition{carry.Picked, carry.Dropped, carry.Picked}; !reflect.DeepEqual(transitions, want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	if len(created) != 2 || released != 1 || created[0] == created[1] {
		t.Fatalf("expected two distinct items and one release, got %v / %d", created, released)
	}
}

func TestScenarioUnregisteredAgent(t *testing.T) {
	r := newTestReconciler(t, 1)
	batch := mustApply(t, r, agentSnapshot(
		snapshot.AgentRecord{ID: 99, Position: grid.At(0, 0)},
		snapshot.AgentRecord{ID: 1, Position: grid.At(4, 4)},
	))

	if batch.Count(UnregisteredAgent) != 1 || batch.Effects[0].AgentID != 99 {
		t.Fatalf("expected one UnregisteredAgent(99), got %v", batch.Effects)
	}
	if batch.Count(UpdateAgentTarget) != 1 {
		t.Fatalf("expected the known agent to still be processed, got %v", batch.Effects)
	}
	if _, ok := r.agents.Get(99); ok {
		t.Fatalf("unknown agent must not be created")
	}
}

func TestDepositLatchIsOneShot(t *testing.T) {
	r := newTestReconciler(t)
	if batch := mustApply(t, r, foodSnapshot()); batch.Count(CreateDeposit) != 0 {
		t.Fatalf("absent deposit must be a no-op")
	}

	first := grid.At(3, 3)
	snap := foodSnapshot()
	snap.Deposit = &first
	if batch := mustApply(t, r, snap); batch.Count(CreateDeposit) != 1 {
		t.Fatalf("expected deposit creation, got %v", batch.Effects)
	}

	moved := grid.At(8, 8)
	snap = foodSnapshot()
	snap.Deposit = &moved
	if batch := mustApply(t, r, snap); batch.Count(CreateDeposit) != 0 {
		t.Fatalf("expected later deposit values to be ignored")
	}
	if view := r.View(); view.Deposit == nil || *view.Deposit != first {
		t.Fatalf("expected deposit to stay at %v, got %v", first, view.Deposit)
	}
}

func TestMissingFoodSectionLeavesFoodUntouched(t *testing.T) {
	r := newTestReconciler(t)
	mustApply(t, r, foodSnapshot(grid.At(1, 1)))

	snap := &snapshot.Snapshot{
		AgentsPresent: true,
		Diagnostics:   []snapshot.Diagnostic{{Kind: snapshot.MissingSection, Section: "food", Index: -1}},
	}
	batch := mustApply(t, r, snap)
	if batch.Count(RemoveFood) != 0 || len(batch.Diagnostics) != 1 {
		t.Fatalf("expected no removals and one diagnostic, got %+v", batch)
	}
	if got := sortedFood(r); !reflect.DeepEqual(got, []grid.Position{grid.At(1, 1)}) {
		t.Fatalf("expected food to be kept, got %v", got)
	}

	batch = mustApply(t, r, foodSnapshot())
	if batch.Count(RemoveFood) != 1 || len(r.food.Keys()) != 0 {
		t.Fatalf("expected empty food list to clear food, got %v", batch.Effects)
	}
}

// lyingFood reports every key as absent so the diff tries to insert a
// position that is already registered.
type lyingFood struct {
	*registry.Registry[grid.Position, Food]
}

func (lyingFood) Contains(grid.Position) bool { return false }

func TestDuplicateKeyAbortsPassWithoutMutation(t *testing.T) {
	food := lyingFood{registry.New[grid.Position, Food]()}
	r := New(Options{Food: food, Logger: logging.NewTestLogger()})
	if _, err := r.RegisterAgent(1, grid.At(0, 0)); err != nil {
		t.Fatalf("register: %v", err)
	}
	mustApply(t, r, foodSnapshot(grid.At(0, 0), grid.At(7, 7)))
	seq := r.Sequence()

	deposit := grid.At(5, 5)
	snap := foodSnapshot(grid.At(2, 2), grid.At(0, 0))
	snap.Deposit = &deposit
	snap.Agents = []snapshot.AgentRecord{{ID: 1, Position: grid.At(9, 9), Carrying: true}}

	batch, err := r.Apply(snap)
	if !errors.Is(err, ErrInvariant) || !errors.Is(err, registry.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key invariant error, got %v", err)
	}
	if len(batch.Effects) != 0 {
		t.Fatalf("expected empty batch on abort, got %v", batch.Effects)
	}
	view := r.View()
	if len(view.Food) != 2 || food.Registry.Contains(grid.At(2, 2)) {
		t.Fatalf("expected food to be rolled back, got %v", view.Food)
	}
	if view.Deposit != nil {
		t.Fatalf("deposit must not be created by an aborted pass")
	}
	if view.Agents[0].Target != grid.At(0, 0) || view.Agents[0].State != "idle" {
		t.Fatalf("agent must not change in an aborted pass, got %+v", view.Agents[0])
	}
	if r.Sequence() != seq {
		t.Fatalf("sequence must not advance on abort")
	}
}

// stuckFood refuses to remove one position.
type stuckFood struct {
	*registry.Registry[grid.Position, Food]
	stuck grid.Position
}

func (f stuckFood) Remove(pos grid.Position) (Food, error) {
	if pos == f.stuck {
		return Food{}, registry.ErrMissingKey
	}
	return f.Registry.Remove(pos)
}

func TestAbortedRemovalRestoresFoodOrder(t *testing.T) {
	food := stuckFood{Registry: registry.New[grid.Position, Food](), stuck: grid.At(3, 3)}
	r := New(Options{Food: food, Logger: logging.NewTestLogger()})
	initial := []grid.Position{grid.At(1, 1), grid.At(2, 2), grid.At(3, 3), grid.At(4, 4)}
	mustApply(t, r, foodSnapshot(initial...))

	_, err := r.Apply(foodSnapshot(grid.At(4, 4), grid.At(5, 5)))
	if !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	if got := r.food.Keys(); !reflect.DeepEqual(got, initial) {
		t.Fatalf("expected food order %v after rollback, got %v", initial, got)
	}

	boot := r.Bootstrap()
	for i, effect := range boot.Effects {
		if effect.Position != initial[i] {
			t.Fatalf("bootstrap effect %d at %s, want %s", i, effect.Position, initial[i])
		}
	}
}

func TestPlacementEffectsCarryHeight(t *testing.T) {
	r := New(Options{Logger: logging.NewTestLogger(), Height: 0.12})
	spawn, err := r.RegisterAgent(1, grid.At(0, 0))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if spawn.Effects[0].Height != 0.12 {
		t.Fatalf("expected spawn height, got %+v", spawn.Effects[0])
	}

	deposit := grid.At(5, 5)
	snap := foodSnapshot(grid.At(1, 1))
	snap.Deposit = &deposit
	batch := mustApply(t, r, snap)
	for _, effect := range batch.Effects {
		if (effect.Kind == CreateFood || effect.Kind == CreateDeposit) && effect.Height != 0.12 {
			t.Fatalf("expected height on %s", effect)
		}
	}
	for _, effect := range r.Bootstrap().Effects {
		switch effect.Kind {
		case CreateFood, CreateDeposit, SpawnAgent:
			if effect.Height != 0.12 {
				t.Fatalf("expected bootstrap height on %s", effect)
			}
		}
	}

	raw, err := json.Marshal(batch.Effects[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"kind":"create_food","position":[1,1],"handle":2,"height":0.12}` {
		t.Fatalf("unexpected create_food json %s", raw)
	}
	var decoded Effect
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Height != 0.12 {
		t.Fatalf("expected height to survive decoding, got %+v (%v)", decoded, err)
	}

	raw, err = json.Marshal(Effect{Kind: RemoveFood, Position: grid.At(1, 1), Handle: 2, Height: 0.12})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"kind":"remove_food","position":[1,1],"handle":2}` {
		t.Fatalf("remove_food must not carry a height, got %s", raw)
	}
}

func TestRegisterAgentTwiceIsDuplicateKey(t *testing.T) {
	r := newTestReconciler(t, 4)
	_, err := r.RegisterAgent(4, grid.At(1, 1))
	if !errors.Is(err, registry.ErrDuplicateKey) {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestDeregisterAgentReleasesItem(t *testing.T) {
	r := newTestReconciler(t, 2)
	batch := mustApply(t, r, agentSnapshot(snapshot.AgentRecord{ID: 2, Position: grid.At(1, 1), Carrying: true}))
	item := batch.Effects[1].Item

	batch, err := r.DeregisterAgent(2)
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if e := batch.Effects[0]; e.Kind != ReleaseAgent || e.Item != item {
		t.Fatalf("expected release of item %v, got %+v", item, e)
	}
	if _, err := r.DeregisterAgent(2); !errors.Is(err, registry.ErrMissingKey) {
		t.Fatalf("expected missing key on second deregister, got %v", err)
	}

	batch = mustApply(t, r, agentSnapshot(snapshot.AgentRecord{ID: 2, Position: grid.At(1, 1)}))
	if batch.Count(UnregisteredAgent) != 1 {
		t.Fatalf("expected deregistered agent to be reported as unregistered")
	}
}

func TestBootstrapDescribesCurrentWorld(t *testing.T) {
	r := newTestReconciler(t, 1, 2)
	deposit := grid.At(6, 6)
	snap := foodSnapshot(grid.At(0, 0), grid.At(1, 1))
	snap.Deposit = &deposit
	snap.Agents = []snapshot.AgentRecord{
		{ID: 1, Position: grid.At(2, 2), Carrying: true},
		{ID: 2, Position: grid.At(3, 3)},
	}
	mustApply(t, r, snap)

	boot := r.Bootstrap()
	if !boot.Bootstrap || boot.Sequence != r.Sequence() {
		t.Fatalf("unexpected bootstrap header %+v", boot)
	}
	want := []Kind{
		CreateDeposit, CreateFood, CreateFood,
		SpawnAgent, UpdateAgentTarget, SetAgentCarry,
		SpawnAgent, UpdateAgentTarget,
	}
	if !reflect.DeepEqual(kinds(boot), want) {
		t.Fatalf("expected %v, got %v", want, kinds(boot))
	}
	if r.Sequence() != boot.Sequence {
		t.Fatalf("bootstrap must not advance the sequence")
	}
}

func TestEffectJSONCarriesKindSpecificFields(t *testing.T) {
	raw, err := json.Marshal(Effect{Kind: SetAgentCarry, AgentID: 0, Carrying: true, Transition: carry.Picked, Item: 7, Offset: DefaultCarryOffset})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"kind":"set_agent_carry","agent_id":0,"carrying":true,"transition":"picked","item":7,"offset":[0,0.8,-0.5]}`
	if string(raw) != want {
		t.Fatalf("expected %s, got %s", want, raw)
	}

	raw, err = json.Marshal(Effect{Kind: RemoveFood, Position: grid.At(0, 0), Handle: 3})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"kind":"remove_food","position":[0,0],"handle":3}` {
		t.Fatalf("unexpected food effect json %s", raw)
	}

	var decoded Effect
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != (Effect{Kind: RemoveFood, Position: grid.At(0, 0), Handle: 3}) {
		t.Fatalf("unexpected decoded effect %+v", decoded)
	}

	if _, err := json.Marshal(Effect{Kind: "teleport"}); err == nil {
		t.Fatalf("expected unknown kind to fail")
	}
}

func TestRestoreRebuildsMirrorFromBootstrap(t *testing.T) {
	live := newTestReconciler(t, 1, 2)
	deposit := grid.At(6, 6)
	snap := foodSnapshot(grid.At(0, 0), grid.At(1, 1))
	snap.Deposit = &deposit
	snap.Agents = []snapshot.AgentRecord{{ID: 1, Position: grid.At(2, 2), Carrying: true}}
	mustApply(t, live, snap)

	restored := New(Options{Logger: logging.NewTestLogger(), CarryOffset: DefaultCarryOffset})
	if err := restored.Restore(live.Bootstrap()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !reflect.DeepEqual(restored.View(), live.View()) {
		t.Fatalf("restored view differs:\n%+v\n%+v", restored.View(), live.View())
	}

	next := foodSnapshot(grid.At(1, 1))
	next.Agents = []snapshot.AgentRecord{{ID: 1, Position: grid.At(3, 3), Carrying: false}}
	a := mustApply(t, live, next)
	b := mustApply(t, restored, next)
	if a.Sequence != b.Sequence || !reflect.DeepEqual(a.Effects, b.Effects) {
		t.Fatalf("expected identical follow-up batches:\n%+v\n%+v", a, b)
	}

	if err := restored.Restore(live.Bootstrap()); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected restore into a populated mirror to fail, got %v", err)
	}
}
