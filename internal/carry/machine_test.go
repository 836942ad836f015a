package carry

import (
	"testing"

	"swarmview/mirror/internal/handle"
)

func TestMachineStartsIdle(t *testing.T) {
	var m Machine
	if m.State() != Idle {
		t.Fatalf("expected idle, got %v", m.State())
	}
	if _, ok := m.Item(); ok {
		t.Fatalf("idle machine must not own an item")
	}
}

func TestMachineRepeatedCarryCreatesSingleItem(t *testing.T) {
	alloc := handle.NewAllocator()
	created := 0
	newItem := func() handle.Handle {
		created++
		return alloc.Next()
	}

	var m Machine
	for i := 0; i < 10; i++ {
		m.Apply(true, newItem)
	}
	if created != 1 {
		t.Fatalf("expected exactly one item creation, got %d", created)
	}
	item, ok := m.Item()
	if !ok || item != 1 {
		t.Fatalf("expected carried item h1, got %v %v", item, ok)
	}
}

func TestMachineToggleReleasesOnce(t *testing.T) {
	alloc := handle.NewAllocator()
	var m Machine
	var picked, dropped int
	var released []handle.Handle

	for _, carrying := range []bool{true, false, false, true} {
		step := m.Apply(carrying, alloc.Next)
		switch step.Transition {
		case Picked:
			picked++
		case Dropped:
			dropped++
			released = append(released, step.Item)
		}
	}
	if picked != 2 || dropped != 1 {
		t.Fatalf("expected 2 picks and 1 drop, got %d and %d", picked, dropped)
	}
	if len(released) != 1 || released[0] != 1 {
		t.Fatalf("expected first item to be released once, got %v", released)
	}
	if item, _ := m.Item(); item != 2 {
		t.Fatalf("expected second item to be attached, got %v", item)
	}
}

func TestMachineIdleFalseIsNoop(t *testing.T) {
	var m Machine
	step := m.Apply(false, func() handle.Handle {
		t.Fatal("item must not be created")
		return 0
	})
	if step.Transition != None || m.State() != Idle {
		t.Fatalf("unexpected step %+v state %v", step, m.State())
	}
}

func TestMachineRelease(t *testing.T) {
	var m Machine
	m.Apply(true, func() handle.Handle { return 9 })
	item, ok := m.Release()
	if !ok || item != 9 {
		t.Fatalf("expected release of h9, got %v %v", item, ok)
	}
	if _, ok := m.Release(); ok {
		t.Fatalf("second release must be a no-op")
	}
}

func TestTransitionText(t *testing.T) {
	var tr Transition
	if err := tr.UnmarshalText([]byte("dropped")); err != nil || tr != Dropped {
		t.Fatalf("unexpected transition %v %v", tr, err)
	}
	text, _ := Picked.MarshalText()
	if string(text) != "picked" {
		t.Fatalf("unexpected text %q", text)
	}
}
