package effectstream

import (
	"testing"

	"swarmview/mirror/internal/reconcile"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(4)
	defer sub.Cancel()

	for seq := uint64(1); seq <= 3; seq++ {
		b.Publish(reconcile.Batch{Sequence: seq})
	}
	for want := uint64(1); want <= 3; want++ {
		got := <-sub.C
		if got.Sequence != want {
			t.Fatalf("expected sequence %d, got %d", want, got.Sequence)
		}
	}
}

func TestBroadcasterDropsLaggingSubscriber(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer fast.Cancel()

	b.Publish(reconcile.Batch{Sequence: 1})
	b.Publish(reconcile.Batch{Sequence: 2})

	if b.Len() != 1 {
		t.Fatalf("expected one live subscriber, got %d", b.Len())
	}
	<-slow.C
	if _, ok := <-slow.C; ok {
		t.Fatal("expected lagging channel to be closed")
	}
	if !slow.Lagged() {
		t.Fatal("expected lagging subscription to report Lagged")
	}
	if fast.Lagged() || len(fast.C) != 2 {
		t.Fatalf("fast subscriber should hold both batches, got %d", len(fast.C))
	}
	slow.Cancel()
}

func TestBroadcasterCloseEndsSubscriptions(t *testing.T) {
	b := NewBroadcaster()
	sub := b.Subscribe(1)
	b.Close()
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
	if sub.Lagged() {
		t.Fatal("close is not lag")
	}
	late := b.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Fatal("subscriptions after close start closed")
	}
	sub.Cancel()
	b.Publish(reconcile.Batch{Sequence: 1})
}
