package terminal

import (
	"testing"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// pairedLookup wires two Leafs directly to each other's Dispatch, as if
// a single admitted session existed between peer "a" and peer "b" —
// enough to exercise the terminal message exchange of spec.md 4.5
// without a real byte transport.
type pairedLookup struct {
	self, other types.Identity
	target      *Leaf
}

func (p *pairedLookup) Send(peer types.Identity, msg types.Message) error {
	if peer != p.other {
		return types.ErrConnectionClosed
	}
	p.target.Dispatch(p.self, msg)
	return nil
}

func (p *pairedLookup) Peers() []types.Identity { return []types.Identity{p.other} }

func newPairedLeaves() (a, b *Leaf) {
	idA := types.Identity{0x0a}
	idB := types.Identity{0x0b}

	lookupA := &pairedLookup{self: idA, other: idB}
	lookupB := &pairedLookup{self: idB, other: idA}

	a = NewLeaf(lookupA)
	b = NewLeaf(lookupB)
	lookupA.target = b
	lookupB.target = a
	return a, b
}

// TestLeaf_PublishSubscribe exercises the end-to-end wire path: announce
// terminal, subscribe, publish, deliver.
func TestLeaf_PublishSubscribe(t *testing.T) {
	a, b := newPairedLeaves()
	idA := types.Identity{0x0a}

	pub := a.NewTerminal(types.Identifier{Name: "motor/speed"}, PublishSubscribe)
	sub := b.NewTerminal(types.Identifier{Name: "motor/speed"}, PublishSubscribe)

	received := make(chan []byte, 1)
	sub.OnData(func(_ types.Identity, bytes []byte) { received <- bytes })

	if err := sub.Subscribe(idA); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	pub.Publish([]byte("42rpm"))

	select {
	case got := <-received:
		if string(got) != "42rpm" {
			t.Fatalf("expected 42rpm, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the publish")
	}
}

func TestLeaf_CachedVariantResendsLastValueOnSubscribe(t *testing.T) {
	a, b := newPairedLeaves()
	idA := types.Identity{0x0a}

	pub := a.NewTerminal(types.Identifier{Name: "sensor/temp"}, CachedPublishSubscribe)
	sub := b.NewTerminal(types.Identifier{Name: "sensor/temp"}, CachedPublishSubscribe)

	pub.Publish([]byte("21C"))

	received := make(chan []byte, 1)
	sub.OnData(func(_ types.Identity, bytes []byte) { received <- bytes })

	if err := sub.Subscribe(idA); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "21C" {
			t.Fatalf("expected cached value 21C, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the cached value")
	}
}

// TestLeaf_ScatterGatherOperationIdsDoNotCollideAcrossTerminals exercises
// two MasterSlave terminals living on the same leaf with operations
// outstanding at once. The wire Gather carries only an OperationId, no
// terminal identifier, so if each terminal allocated ids from its own
// private registry both would hand out Id(1) to their first operation
// and the reply meant for one would also be consumed by the other
// (resolved by sharing one operation-id registry per leaf).
func TestLeaf_ScatterGatherOperationIdsDoNotCollideAcrossTerminals(t *testing.T) {
	a, b := newPairedLeaves()
	idB := types.Identity{0x0b}

	slave1 := a.NewTerminal(types.Identifier{Name: "job/one"}, MasterSlave)
	slave2 := a.NewTerminal(types.Identifier{Name: "job/two"}, MasterSlave)

	master1 := b.NewTerminal(types.Identifier{Name: "job/one"}, MasterSlave)
	master2 := b.NewTerminal(types.Identifier{Name: "job/two"}, MasterSlave)

	master1.ScatterGather().OnScatter(func(_ types.Identity, scatter types.Scatter, reply func(types.Gather)) {
		reply(types.Gather{Bytes: []byte("one-reply"), Flags: types.GatherFinished})
	})
	master2.ScatterGather().OnScatter(func(_ types.Identity, scatter types.Scatter, reply func(types.Gather)) {
		reply(types.Gather{Bytes: []byte("two-reply"), Flags: types.GatherFinished})
	})

	got1 := make(chan []byte, 1)
	got2 := make(chan []byte, 1)

	slave1.ScatterGather().AsyncScatterGather(slave1.Id, []types.Identity{idB}, []byte("req1"), func(_ types.Identity, g types.Gather) bool {
		got1 <- g.Bytes
		return true
	})
	slave2.ScatterGather().AsyncScatterGather(slave2.Id, []types.Identity{idB}, []byte("req2"), func(_ types.Identity, g types.Gather) bool {
		got2 <- g.Bytes
		return true
	})

	select {
	case bytes := <-got1:
		if string(bytes) != "one-reply" {
			t.Fatalf("slave1 expected one-reply, got %q", bytes)
		}
	case <-time.After(time.Second):
		t.Fatal("slave1 never received its reply")
	}
	select {
	case bytes := <-got2:
		if string(bytes) != "two-reply" {
			t.Fatalf("slave2 expected two-reply, got %q", bytes)
		}
	case <-time.After(time.Second):
		t.Fatal("slave2 never received its reply")
	}
}

func TestLeaf_BindingEstablishesOnMatchingTerminal(t *testing.T) {
	a, b := newPairedLeaves()

	binding := a.NewBinding(types.Identifier{Name: "motor/speed"})
	await := binding.AwaitStateChange()

	b.NewTerminal(types.Identifier{Name: "motor/speed"}, DeafMute)

	select {
	case state := <-await:
		if state != Established {
			t.Fatalf("expected Established, got %v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("binding never established")
	}
}
