package terminal

import (
	"testing"
	"time"
)

func TestSubscriptionMachine_SubscribeUnsubscribe(t *testing.T) {
	m := NewSubscriptionMachine()

	if m.AnySubscribed() {
		t.Fatalf("expected no subscribers initially")
	}

	await := m.AwaitStateChange()
	m.Subscribe(peerA)

	select {
	case state := <-await:
		if state != Subscribed {
			t.Fatalf("expected Subscribed, got %v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("AwaitStateChange never fired")
	}

	if m.State(peerA) != Subscribed {
		t.Fatalf("expected peer state Subscribed")
	}

	m.Unsubscribe(peerA)
	if m.AnySubscribed() {
		t.Fatalf("expected no subscribers after unsubscribe")
	}
}

func TestSubscriptionMachine_RemovePeerDropsState(t *testing.T) {
	m := NewSubscriptionMachine()
	m.Subscribe(peerA)
	m.RemovePeer(peerA)
	if m.AnySubscribed() {
		t.Fatalf("expected subscriber state cleared after RemovePeer")
	}
}
