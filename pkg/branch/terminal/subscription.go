package terminal

import (
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// SubscriptionState is the two-state machine of spec.md 4.5: a
// subscribable terminal is either unsubscribed or subscribed, driven by
// receipt of Subscribe/Unsubscribe messages targeted at this terminal's
// mapped id.
type SubscriptionState int

const (
	Unsubscribed SubscriptionState = iota
	Subscribed
)

func (s SubscriptionState) String() string {
	if s == Subscribed {
		return "subscribed"
	}
	return "unsubscribed"
}

// SubscriptionMachine tracks the subscription state of one terminal per
// remote peer (a terminal session-wide peer-fanout, not the
// all-or-nothing abstraction spec.md 4.5 describes in the singular,
// since a branch may hold many simultaneous peer sessions per spec.md 2).
type SubscriptionMachine struct {
	mu      sync.Mutex
	byPeer  map[types.Identity]SubscriptionState
	waiters []chan SubscriptionState
}

func NewSubscriptionMachine() *SubscriptionMachine {
	return &SubscriptionMachine{byPeer: make(map[types.Identity]SubscriptionState)}
}

// Subscribe transitions the given peer to Subscribed, firing any pending
// AwaitStateChange handlers.
func (m *SubscriptionMachine) Subscribe(peer types.Identity) {
	m.mu.Lock()
	m.byPeer[peer] = Subscribed
	waiters := m.drainLocked()
	m.mu.Unlock()
	notify(waiters, Subscribed)
}

// Unsubscribe transitions the given peer to Unsubscribed.
func (m *SubscriptionMachine) Unsubscribe(peer types.Identity) {
	m.mu.Lock()
	delete(m.byPeer, peer)
	waiters := m.drainLocked()
	m.mu.Unlock()
	notify(waiters, Unsubscribed)
}

// RemovePeer drops all subscription state for a peer whose session was
// lost, without emitting a synthetic Unsubscribe transition.
func (m *SubscriptionMachine) RemovePeer(peer types.Identity) {
	m.mu.Lock()
	delete(m.byPeer, peer)
	m.mu.Unlock()
}

// State reports whether peer currently holds a subscription.
func (m *SubscriptionMachine) State(peer types.Identity) SubscriptionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPeer[peer]
}

// AnySubscribed reports whether at least one peer currently holds a
// subscription, used to decide whether a publish has any destination.
func (m *SubscriptionMachine) AnySubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byPeer) > 0
}

// Subscribers returns a snapshot of every peer currently subscribed.
func (m *SubscriptionMachine) Subscribers() []types.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Identity, 0, len(m.byPeer))
	for peer := range m.byPeer {
		out = append(out, peer)
	}
	return out
}

// AwaitStateChange returns a channel that receives the new state when the
// next Subscribe or Unsubscribe transition fires; it does not block.
func (m *SubscriptionMachine) AwaitStateChange() <-chan SubscriptionState {
	ch := make(chan SubscriptionState, 1)
	m.mu.Lock()
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()
	return ch
}

func (m *SubscriptionMachine) drainLocked() []chan SubscriptionState {
	waiters := m.waiters
	m.waiters = nil
	return waiters
}

func notify(waiters []chan SubscriptionState, state SubscriptionState) {
	for _, ch := range waiters {
		ch <- state
		close(ch)
	}
}
