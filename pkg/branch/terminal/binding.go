package terminal

import (
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// BindingState is the two-state machine of spec.md 4.5: released or
// established.
type BindingState int

const (
	Released BindingState = iota
	Established
)

func (s BindingState) String() string {
	if s == Established {
		return "established"
	}
	return "released"
}

// remoteTerminalKey identifies one remote terminal observed as a
// candidate match for a binding: the peer it lives on plus the id that
// peer assigned it.
type remoteTerminalKey struct {
	peer types.Identity
	id   types.Id
}

// Binding is the named virtual link of the GLOSSARY: it watches for
// remote terminals whose Identifier matches its own and reports via
// BindingEstablished/BindingReleased when at least one such match
// exists.
type Binding struct {
	mu sync.Mutex

	Id         types.Id
	Identifier types.Identifier

	matches map[remoteTerminalKey]struct{}
	waiters []chan BindingState
}

func NewBinding(id types.Id, identifier types.Identifier) *Binding {
	return &Binding{
		Id:         id,
		Identifier: identifier,
		matches:    make(map[remoteTerminalKey]struct{}),
	}
}

func (b *Binding) State() BindingState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Binding) stateLocked() BindingState {
	if len(b.matches) > 0 {
		return Established
	}
	return Released
}

// NoticeMatch records a matching remote terminal. It returns the new
// state and whether this call transitioned released->established (i.e.
// whether a BindingEstablished notification must be emitted).
func (b *Binding) NoticeMatch(peer types.Identity, remoteID types.Id) (BindingState, bool) {
	key := remoteTerminalKey{peer: peer, id: remoteID}

	b.mu.Lock()
	wasReleased := len(b.matches) == 0
	b.matches[key] = struct{}{}
	newState := b.stateLocked()
	transitioned := wasReleased && newState == Established
	waiters := b.drainLocked()
	b.mu.Unlock()

	if transitioned {
		notifyBinding(waiters, newState)
	}
	return newState, transitioned
}

// RemoveMatch drops one previously-noticed remote terminal, because it
// was reported removed or its connection was lost (spec.md 4.5). It
// returns the new state and whether this call transitioned
// established->released.
func (b *Binding) RemoveMatch(peer types.Identity, remoteID types.Id) (BindingState, bool) {
	key := remoteTerminalKey{peer: peer, id: remoteID}

	b.mu.Lock()
	_, had := b.matches[key]
	if had {
		delete(b.matches, key)
	}
	newState := b.stateLocked()
	transitioned := had && newState == Released
	waiters := b.drainLocked()
	b.mu.Unlock()

	if transitioned {
		notifyBinding(waiters, newState)
	}
	return newState, transitioned
}

// RemovePeer drops every match observed on peer, used when that peer's
// session is lost entirely. It returns whether this transitioned the
// binding to released.
func (b *Binding) RemovePeer(peer types.Identity) bool {
	b.mu.Lock()
	had := false
	for key := range b.matches {
		if key.peer == peer {
			delete(b.matches, key)
			had = true
		}
	}
	newState := b.stateLocked()
	transitioned := had && newState == Released
	waiters := b.drainLocked()
	b.mu.Unlock()

	if transitioned {
		notifyBinding(waiters, newState)
	}
	return transitioned
}

func (b *Binding) AwaitStateChange() <-chan BindingState {
	ch := make(chan BindingState, 1)
	b.mu.Lock()
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()
	return ch
}

func (b *Binding) drainLocked() []chan BindingState {
	waiters := b.waiters
	b.waiters = nil
	return waiters
}

func notifyBinding(waiters []chan BindingState, state BindingState) {
	for _, ch := range waiters {
		ch <- state
		close(ch)
	}
}
