package terminal

import (
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// PeerLookup is the narrow view of the session layer a Leaf needs: send
// one message to an admitted peer, and list the admitted peers. NewLeaf
// takes the concrete implementation; here it is an interface so the
// terminal package itself never imports pkg/branch/core (core would
// otherwise need to import terminal right back).
type PeerLookup interface {
	// Send delivers msg to peer's running session, or returns
	// ErrConnectionClosed if no session is currently admitted for peer.
	Send(peer types.Identity, msg types.Message) error
	// Peers returns every peer identity with a currently admitted
	// session, used to fan out a terminal's own announcement.
	Peers() []types.Identity
}

// Leaf is a grouping of terminals and bindings sharing one upstream
// session set (GLOSSARY: "a branch hosts leaves internally"). It owns
// the Id registries for both (spec.md 3: "No two live terminals owned by
// the same leaf share the same Id; no two bindings share the same Id"),
// announces newly created terminals/bindings to every connected peer,
// and dispatches inbound terminal messages to the right state machine.
type Leaf struct {
	mu sync.Mutex

	peers PeerLookup

	terminals *types.Registry[*Terminal]
	bindings  *types.Registry[*Binding]

	// byMappedID maps (peer, id that peer gave its own terminal) back to
	// the matching local terminal, so TerminalRemoved/Data/CachedData/
	// Scatter frames addressed by the sender's own id resolve in O(1)
	// instead of a linear scan over every terminal.
	byMappedID map[mappedKey]types.Id

	// remoteTerminals and remoteBindings hold every TerminalDescription/
	// BindingDescription ever received, whether or not a local match
	// existed yet at the time. A terminal or binding created after the
	// matching remote one was announced still needs to discover it, so
	// NewTerminal/NewBinding replay this directory instead of relying
	// solely on the reactive match performed when the description first
	// arrived.
	remoteTerminals map[types.Identity][]remoteDescriptor
	remoteBindings  map[types.Identity][]remoteDescriptor

	// sgGauge, when set via SetScatterGatherGauge, is wired into every
	// scatter-gather-like terminal this leaf creates afterward.
	sgGauge Gauge

	// operationIDs is the one shared operation-id allocator every
	// scatter-gather-like terminal on this leaf draws from (see
	// ScatterGatherMachine.SetOperationRegistry): the wire Gather carries
	// no terminal identifier, so operation ids must be unique leaf-wide,
	// not just per terminal.
	operationIDs *types.Registry[*scatterTask]
}

type remoteDescriptor struct {
	identifier types.Identifier
	id         types.Id
}

type mappedKey struct {
	peer types.Identity
	id   types.Id
}

func NewLeaf(peers PeerLookup) *Leaf {
	return &Leaf{
		peers:           peers,
		terminals:       types.NewRegistry[*Terminal](),
		bindings:        types.NewRegistry[*Binding](),
		byMappedID:      make(map[mappedKey]types.Id),
		remoteTerminals: make(map[types.Identity][]remoteDescriptor),
		remoteBindings:  make(map[types.Identity][]remoteDescriptor),
		operationIDs:    types.NewRegistry[*scatterTask](),
	}
}

// SetScatterGatherGauge registers the gauge every scatter-gather-like
// terminal created after this call reports its in-flight operation
// count to (core.Metrics.ScatterGatherInFlight, wired by Branch).
func (l *Leaf) SetScatterGatherGauge(g Gauge) {
	l.mu.Lock()
	l.sgGauge = g
	l.mu.Unlock()
}

// leafSender is the Sender implementation handed to every Terminal this
// leaf creates: it resolves "send to peer" through the leaf's PeerLookup
// and "broadcast" by fanning out to every currently admitted peer.
type leafSender struct{ leaf *Leaf }

func (s leafSender) SendTo(peer types.Identity, msg types.Message) error {
	return s.leaf.peers.Send(peer, msg)
}

func (s leafSender) Broadcast(msg types.Message) {
	for _, peer := range s.leaf.peers.Peers() {
		_ = s.leaf.peers.Send(peer, msg)
	}
}

// NewTerminal creates and registers a terminal of the given pattern,
// then announces it to every connected peer via TerminalDescription
// (spec.md 4.5).
func (l *Leaf) NewTerminal(identifier types.Identifier, pattern Pattern) *Terminal {
	l.mu.Lock()
	id, _ := l.terminals.Add(nil)
	l.mu.Unlock()

	t := NewTerminal(id, identifier, pattern, leafSender{leaf: l})

	l.mu.Lock()
	l.terminals.Set(id, t)
	matches := l.matchRemoteTerminalsLocked(identifier)
	gauge := l.sgGauge
	operationIDs := l.operationIDs
	l.mu.Unlock()

	if t.scatterGather != nil {
		t.scatterGather.SetOperationRegistry(operationIDs)
		if gauge != nil {
			t.scatterGather.SetGauge(gauge)
		}
	}

	for _, m := range matches {
		t.NoticeRemote(m.peer, m.descriptor.id)
		l.mu.Lock()
		l.byMappedID[mappedKey{peer: m.peer, id: m.descriptor.id}] = t.Id
		l.mu.Unlock()
	}

	l.announceTerminal(t)
	return t
}

type remoteMatch struct {
	peer       types.Identity
	descriptor remoteDescriptor
}

// matchRemoteTerminalsLocked scans the remote-terminal directory for
// every descriptor matching identifier, across every peer that has ever
// announced one. Must be called with l.mu held.
func (l *Leaf) matchRemoteTerminalsLocked(identifier types.Identifier) []remoteMatch {
	if identifier.Hidden {
		return nil
	}
	var out []remoteMatch
	for peer, descriptors := range l.remoteTerminals {
		for _, d := range descriptors {
			if d.identifier.Matches(identifier) {
				out = append(out, remoteMatch{peer: peer, descriptor: d})
			}
		}
	}
	return out
}

// RemoveTerminal frees the terminal's Id (returned to the free-list per
// spec.md 3) and announces removal to every peer that was told about it.
func (l *Leaf) RemoveTerminal(t *Terminal) {
	l.mu.Lock()
	l.terminals.Remove(t.Id)
	for k, v := range l.byMappedID {
		if v == t.Id {
			delete(l.byMappedID, k)
		}
	}
	l.mu.Unlock()

	for _, peer := range l.peers.Peers() {
		t.mu.Lock()
		mapped, ok := t.mappedByPeer[peer]
		t.mu.Unlock()
		if ok {
			_ = l.peers.Send(peer, types.Message{Kind: types.KindTerminalRemoved, Body: types.TerminalRemoved{MappedId: mapped}})
		}
	}
}

// NewBinding creates and registers a binding, then announces it.
func (l *Leaf) NewBinding(identifier types.Identifier) *Binding {
	l.mu.Lock()
	id, _ := l.bindings.Add(nil)
	l.mu.Unlock()

	b := NewBinding(id, identifier)

	l.mu.Lock()
	l.bindings.Set(id, b)
	matches := l.matchRemoteBindingsLocked(identifier)
	l.mu.Unlock()

	for _, m := range matches {
		if _, transitioned := b.NoticeMatch(m.peer, m.descriptor.id); transitioned {
			_ = l.peers.Send(m.peer, types.Message{Kind: types.KindBindingEstablished, Body: types.BindingEstablished{BindingId: b.Id}})
		}
	}

	for _, peer := range l.peers.Peers() {
		_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingDescription, Body: types.BindingDescription{Identifier: identifier, Id: id}})
	}
	return b
}

// matchRemoteBindingsLocked scans the remote-binding directory for every
// descriptor matching identifier. Must be called with l.mu held.
func (l *Leaf) matchRemoteBindingsLocked(identifier types.Identifier) []remoteMatch {
	if identifier.Hidden {
		return nil
	}
	var out []remoteMatch
	for peer, descriptors := range l.remoteBindings {
		for _, d := range descriptors {
			if d.identifier.Matches(identifier) {
				out = append(out, remoteMatch{peer: peer, descriptor: d})
			}
		}
	}
	return out
}

func (l *Leaf) RemoveBinding(b *Binding) {
	l.mu.Lock()
	l.bindings.Remove(b.Id)
	l.mu.Unlock()
}

// announceTerminal sends TerminalDescription to every currently admitted
// peer for a freshly created terminal (spec.md 4.5).
func (l *Leaf) announceTerminal(t *Terminal) {
	for _, peer := range l.peers.Peers() {
		_ = l.peers.Send(peer, types.Message{Kind: types.KindTerminalDescription, Body: types.TerminalDescription{Identifier: t.Identifier, Id: t.Id}})
	}
}

// OnPeerAdmitted announces every locally held terminal and binding to a
// newly admitted peer (spec.md 2: discovery/handshake precedes terminal
// messaging).
func (l *Leaf) OnPeerAdmitted(peer types.Identity) {
	l.mu.Lock()
	var terminals []*Terminal
	var bindings []*Binding
	l.terminals.Each(func(_ types.Id, t *Terminal) { terminals = append(terminals, t) })
	l.bindings.Each(func(_ types.Id, b *Binding) { bindings = append(bindings, b) })
	l.mu.Unlock()

	for _, t := range terminals {
		_ = l.peers.Send(peer, types.Message{Kind: types.KindTerminalDescription, Body: types.TerminalDescription{Identifier: t.Identifier, Id: t.Id}})
	}
	for _, b := range bindings {
		_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingDescription, Body: types.BindingDescription{Identifier: b.Identifier, Id: b.Id}})
	}
}

// OnPeerLost propagates session loss to every terminal's subscription/
// scatter-gather state and every binding's match set (spec.md 4.5:
// a binding returns to released "when ... its connection is lost";
// GATHER_CONNECTION_LOST "auto-generated when a binding or session
// disappears mid-operation").
func (l *Leaf) OnPeerLost(peer types.Identity) {
	l.mu.Lock()
	var terminals []*Terminal
	var bindings []*Binding
	l.terminals.Each(func(_ types.Id, t *Terminal) { terminals = append(terminals, t) })
	l.bindings.Each(func(_ types.Id, b *Binding) { bindings = append(bindings, b) })
	for k := range l.byMappedID {
		if k.peer == peer {
			delete(l.byMappedID, k)
		}
	}
	l.mu.Unlock()

	for _, t := range terminals {
		t.RemovePeer(peer)
	}
	for _, b := range bindings {
		// A binding released because its peer's session disappeared has
		// nowhere left to send BindingReleased: the transition already
		// fired locally via Binding.AwaitStateChange.
		b.RemovePeer(peer)
	}
}

// Dispatch routes one inbound decoded terminal message from peer to the
// right state machine. Branch's dispatch calls it for every inbound
// message that is neither a heartbeat nor a raw broadcast payload.
func (l *Leaf) Dispatch(peer types.Identity, msg types.Message) {
	switch body := msg.Body.(type) {
	case types.TerminalDescription:
		l.handleTerminalDescription(peer, body)
	case types.TerminalMapping:
		l.handleTerminalMapping(peer, body)
	case types.TerminalRemoved:
		l.handleTerminalRemoved(peer, body)
	case types.BindingDescription:
		l.handleBindingDescription(peer, body)
	case types.BindingMapping:
		// Acknowledgement only; no local state change required beyond
		// what handleBindingDescription already recorded.
	case types.Subscribe:
		l.withTerminal(body.TerminalId, func(t *Terminal) { t.HandleSubscribe(peer) })
	case types.Unsubscribe:
		l.withTerminal(body.TerminalId, func(t *Terminal) { t.HandleUnsubscribe(peer) })
	case types.Data:
		l.withTerminalByMapped(peer, body.SubscriptionId, func(t *Terminal) { t.HandleData(peer, body.Bytes) })
	case types.CachedData:
		l.withTerminalByMapped(peer, body.SubscriptionId, func(t *Terminal) { t.HandleData(peer, body.Bytes) })
	case types.Scatter:
		l.withTerminalByMapped(peer, body.SubscriptionId, func(t *Terminal) {
			if t.scatterGather != nil {
				t.scatterGather.HandleScatter(peer, body)
			}
		})
	case types.Gather:
		// The wire Gather carries only OperationId, no terminal
		// identifier, so it is fanned out to every scatter-gather-like
		// terminal on the leaf; only the one whose shared-registry
		// operation id actually matches (see operationIDs above) has it
		// in its own ongoing map and acts on it, the rest are no-ops.
		l.mu.Lock()
		var terminals []*Terminal
		l.terminals.Each(func(_ types.Id, t *Terminal) { terminals = append(terminals, t) })
		l.mu.Unlock()
		for _, t := range terminals {
			if t.scatterGather != nil {
				t.scatterGather.DeliverGather(peer, body)
			}
		}
	}
}

func (l *Leaf) handleTerminalDescription(peer types.Identity, desc types.TerminalDescription) {
	l.mu.Lock()
	l.remoteTerminals[peer] = append(l.remoteTerminals[peer], remoteDescriptor{identifier: desc.Identifier, id: desc.Id})
	var matches []*Terminal
	var bindingMatches []*Binding
	l.terminals.Each(func(_ types.Id, t *Terminal) {
		if !desc.Identifier.Hidden && t.Identifier.Matches(desc.Identifier) {
			matches = append(matches, t)
		}
	})
	l.bindings.Each(func(_ types.Id, b *Binding) {
		if !desc.Identifier.Hidden && b.Identifier.Matches(desc.Identifier) {
			bindingMatches = append(bindingMatches, b)
		}
	})
	l.mu.Unlock()

	for _, t := range matches {
		t.NoticeRemote(peer, desc.Id)
		l.mu.Lock()
		l.byMappedID[mappedKey{peer: peer, id: desc.Id}] = t.Id
		l.mu.Unlock()
	}
	for _, b := range bindingMatches {
		if _, transitioned := b.NoticeMatch(peer, desc.Id); transitioned {
			_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingEstablished, Body: types.BindingEstablished{BindingId: b.Id}})
		}
	}

	_ = l.peers.Send(peer, types.Message{Kind: types.KindTerminalMapping, Body: types.TerminalMapping{TerminalId: desc.Id, MappedId: desc.Id}})
	_ = l.peers.Send(peer, types.Message{Kind: types.KindTerminalNoticed, Body: types.TerminalNoticed{TerminalId: desc.Id}})
}

func (l *Leaf) handleTerminalMapping(peer types.Identity, mapping types.TerminalMapping) {
	l.mu.Lock()
	t, ok := l.terminals.Get(mapping.TerminalId)
	l.mu.Unlock()
	if ok && t != nil {
		t.NoticeMapped(peer, mapping.MappedId)
	}
}

func (l *Leaf) handleTerminalRemoved(peer types.Identity, removed types.TerminalRemoved) {
	l.mu.Lock()
	localID, ok := l.byMappedID[mappedKey{peer: peer, id: removed.MappedId}]
	if ok {
		delete(l.byMappedID, mappedKey{peer: peer, id: removed.MappedId})
	}
	var bindings []*Binding
	l.bindings.Each(func(_ types.Id, b *Binding) { bindings = append(bindings, b) })
	l.mu.Unlock()

	if ok {
		l.mu.Lock()
		t, _ := l.terminals.Get(localID)
		l.mu.Unlock()
		if t != nil {
			t.RemovePeer(peer)
		}
	}
	for _, b := range bindings {
		if _, transitioned := b.RemoveMatch(peer, removed.MappedId); transitioned {
			_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingReleased, Body: types.BindingReleased{BindingId: b.Id}})
		}
	}

	_ = l.peers.Send(peer, types.Message{Kind: types.KindTerminalRemovedAck, Body: types.TerminalRemovedAck{TerminalId: removed.MappedId}})
}

func (l *Leaf) handleBindingDescription(peer types.Identity, desc types.BindingDescription) {
	l.mu.Lock()
	l.remoteBindings[peer] = append(l.remoteBindings[peer], remoteDescriptor{identifier: desc.Identifier, id: desc.Id})
	var matches []*Binding
	l.bindings.Each(func(_ types.Id, b *Binding) {
		if !desc.Identifier.Hidden && b.Identifier.Matches(desc.Identifier) {
			matches = append(matches, b)
		}
	})
	l.mu.Unlock()

	for _, b := range matches {
		if _, transitioned := b.NoticeMatch(peer, desc.Id); transitioned {
			_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingEstablished, Body: types.BindingEstablished{BindingId: b.Id}})
		}
	}
	_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingMapping, Body: types.BindingMapping{BindingId: desc.Id, MappedId: desc.Id}})
	_ = l.peers.Send(peer, types.Message{Kind: types.KindBindingNoticed, Body: types.BindingNoticed{BindingId: desc.Id}})
}

// withTerminal resolves id directly against this leaf's own terminal
// registry. Subscribe/Unsubscribe address a terminal by the id the
// RECEIVING leaf itself assigned when it announced that terminal — the
// sender learned that id from our own TerminalDescription, so it already
// matches our registry and needs no peer-keyed indirection.
func (l *Leaf) withTerminal(id types.Id, fn func(*Terminal)) {
	l.mu.Lock()
	t, ok := l.terminals.Get(id)
	l.mu.Unlock()
	if ok && t != nil {
		fn(t)
	}
}

// withTerminalByMapped resolves id the other way around: Data/CachedData/
// Scatter (and TerminalRemoved) tag their payload with the SENDER's own
// id for the terminal they originate from, which only matches a local
// terminal via the (peer, remote-own-id) -> local-id directory recorded
// when that remote terminal's description was first matched.
func (l *Leaf) withTerminalByMapped(peer types.Identity, mappedID types.Id, fn func(*Terminal)) {
	l.mu.Lock()
	localID, ok := l.byMappedID[mappedKey{peer: peer, id: mappedID}]
	var t *Terminal
	if ok {
		t, _ = l.terminals.Get(localID)
	}
	l.mu.Unlock()
	if t != nil {
		fn(t)
	}
}
