package terminal

import (
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// Sender is the narrow surface a Terminal needs from the session layer:
// send one message to a specific peer, or to every running session
// (spec.md 2: "framed message transport carries terminal messages in
// both directions"). Leaf supplies the concrete implementation, which
// sends through the Leaf's PeerLookup and broadcasts by sending to every
// peer it lists.
type Sender interface {
	SendTo(peer types.Identity, msg types.Message) error
	Broadcast(msg types.Message)
}

// DataHandler receives a published payload. Returning from it completes
// the delivery; it never blocks the dispatch loop for long per spec.md 5
// ("no user-visible operation blocks the calling thread").
type DataHandler func(peer types.Identity, bytes []byte)

// Terminal is the communication endpoint belonging to one pattern family
// (spec.md 3). It maps its own locally-assigned Id to whatever mapped id
// each peer has echoed back via TerminalMapping, and — for subscribable
// patterns — runs one SubscriptionMachine tracking which peers currently
// receive its publishes.
type Terminal struct {
	mu sync.Mutex

	Id         types.Id
	Identifier types.Identifier
	Descriptor Descriptor

	sender Sender

	// mappedByPeer is the id each peer has assigned to this terminal
	// after receiving our TerminalDescription (spec.md 4.5:
	// "TerminalMapping { terminal_id, mapped_id }").
	mappedByPeer map[types.Identity]types.Id

	// remoteByPeer is the peer-local id of the remote terminal this one
	// has been told about, keyed by peer identity, used to address
	// Subscribe/Unsubscribe sends at the correct remote terminal (Data and
	// Scatter carry this terminal's own Id instead).
	remoteByPeer map[types.Identity]types.Id

	subscription *SubscriptionMachine

	// lastPublished holds the last value sent through a cached-variant
	// terminal, resent via CachedData on each new subscription
	// (spec.md GLOSSARY "Cached variant").
	lastPublished []byte
	hasPublished  bool

	onData  DataHandler
	onNotic func(peer types.Identity)

	scatterGather *ScatterGatherMachine
}

// NewTerminal constructs a Terminal of the given pattern, owned by no
// particular leaf (Leaf.NewTerminal wires the sender and registers it).
func NewTerminal(id types.Id, identifier types.Identifier, pattern Pattern, sender Sender) *Terminal {
	d := Describe(pattern)
	t := &Terminal{
		Id:           id,
		Identifier:   identifier,
		Descriptor:   d,
		sender:       sender,
		mappedByPeer: make(map[types.Identity]types.Id),
		remoteByPeer: make(map[types.Identity]types.Id),
	}
	if d.Subscribable {
		t.subscription = NewSubscriptionMachine()
	}
	if d.ScatterGatherLike {
		t.scatterGather = NewScatterGatherMachine(sender)
	}
	return t
}

// OnData registers the handler invoked when this terminal receives a
// Data/CachedData payload.
func (t *Terminal) OnData(fn DataHandler) {
	t.mu.Lock()
	t.onData = fn
	t.mu.Unlock()
}

// NoticeRemote records the peer-local id of the remote counterpart
// terminal this one has been told about (TerminalDescription/Mapping
// exchange), so future Subscribe/Unsubscribe sends can address it.
func (t *Terminal) NoticeRemote(peer types.Identity, remoteID types.Id) {
	t.mu.Lock()
	t.remoteByPeer[peer] = remoteID
	fn := t.onNotic
	t.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}

// OnRemoteNoticed registers a callback fired every time this terminal
// learns of a new matching remote counterpart, used by callers (e.g. the
// ping utility of spec.md 6) that must block until a master-slave or
// service-client terminal's target is actually reachable before sending.
func (t *Terminal) OnRemoteNoticed(fn func(peer types.Identity)) {
	t.mu.Lock()
	t.onNotic = fn
	t.mu.Unlock()
}

// RemotePeers returns a snapshot of every peer currently known to host a
// matching remote counterpart of this terminal.
func (t *Terminal) RemotePeers() []types.Identity {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := make([]types.Identity, 0, len(t.remoteByPeer))
	for p := range t.remoteByPeer {
		peers = append(peers, p)
	}
	return peers
}

// NoticeMapped records the id a peer has assigned to this terminal
// (TerminalMapping.mapped_id), used to address the TerminalRemoved that
// Leaf.RemoveTerminal sends to that peer.
func (t *Terminal) NoticeMapped(peer types.Identity, mappedID types.Id) {
	t.mu.Lock()
	t.mappedByPeer[peer] = mappedID
	t.mu.Unlock()
}

func (t *Terminal) remoteID(peer types.Identity) (types.Id, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.remoteByPeer[peer]
	return id, ok
}

// RemovePeer drops every peer-scoped mapping and subscription state kept
// for a peer whose session was lost (spec.md 3: "A session that has
// observed heartbeat-timeout expiry is never used for further sends").
func (t *Terminal) RemovePeer(peer types.Identity) {
	t.mu.Lock()
	delete(t.mappedByPeer, peer)
	delete(t.remoteByPeer, peer)
	t.mu.Unlock()
	if t.subscription != nil {
		t.subscription.RemovePeer(peer)
	}
	if t.scatterGather != nil {
		t.scatterGather.RemovePeer(peer)
	}
}

// HandleSubscribe processes an inbound Subscribe targeted at this
// terminal's mapped id: transitions the subscription machine and, for
// the cached variant, resends the last published value immediately
// (spec.md GLOSSARY).
func (t *Terminal) HandleSubscribe(peer types.Identity) {
	if t.subscription == nil {
		return
	}
	t.subscription.Subscribe(peer)

	if !t.Descriptor.Cached {
		return
	}
	t.mu.Lock()
	value := t.lastPublished
	has := t.hasPublished
	t.mu.Unlock()
	if has {
		_ = t.sender.SendTo(peer, types.Message{Kind: types.KindCachedData, Body: types.CachedData{SubscriptionId: t.Id, Bytes: value}})
	}
}

// HandleUnsubscribe processes an inbound Unsubscribe.
func (t *Terminal) HandleUnsubscribe(peer types.Identity) {
	if t.subscription != nil {
		t.subscription.Unsubscribe(peer)
	}
}

// HandleData delivers an inbound Data/CachedData payload to the
// registered handler, if any.
func (t *Terminal) HandleData(peer types.Identity, bytes []byte) {
	t.mu.Lock()
	fn := t.onData
	t.mu.Unlock()
	if fn != nil {
		fn(peer, bytes)
	}
}

// Publish sends bytes as Data to every currently subscribed peer,
// recording it as the cached value for the cached variant.
func (t *Terminal) Publish(bytes []byte) {
	if t.Descriptor.Cached {
		t.mu.Lock()
		t.lastPublished = append([]byte(nil), bytes...)
		t.hasPublished = true
		t.mu.Unlock()
	}
	if t.subscription == nil {
		return
	}
	for _, peer := range t.subscription.Subscribers() {
		_ = t.sender.SendTo(peer, types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: t.Id, Bytes: bytes}})
	}
}

// Subscribe sends a Subscribe request to the remote counterpart living
// on peer, addressed at the id that peer assigned this terminal's
// counterpart when it announced itself.
func (t *Terminal) Subscribe(peer types.Identity) error {
	remoteID, ok := t.remoteID(peer)
	if !ok {
		return types.ErrNotReady
	}
	return t.sender.SendTo(peer, types.Message{Kind: types.KindSubscribe, Body: types.Subscribe{TerminalId: remoteID}})
}

// Unsubscribe sends an Unsubscribe request.
func (t *Terminal) Unsubscribe(peer types.Identity) error {
	remoteID, ok := t.remoteID(peer)
	if !ok {
		return types.ErrNotReady
	}
	return t.sender.SendTo(peer, types.Message{Kind: types.KindUnsubscribe, Body: types.Unsubscribe{TerminalId: remoteID}})
}

// ScatterGather exposes the scatter-gather task machine for patterns
// whose Descriptor.ScatterGatherLike is set (spec.md 4.5: scatter-gather,
// master-slave and service-client families all exchange Scatter/Gather).
func (t *Terminal) ScatterGather() *ScatterGatherMachine {
	return t.scatterGather
}
