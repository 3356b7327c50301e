// Package branch ties the wire, transport, core and terminal packages
// into the single entry point an application actually imports: a branch
// that advertises itself, accepts and dials sessions, and hosts the
// terminals and bindings a program creates on it (spec.md GLOSSARY:
// "Branch — a participant in the mesh; owns terminals, advertises,
// connects to peers").
package branch

import (
	"context"
	"crypto/rand"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/branchfabric/go-branch/pkg/branch/advertise"
	"github.com/branchfabric/go-branch/pkg/branch/core"
	"github.com/branchfabric/go-branch/pkg/branch/definition"
	"github.com/branchfabric/go-branch/pkg/branch/terminal"
	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// Branch is one participant in the mesh. It owns a single context
// (spec.md 5: "a single-threaded cooperative event loop per branch") in
// the sense that every callback it invokes — terminal data handlers,
// gather handlers, broadcast handlers — runs on a goroutine spawned by
// this package, never on the caller's own stack.
type Branch struct {
	mu     sync.Mutex
	info   types.BranchInfo
	config *types.Configuration
	log    types.Logger

	passwordHash [32]byte

	listener    net.Listener
	connections *core.ConnectionManager
	broadcasts  *core.BroadcastManager
	leaf        *terminal.Leaf
	metrics     *core.Metrics

	advertiser *advertise.Sender
	receiver   *advertise.Receiver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectingMu sync.Mutex
	connecting   map[types.Identity]struct{}
}

// New constructs a Branch from config, assigning it a fresh random
// identity (spec.md 3: "16-byte random unique identifier (stable per
// branch lifetime)"). The branch does not yet listen, advertise or
// connect — call Open for that. A nil log falls back to
// definition.NewDefaultLogger(), a nil reg to prometheus.NewRegistry(),
// matching the teacher's Default* fallback convention.
func New(config *types.Configuration, log types.Logger, reg prometheus.Registerer) (*Branch, error) {
	if err := config.Capabilities().Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = definition.NewDefaultLogger()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	identity, err := randomIdentity()
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	info := types.BranchInfo{
		Identity:     identity,
		Name:         config.Name,
		Description:  config.Description,
		NetworkName:  config.NetworkName,
		Hostname:     hostname,
		Pid:          os.Getpid(),
		StartTime:    time.Now().UTC(),
		Capabilities: config.Capabilities(),
	}

	b := &Branch{
		info:         info,
		config:       config,
		log:          log,
		passwordHash: core.PasswordHash(config.Password),
		connections:  core.NewConnectionManager(identity, log),
		metrics:      core.NewMetrics(reg),
		connecting:   make(map[types.Identity]struct{}),
	}
	b.broadcasts = core.NewBroadcastManager(b.connections, log)
	b.leaf = terminal.NewLeaf(leafPeers{branch: b})
	b.leaf.SetScatterGatherGauge(b.metrics.ScatterGatherInFlight)
	return b, nil
}

func randomIdentity() (types.Identity, error) {
	var id types.Identity
	if _, err := rand.Read(id[:]); err != nil {
		return id, types.WrapError(types.KindOpenSocketFailed, "failed to generate branch identity", err)
	}
	return id, nil
}

// Identity returns this branch's stable 16-byte identity.
func (b *Branch) Identity() types.Identity { return b.info.Identity }

// Info returns a copy of this branch's currently advertised info.
func (b *Branch) Info() types.BranchInfo { return b.info }

// Open starts listening for inbound connections, begins advertising
// unless the branch is configured as a ghost (spec.md SPEC_FULL 5), and
// joins the advertising group to discover peers. interfaces configures
// which local addresses the advertiser/receiver bind to; an empty slice
// uses the platform default.
func (b *Branch) Open(interfaces []string) error {
	listener, err := net.Listen("tcp", b.config.ListenAddress)
	if err != nil {
		return types.WrapError(types.KindBindSocketFailed, "failed to listen", err)
	}
	b.listener = listener

	tcpAddr := listener.Addr().(*net.TCPAddr)
	b.info.TCPEndpoint = tcpAddr

	ctx, cancel := context.WithCancel(context.Background())
	b.ctx, b.cancel = ctx, cancel

	b.wg.Add(1)
	go b.acceptLoop()

	if !b.info.Capabilities.Ghost {
		b.advertiser = advertise.NewSender(b.info.Identity, uint16(tcpAddr.Port), b.info.Capabilities, b.log)
		if err := b.advertiser.Start(ctx, interfaces); err != nil {
			b.log.Warnf("branch: advertising disabled: %v", err)
		}
	}

	b.receiver = advertise.NewReceiver(b.info.Identity, b.info.Capabilities.AdvertisingAddress, b.log)
	if err := b.receiver.Start(ctx, interfaces, b.onBeacon); err != nil {
		b.log.Warnf("branch: peer discovery disabled: %v", err)
	}

	return nil
}

// Close stops advertising/discovery, stops accepting, and tears down
// every admitted session.
func (b *Branch) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.advertiser != nil {
		b.advertiser.Stop()
	}
	if b.receiver != nil {
		b.receiver.Stop()
	}
	var err error
	if b.listener != nil {
		err = b.listener.Close()
	}
	b.connections.Close()
	b.wg.Wait()
	return err
}

func (b *Branch) acceptLoop() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			return
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handleAccepted(conn)
		}()
	}
}

func (b *Branch) handleAccepted(conn net.Conn) {
	ctx, cancel := context.WithTimeout(b.ctx, b.config.SessionTimeout)
	defer cancel()
	result, err := core.Establish(ctx, conn, b.info, b.passwordHash, b.config.MaxInfoMessageSize, b.log)
	if err != nil {
		b.log.Warnf("branch: inbound handshake from %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	b.admit(result, false)
}

// onBeacon is the advertise.Observer invoked for every discovered peer;
// it dials the peer's advertised TCP endpoint unless a session is
// already admitted or already being dialled.
func (b *Branch) onBeacon(identity types.Identity, endpoint *net.TCPAddr) {
	if _, ok := b.connections.Get(identity); ok {
		return
	}
	b.connectingMu.Lock()
	if _, ok := b.connecting[identity]; ok {
		b.connectingMu.Unlock()
		return
	}
	b.connecting[identity] = struct{}{}
	b.connectingMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			b.connectingMu.Lock()
			delete(b.connecting, identity)
			b.connectingMu.Unlock()
		}()
		b.dial(endpoint)
	}()
}

func (b *Branch) dial(endpoint *net.TCPAddr) {
	conn, err := net.DialTimeout("tcp", endpoint.String(), b.config.SessionTimeout)
	if err != nil {
		b.log.Warnf("branch: dial %s failed: %v", endpoint, err)
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, b.config.SessionTimeout)
	defer cancel()
	result, err := core.Establish(ctx, conn, b.info, b.passwordHash, b.config.MaxInfoMessageSize, b.log)
	if err != nil {
		b.log.Warnf("branch: handshake with %s failed: %v", endpoint, err)
		_ = conn.Close()
		return
	}
	b.admit(result, true)
}

// Connect dials address directly, walks the handshake and admits the
// resulting session exactly like a beacon-triggered dial, but blocks
// until the outcome is known and returns the peer's identity. This is
// the entry point callers use to reach a specific known branch without
// waiting on multicast discovery (spec.md 6: the ping utility "connects"
// to an explicit target rather than discovering one).
func (b *Branch) Connect(ctx context.Context, address string) (types.Identity, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return types.Identity{}, types.WrapError(types.KindOpenSocketFailed, "failed to dial "+address, err)
	}
	result, err := core.Establish(ctx, conn, b.info, b.passwordHash, b.config.MaxInfoMessageSize, b.log)
	if err != nil {
		_ = conn.Close()
		return types.Identity{}, err
	}
	b.admit(result, true)
	return result.RemoteInfo.Identity, nil
}

// admit registers a successfully established connection with the
// connection manager and starts its run loop. A losing side of a
// simultaneous reciprocal connect (spec.md 4.2's tie-break) is closed
// without ever reaching the leaf.
func (b *Branch) admit(result *core.EstablishResult, dialed bool) {
	conn := core.NewConnection(b.info, result.RemoteInfo, result.Transport, dialed, b.log)
	admitted, err := b.connections.Admit(conn)
	if err != nil {
		b.log.Debugf("branch: session with %s not admitted: %v", result.RemoteInfo.Identity, err)
		b.metrics.DuplicateRejected.Inc()
		return
	}
	b.metrics.SessionsAdmitted.Inc()

	peer := admitted.PeerIdentity()
	b.leaf.OnPeerAdmitted(peer)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		admitted.Run(b.ctx, func(msg types.Message) { b.dispatch(peer, msg) }, func(err error) {
			b.onSessionLost(peer, admitted, err)
		})
	}()
}

func (b *Branch) onSessionLost(peer types.Identity, conn *core.Connection, cause error) {
	b.connections.Remove(peer, conn)
	b.metrics.SessionsClosed.Inc()
	b.log.Debugf("branch: session with %s ended: %v", peer, cause)
	b.leaf.OnPeerLost(peer)
}

// dispatch routes one decoded inbound message. Heartbeats need no
// action beyond what the transport already did to reset its own idle
// timer; a Data message with subscription id Invalid carries a raw
// broadcast payload (spec.md 4.4) rather than terminal data, since the
// broadcast manager has no message kind of its own on the wire — every
// other kind belongs to the terminal/binding protocol of spec.md 4.5
// and is handed to the leaf.
func (b *Branch) dispatch(peer types.Identity, msg types.Message) {
	switch {
	case msg.Kind == types.KindHeartbeat:
		return
	case msg.Kind == types.KindData:
		if data, ok := msg.Body.(types.Data); ok && !data.SubscriptionId.Valid() {
			b.broadcasts.DeliverInbound(msg)
			return
		}
		b.leaf.Dispatch(peer, msg)
	default:
		b.leaf.Dispatch(peer, msg)
	}
}

// NewTerminal creates a terminal of the given pattern on this branch's
// leaf (spec.md 4.5).
func (b *Branch) NewTerminal(identifier types.Identifier, pattern terminal.Pattern) *terminal.Terminal {
	return b.leaf.NewTerminal(identifier, pattern)
}

// NewBinding creates a binding on this branch's leaf (spec.md 4.5).
func (b *Branch) NewBinding(identifier types.Identifier) *terminal.Binding {
	return b.leaf.NewBinding(identifier)
}

// SendBroadcastAsync delivers payload to every admitted session as a raw
// broadcast (spec.md 4.4), tagging it with the Invalid subscription id so
// dispatch routes it to the receiving branch's ReceiveBroadcast rather
// than any terminal.
func (b *Branch) SendBroadcastAsync(ctx context.Context, payload []byte, retry bool, handler core.BroadcastHandler) string {
	msg := types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: types.Invalid, Bytes: payload}}
	return b.broadcasts.SendBroadcastAsync(ctx, msg, retry, func(opID string, result core.BroadcastResult) {
		if result == core.BroadcastOK {
			b.metrics.BroadcastsSent.Inc()
		} else {
			b.metrics.BroadcastsDropped.Inc()
		}
		if handler != nil {
			handler(opID, result)
		}
	})
}

// SendBroadcast is the synchronous form of SendBroadcastAsync.
func (b *Branch) SendBroadcast(ctx context.Context, payload []byte, retry bool) core.BroadcastResult {
	msg := types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: types.Invalid, Bytes: payload}}
	result := b.broadcasts.SendBroadcast(ctx, msg, retry)
	if result == core.BroadcastOK {
		b.metrics.BroadcastsSent.Inc()
	} else {
		b.metrics.BroadcastsDropped.Inc()
	}
	return result
}

// CancelBroadcast withdraws a retrying broadcast operation.
func (b *Branch) CancelBroadcast(operationID string) bool {
	return b.broadcasts.Cancel(operationID)
}

// ReceiveBroadcast arms the single pending broadcast receiver and blocks
// until a payload arrives, ctx is cancelled, or a newer ReceiveBroadcast
// call supersedes this one.
func (b *Branch) ReceiveBroadcast(ctx context.Context) ([]byte, error) {
	msg, err := b.broadcasts.ReceiveBroadcast(ctx)
	if err != nil {
		return nil, err
	}
	data, _ := msg.Body.(types.Data)
	return data.Bytes, nil
}

// leafPeers adapts Branch's connection manager into the narrow
// terminal.PeerLookup surface, keeping pkg/branch/terminal free of any
// dependency on pkg/branch/core.
type leafPeers struct{ branch *Branch }

func (p leafPeers) Send(peer types.Identity, msg types.Message) error {
	conn, ok := p.branch.connections.Get(peer)
	if !ok {
		return types.ErrConnectionClosed
	}
	result, err := conn.TrySend(msg)
	if err != nil {
		return err
	}
	if result == transport.Rejected {
		return types.ErrTxQueueFull
	}
	return nil
}

func (p leafPeers) Peers() []types.Identity {
	var peers []types.Identity
	p.branch.connections.Each(func(id types.Identity, _ *core.Connection) {
		peers = append(peers, id)
	})
	return peers
}
