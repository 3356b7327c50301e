package core

import (
	"context"
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// Connection is the running session of spec.md 4.3: a handshake-verified
// framed transport plus the peer info learned during establishment.
type Connection struct {
	mu sync.Mutex

	peerInfo types.BranchInfo
	local    types.BranchInfo

	dialed bool // true if this side initiated the connect (used for tie-break)

	transport *transport.Transport
	log       types.Logger

	cancel context.CancelFunc
}

// NewConnection wraps a successfully established transport as a running
// session. dialed records which side initiated the connect, used later
// by the connection manager's tie-break rule.
func NewConnection(local, peerInfo types.BranchInfo, mt *transport.Transport, dialed bool, log types.Logger) *Connection {
	return &Connection{
		local:     local,
		peerInfo:  peerInfo,
		dialed:    dialed,
		transport: mt,
		log:       log,
	}
}

func (c *Connection) PeerIdentity() types.Identity { return c.peerInfo.Identity }
func (c *Connection) PeerInfo() types.BranchInfo   { return c.peerInfo }

// Run starts the heartbeat at half the peer's declared timeout and reads
// frames until the transport fails or ctx is cancelled, dispatching each
// decoded message to dispatch. onFatal runs exactly once, whatever the
// failure cause (spec.md 4.3).
func (c *Connection) Run(ctx context.Context, dispatch func(types.Message), onFatal func(error)) {
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.transport.OnFatal(onFatal)
	c.transport.StartHeartbeat(c.peerInfo.Capabilities.SessionTimeout)

	bufferSize := c.local.Capabilities.RxQueueSize

	for {
		msg, err := c.transport.ReceiveAsync(runCtx, bufferSize)
		if err != nil {
			if types.IsKind(err, types.KindBufferTooSmall) {
				// The transport stays alive; drop the oversized frame and
				// keep reading.
				c.log.Warnf("connection: dropping frame from %s: %v", c.peerInfo.Identity, err)
				continue
			}
			return
		}
		dispatch(msg)
	}
}

// TrySend, SendAsync and Cancel expose the transport's tagged-send
// facility so the broadcast manager can withdraw a broadcast that has
// not yet left this session's queue (spec.md 4.3).
func (c *Connection) TrySend(m types.Message) (transport.SendResult, error) {
	return c.transport.TrySend(m)
}

func (c *Connection) SendAsync(ctx context.Context, m types.Message, tag string) (<-chan error, error) {
	return c.transport.SendAsync(ctx, m, tag)
}

func (c *Connection) Cancel(tag string) error {
	return c.transport.Cancel(tag)
}

// Close tears down the session's transport and stops its receive loop.
func (c *Connection) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return c.transport.Close()
}
