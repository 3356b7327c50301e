package terminal

import (
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// GatherHandler receives each gather reply for one outstanding
// operation. Returning false aborts the operation even before FINISHED
// arrives (spec.md 4.5): the machine then synthesizes a final local
// gather with CONNECTION_LOST unset and removes the task record.
type GatherHandler func(peer types.Identity, gather types.Gather) (keepWaiting bool)

// ScatterHandler answers an inbound Scatter request with zero or more
// Gather replies; the final call it makes must set GatherFinished. It
// runs on the receiving side of scatter-gather, master-slave and
// service-client terminals.
type ScatterHandler func(peer types.Identity, scatter types.Scatter, reply func(types.Gather))

// Gauge is the minimal metrics surface a ScatterGatherMachine reports
// in-flight operation counts to; prometheus.Gauge satisfies it
// structurally without this package importing prometheus directly.
type Gauge interface {
	Inc()
	Dec()
}

type scatterTask struct {
	mu      sync.Mutex
	handler GatherHandler
	peers   map[types.Identity]struct{} // peers still expected to reply
	done    bool
}

// ScatterGatherMachine is the per-terminal bookkeeping of spec.md 4.5 for
// the request/reply-shaped pattern family: it maps outstanding operation
// ids to the originator's handler, and routes inbound Scatter requests
// to a registered ScatterHandler.
//
// Invariant (spec.md 3): an originator never sees the same operation id
// alive concurrently twice, and every outstanding operation receives
// either at least one gather terminated by FINISHED, or a cancellation
// event — never both, never neither.
type ScatterGatherMachine struct {
	sender Sender
	gauge  Gauge

	mu      sync.Mutex
	tasks   *types.Registry[*scatterTask]
	ongoing map[types.Id]*scatterTask

	scatterMu sync.Mutex
	onScatter ScatterHandler
}

// SetGauge registers the gauge this machine increments for every
// operation started and decrements for every operation finished
// (spec.md SPEC_FULL core.Metrics.ScatterGatherInFlight). A nil gauge
// disables reporting.
func (m *ScatterGatherMachine) SetGauge(g Gauge) {
	m.mu.Lock()
	m.gauge = g
	m.mu.Unlock()
}

// SetOperationRegistry replaces this machine's private operation-id
// allocator with a shared one. The wire Gather{OperationId, Flags, Bytes}
// carries no terminal identifier (spec.md 4.5), so every scatter-gather-
// like terminal on the same leaf must draw operation ids from one shared
// register (spec.md 3: ids come from "a per-entity-class register") —
// otherwise two terminals each starting their own private registry at
// Id(1) would collide, and an inbound Gather meant for one terminal's
// first operation would also be consumed by the other's. Leaf wires this
// in once, right after construction, before the terminal can start any
// operation.
func (m *ScatterGatherMachine) SetOperationRegistry(r *types.Registry[*scatterTask]) {
	m.mu.Lock()
	m.tasks = r
	m.mu.Unlock()
}

func NewScatterGatherMachine(sender Sender) *ScatterGatherMachine {
	return &ScatterGatherMachine{
		sender:  sender,
		tasks:   types.NewRegistry[*scatterTask](),
		ongoing: make(map[types.Id]*scatterTask),
	}
}

// OnScatter registers the handler that answers inbound Scatter requests.
func (m *ScatterGatherMachine) OnScatter(fn ScatterHandler) {
	m.scatterMu.Lock()
	m.onScatter = fn
	m.scatterMu.Unlock()
}

// AsyncScatterGather scatters bytes to every peer in peers and collects
// gather replies as they arrive, invoking handler for each. It returns
// the freshly allocated operation id immediately; handler keeps running
// asynchronously until every peer has replied FINISHED, the handler
// itself returns false, or every addressed peer is lost.
func (m *ScatterGatherMachine) AsyncScatterGather(subscriptionID types.Id, peers []types.Identity, bytes []byte, handler GatherHandler) types.Id {
	task := &scatterTask{handler: handler, peers: make(map[types.Identity]struct{}, len(peers))}
	for _, p := range peers {
		task.peers[p] = struct{}{}
	}

	opID, _ := m.tasks.Add(task)

	m.mu.Lock()
	m.ongoing[opID] = task
	gauge := m.gauge
	m.mu.Unlock()
	if gauge != nil {
		gauge.Inc()
	}

	if len(peers) == 0 {
		m.finish(opID, task, types.Identity{}, types.Gather{OperationId: opID, Flags: types.GatherFinished})
		return opID
	}

	for _, peer := range peers {
		_ = m.sender.SendTo(peer, types.Message{Kind: types.KindScatter, Body: types.Scatter{
			SubscriptionId: subscriptionID,
			OperationId:    opID,
			Bytes:          bytes,
		}})
	}
	return opID
}

// DeliverGather routes an inbound Gather reply to its originator's
// handler. A Gather for an unknown/already-finished operation id is
// silently dropped (the operation already concluded, e.g. via a
// synthetic CONNECTION_LOST gather).
func (m *ScatterGatherMachine) DeliverGather(peer types.Identity, gather types.Gather) {
	m.mu.Lock()
	task, ok := m.ongoing[gather.OperationId]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.deliver(gather.OperationId, task, peer, gather)
}

func (m *ScatterGatherMachine) deliver(opID types.Id, task *scatterTask, peer types.Identity, gather types.Gather) {
	// A peer only stops being "expected to reply" once one of its gathers
	// actually concludes its side of the operation; an intermediate gather
	// (no FINISHED/BINDING_DESTROYED/CONNECTION_LOST) must not drop it from
	// task.peers, otherwise the peer's later, real concluding gather finds
	// the task already removed and is silently dropped.
	concludes := gather.Flags.Has(types.GatherFinished) ||
		gather.Flags.Has(types.GatherBindingDestroyed) ||
		gather.Flags.Has(types.GatherConnectionLost)

	task.mu.Lock()
	if task.done {
		task.mu.Unlock()
		return
	}
	if concludes {
		delete(task.peers, peer)
	}
	remaining := len(task.peers)
	handler := task.handler
	task.mu.Unlock()

	keepWaiting := true
	if handler != nil {
		keepWaiting = handler(peer, gather)
	}

	finished := (concludes && remaining == 0) || !keepWaiting
	if !finished {
		return
	}

	final := gather
	if !gather.Flags.Has(types.GatherFinished) {
		final.Flags |= types.GatherFinished
	}
	m.finish(opID, task, peer, final)
}

func (m *ScatterGatherMachine) finish(opID types.Id, task *scatterTask, peer types.Identity, final types.Gather) {
	task.mu.Lock()
	if task.done {
		task.mu.Unlock()
		return
	}
	task.done = true
	task.mu.Unlock()

	m.mu.Lock()
	delete(m.ongoing, opID)
	gauge := m.gauge
	m.mu.Unlock()
	m.tasks.Remove(opID)
	if gauge != nil {
		gauge.Dec()
	}
}

// RemovePeer synthesizes a terminal CONNECTION_LOST gather for every
// operation still outstanding against peer (spec.md 4.5:
// GATHER_CONNECTION_LOST "auto-generated when a binding or session
// disappears mid-operation").
func (m *ScatterGatherMachine) RemovePeer(peer types.Identity) {
	m.mu.Lock()
	snapshot := make(map[types.Id]*scatterTask, len(m.ongoing))
	for id, task := range m.ongoing {
		snapshot[id] = task
	}
	m.mu.Unlock()

	for opID, task := range snapshot {
		task.mu.Lock()
		_, expected := task.peers[peer]
		task.mu.Unlock()
		if !expected {
			continue
		}
		m.deliver(opID, task, peer, types.Gather{OperationId: opID, Flags: types.GatherFinished | types.GatherConnectionLost})
	}
}

// HandleScatter dispatches an inbound Scatter to the registered
// ScatterHandler, supplying a reply closure that sends each Gather back
// to the originating peer addressed at this operation's id.
func (m *ScatterGatherMachine) HandleScatter(peer types.Identity, scatter types.Scatter) {
	m.scatterMu.Lock()
	fn := m.onScatter
	m.scatterMu.Unlock()
	if fn == nil {
		_ = m.sender.SendTo(peer, types.Message{Kind: types.KindGather, Body: types.Gather{
			OperationId: scatter.OperationId,
			Flags:       types.GatherFinished | types.GatherDeaf,
		}})
		return
	}
	fn(peer, scatter, func(g types.Gather) {
		g.OperationId = scatter.OperationId
		_ = m.sender.SendTo(peer, types.Message{Kind: types.KindGather, Body: g})
	})
}
