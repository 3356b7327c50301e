// Package terminal implements the terminal interaction state machines of
// spec.md 4.5: a small set of reusable state machines (subscription,
// binding, scatter-gather task) parameterised by a Pattern descriptor,
// instead of the source project's deep diamond inheritance of eight
// concrete pattern classes each inheriting nine base message types
// (spec.md 9).
package terminal

import "github.com/branchfabric/go-branch/pkg/branch/types"

// Pattern identifies one of the six interaction families named in
// spec.md 3, or one of the four cached variants below.
type Pattern int

const (
	DeafMute Pattern = iota
	PublishSubscribe
	CachedPublishSubscribe
	ScatterGather
	ProducerConsumer
	CachedProducerConsumer
	MasterSlave
	CachedMasterSlave
	ServiceClient
	CachedServiceClient
)

func (p Pattern) String() string {
	switch p {
	case DeafMute:
		return "deaf-mute"
	case PublishSubscribe:
		return "publish-subscribe"
	case CachedPublishSubscribe:
		return "cached-publish-subscribe"
	case ScatterGather:
		return "scatter-gather"
	case ProducerConsumer:
		return "producer-consumer"
	case CachedProducerConsumer:
		return "cached-producer-consumer"
	case MasterSlave:
		return "master-slave"
	case CachedMasterSlave:
		return "cached-master-slave"
	case ServiceClient:
		return "service-client"
	case CachedServiceClient:
		return "cached-service-client"
	default:
		return "unknown"
	}
}

// Descriptor pins which subset of terminal messages an endpoint of this
// pattern may legally send or receive (spec.md 3: "Each pattern pins
// which subset of terminal messages the endpoint may send/receive").
type Descriptor struct {
	Pattern Pattern

	// Subscribable marks terminals whose subscription state machine
	// (spec.md 4.5) applies at all; deaf-mute terminals have none.
	Subscribable bool

	// Cached marks the publish-subscribe family sub-pattern that resends
	// the last published value to each newly subscribed peer
	// (spec.md/GLOSSARY "Cached variant").
	Cached bool

	// ScatterGatherLike marks the patterns that exchange Scatter/Gather
	// rather than Data/CachedData: scatter-gather itself, and the
	// request/reply-shaped master-slave and service-client families
	// which spec.md 4.5 notes share identical field layouts and differ
	// only in semantics (master/slave: any slave may scatter to its
	// master; service/client: the client scatters to every bound
	// service and gathers every reply).
	ScatterGatherLike bool

	// CanPublish / CanSubscribe mark whether a pub-sub-shaped pattern may
	// send Data/CachedData and Subscribe/Unsubscribe. Every pub-sub-shaped
	// pattern, producer-consumer included, sets both, and Terminal does
	// not consult them: no pattern is restricted to one direction.
	CanPublish   bool
	CanSubscribe bool
}

// Describe returns the fixed Descriptor for p.
func Describe(p Pattern) Descriptor {
	switch p {
	case DeafMute:
		return Descriptor{Pattern: p}
	case PublishSubscribe:
		return Descriptor{Pattern: p, Subscribable: true, CanPublish: true, CanSubscribe: true}
	case CachedPublishSubscribe:
		return Descriptor{Pattern: p, Subscribable: true, Cached: true, CanPublish: true, CanSubscribe: true}
	case ProducerConsumer:
		return Descriptor{Pattern: p, Subscribable: true, CanPublish: true, CanSubscribe: true}
	case CachedProducerConsumer:
		return Descriptor{Pattern: p, Subscribable: true, Cached: true, CanPublish: true, CanSubscribe: true}
	case ScatterGather:
		return Descriptor{Pattern: p, Subscribable: true, ScatterGatherLike: true}
	case MasterSlave:
		return Descriptor{Pattern: p, Subscribable: true, ScatterGatherLike: true}
	case CachedMasterSlave:
		return Descriptor{Pattern: p, Subscribable: true, Cached: true, ScatterGatherLike: true}
	case ServiceClient:
		return Descriptor{Pattern: p, Subscribable: true, ScatterGatherLike: true}
	case CachedServiceClient:
		return Descriptor{Pattern: p, Subscribable: true, Cached: true, ScatterGatherLike: true}
	default:
		return Descriptor{Pattern: p}
	}
}

// ErrPatternMismatch is returned when a message arrives for an operation
// the owning terminal's pattern does not support.
var ErrPatternMismatch = types.NewError(types.KindNotReady, "operation not supported by terminal pattern")
