package types

// MessageKind replaces the source's deep diamond inheritance of message
// types (eight concrete patterns each inheriting nine base messages) with
// a single flat enumeration plus per-kind field structs (spec.md 9). The
// wire codec (pkg/branch/wire) keys its encode/decode table off these
// values; an unknown type-id on the wire is a hard error (KindDeserializeFailed).
type MessageKind uint32

const (
	KindHeartbeat MessageKind = iota + 1

	KindTerminalDescription
	KindTerminalMapping
	KindTerminalNoticed
	KindTerminalRemoved
	KindTerminalRemovedAck

	KindBindingDescription
	KindBindingMapping
	KindBindingNoticed
	KindBindingRemoved
	KindBindingRemovedAck
	KindBindingEstablished
	KindBindingReleased

	KindSubscribe
	KindUnsubscribe

	KindData
	KindCachedData

	KindScatter
	KindGather
)

// Name returns a short human-readable name for logging, matching the
// wire-message names used throughout spec.md 4.5.
func (k MessageKind) Name() string {
	switch k {
	case KindHeartbeat:
		return "Heartbeat"
	case KindTerminalDescription:
		return "TerminalDescription"
	case KindTerminalMapping:
		return "TerminalMapping"
	case KindTerminalNoticed:
		return "TerminalNoticed"
	case KindTerminalRemoved:
		return "TerminalRemoved"
	case KindTerminalRemovedAck:
		return "TerminalRemovedAck"
	case KindBindingDescription:
		return "BindingDescription"
	case KindBindingMapping:
		return "BindingMapping"
	case KindBindingNoticed:
		return "BindingNoticed"
	case KindBindingRemoved:
		return "BindingRemoved"
	case KindBindingRemovedAck:
		return "BindingRemovedAck"
	case KindBindingEstablished:
		return "BindingEstablished"
	case KindBindingReleased:
		return "BindingReleased"
	case KindSubscribe:
		return "Subscribe"
	case KindUnsubscribe:
		return "Unsubscribe"
	case KindData:
		return "Data"
	case KindCachedData:
		return "CachedData"
	case KindScatter:
		return "Scatter"
	case KindGather:
		return "Gather"
	default:
		return "Unknown"
	}
}

// GatherFlags is the bitfield over {FINISHED, IGNORED, DEAF,
// BINDING_DESTROYED, CONNECTION_LOST}. The combination of all five values
// is 31, which fits the 7-bit wire cap noted in spec.md 9 — no value ever
// needs more than one continuation byte to encode.
type GatherFlags uint8

const (
	GatherFinished         GatherFlags = 1 << 0
	GatherIgnored          GatherFlags = 1 << 1
	GatherDeaf             GatherFlags = 1 << 2
	GatherBindingDestroyed GatherFlags = 1 << 3
	GatherConnectionLost   GatherFlags = 1 << 4
)

func (f GatherFlags) Has(flag GatherFlags) bool {
	return f&flag != 0
}

// Terminal message family. Field layouts are identical across every
// pattern family (pkg/branch/terminal.Pattern); semantics differ only in which
// pattern may legally send/receive a given kind (enforced in
// pkg/branch/terminal, not here).

type TerminalDescription struct {
	Identifier Identifier
	Id         Id
}

type TerminalMapping struct {
	TerminalId Id
	MappedId   Id
}

type TerminalNoticed struct {
	TerminalId Id
}

type TerminalRemoved struct {
	MappedId Id
}

type TerminalRemovedAck struct {
	TerminalId Id
}

type BindingDescription struct {
	Identifier Identifier
	Id         Id
}

type BindingMapping struct {
	BindingId Id
	MappedId  Id
}

type BindingNoticed struct {
	BindingId Id
}

type BindingRemoved struct {
	MappedId Id
}

type BindingRemovedAck struct {
	BindingId Id
}

type BindingEstablished struct {
	BindingId Id
}

type BindingReleased struct {
	BindingId Id
}

type Subscribe struct {
	TerminalId Id
}

type Unsubscribe struct {
	TerminalId Id
}

type Data struct {
	SubscriptionId Id
	Bytes          []byte
}

type CachedData struct {
	SubscriptionId Id
	Bytes          []byte
}

type Scatter struct {
	SubscriptionId Id
	OperationId    Id
	Bytes          []byte
}

type Gather struct {
	OperationId Id
	Flags       GatherFlags
	Bytes       []byte
}

// Message is a decoded framed message: its kind plus the concrete,
// already-parsed body. Body holds one of the structs above, or nil for
// KindHeartbeat.
type Message struct {
	Kind MessageKind
	Body interface{}
}
