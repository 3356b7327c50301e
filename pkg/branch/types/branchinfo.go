package types

import (
	"net"
	"time"
)

// Identity is the 16-byte random unique identifier a branch keeps for its
// entire lifetime.
type Identity [16]byte

// Compare implements the lexicographic byte comparison used to break ties
// between simultaneous reciprocal connects (spec.md 4.2). It returns a
// negative number if id is lower than other, zero if equal, positive
// otherwise.
func (id Identity) Compare(other Identity) int {
	for i := range id {
		if id[i] != other[i] {
			if id[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (id Identity) Less(other Identity) bool {
	return id.Compare(other) < 0
}

func (id Identity) String() string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 0, len(id)*2)
	for _, b := range id {
		buf = append(buf, hex[b>>4], hex[b&0x0f])
	}
	return string(buf)
}

// Capabilities holds the timing and resource parameters a branch
// advertises and that govern its own local behavior.
type Capabilities struct {
	// SessionTimeout must be at least twice HeartbeatInterval.
	SessionTimeout time.Duration

	// HeartbeatInterval is only checked by Validate against
	// SessionTimeout; the heartbeat cadence actually run against a given
	// session is the peer's own declared SessionTimeout/2 (spec.md 4.1).
	HeartbeatInterval time.Duration

	// AdvertisingAddress is the UDP multicast endpoint used for beacons.
	AdvertisingAddress string
	AdvertisingInterval time.Duration

	// TxQueueSize / RxQueueSize bound the framed message transport's
	// queues, in bytes. Both have documented minima (MinQueueSize).
	TxQueueSize uint32
	RxQueueSize uint32

	// Ghost suppresses this branch's presence in peer broadcasts while
	// still allowing it to participate in sessions and terminal
	// messaging (spec.md SPEC_FULL 5).
	Ghost bool
}

// MinQueueSize is the documented minimum for both Tx/RxQueueSize: large
// enough to hold a good number of small terminal messages without
// immediately rejecting sends. Info messages are exchanged before the
// framed transport exists and do not pass through these queues.
const MinQueueSize uint32 = 4096

// Validate checks the capability invariants that spec.md requires.
func (c Capabilities) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return NewError(KindNotReady, "heartbeat interval must be positive")
	}
	if c.SessionTimeout < 2*c.HeartbeatInterval {
		return NewError(KindNotReady, "session timeout must be at least twice the heartbeat interval")
	}
	if c.TxQueueSize < MinQueueSize {
		return NewError(KindNotReady, "tx queue size below minimum")
	}
	if c.RxQueueSize < MinQueueSize {
		return NewError(KindNotReady, "rx queue size below minimum")
	}
	return nil
}

// BranchInfo is the bundle of identity, capabilities and timing
// parameters a branch advertises and exchanges during the handshake.
type BranchInfo struct {
	Identity    Identity
	Name        string
	Description string
	NetworkName string
	Path        string
	Hostname    string
	Pid         int
	TCPEndpoint *net.TCPAddr
	StartTime   time.Time

	Capabilities Capabilities
}

func (b BranchInfo) Equal(other BranchInfo) bool {
	return b.Identity == other.Identity
}
