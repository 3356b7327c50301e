package wire

import (
	"encoding/binary"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// Magic is the 5-byte ASCII prefix every advertising datagram and info
// message header begins with (spec.md 6: magic "YOGI" ... implementation
// must pin the exact layout in a shared constant). This module's wire
// format is its own, so the magic is this module's own name rather than
// a literal copy of the source project's.
var Magic = [5]byte{'B', 'R', 'N', 'C', 'H'}

// ProtocolVersion is the 3-byte major/minor/patch version carried right
// after the magic in both the advertising datagram and the info message
// header.
type ProtocolVersion struct {
	Major, Minor, Patch byte
}

var CurrentProtocolVersion = ProtocolVersion{Major: 1, Minor: 0, Patch: 0}

// AdvertisingDatagramSize is the fixed 26-byte size of the advertising
// beacon: 5-byte magic, 3-byte version, 16-byte identity, 2-byte port.
const AdvertisingDatagramSize = len(Magic) + 3 + 16 + 2

// EncodeAdvertisingDatagram renders the fixed-size UDP beacon.
func EncodeAdvertisingDatagram(identity types.Identity, tcpPort uint16) []byte {
	buf := make([]byte, 0, AdvertisingDatagramSize)
	buf = append(buf, Magic[:]...)
	buf = append(buf, CurrentProtocolVersion.Major, CurrentProtocolVersion.Minor, CurrentProtocolVersion.Patch)
	buf = append(buf, identity[:]...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], tcpPort)
	buf = append(buf, portBuf[:]...)
	return buf
}

// DecodeAdvertisingDatagram parses a received beacon, rejecting anything
// that doesn't carry the expected magic/size.
func DecodeAdvertisingDatagram(data []byte) (identity types.Identity, tcpPort uint16, err error) {
	if len(data) != AdvertisingDatagramSize {
		return identity, 0, types.NewError(types.KindDeserializeFailed, "advertising datagram has wrong size")
	}
	if string(data[:5]) != string(Magic[:]) {
		return identity, 0, types.NewError(types.KindDeserializeFailed, "advertising datagram has wrong magic")
	}
	copy(identity[:], data[8:24])
	tcpPort = binary.BigEndian.Uint16(data[24:26])
	return identity, tcpPort, nil
}
