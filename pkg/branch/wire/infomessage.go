package wire

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// InfoHeaderSize is the fixed-size header spec.md 4.2 step 1 describes:
// magic prefix, protocol-version, then a 4-byte big-endian body length.
// (spec.md 6 also describes the header as "advertising layout + 4-byte
// body length"; we resolve that inconsistency by keeping the header
// minimal — magic+version+length — and putting identity, capabilities and
// endpoint entirely in the body, so nothing is carried twice on the
// wire.)
const InfoHeaderSize = len(Magic) + 3 + 4

// WriteInfoHeader writes the fixed header for a body of the given length.
func WriteInfoHeader(w io.Writer, bodyLen uint32) error {
	buf := make([]byte, InfoHeaderSize)
	copy(buf, Magic[:])
	buf[5], buf[6], buf[7] = CurrentProtocolVersion.Major, CurrentProtocolVersion.Minor, CurrentProtocolVersion.Patch
	binary.BigEndian.PutUint32(buf[8:12], bodyLen)
	_, err := w.Write(buf)
	return err
}

// ReadInfoHeader reads and validates the fixed header, returning the
// declared body length.
func ReadInfoHeader(r io.Reader) (bodyLen uint32, err error) {
	buf := make([]byte, InfoHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, types.WrapError(types.KindConnectionClosed, "connection closed while reading info header", err)
	}
	if string(buf[:5]) != string(Magic[:]) {
		return 0, types.NewError(types.KindDeserializeFailed, "info message has wrong magic")
	}
	return binary.BigEndian.Uint32(buf[8:12]), nil
}

// EncodeInfoBody serializes a BranchInfo for the info-exchange step.
func EncodeInfoBody(info types.BranchInfo) []byte {
	w := &bodyWriter{}
	w.buf.Write(info.Identity[:])
	w.putString(info.Name)
	w.putString(info.Description)
	w.putString(info.NetworkName)
	w.putString(info.Path)
	w.putString(info.Hostname)
	w.putUvarint(uint64(int64(info.Pid)))

	host, port := splitTCPAddr(info.TCPEndpoint)
	w.putString(host)
	w.putUvarint(uint64(port))

	w.putUvarint(uint64(info.StartTime.UnixNano()))
	w.putUvarint(uint64(info.Capabilities.SessionTimeout))
	w.putUvarint(uint64(info.Capabilities.AdvertisingInterval))
	w.putString(info.Capabilities.AdvertisingAddress)
	w.putUvarint(uint64(info.Capabilities.TxQueueSize))
	w.putUvarint(uint64(info.Capabilities.RxQueueSize))
	w.putBool(info.Capabilities.Ghost)

	return w.bytes()
}

// DecodeInfoBody parses a BranchInfo body produced by EncodeInfoBody.
func DecodeInfoBody(body []byte) (types.BranchInfo, error) {
	r := newBodyReader(body)
	var info types.BranchInfo

	if len(body) < 16 {
		return info, types.NewError(types.KindDeserializeFailed, "info body too short for identity")
	}
	copy(info.Identity[:], body[:16])
	r.pos = 16

	var err error
	if info.Name, err = r.getString(); err != nil {
		return info, wrapDecode(err)
	}
	if info.Description, err = r.getString(); err != nil {
		return info, wrapDecode(err)
	}
	if info.NetworkName, err = r.getString(); err != nil {
		return info, wrapDecode(err)
	}
	if info.Path, err = r.getString(); err != nil {
		return info, wrapDecode(err)
	}
	if info.Hostname, err = r.getString(); err != nil {
		return info, wrapDecode(err)
	}
	pid, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.Pid = int(pid)

	host, err := r.getString()
	if err != nil {
		return info, wrapDecode(err)
	}
	port, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.TCPEndpoint = &net.TCPAddr{IP: net.ParseIP(host), Port: int(port)}

	startNanos, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.StartTime = time.Unix(0, int64(startNanos)).UTC()

	sessionTimeout, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.Capabilities.SessionTimeout = time.Duration(sessionTimeout)

	advInterval, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.Capabilities.AdvertisingInterval = time.Duration(advInterval)

	if info.Capabilities.AdvertisingAddress, err = r.getString(); err != nil {
		return info, wrapDecode(err)
	}

	txQueue, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.Capabilities.TxQueueSize = uint32(txQueue)

	rxQueue, err := r.getUvarint()
	if err != nil {
		return info, wrapDecode(err)
	}
	info.Capabilities.RxQueueSize = uint32(rxQueue)

	if info.Capabilities.Ghost, err = r.getBool(); err != nil {
		return info, wrapDecode(err)
	}

	if !r.atEnd() {
		return info, types.NewError(types.KindDeserializeFailed, "info body has trailing bytes")
	}

	return info, nil
}

func wrapDecode(err error) error {
	return types.WrapError(types.KindDeserializeFailed, "failed to decode info body", err)
}

func splitTCPAddr(addr *net.TCPAddr) (host string, port int) {
	if addr == nil {
		return "", 0
	}
	return addr.IP.String(), addr.Port
}
