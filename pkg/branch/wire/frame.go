package wire

import (
	"bufio"
	"io"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// EncodeFrame renders a complete wire frame for the given type-id and raw
// payload: a length prefix (covering the type-id and payload only, not
// itself) followed by the type-id varint and the payload bytes.
func EncodeFrame(typeID uint32, payload []byte) []byte {
	typeBuf := make([]byte, MaxVarintLen)
	typeLen := PutUvarint(typeBuf, uint64(typeID))

	bodyLen := typeLen + len(payload)
	lenBuf := make([]byte, MaxVarintLen)
	lenLen := PutUvarint(lenBuf, uint64(bodyLen))

	out := make([]byte, 0, lenLen+bodyLen)
	out = append(out, lenBuf[:lenLen]...)
	out = append(out, typeBuf[:typeLen]...)
	out = append(out, payload...)
	return out
}

// ReadFrame reads one complete frame from r. maxBodyLen bounds the length
// prefix against the receive byte-budget (spec.md 4.1); a length prefix
// beyond it fails with ErrPayloadTooLarge before any body bytes are read.
func ReadFrame(r *bufio.Reader, maxBodyLen uint64) (typeID uint32, payload []byte, err error) {
	bodyLen, err := ReadUvarint(r, maxBodyLen)
	if err != nil {
		return 0, nil, err
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, types.WrapError(types.KindConnectionClosed, "connection closed while reading frame body", err)
	}

	id, consumed, err := DecodeUvarint(body, uint64(^uint32(0)))
	if err != nil {
		return 0, nil, types.WrapError(types.KindDeserializeFailed, "failed to decode frame type-id", err)
	}

	return uint32(id), body[consumed:], nil
}
