// Package wire implements the byte-level encoding spec.md 4.1 and 4.6
// describe: the little-endian continuation-bit varint, the length+type-id
// frame header, the advertising datagram and the session info message.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// MaxVarintLen is the longest encoding produced for any uint32 value this
// protocol ever carries (length prefixes and type-ids are both uint32);
// five bytes covers up to 2^35-1, more than enough for 4294967295.
const MaxVarintLen = 5

// PutUvarint encodes v into buf using the little-endian continuation-bit
// form (seven payload bits per byte, high bit set on every non-final
// byte) and returns the number of bytes written. This is the same
// encoding as encoding/binary.PutUvarint; it is spelled out here because
// the frame reader below needs to consume it one byte at a time directly
// off a bufio.Reader, which encoding/binary's slice-oriented API cannot do.
func PutUvarint(buf []byte, v uint64) int {
	return binary.PutUvarint(buf, v)
}

// UvarintLen returns the number of bytes PutUvarint would write for v.
func UvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// DecodeUvarint decodes one continuation-bit varint from the start of
// data, returning the value and the number of bytes consumed. It is used
// to pull the type-id back out of an already-read frame body, where the
// frame's length prefix already guarantees the full body is in memory.
func DecodeUvarint(data []byte, maxValue uint64) (value uint64, consumed int, err error) {
	var v uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 {
			return 0, 0, types.NewError(types.KindDeserializeFailed, "varint too long")
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if v > maxValue {
				return 0, 0, types.NewError(types.KindPayloadTooLarge, "varint exceeds configured maximum")
			}
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, types.NewError(types.KindDeserializeFailed, "truncated varint")
}

// ReadUvarint reads one continuation-bit varint from r, enforcing that the
// decoded value never exceeds maxValue. A value exceeding maxValue is a
// protocol error (spec.md 4.1: "a length prefix representing a value
// beyond the receive byte-budget is a protocol error").
func ReadUvarint(r *bufio.Reader, maxValue uint64) (uint64, error) {
	var v uint64
	var shift uint
	for {
		if shift >= 64 {
			return 0, types.NewError(types.KindDeserializeFailed, "varint too long")
		}
		b, err := r.ReadByte()
		if err != nil {
			if err == io.EOF {
				return 0, types.WrapError(types.KindConnectionClosed, "connection closed while reading varint", err)
			}
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if v > maxValue {
			return 0, types.NewError(types.KindPayloadTooLarge, "varint exceeds configured maximum")
		}
	}
	if v > maxValue {
		return 0, types.NewError(types.KindPayloadTooLarge, "varint exceeds configured maximum")
	}
	return v, nil
}
