package wire

import (
	"io"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// AckByte is the single-byte acknowledgement value spec.md 6 defines.
const AckByte byte = 0x00

// ChallengeSize is the length of the random challenge exchanged during
// authentication; SolutionSize is the length of its SHA-256 response.
const (
	ChallengeSize = 8
	SolutionSize  = 32
)

// WriteAck writes the single acknowledgement byte.
func WriteAck(w io.Writer) error {
	_, err := w.Write([]byte{AckByte})
	return err
}

// ReadAck reads and validates the acknowledgement byte. A wrong length or
// wrong byte value is a deserialize failure, latched by the caller into
// next_result per spec.md 4.2 step 3.
func ReadAck(r io.Reader) error {
	buf := make([]byte, 1)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return types.WrapError(types.KindConnectionClosed, "connection closed while reading ack", err)
	}
	if n != 1 || buf[0] != AckByte {
		return types.NewError(types.KindDeserializeFailed, "malformed acknowledgement")
	}
	return nil
}

// WriteFixed writes exactly len(data) bytes, used for challenge and
// solution exchange.
func WriteFixed(w io.Writer, data []byte) error {
	_, err := w.Write(data)
	return err
}

// ReadFixed reads exactly n bytes, used for challenge and solution
// exchange.
func ReadFixed(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "connection closed while reading fixed field", err)
	}
	return buf, nil
}
