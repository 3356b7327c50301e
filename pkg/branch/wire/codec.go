package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// bodyWriter accumulates a message body using the same continuation-bit
// varints as the frame header, so every field inside a message is
// self-delimited the same way the frame itself is.
type bodyWriter struct {
	buf bytes.Buffer
}

func (w *bodyWriter) putUvarint(v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := PutUvarint(tmp[:], v)
	w.buf.Write(tmp[:n])
}

func (w *bodyWriter) putId(id types.Id) { w.putUvarint(uint64(id)) }

func (w *bodyWriter) putBytes(b []byte) {
	w.putUvarint(uint64(len(b)))
	w.buf.Write(b)
}

func (w *bodyWriter) putString(s string) { w.putBytes([]byte(s)) }

func (w *bodyWriter) putBool(b bool) {
	if b {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *bodyWriter) putByte(b byte) { w.buf.WriteByte(b) }

func (w *bodyWriter) putIdentifier(id types.Identifier) {
	w.putUvarint(uint64(id.Signature))
	w.putString(id.Name)
	w.putBool(id.Hidden)
}

func (w *bodyWriter) bytes() []byte { return w.buf.Bytes() }

// bodyReader is the mirror-image incremental reader, operating directly
// on an in-memory body (the frame's length prefix already guarantees the
// whole body is available).
type bodyReader struct {
	data []byte
	pos  int
}

func newBodyReader(data []byte) *bodyReader { return &bodyReader{data: data} }

func (r *bodyReader) getUvarint() (uint64, error) {
	v, n, err := DecodeUvarint(r.data[r.pos:], uint64(^uint64(0))>>1)
	if err != nil {
		return 0, err
	}
	r.pos += n
	return v, nil
}

func (r *bodyReader) getId() (types.Id, error) {
	v, err := r.getUvarint()
	return types.Id(v), err
}

func (r *bodyReader) getBytes() ([]byte, error) {
	n, err := r.getUvarint()
	if err != nil {
		return nil, err
	}
	if int(n) > len(r.data)-r.pos {
		return nil, types.NewError(types.KindDeserializeFailed, "field length exceeds remaining body")
	}
	out := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}

func (r *bodyReader) getString() (string, error) {
	b, err := r.getBytes()
	return string(b), err
}

func (r *bodyReader) getBool() (bool, error) {
	b, err := r.getByte()
	return b != 0, err
}

func (r *bodyReader) getByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, types.NewError(types.KindDeserializeFailed, "unexpected end of body")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *bodyReader) getIdentifier() (types.Identifier, error) {
	sig, err := r.getUvarint()
	if err != nil {
		return types.Identifier{}, err
	}
	name, err := r.getString()
	if err != nil {
		return types.Identifier{}, err
	}
	hidden, err := r.getBool()
	if err != nil {
		return types.Identifier{}, err
	}
	return types.Identifier{Signature: uint32(sig), Name: name, Hidden: hidden}, nil
}

// atEnd reports whether the whole body was consumed, i.e. the declared
// length matches the length ultimately consumed by the deserializer
// (spec.md 3 invariant).
func (r *bodyReader) atEnd() bool { return r.pos == len(r.data) }

// EncodeMessage serializes a types.Message into a complete wire frame.
func EncodeMessage(m types.Message) ([]byte, error) {
	w := &bodyWriter{}
	switch b := m.Body.(type) {
	case nil:
		// heartbeat: zero-payload message
	case types.TerminalDescription:
		w.putIdentifier(b.Identifier)
		w.putId(b.Id)
	case types.TerminalMapping:
		w.putId(b.TerminalId)
		w.putId(b.MappedId)
	case types.TerminalNoticed:
		w.putId(b.TerminalId)
	case types.TerminalRemoved:
		w.putId(b.MappedId)
	case types.TerminalRemovedAck:
		w.putId(b.TerminalId)
	case types.BindingDescription:
		w.putIdentifier(b.Identifier)
		w.putId(b.Id)
	case types.BindingMapping:
		w.putId(b.BindingId)
		w.putId(b.MappedId)
	case types.BindingNoticed:
		w.putId(b.BindingId)
	case types.BindingRemoved:
		w.putId(b.MappedId)
	case types.BindingRemovedAck:
		w.putId(b.BindingId)
	case types.BindingEstablished:
		w.putId(b.BindingId)
	case types.BindingReleased:
		w.putId(b.BindingId)
	case types.Subscribe:
		w.putId(b.TerminalId)
	case types.Unsubscribe:
		w.putId(b.TerminalId)
	case types.Data:
		w.putId(b.SubscriptionId)
		w.putBytes(b.Bytes)
	case types.CachedData:
		w.putId(b.SubscriptionId)
		w.putBytes(b.Bytes)
	case types.Scatter:
		w.putId(b.SubscriptionId)
		w.putId(b.OperationId)
		w.putBytes(b.Bytes)
	case types.Gather:
		w.putId(b.OperationId)
		w.putByte(byte(b.Flags))
		w.putBytes(b.Bytes)
	default:
		return nil, types.NewError(types.KindDeserializeFailed, fmt.Sprintf("unknown message body type %T", m.Body))
	}

	return EncodeFrame(uint32(m.Kind), w.bytes()), nil
}

// DecodeMessageBody parses a message body for the given kind. An unknown
// type-id is itself a hard error the caller must use to terminate the
// session (spec.md 3: "an unknown type-id is a hard error").
func DecodeMessageBody(kind uint32, body []byte) (types.Message, error) {
	r := newBodyReader(body)

	msg := types.Message{Kind: types.MessageKind(kind)}

	var err error
	switch types.MessageKind(kind) {
	case types.KindHeartbeat:
		// no body

	case types.KindTerminalDescription:
		var b types.TerminalDescription
		if b.Identifier, err = r.getIdentifier(); err == nil {
			b.Id, err = r.getId()
		}
		msg.Body = b
	case types.KindTerminalMapping:
		var b types.TerminalMapping
		if b.TerminalId, err = r.getId(); err == nil {
			b.MappedId, err = r.getId()
		}
		msg.Body = b
	case types.KindTerminalNoticed:
		var b types.TerminalNoticed
		b.TerminalId, err = r.getId()
		msg.Body = b
	case types.KindTerminalRemoved:
		var b types.TerminalRemoved
		b.MappedId, err = r.getId()
		msg.Body = b
	case types.KindTerminalRemovedAck:
		var b types.TerminalRemovedAck
		b.TerminalId, err = r.getId()
		msg.Body = b
	case types.KindBindingDescription:
		var b types.BindingDescription
		if b.Identifier, err = r.getIdentifier(); err == nil {
			b.Id, err = r.getId()
		}
		msg.Body = b
	case types.KindBindingMapping:
		var b types.BindingMapping
		if b.BindingId, err = r.getId(); err == nil {
			b.MappedId, err = r.getId()
		}
		msg.Body = b
	case types.KindBindingNoticed:
		var b types.BindingNoticed
		b.BindingId, err = r.getId()
		msg.Body = b
	case types.KindBindingRemoved:
		var b types.BindingRemoved
		b.MappedId, err = r.getId()
		msg.Body = b
	case types.KindBindingRemovedAck:
		var b types.BindingRemovedAck
		b.BindingId, err = r.getId()
		msg.Body = b
	case types.KindBindingEstablished:
		var b types.BindingEstablished
		b.BindingId, err = r.getId()
		msg.Body = b
	case types.KindBindingReleased:
		var b types.BindingReleased
		b.BindingId, err = r.getId()
		msg.Body = b
	case types.KindSubscribe:
		var b types.Subscribe
		b.TerminalId, err = r.getId()
		msg.Body = b
	case types.KindUnsubscribe:
		var b types.Unsubscribe
		b.TerminalId, err = r.getId()
		msg.Body = b
	case types.KindData:
		var b types.Data
		if b.SubscriptionId, err = r.getId(); err == nil {
			var raw []byte
			raw, err = r.getBytes()
			b.Bytes = append([]byte(nil), raw...)
		}
		msg.Body = b
	case types.KindCachedData:
		var b types.CachedData
		if b.SubscriptionId, err = r.getId(); err == nil {
			var raw []byte
			raw, err = r.getBytes()
			b.Bytes = append([]byte(nil), raw...)
		}
		msg.Body = b
	case types.KindScatter:
		var b types.Scatter
		if b.SubscriptionId, err = r.getId(); err == nil {
			if b.OperationId, err = r.getId(); err == nil {
				var raw []byte
				raw, err = r.getBytes()
				b.Bytes = append([]byte(nil), raw...)
			}
		}
		msg.Body = b
	case types.KindGather:
		var b types.Gather
		if b.OperationId, err = r.getId(); err == nil {
			var flagByte byte
			if flagByte, err = r.getByte(); err == nil {
				b.Flags = types.GatherFlags(flagByte)
				var raw []byte
				raw, err = r.getBytes()
				b.Bytes = append([]byte(nil), raw...)
			}
		}
		msg.Body = b
	default:
		return types.Message{}, types.NewError(types.KindDeserializeFailed, fmt.Sprintf("unknown message type-id %d", kind))
	}

	if err != nil {
		return types.Message{}, types.WrapError(types.KindDeserializeFailed, "failed to decode message body", err)
	}
	if !r.atEnd() {
		return types.Message{}, types.NewError(types.KindDeserializeFailed, "message body has trailing bytes")
	}
	return msg, nil
}
