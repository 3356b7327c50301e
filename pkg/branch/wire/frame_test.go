package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

func TestFrame_RoundTrip(t *testing.T) {
	frame := EncodeFrame(uint32(types.KindData), []byte("hello"))

	typeID, payload, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)), 1<<20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typeID != uint32(types.KindData) {
		t.Errorf("expected type-id %d, got %d", types.KindData, typeID)
	}
	if string(payload) != "hello" {
		t.Errorf("expected payload %q, got %q", "hello", payload)
	}
}

func TestFrame_RejectsOversizedLength(t *testing.T) {
	frame := EncodeFrame(uint32(types.KindData), make([]byte, 100))

	_, _, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)), 10)
	if !types.IsKind(err, types.KindPayloadTooLarge) {
		t.Fatalf("expected payload-too-large, got %v", err)
	}
}

// TestMessage_RoundTripEveryKind exercises the universal property of
// spec.md 8: for every framed message m produced by a sender's
// serializer, deserialize(serialize(m)) == m.
func TestMessage_RoundTripEveryKind(t *testing.T) {
	ident := types.Identifier{Signature: 7, Name: "motor/speed", Hidden: true}

	messages := []types.Message{
		{Kind: types.KindHeartbeat, Body: nil},
		{Kind: types.KindTerminalDescription, Body: types.TerminalDescription{Identifier: ident, Id: 3}},
		{Kind: types.KindTerminalMapping, Body: types.TerminalMapping{TerminalId: 3, MappedId: 9}},
		{Kind: types.KindTerminalNoticed, Body: types.TerminalNoticed{TerminalId: 3}},
		{Kind: types.KindTerminalRemoved, Body: types.TerminalRemoved{MappedId: 9}},
		{Kind: types.KindTerminalRemovedAck, Body: types.TerminalRemovedAck{TerminalId: 3}},
		{Kind: types.KindBindingDescription, Body: types.BindingDescription{Identifier: ident, Id: 1}},
		{Kind: types.KindBindingMapping, Body: types.BindingMapping{BindingId: 1, MappedId: 2}},
		{Kind: types.KindBindingNoticed, Body: types.BindingNoticed{BindingId: 1}},
		{Kind: types.KindBindingRemoved, Body: types.BindingRemoved{MappedId: 2}},
		{Kind: types.KindBindingRemovedAck, Body: types.BindingRemovedAck{BindingId: 1}},
		{Kind: types.KindBindingEstablished, Body: types.BindingEstablished{BindingId: 1}},
		{Kind: types.KindBindingReleased, Body: types.BindingReleased{BindingId: 1}},
		{Kind: types.KindSubscribe, Body: types.Subscribe{TerminalId: 3}},
		{Kind: types.KindUnsubscribe, Body: types.Unsubscribe{TerminalId: 3}},
		{Kind: types.KindData, Body: types.Data{SubscriptionId: 4, Bytes: []byte{1, 2, 3}}},
		{Kind: types.KindCachedData, Body: types.CachedData{SubscriptionId: 4, Bytes: []byte{4, 5}}},
		{Kind: types.KindScatter, Body: types.Scatter{SubscriptionId: 1, OperationId: 7, Bytes: []byte{0xAA}}},
		{Kind: types.KindGather, Body: types.Gather{OperationId: 7, Flags: types.GatherFinished | types.GatherDeaf, Bytes: []byte{0x02}}},
	}

	for _, m := range messages {
		encoded, err := EncodeMessage(m)
		if err != nil {
			t.Fatalf("kind %v: failed to encode: %v", m.Kind, err)
		}

		typeID, payload, err := ReadFrame(bufio.NewReader(bytes.NewReader(encoded)), 1<<20)
		if err != nil {
			t.Fatalf("kind %v: failed to read frame: %v", m.Kind, err)
		}

		decoded, err := DecodeMessageBody(typeID, payload)
		if err != nil {
			t.Fatalf("kind %v: failed to decode: %v", m.Kind, err)
		}

		if decoded.Kind != m.Kind {
			t.Errorf("kind %v: decoded kind %v", m.Kind, decoded.Kind)
		}
		if m.Body == nil {
			if decoded.Body != nil {
				t.Errorf("kind %v: expected nil body, got %#v", m.Kind, decoded.Body)
			}
			continue
		}
		if !bodiesEqual(t, m.Body, decoded.Body) {
			t.Errorf("kind %v: expected body %#v, got %#v", m.Kind, m.Body, decoded.Body)
		}
	}
}

func bodiesEqual(t *testing.T, want, got interface{}) bool {
	t.Helper()
	switch w := want.(type) {
	case types.Data:
		g := got.(types.Data)
		return w.SubscriptionId == g.SubscriptionId && bytes.Equal(w.Bytes, g.Bytes)
	case types.CachedData:
		g := got.(types.CachedData)
		return w.SubscriptionId == g.SubscriptionId && bytes.Equal(w.Bytes, g.Bytes)
	case types.Scatter:
		g := got.(types.Scatter)
		return w.SubscriptionId == g.SubscriptionId && w.OperationId == g.OperationId && bytes.Equal(w.Bytes, g.Bytes)
	case types.Gather:
		g := got.(types.Gather)
		return w.OperationId == g.OperationId && w.Flags == g.Flags && bytes.Equal(w.Bytes, g.Bytes)
	default:
		return want == got
	}
}

func TestGatherFlags_AllValuesFitSevenBits(t *testing.T) {
	all := types.GatherFinished | types.GatherIgnored | types.GatherDeaf | types.GatherBindingDestroyed | types.GatherConnectionLost
	if all >= 0x80 {
		t.Fatalf("combined gather flags %d do not fit in 7 bits", all)
	}
}
