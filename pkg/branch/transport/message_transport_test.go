package transport

import (
	"context"
	"testing"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/definition"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

func newTestPair(t *testing.T, queueBytes uint32) (*Transport, *Transport) {
	t.Helper()
	a, b := NewLocalPair()
	log := definition.NewDefaultLogger()
	ta := NewMessageTransport(a, queueBytes, 1<<20, log)
	tb := NewMessageTransport(b, queueBytes, 1<<20, log)
	t.Cleanup(func() {
		ta.Close()
		tb.Close()
	})
	return ta, tb
}

func TestMessageTransport_SendReceiveRoundTrip(t *testing.T) {
	ta, tb := newTestPair(t, 4096)

	done, err := ta.SendAsync(context.Background(), types.Message{
		Kind: types.KindData,
		Body: types.Data{SubscriptionId: 1, Bytes: []byte("payload")},
	}, "")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := tb.ReceiveAsync(ctx, 4096)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	if msg.Kind != types.KindData {
		t.Fatalf("expected KindData, got %v", msg.Kind)
	}
	data := msg.Body.(types.Data)
	if string(data.Bytes) != "payload" {
		t.Fatalf("expected payload, got %q", data.Bytes)
	}

	select {
	case sendErr := <-done:
		if sendErr != nil {
			t.Fatalf("send completion reported error: %v", sendErr)
		}
	case <-time.After(time.Second):
		t.Fatal("send never completed")
	}
}

// TestMessageTransport_TrySend_RejectsWhenQueueFull is the literal
// scenario from spec.md 8.6: blast small payloads with a tiny queue and
// expect at least one rejection without the connection going down.
func TestMessageTransport_TrySend_RejectsWhenQueueFull(t *testing.T) {
	ta, _ := newTestPair(t, 128)

	rejected := false
	for i := 0; i < 1000; i++ {
		result, err := ta.TrySend(types.Message{
			Kind: types.KindData,
			Body: types.Data{SubscriptionId: 1, Bytes: []byte{byte(i)}},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result == Rejected {
			rejected = true
			break
		}
	}

	if !rejected {
		t.Fatal("expected at least one rejected send with a 128-byte queue and 1000 payloads")
	}
}

func TestMessageTransport_Cancel_RemovesUnstartedSend(t *testing.T) {
	// A blocked writer keeps it from racing the cancel: the first send
	// occupies the writer goroutine writing to a connection nobody is
	// draining, so the second send stays queued long enough to cancel
	// deterministically.
	ta, _ := newTestPair(t, 4096)

	// Nothing reads the other end of this pair, so the writer goroutine
	// blocks forever trying to write this first frame: it never reaches
	// the second one.
	if _, err := ta.SendAsync(context.Background(), types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: 1}}, "blocker"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	done, err := ta.SendAsync(context.Background(), types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: 2}}, "cancel-me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cancelErr := ta.Cancel("cancel-me"); cancelErr != nil {
		t.Fatalf("cancel failed: %v", cancelErr)
	}

	select {
	case sendErr := <-done:
		if !types.IsKind(sendErr, types.KindCanceled) {
			t.Fatalf("expected canceled, got %v", sendErr)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled send never resolved")
	}
}
