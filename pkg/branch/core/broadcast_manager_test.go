package core

import (
	"context"
	"testing"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/definition"
	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
	"github.com/branchfabric/go-branch/pkg/branch/wire"
)

func TestBroadcastManager_NoRetry_AllAccepted(t *testing.T) {
	local := testInfo(t, 0x01)
	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())

	peerA := testInfo(t, 0x02)
	peerB := testInfo(t, 0x03)
	connA := newTestConnection(t, local, peerA, true)
	connB := newTestConnection(t, local, peerB, true)
	mgr.Admit(connA)
	mgr.Admit(connB)

	bm := NewBroadcastManager(mgr, definition.NewDefaultLogger())

	resultCh := make(chan BroadcastResult, 1)
	bm.SendBroadcastAsync(context.Background(), types.Message{Kind: types.KindHeartbeat}, false, func(_ string, result BroadcastResult) {
		resultCh <- result
	})

	select {
	case result := <-resultCh:
		if result != BroadcastOK {
			t.Fatalf("expected BroadcastOK, got %v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

// TestBroadcastManager_NoRetry_QueueFull relies on a connection whose
// transmit queue is already occupied by a send nobody drains (net.Pipe's
// synchronous write blocks the writer goroutine forever on it), so a
// subsequent try_send-based broadcast is guaranteed to be rejected.
func TestBroadcastManager_NoRetry_QueueFull(t *testing.T) {
	local := testInfo(t, 0x01)
	local.Capabilities.TxQueueSize = 32 // tiny: easy to fill, bypasses Validate on purpose
	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())

	peer := testInfo(t, 0x02)
	conn := newTestConnection(t, local, peer, true)
	mgr.Admit(conn)

	// The writer goroutine blocks forever on the first unread send
	// (net.Pipe's write is synchronous), so every following try_send
	// just accumulates in the queue until it is full.
	for i := 0; i < 64; i++ {
		result, _ := conn.TrySend(types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: 1, Bytes: []byte{byte(i)}}})
		if result == transport.Rejected {
			break
		}
	}

	bm := NewBroadcastManager(mgr, definition.NewDefaultLogger())

	resultCh := make(chan BroadcastResult, 1)
	bm.SendBroadcastAsync(context.Background(), types.Message{Kind: types.KindHeartbeat}, false, func(_ string, result BroadcastResult) {
		resultCh <- result
	})

	select {
	case result := <-resultCh:
		if result != BroadcastTxQueueFull {
			t.Fatalf("expected BroadcastTxQueueFull, got %v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired")
	}
}

func TestBroadcastManager_Cancel_ReportsCancelledOperations(t *testing.T) {
	blockerMsg := types.Message{Kind: types.KindData, Body: types.Data{SubscriptionId: 1, Bytes: []byte("occupy-the-writer")}}
	blockerFrame, err := wire.EncodeMessage(blockerMsg)
	if err != nil {
		t.Fatalf("failed to size the blocker frame: %v", err)
	}

	local := testInfo(t, 0x01)
	// Sized to exactly fit the blocker frame: once it is admitted, the
	// queue is full and any further frame is rejected by try_send,
	// forcing the retry=true broadcast below onto the async tagged path.
	local.Capabilities.TxQueueSize = uint32(len(blockerFrame))
	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())

	peer := testInfo(t, 0x02)
	conn := newTestConnection(t, local, peer, true)
	mgr.Admit(conn)

	// Block the writer goroutine on an unread send so the retry=true
	// broadcast below stays queued, not transmitted.
	if _, err := conn.SendAsync(context.Background(), blockerMsg, "blocker"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bm := NewBroadcastManager(mgr, definition.NewDefaultLogger())

	resultCh := make(chan BroadcastResult, 1)
	opID := bm.SendBroadcastAsync(context.Background(), types.Message{Kind: types.KindHeartbeat}, true, func(_ string, result BroadcastResult) {
		resultCh <- result
	})

	// The retry send registers its tag on its own goroutine; give it a
	// moment to reach that point before cancelling it.
	time.Sleep(50 * time.Millisecond)
	if !bm.Cancel(opID) {
		t.Fatal("expected cancel to report at least one cancellation")
	}

	select {
	case result := <-resultCh:
		if result != BroadcastCancelled {
			t.Fatalf("expected BroadcastCancelled, got %v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never fired after cancel")
	}
}

func TestBroadcastManager_ReceiveBroadcast_SecondCallCancelsFirst(t *testing.T) {
	local := testInfo(t, 0x01)
	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())
	bm := NewBroadcastManager(mgr, definition.NewDefaultLogger())

	firstErr := make(chan error, 1)
	go func() {
		_, err := bm.ReceiveBroadcast(context.Background())
		firstErr <- err
	}()

	time.Sleep(50 * time.Millisecond) // let the first receiver arm

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	go func() {
		bm.ReceiveBroadcast(ctx2)
	}()

	select {
	case err := <-firstErr:
		if !types.IsKind(err, types.KindCanceled) {
			t.Fatalf("expected the first pending receive to be canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("first receiver was never cancelled by the second call")
	}
}
