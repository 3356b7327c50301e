package core

import (
	"testing"

	"github.com/branchfabric/go-branch/pkg/branch/definition"
	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

func newTestConnection(t *testing.T, local types.BranchInfo, peer types.BranchInfo, dialed bool) *Connection {
	t.Helper()
	a, _ := transport.NewLocalPair()
	log := definition.NewDefaultLogger()
	mt := transport.NewMessageTransport(a, local.Capabilities.TxQueueSize, local.Capabilities.RxQueueSize, log)
	return NewConnection(local, peer, mt, dialed, log)
}

// TestConnectionManager_TieBreakKeepsLowerIdentityAsDialler is the
// spec.md 4.2 tie-break: of two simultaneous reciprocal connects to the
// same peer, the one where the dialling side carries the lower identity
// survives.
func TestConnectionManager_TieBreakKeepsLowerIdentityAsDialler(t *testing.T) {
	local := testInfo(t, 0x01)  // lower identity
	peer := testInfo(t, 0x02)   // higher identity

	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())

	// Local is lower, so it should be the dialler: a connection we
	// dialled (dialed=true) is the correct direction.
	dialledConn := newTestConnection(t, local, peer, true)
	acceptedConn := newTestConnection(t, local, peer, false)

	admittedA, err := mgr.Admit(acceptedConn)
	if err != nil {
		t.Fatalf("first admit should always succeed: %v", err)
	}
	if admittedA != acceptedConn {
		t.Fatalf("expected first admit to return the only connection so far")
	}

	admittedB, err := mgr.Admit(dialledConn)
	if err != nil {
		t.Fatalf("correct-direction admit should not fail: %v", err)
	}
	if admittedB != dialledConn {
		t.Fatalf("expected the dialled connection (correct direction for the lower identity) to win")
	}
	if current, ok := mgr.Get(peer.Identity); !ok || current != dialledConn {
		t.Fatalf("expected manager to retain the dialled connection")
	}
}

func TestConnectionManager_WrongDirectionDuplicateRejected(t *testing.T) {
	local := testInfo(t, 0x02) // higher identity: peer should be the dialler
	peer := testInfo(t, 0x01)

	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())

	acceptedConn := newTestConnection(t, local, peer, false) // correct: peer dialled us
	dialledConn := newTestConnection(t, local, peer, true)   // wrong: we dialled, but peer is lower

	if _, err := mgr.Admit(acceptedConn); err != nil {
		t.Fatalf("unexpected error admitting first connection: %v", err)
	}
	_, err := mgr.Admit(dialledConn)
	if !types.IsKind(err, types.KindDuplicateConnection) {
		t.Fatalf("expected duplicate-connection, got %v", err)
	}
	if current, ok := mgr.Get(peer.Identity); !ok || current != acceptedConn {
		t.Fatalf("expected manager to retain the originally accepted connection")
	}
}

func TestConnectionManager_RemoveOnlyDropsCurrentSession(t *testing.T) {
	local := testInfo(t, 0x01)
	peer := testInfo(t, 0x02)
	mgr := NewConnectionManager(local.Identity, definition.NewDefaultLogger())

	conn := newTestConnection(t, local, peer, true)
	mgr.Admit(conn)

	stale := newTestConnection(t, local, peer, true)
	mgr.Remove(peer.Identity, stale)
	if _, ok := mgr.Get(peer.Identity); !ok {
		t.Fatalf("removing a stale reference should not affect the current session")
	}

	mgr.Remove(peer.Identity, conn)
	if _, ok := mgr.Get(peer.Identity); ok {
		t.Fatalf("expected session to be removed")
	}
}
