package terminal

import (
	"testing"

	"github.com/branchfabric/go-branch/pkg/branch/types"
)

func TestBinding_EstablishedOnFirstMatchReleasedOnLast(t *testing.T) {
	b := NewBinding(1, types.Identifier{Name: "motor/speed"})

	if b.State() != Released {
		t.Fatalf("expected Released initially")
	}

	_, transitioned := b.NoticeMatch(peerA, 5)
	if !transitioned || b.State() != Established {
		t.Fatalf("expected transition to Established on first match")
	}

	peerB := types.Identity{0x02}
	if _, transitioned := b.NoticeMatch(peerB, 6); transitioned {
		t.Fatalf("expected no transition adding a second match while already established")
	}

	if _, transitioned := b.RemoveMatch(peerA, 5); transitioned {
		t.Fatalf("expected no transition to released while a match remains")
	}
	if b.State() != Established {
		t.Fatalf("expected still Established with one match remaining")
	}

	if _, transitioned := b.RemoveMatch(peerB, 6); !transitioned {
		t.Fatalf("expected transition to Released once the last match is removed")
	}
	if b.State() != Released {
		t.Fatalf("expected Released after last match removed")
	}
}

func TestBinding_RemovePeerDropsAllItsMatches(t *testing.T) {
	b := NewBinding(1, types.Identifier{Name: "motor/speed"})
	b.NoticeMatch(peerA, 1)
	b.NoticeMatch(peerA, 2)

	if !b.RemovePeer(peerA) {
		t.Fatalf("expected RemovePeer to transition binding to released")
	}
	if b.State() != Released {
		t.Fatalf("expected Released after RemovePeer")
	}
}
