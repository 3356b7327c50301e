package branch_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/branchfabric/go-branch/internal/inttest"
	"github.com/branchfabric/go-branch/pkg/branch/terminal"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// TestBranch_PublishSubscribeAcrossMesh mirrors the teacher's
// Test_SequentialCommands (fuzzy/commit_test.go): build a small cluster,
// exercise it end to end, then require a clean shutdown and no leaked
// goroutines.
func TestBranch_PublishSubscribeAcrossMesh(t *testing.T) {
	cluster := inttest.NewCluster(t, 2, "pubsub")
	defer func() {
		if !inttest.WaitThisOrTimeout(cluster.Close, 5*time.Second) {
			t.Error("cluster failed to shut down in time")
			inttest.PrintStackTrace(t)
		}
		goleak.VerifyNone(t)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cluster.Mesh(ctx)

	identifier := types.Identifier{Name: "/topic/weather"}
	pub := cluster.Branches[0].NewTerminal(identifier, terminal.PublishSubscribe)
	sub := cluster.Branches[1].NewTerminal(identifier, terminal.PublishSubscribe)
	publisher := cluster.Branches[0].Identity()

	received := make(chan []byte, 1)
	sub.OnData(func(_ types.Identity, bytes []byte) {
		received <- bytes
	})

	if !awaitRemote(sub, publisher, time.Second) {
		t.Fatal("subscriber never discovered the publisher's terminal")
	}
	if err := sub.Subscribe(publisher); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// Give the Subscribe frame time to land before publishing, otherwise
	// the publish may race ahead of the subscription state transition.
	time.Sleep(50 * time.Millisecond)
	pub.Publish([]byte("41f"))

	select {
	case got := <-received:
		if string(got) != "41f" {
			t.Errorf("expected %q, got %q", "41f", got)
		}
	case <-time.After(time.Second):
		t.Fatal("never received published data")
	}
}

func awaitRemote(term *terminal.Terminal, peer types.Identity, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range term.RemotePeers() {
			if p == peer {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
