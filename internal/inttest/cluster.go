// Package inttest provides cluster/session test helpers for exercising a
// branch end-to-end, adapted from the teacher's test.UnityCluster
// (test/testing.go): instead of spinning up N replicated-storage
// unities, it spins up N branches wired into a full mesh over loopback
// TCP and tears them down together.
package inttest

import (
	"context"
	"fmt"
	"runtime"
	"testing"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// FastCapabilities are the timing parameters integration tests should use
// instead of the production defaults, so heartbeat/session-timeout
// driven behavior (spec.md 4.1, 4.3) can be exercised without real tests
// running for whole seconds.
var FastCapabilities = struct {
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
}{
	HeartbeatInterval: 30 * time.Millisecond,
	SessionTimeout:    150 * time.Millisecond,
}

// Cluster is a set of branches, each listening on an ephemeral loopback
// port, constructed for one test.
type Cluster struct {
	T        *testing.T
	Branches []*branch.Branch
}

// NewCluster constructs size branches named "<prefix>-<i>", all ghosted
// (no multicast advertising — tests wire sessions directly via Mesh) and
// opened on 127.0.0.1 with FastCapabilities timing.
func NewCluster(t *testing.T, size int, prefix string) *Cluster {
	t.Helper()
	c := &Cluster{T: t}
	for i := 0; i < size; i++ {
		cfg := types.DefaultConfiguration(fmt.Sprintf("%s-%d", prefix, i))
		cfg.Ghost = true
		cfg.ListenAddress = "127.0.0.1:0"
		cfg.HeartbeatInterval = FastCapabilities.HeartbeatInterval
		cfg.SessionTimeout = FastCapabilities.SessionTimeout

		b, err := branch.New(cfg, nil, nil)
		if err != nil {
			t.Fatalf("inttest: failed constructing branch %d: %v", i, err)
		}
		if err := b.Open(nil); err != nil {
			t.Fatalf("inttest: failed opening branch %d: %v", i, err)
		}
		c.Branches = append(c.Branches, b)
	}
	return c
}

// Mesh dials every branch directly to every branch after it in the
// slice, bypassing multicast discovery entirely so connection ordering
// in a test is deterministic (the same direct-dial path cmd/branch-ping
// uses via Branch.Connect).
func (c *Cluster) Mesh(ctx context.Context) {
	c.T.Helper()
	for i, a := range c.Branches {
		for _, other := range c.Branches[i+1:] {
			addr := other.Info().TCPEndpoint.String()
			if _, err := a.Connect(ctx, addr); err != nil {
				c.T.Fatalf("inttest: failed connecting %s to %s: %v", a.Info().Name, addr, err)
			}
		}
	}
}

// Close tears down every branch in the cluster.
func (c *Cluster) Close() {
	for _, b := range c.Branches {
		_ = b.Close()
	}
}

// PrintStackTrace dumps every goroutine's stack to t, used to diagnose a
// WaitThisOrTimeout failure the way the teacher's test package does.
func PrintStackTrace(t *testing.T) {
	t.Helper()
	buf := make([]byte, 1<<16)
	n := runtime.Stack(buf, true)
	t.Logf("%s", buf[:n])
}

// WaitThisOrTimeout runs cb on its own goroutine and reports whether it
// completed within duration.
func WaitThisOrTimeout(cb func(), duration time.Duration) bool {
	done := make(chan struct{})
	go func() {
		cb()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(duration):
		return false
	}
}
