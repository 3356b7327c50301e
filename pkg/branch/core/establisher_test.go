package core

import (
	"context"
	"testing"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/definition"
	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

func testInfo(t *testing.T, fill byte) types.BranchInfo {
	t.Helper()
	cfg := types.DefaultConfiguration("test-branch")
	var identity types.Identity
	for i := range identity {
		identity[i] = fill
	}
	return types.BranchInfo{
		Identity:     identity,
		Name:         cfg.Name,
		NetworkName:  cfg.NetworkName,
		StartTime:    time.Now(),
		Capabilities: cfg.Capabilities(),
	}
}

// TestEstablish_Succeeds exercises the literal happy path of spec.md 4.2:
// two distinct identities, matching password hash, full handshake.
func TestEstablish_Succeeds(t *testing.T) {
	a, b := transport.NewLocalPair()
	log := definition.NewDefaultLogger()
	hash := PasswordHash("shared-secret")

	type outcome struct {
		result *EstablishResult
		err    error
	}
	resultsA := make(chan outcome, 1)
	resultsB := make(chan outcome, 1)

	go func() {
		r, err := Establish(context.Background(), a, testInfo(t, 0x01), hash, 1<<20, log)
		resultsA <- outcome{r, err}
	}()
	go func() {
		r, err := Establish(context.Background(), b, testInfo(t, 0x02), hash, 1<<20, log)
		resultsB <- outcome{r, err}
	}()

	oa := <-resultsA
	ob := <-resultsB

	if oa.err != nil {
		t.Fatalf("side A failed: %v", oa.err)
	}
	if ob.err != nil {
		t.Fatalf("side B failed: %v", ob.err)
	}
	if oa.result.RemoteInfo.Identity[0] != 0x02 {
		t.Fatalf("side A saw wrong remote identity")
	}
	if ob.result.RemoteInfo.Identity[0] != 0x01 {
		t.Fatalf("side B saw wrong remote identity")
	}

	oa.result.Transport.Close()
	ob.result.Transport.Close()
}

// TestEstablish_RejectsLoopback is the spec.md 8.2 scenario: identical
// identities on both ends fail fast with loopback-connection.
func TestEstablish_RejectsLoopback(t *testing.T) {
	a, b := transport.NewLocalPair()
	log := definition.NewDefaultLogger()
	hash := PasswordHash("shared-secret")

	type outcome struct{ err error }
	resultsA := make(chan outcome, 1)
	resultsB := make(chan outcome, 1)

	go func() {
		_, err := Establish(context.Background(), a, testInfo(t, 0x07), hash, 1<<20, log)
		resultsA <- outcome{err}
	}()
	go func() {
		_, err := Establish(context.Background(), b, testInfo(t, 0x07), hash, 1<<20, log)
		resultsB <- outcome{err}
	}()

	oa := <-resultsA
	ob := <-resultsB

	if !types.IsKind(oa.err, types.KindLoopbackConnection) {
		t.Fatalf("side A: expected loopback-connection, got %v", oa.err)
	}
	if !types.IsKind(ob.err, types.KindLoopbackConnection) {
		t.Fatalf("side B: expected loopback-connection, got %v", ob.err)
	}
}

// TestEstablish_RejectsPasswordMismatch is the spec.md 8.3 scenario.
func TestEstablish_RejectsPasswordMismatch(t *testing.T) {
	a, b := transport.NewLocalPair()
	log := definition.NewDefaultLogger()

	type outcome struct{ err error }
	resultsA := make(chan outcome, 1)
	resultsB := make(chan outcome, 1)

	go func() {
		_, err := Establish(context.Background(), a, testInfo(t, 0x01), PasswordHash("alpha"), 1<<20, log)
		resultsA <- outcome{err}
	}()
	go func() {
		_, err := Establish(context.Background(), b, testInfo(t, 0x02), PasswordHash("beta"), 1<<20, log)
		resultsB <- outcome{err}
	}()

	oa := <-resultsA
	ob := <-resultsB

	if !types.IsKind(oa.err, types.KindPasswordMismatch) {
		t.Fatalf("side A: expected password-mismatch, got %v", oa.err)
	}
	if !types.IsKind(ob.err, types.KindPasswordMismatch) {
		t.Fatalf("side B: expected password-mismatch, got %v", ob.err)
	}
}
