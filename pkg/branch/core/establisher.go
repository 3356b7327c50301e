// Package core implements the connection establishment handshake, the
// running branch connection (session), and the connection/broadcast
// managers of spec.md 4.2–4.4.
package core

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
	"github.com/branchfabric/go-branch/pkg/branch/wire"
)

// EstablishResult is what a completed (successful or not) handshake
// produced: the peer's advertised info and, on success, the framed
// transport ready to run as a session.
type EstablishResult struct {
	RemoteInfo types.BranchInfo
	Transport  *transport.Transport
}

// Establish drives a fresh ByteTransport through the five-step handshake
// of spec.md 4.2, symmetrically on both the dialling and accepting side.
// local is this branch's own advertised info; passwordHash is
// SHA-256(password) shared out of band by configuration.
func Establish(ctx context.Context, conn transport.ByteTransport, local types.BranchInfo, passwordHash [32]byte, maxInfoBodySize uint32, log types.Logger) (*EstablishResult, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	defer conn.SetDeadline(time_zeroValue)

	// Step 1: info exchange.
	body := wire.EncodeInfoBody(local)
	if err := wire.WriteInfoHeader(conn, uint32(len(body))); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "failed to write info header", err)
	}
	if err := wire.WriteFixed(conn, body); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "failed to write info body", err)
	}

	bodyLen, err := wire.ReadInfoHeader(conn)
	if err != nil {
		return nil, err
	}
	if bodyLen > maxInfoBodySize {
		return nil, types.ErrPayloadTooLarge
	}
	remoteBody, err := wire.ReadFixed(conn, int(bodyLen))
	if err != nil {
		return nil, err
	}
	remoteInfo, err := wire.DecodeInfoBody(remoteBody)
	if err != nil {
		return nil, err
	}

	// Step 2: loopback check.
	if remoteInfo.Identity == local.Identity {
		return &EstablishResult{RemoteInfo: remoteInfo}, types.ErrLoopbackConnection
	}

	// Step 3: info-ack. A malformed ack is latched, not returned yet, so
	// both ends observe consistent progress up to authentication.
	if err := wire.WriteAck(conn); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "failed to write info-ack", err)
	}
	var latched error
	if err := wire.ReadAck(conn); err != nil {
		latched = err
	}

	// Step 4: authentication.
	localChallenge := make([]byte, wire.ChallengeSize)
	if _, err := rand.Read(localChallenge); err != nil {
		return nil, types.WrapError(types.KindOpenSocketFailed, "failed to generate challenge", err)
	}
	if err := wire.WriteFixed(conn, localChallenge); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "failed to write challenge", err)
	}
	remoteChallenge, err := wire.ReadFixed(conn, wire.ChallengeSize)
	if err != nil {
		return nil, err
	}

	localSolution := solve(remoteChallenge, passwordHash)
	if err := wire.WriteFixed(conn, localSolution); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "failed to write solution", err)
	}
	remoteSolution, err := wire.ReadFixed(conn, wire.SolutionSize)
	if err != nil {
		return nil, err
	}

	expected := solve(localChallenge, passwordHash)
	var authErr error
	if subtle.ConstantTimeCompare(expected, remoteSolution) != 1 {
		authErr = types.ErrPasswordMismatch
	}

	// Step 5: solution-ack, sent regardless of the authentication
	// outcome so both sides tear down symmetrically.
	if err := wire.WriteAck(conn); err != nil {
		return nil, types.WrapError(types.KindConnectionClosed, "failed to write solution-ack", err)
	}
	if err := wire.ReadAck(conn); err != nil && latched == nil {
		latched = err
	}

	switch {
	case latched != nil:
		return &EstablishResult{RemoteInfo: remoteInfo}, latched
	case authErr != nil:
		return &EstablishResult{RemoteInfo: remoteInfo}, authErr
	}

	mt := transport.NewMessageTransport(conn, local.Capabilities.TxQueueSize, local.Capabilities.RxQueueSize, log)
	return &EstablishResult{RemoteInfo: remoteInfo, Transport: mt}, nil
}

func solve(challenge []byte, passwordHash [32]byte) []byte {
	h := sha256.New()
	h.Write(challenge)
	h.Write(passwordHash[:])
	return h.Sum(nil)
}

// PasswordHash derives the password-hash exchanged by the authentication
// step from a plaintext configuration password.
func PasswordHash(password string) [32]byte {
	return sha256.Sum256([]byte(password))
}

var time_zeroValue time.Time
