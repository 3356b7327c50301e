// Package transport implements the byte transport and framed message
// transport of spec.md 4.1: a reliable ordered byte channel (a local
// in-process pair or a TCP stream) with a length-prefixed framing layer
// on top that owns transmit/receive queues, heartbeats and cancellable
// tagged sends.
package transport

import "net"

// ByteTransport is the reliable, ordered, bidirectional byte channel
// with deadline control that spec.md 4.1 names as the lowest layer.
// net.Conn already provides exactly that surface for both
// implementations this module needs: net.Pipe() gives the local
// in-process pair, *net.TCPConn gives the cross-host stream.
type ByteTransport = net.Conn

// NewLocalPair returns two connected in-process ByteTransports, used for
// same-process branch-to-branch connections and in tests (spec.md 4: "a
// local in-process pair").
func NewLocalPair() (a, b ByteTransport) {
	return net.Pipe()
}
