// Package advertise implements the periodic UDP-multicast beacon emission
// and reception of spec.md 4.6: advertising seeds discovery before the
// connection establisher ever opens a byte transport.
package advertise

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/branchfabric/go-branch/pkg/branch/types"
	"github.com/branchfabric/go-branch/pkg/branch/wire"
)

// Sender emits the fixed-size advertising datagram at Capabilities'
// configured interval, once per configured interface (spec.md 4.6:
// "for each configured interface address, open a UDP socket, set the
// outbound-interface option, send ... at the configured interval").
type Sender struct {
	identity types.Identity
	tcpPort  uint16
	caps     types.Capabilities
	log      types.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender builds a Sender that, once Start is called, advertises
// identity as reachable at tcpPort. caps.AdvertisingAddress names the
// multicast group:port; an empty caps.Ghost suppresses nothing here —
// ghost mode is enforced by the caller simply never starting the sender
// (spec.md SPEC_FULL 5: "ghost branch ... absent from BranchInfo
// broadcasts").
func NewSender(identity types.Identity, tcpPort uint16, caps types.Capabilities, log types.Logger) *Sender {
	return &Sender{identity: identity, tcpPort: tcpPort, caps: caps, log: log}
}

// Start resolves the multicast group and launches one emission goroutine
// per configured outbound interface (or a single unbound socket if none
// were configured), returning once every interface's socket has either
// opened or failed. An interface whose socket fails to open is dropped
// from the rotation with a log event; if every interface fails, Start
// returns the last error and advertising silently never begins.
func (s *Sender) Start(ctx context.Context, interfaces []string) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", s.caps.AdvertisingAddress)
	if err != nil {
		return types.WrapError(types.KindOpenSocketFailed, "failed to resolve advertising address", err)
	}

	if len(interfaces) == 0 {
		interfaces = []string{""}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	var opened int
	var lastErr error
	var g errgroup.Group
	for _, iface := range interfaces {
		conn, err := s.dial(iface, groupAddr)
		if err != nil {
			s.log.Warnf("advertise: dropping interface %q from rotation: %v", iface, err)
			lastErr = err
			continue
		}
		opened++
		g.Go(func() error {
			s.run(runCtx, conn, groupAddr)
			return nil
		})
	}

	if opened == 0 {
		cancel()
		close(done)
		return types.WrapError(types.KindOpenSocketFailed, "all advertising interfaces failed", lastErr)
	}

	go func() {
		defer close(done)
		_ = g.Wait()
	}()
	return nil
}

// dial binds the outbound socket to iface's address when one is given.
// net's standard UDPConn has no portable IP_MULTICAST_IF setter, so this
// relies on the local bind address steering the kernel's route selection
// for the multicast destination rather than an explicit socket option.
func (s *Sender) dial(iface string, groupAddr *net.UDPAddr) (*net.UDPConn, error) {
	var laddr *net.UDPAddr
	if iface != "" {
		ip := net.ParseIP(iface)
		if ip == nil {
			return nil, types.NewError(types.KindBindSocketFailed, "invalid advertising interface address "+iface)
		}
		laddr = &net.UDPAddr{IP: ip}
	}
	conn, err := net.DialUDP("udp4", laddr, groupAddr)
	if err != nil {
		return nil, types.WrapError(types.KindOpenSocketFailed, "failed to open advertising socket", err)
	}
	return conn, nil
}

func (s *Sender) run(ctx context.Context, conn *net.UDPConn, groupAddr *net.UDPAddr) {
	defer conn.Close()
	datagram := wire.EncodeAdvertisingDatagram(s.identity, s.tcpPort)

	ticker := time.NewTicker(s.caps.AdvertisingInterval)
	defer ticker.Stop()

	for {
		if _, err := conn.Write(datagram); err != nil {
			s.log.Warnf("advertise: send to %s failed, dropping interface: %v", groupAddr, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends every emission goroutine started by Start and blocks until
// all of them have actually exited.
func (s *Sender) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
