package advertise

import (
	"context"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/branchfabric/go-branch/pkg/branch/types"
	"github.com/branchfabric/go-branch/pkg/branch/wire"
)

// Observer is invoked once per valid, non-self advertising datagram
// received, with the identity it carried and the TCP endpoint deduced
// from the datagram's source address plus its advertised port
// (spec.md 4.6).
type Observer func(identity types.Identity, endpoint *net.TCPAddr)

// Receiver joins the advertising multicast group on every configured
// interface and invokes an Observer for each peer beacon received.
type Receiver struct {
	identity types.Identity
	address  string
	log      types.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReceiver builds a Receiver for the multicast group:port named by
// address, discarding any datagram whose embedded identity equals
// identity (spec.md 4.6: "datagrams whose embedded identity equals the
// local identity are discarded").
func NewReceiver(identity types.Identity, address string, log types.Logger) *Receiver {
	return &Receiver{identity: identity, address: address, log: log}
}

// Start joins the multicast group once per interface in interfaces (an
// empty slice joins on every available multicast-capable interface) and
// delivers every valid datagram to observer until ctx is done or Stop is
// called.
func (r *Receiver) Start(ctx context.Context, interfaces []string, observer Observer) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", r.address)
	if err != nil {
		return types.WrapError(types.KindOpenSocketFailed, "failed to resolve advertising address", err)
	}

	ifaces, err := r.resolveInterfaces(interfaces)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	var opened int
	var lastErr error
	var g errgroup.Group
	for _, iface := range ifaces {
		iface := iface
		conn, err := net.ListenMulticastUDP("udp4", iface, groupAddr)
		if err != nil {
			r.log.Warnf("advertise: failed joining multicast group on interface %v: %v", ifaceName(iface), err)
			lastErr = err
			continue
		}
		opened++
		g.Go(func() error {
			r.run(runCtx, conn, observer)
			return nil
		})
	}

	if opened == 0 {
		cancel()
		close(done)
		return types.WrapError(types.KindBindSocketFailed, "failed to join advertising group on any interface", lastErr)
	}

	go func() {
		defer close(done)
		_ = g.Wait()
	}()
	return nil
}

func (r *Receiver) resolveInterfaces(names []string) ([]*net.Interface, error) {
	if len(names) == 0 {
		return []*net.Interface{nil}, nil
	}
	out := make([]*net.Interface, 0, len(names))
	for _, name := range names {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return nil, types.WrapError(types.KindBindSocketFailed, "unknown advertising interface "+name, err)
		}
		out = append(out, iface)
	}
	return out, nil
}

func ifaceName(iface *net.Interface) string {
	if iface == nil {
		return "(default)"
	}
	return iface.Name
}

func (r *Receiver) run(ctx context.Context, conn *net.UDPConn, observer Observer) {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, wire.AdvertisingDatagramSize+1)
	for {
		n, srcAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		identity, tcpPort, err := wire.DecodeAdvertisingDatagram(buf[:n])
		if err != nil {
			continue
		}
		if identity == r.identity {
			continue
		}
		observer(identity, &net.TCPAddr{IP: srcAddr.IP, Port: int(tcpPort)})
	}
}

// Stop ends every join goroutine started by Start and blocks until all
// of them have actually exited.
func (r *Receiver) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
