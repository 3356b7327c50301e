// Command branch-ping is the terminal-level ping utility of spec.md 6: it
// dials a single target branch directly (bypassing multicast discovery),
// binds a master-slave or service-client terminal matching the target's
// identifier, and round-trips random payloads through scatter-gather
// until interrupted or its count is exhausted.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/branchfabric/go-branch/pkg/branch"
	"github.com/branchfabric/go-branch/pkg/branch/terminal"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

const (
	gatherTimeout = 3 * time.Second
	matchTimeout  = 3 * time.Second
)

func main() {
	app := kingpin.New("branch-ping", "Ping a terminal on a remote branch.")
	interval := app.Flag("interval", "seconds between pings").Short('i').Default("1.0").Float64()
	count := app.Flag("count", "number of pings to send (0 = unbounded)").Short('c').Default("0").Int()
	payloadSize := app.Flag("payload", "payload size in bytes").Short('p').Default("4").Int()
	serviceClient := app.Flag("service-client", "use the service/client variant instead of master/slave").Short('s').Bool()
	target := app.Arg("target", "[host:[port:]](/absolute/path|name)").Required().String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if err := run(*target, *interval, *count, *payloadSize, *serviceClient); err != nil {
		fmt.Fprintln(os.Stderr, "branch-ping:", err)
		os.Exit(1)
	}
}

func run(target string, interval float64, count, payloadSize int, serviceClient bool) error {
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	host, port, identifier, err := parseTarget(target)
	if err != nil {
		return err
	}

	cfg := types.DefaultConfiguration("branch-ping")
	cfg.Ghost = true

	b, err := branch.New(cfg, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to construct branch: %w", err)
	}
	if err := b.Open(nil); err != nil {
		return fmt.Errorf("failed to open branch: %w", err)
	}
	defer b.Close()

	dialCtx, cancel := context.WithTimeout(context.Background(), cfg.SessionTimeout)
	defer cancel()
	peer, err := b.Connect(dialCtx, fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}

	pattern := terminal.MasterSlave
	if serviceClient {
		pattern = terminal.ServiceClient
	}
	term := b.NewTerminal(identifier, pattern)

	if err := awaitMatch(term, peer, matchTimeout); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	var sent, timeouts int
	var min, max, total time.Duration
	min = math.MaxInt64

	ticker := time.NewTicker(time.Duration(interval * float64(time.Second)))
	defer ticker.Stop()

	for i := 0; count == 0 || i < count; i++ {
		select {
		case <-sig:
			printSummary(sent, timeouts, min, max, total)
			return nil
		default:
		}

		rtt, ok := pingOnce(term, peer, payloadSize)
		sent++
		if !ok {
			timeouts++
			fmt.Printf("request timed out (seq=%d)\n", sent)
		} else {
			total += rtt
			if rtt < min {
				min = rtt
			}
			if rtt > max {
				max = rtt
			}
			fmt.Printf("reply from %s: seq=%d time=%s\n", peer, sent, rtt)
		}

		if count != 0 && i == count-1 {
			break
		}
		select {
		case <-sig:
			printSummary(sent, timeouts, min, max, total)
			return nil
		case <-ticker.C:
		}
	}

	printSummary(sent, timeouts, min, max, total)
	return nil
}

// awaitMatch blocks until term has discovered peer as a remote
// counterpart (i.e. the target has announced a terminal whose Identifier
// matches), or timeout elapses.
func awaitMatch(term *terminal.Terminal, peer types.Identity, timeout time.Duration) error {
	matched := make(chan struct{}, 1)
	signalIfPeer := func(p types.Identity) {
		if p == peer {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	}
	term.OnRemoteNoticed(signalIfPeer)
	for _, p := range term.RemotePeers() {
		signalIfPeer(p)
	}

	select {
	case <-matched:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for target terminal")
	}
}

// pingOnce scatters a random payload of size bytes to peer and waits for
// a matching echoed gather reply, reporting the round-trip time.
func pingOnce(term *terminal.Terminal, peer types.Identity, size int) (time.Duration, bool) {
	payload := make([]byte, size)
	_, _ = rand.Read(payload)

	result := make(chan time.Duration, 1)
	sentAt := time.Now()

	term.ScatterGather().AsyncScatterGather(term.Id, []types.Identity{peer}, payload, func(from types.Identity, gather types.Gather) bool {
		if from == peer && string(gather.Bytes) == string(payload) {
			select {
			case result <- time.Since(sentAt):
			default:
			}
		}
		return !gather.Flags.Has(types.GatherFinished)
	})

	select {
	case rtt := <-result:
		return rtt, true
	case <-time.After(gatherTimeout):
		return 0, false
	}
}

func printSummary(sent, timeouts int, min, max, total time.Duration) {
	replies := sent - timeouts
	fmt.Printf("\n--- ping summary ---\n")
	fmt.Printf("%d transmitted, %d replies, %d timeouts\n", sent, replies, timeouts)
	if replies > 0 {
		avg := total / time.Duration(replies)
		fmt.Printf("round-trip min/avg/max = %s/%s/%s\n", min, avg, max)
	}
}

// parseTarget implements spec.md 6's ping target grammar:
// [host:[port:]](/absolute/path|name). A bare name is rewritten to
// /Echoers/name; host defaults to 127.0.0.1, port to 10000.
func parseTarget(raw string) (host string, port int, identifier types.Identifier, err error) {
	host = "127.0.0.1"
	port = 10000

	parts := strings.Split(raw, ":")
	path := parts[len(parts)-1]
	switch len(parts) {
	case 1:
	case 2:
		host = parts[0]
	case 3:
		host = parts[0]
		port, err = strconv.Atoi(parts[1])
		if err != nil {
			return "", 0, types.Identifier{}, fmt.Errorf("invalid target %q: bad port: %w", raw, err)
		}
	default:
		return "", 0, types.Identifier{}, fmt.Errorf("invalid target %q", raw)
	}

	if host == "" {
		host = "127.0.0.1"
	}
	if path == "" {
		return "", 0, types.Identifier{}, fmt.Errorf("invalid target %q: empty path", raw)
	}
	if !strings.HasPrefix(path, "/") {
		path = "/Echoers/" + path
	}
	return host, port, types.Identifier{Name: path}, nil
}
