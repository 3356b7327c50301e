package transport

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/branchfabric/go-branch/pkg/branch/types"
	"github.com/branchfabric/go-branch/pkg/branch/wire"
)

// pendingSend is one entry in the transmit queue: an already-encoded
// frame plus the bookkeeping needed for try_send back-pressure and
// tag-based cancellation.
type pendingSend struct {
	frame    []byte
	tag      string
	started  bool
	canceled bool
	done     chan error
	complete sync.Once
}

// finish delivers the completion result to done exactly once, even if
// both the write loop and a concurrent Close/fail race to report it.
func (p *pendingSend) finish(err error) {
	p.complete.Do(func() {
		if p.done != nil {
			p.done <- err
			close(p.done)
		}
	})
}

// Transport is the framed message transport of spec.md 4.1: it turns a
// ByteTransport into a sequence of self-delimited messages, owns a
// byte-bounded transmit queue serviced by a single writer goroutine (so
// sends are transmitted strictly in call order), and emits heartbeats
// once StartHeartbeat has been armed with the peer's declared timeout.
type Transport struct {
	mu   sync.Mutex
	cond *sync.Cond

	conn   ByteTransport
	reader *bufio.Reader
	log    types.Logger

	maxQueueBytes  uint64
	queuedBytes    uint64
	queue          []*pendingSend
	waiting        map[string]*pendingSend // tagged sends still waiting for queue space
	maxReceiveBody uint64

	closed   bool
	closeErr error

	heartbeatTimer    *time.Timer
	heartbeatStop     chan struct{}
	heartbeatOnce     sync.Once
	heartbeatInterval time.Duration

	onFatal     func(error)
	fatalOnce   sync.Once
	receiveOnce sync.Mutex // at most one in-flight receive, per spec.md 5
}

// NewMessageTransport constructs a framed transport over conn.
// txQueueBytes and maxReceiveBody come from the local branch's
// capabilities (TxQueueSize / RxQueueSize, spec.md 3).
func NewMessageTransport(conn ByteTransport, txQueueBytes, maxReceiveBody uint32, log types.Logger) *Transport {
	t := &Transport{
		conn:           conn,
		reader:         bufio.NewReaderSize(conn, 4096),
		log:            log,
		maxQueueBytes:  uint64(txQueueBytes),
		waiting:        make(map[string]*pendingSend),
		maxReceiveBody: uint64(maxReceiveBody),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.writeLoop()
	return t
}

// SendResult is the outcome of TrySend.
type SendResult int

const (
	Rejected SendResult = iota
	Accepted
)

// TrySend returns Accepted if message fits fully within the transmit
// queue's remaining bytes, enqueueing it for transmission; otherwise it
// returns Rejected without side effects (spec.md 4.1).
func (t *Transport) TrySend(message types.Message) (SendResult, error) {
	frame, err := wire.EncodeMessage(message)
	if err != nil {
		return Rejected, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Rejected, t.closeErr
	}
	if t.queuedBytes+uint64(len(frame)) > t.maxQueueBytes {
		return Rejected, nil
	}

	t.enqueueLocked(&pendingSend{frame: frame})
	return Accepted, nil
}

// SendAsync enqueues message for transmission, blocking the caller until
// space is available if the queue is currently full. The returned
// channel receives nil once the frame has been fully written, or an
// error (ErrCanceled, ErrConnectionClosed) otherwise. tag, if non-empty,
// allows a later Cancel(tag) to withdraw the send — even while it is
// still waiting for queue space, before it is enqueued at all.
func (t *Transport) SendAsync(ctx context.Context, message types.Message, tag string) (<-chan error, error) {
	frame, err := wire.EncodeMessage(message)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := &pendingSend{frame: frame, tag: tag, done: make(chan error, 1)}
	if tag != "" {
		t.waiting[tag] = p
	}

	for !t.closed && !p.canceled && t.queuedBytes+uint64(len(frame)) > t.maxQueueBytes {
		if !t.waitLocked(ctx) {
			if tag != "" {
				delete(t.waiting, tag)
			}
			if ctx.Err() != nil {
				return nil, types.ErrCanceled
			}
			return nil, t.closeErr
		}
	}
	if tag != "" {
		delete(t.waiting, tag)
	}
	if p.canceled {
		return p.done, nil
	}
	if t.closed {
		return nil, t.closeErr
	}

	t.enqueueLocked(p)
	return p.done, nil
}

// enqueueLocked must be called with t.mu held.
func (t *Transport) enqueueLocked(p *pendingSend) {
	t.queue = append(t.queue, p)
	t.queuedBytes += uint64(len(p.frame))
	t.cond.Broadcast()
}

// waitLocked blocks on t.cond until woken or ctx is done, re-acquiring
// t.mu before returning. It reports whether it was woken by the
// condition rather than by context cancellation. Must be called with
// t.mu held; releases and re-acquires it internally.
func (t *Transport) waitLocked(ctx context.Context) bool {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-stop:
		}
	}()

	t.cond.Wait()
	close(stop)
	return ctx.Err() == nil
}

// Cancel removes the pending send tagged with tag if it has not yet
// begun transmission. It returns ErrBusy if the send already started.
func (t *Transport) Cancel(tag string) error {
	if tag == "" {
		return types.NewError(types.KindNotReady, "cannot cancel an untagged send")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, p := range t.queue {
		if p.tag != tag {
			continue
		}
		if p.started {
			return types.ErrBusy
		}
		t.queuedBytes -= uint64(len(p.frame))
		t.queue = append(t.queue[:i], t.queue[i+1:]...)
		p.finish(types.ErrCanceled)
		t.cond.Broadcast()
		return nil
	}

	if p, ok := t.waiting[tag]; ok {
		p.canceled = true
		delete(t.waiting, tag)
		p.finish(types.ErrCanceled)
		t.cond.Broadcast()
		return nil
	}

	return types.NewError(types.KindInvalidHandle, "no pending send with that tag")
}

// writeLoop is the single transmit scheduler: it pulls entries off the
// queue strictly in call order and writes them fully before moving on,
// so a partially transmitted frame is never cancelled (spec.md 4.1).
func (t *Transport) writeLoop() {
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed && len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		p := t.queue[0]
		p.started = true
		t.mu.Unlock()

		_, err := t.conn.Write(p.frame)

		t.mu.Lock()
		if len(t.queue) > 0 && t.queue[0] == p {
			t.queue = t.queue[1:]
			t.queuedBytes -= uint64(len(p.frame))
		}
		t.cond.Broadcast()
		t.mu.Unlock()

		p.finish(err)

		if err != nil {
			t.fail(types.WrapError(types.KindConnectionClosed, "write failed", err))
			return
		}

		t.resetHeartbeat()
	}
}

// ReceiveAsync produces the next complete message. bufferSize is the
// caller's receive buffer size; a decoded body exceeding it fails with
// ErrBufferTooSmall without the peer being at fault and without tearing
// down the transport (spec.md 4.1).
func (t *Transport) ReceiveAsync(ctx context.Context, bufferSize uint32) (types.Message, error) {
	t.receiveOnce.Lock()
	defer t.receiveOnce.Unlock()

	var watchStop chan struct{}
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	} else {
		watchStop = make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = t.conn.SetReadDeadline(time.Unix(0, 1))
			case <-watchStop:
			}
		}()
	}
	defer func() {
		if watchStop != nil {
			close(watchStop)
		}
		_ = t.conn.SetReadDeadline(time.Time{})
	}()

	typeID, payload, err := wire.ReadFrame(t.reader, t.maxReceiveBody)
	if err != nil {
		if ctx.Err() != nil {
			return types.Message{}, types.ErrCanceled
		}
		t.fail(err)
		return types.Message{}, err
	}

	if uint32(len(payload)) > bufferSize {
		// fire_and_reload (spec.md 9 open question): the caller may
		// reissue with a larger buffer, the transport stays alive.
		return types.Message{}, types.ErrBufferTooSmall
	}

	msg, err := wire.DecodeMessageBody(typeID, payload)
	if err != nil {
		t.fail(err)
		return types.Message{}, err
	}
	return msg, nil
}

// StartHeartbeat arms the idle timer at half the peer's declared
// timeout. Every successful send resets it; firing it posts a
// zero-payload heartbeat frame (spec.md 4.1).
func (t *Transport) StartHeartbeat(peerTimeout time.Duration) {
	t.heartbeatOnce.Do(func() {
		interval := peerTimeout / 2

		t.mu.Lock()
		t.heartbeatInterval = interval
		t.heartbeatStop = make(chan struct{})
		t.heartbeatTimer = time.NewTimer(interval)
		stop := t.heartbeatStop
		timer := t.heartbeatTimer
		t.mu.Unlock()

		go func() {
			for {
				select {
				case <-timer.C:
					ctx, cancel := context.WithTimeout(context.Background(), interval)
					_, _ = t.SendAsync(ctx, types.Message{Kind: types.KindHeartbeat}, "")
					cancel()
					t.mu.Lock()
					closed := t.closed
					t.mu.Unlock()
					if !closed {
						timer.Reset(interval)
					}
				case <-stop:
					return
				}
			}
		}()
	})
}

// resetHeartbeat resets the idle timer after any successful send.
func (t *Transport) resetHeartbeat() {
	t.mu.Lock()
	timer := t.heartbeatTimer
	interval := t.heartbeatInterval
	t.mu.Unlock()
	if timer != nil && interval > 0 {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

// OnFatal registers a callback invoked exactly once when the transport
// fails (write error, deserialize failure, or peer disconnect).
func (t *Transport) OnFatal(fn func(error)) {
	t.mu.Lock()
	t.onFatal = fn
	t.mu.Unlock()
}

func (t *Transport) fail(err error) {
	t.fatalOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.closeErr = err
		cb := t.onFatal
		if t.heartbeatStop != nil {
			close(t.heartbeatStop)
		}
		pending := t.queue
		t.queue = nil
		t.cond.Broadcast()
		t.mu.Unlock()

		for _, p := range pending {
			p.finish(err)
		}
		if cb != nil {
			cb(err)
		}
	})
}

// Close shuts down the transport and the underlying byte transport.
func (t *Transport) Close() error {
	t.fail(types.ErrConnectionClosed)
	return t.conn.Close()
}
