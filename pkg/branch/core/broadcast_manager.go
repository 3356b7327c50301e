package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/branchfabric/go-branch/pkg/branch/transport"
	"github.com/branchfabric/go-branch/pkg/branch/types"
)

// BroadcastResult is the composite outcome of a broadcast operation
// (spec.md 4.4).
type BroadcastResult int

const (
	BroadcastOK BroadcastResult = iota
	BroadcastTxQueueFull
	BroadcastCancelled
)

// BroadcastHandler is invoked exactly once per operation, with the
// operation id it was given by SendBroadcastAsync.
type BroadcastHandler func(operationID string, result BroadcastResult)

type broadcastOp struct {
	mu      sync.Mutex
	pending int
	handler BroadcastHandler
}

// BroadcastManager delivers one outbound payload to every live session
// and dispatches inbound broadcasts to the single pending receiver
// (spec.md 4.4).
type BroadcastManager struct {
	manager *ConnectionManager
	log     types.Logger

	mu         sync.Mutex
	operations map[string]*broadcastOp

	inboundMu sync.Mutex
	inbound   chan inboundDelivery
}

type inboundDelivery struct {
	message types.Message
	err     error
}

func NewBroadcastManager(manager *ConnectionManager, log types.Logger) *BroadcastManager {
	return &BroadcastManager{
		manager:    manager,
		log:        log,
		operations: make(map[string]*broadcastOp),
	}
}

func newOperationID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// SendBroadcastAsync implements spec.md 4.4's send_broadcast_async. With
// retry=false it attempts try_send on every running session and reports
// the composite result immediately. With retry=true, every session whose
// try_send was rejected gets a tagged async send under the returned
// operation id; the handler fires only once every such pending send has
// resolved.
func (b *BroadcastManager) SendBroadcastAsync(ctx context.Context, payload types.Message, retry bool, handler BroadcastHandler) string {
	opID := newOperationID()

	if !retry {
		allAccepted := true
		b.manager.Each(func(_ types.Identity, c *Connection) {
			result, err := c.TrySend(payload)
			if err != nil || result == transport.Rejected {
				allAccepted = false
			}
		})
		result := BroadcastOK
		if !allAccepted {
			result = BroadcastTxQueueFull
		}
		if handler != nil {
			handler(opID, result)
		}
		return opID
	}

	op := &broadcastOp{handler: handler}
	b.mu.Lock()
	b.operations[opID] = op
	b.mu.Unlock()

	var needsRetry []*Connection
	b.manager.Each(func(_ types.Identity, c *Connection) {
		result, err := c.TrySend(payload)
		if err == nil && result == transport.Accepted {
			return
		}
		needsRetry = append(needsRetry, c)
	})

	if len(needsRetry) == 0 {
		b.finishOperation(opID, op, BroadcastOK)
		return opID
	}
	op.pending = len(needsRetry)

	// SendAsync can block waiting for queue space, so each session's
	// retry runs on its own goroutine: the tag is registered against the
	// transport (making it cancellable) the moment SendAsync starts,
	// well before it necessarily returns.
	for _, c := range needsRetry {
		c := c
		go func() {
			done, sendErr := c.SendAsync(ctx, payload, opID)
			if sendErr != nil {
				b.completeOne(opID, op)
				return
			}
			<-done
			b.completeOne(opID, op)
		}()
	}

	return opID
}

// completeOne accounts for one retry session finishing (by send or by
// error) and fires the handler once every retry session has.
func (b *BroadcastManager) completeOne(opID string, op *broadcastOp) {
	op.mu.Lock()
	op.pending--
	remaining := op.pending
	op.mu.Unlock()
	if remaining != 0 {
		return
	}

	b.mu.Lock()
	_, stillActive := b.operations[opID]
	b.mu.Unlock()

	result := BroadcastCancelled
	if stillActive {
		result = BroadcastOK
	}
	b.finishOperation(opID, op, result)
}

func (b *BroadcastManager) finishOperation(opID string, op *broadcastOp, result BroadcastResult) {
	b.mu.Lock()
	delete(b.operations, opID)
	b.mu.Unlock()
	if op.handler != nil {
		op.handler(opID, result)
	}
}

// SendBroadcast is the synchronous form: it calls the async form and
// blocks on the completion condition.
func (b *BroadcastManager) SendBroadcast(ctx context.Context, payload types.Message, retry bool) BroadcastResult {
	resultCh := make(chan BroadcastResult, 1)
	b.SendBroadcastAsync(ctx, payload, retry, func(_ string, result BroadcastResult) {
		resultCh <- result
	})
	select {
	case result := <-resultCh:
		return result
	case <-ctx.Done():
		return BroadcastCancelled
	}
}

// Cancel removes operationID from the active set and asks every session
// to cancel that tag, reporting whether at least one session actually
// had a pending send to cancel.
func (b *BroadcastManager) Cancel(operationID string) bool {
	b.mu.Lock()
	_, ok := b.operations[operationID]
	delete(b.operations, operationID)
	b.mu.Unlock()
	if !ok {
		return false
	}

	cancelledAny := false
	b.manager.Each(func(_ types.Identity, c *Connection) {
		if err := c.Cancel(operationID); err == nil {
			cancelledAny = true
		}
	})
	return cancelledAny
}

// DeliverInbound hands an inbound broadcast payload to the single
// pending receiver, if any.
func (b *BroadcastManager) DeliverInbound(message types.Message) {
	b.inboundMu.Lock()
	ch := b.inbound
	b.inboundMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- inboundDelivery{message: message}:
	default:
	}
}

// ReceiveBroadcast arms the single pending receiver. A second call while
// one is already pending cancels the prior call with ErrCanceled before
// arming the new one (spec.md 4.4).
func (b *BroadcastManager) ReceiveBroadcast(ctx context.Context) (types.Message, error) {
	b.inboundMu.Lock()
	if b.inbound != nil {
		select {
		case b.inbound <- inboundDelivery{err: types.ErrCanceled}:
		default:
		}
	}
	ch := make(chan inboundDelivery, 1)
	b.inbound = ch
	b.inboundMu.Unlock()

	defer func() {
		b.inboundMu.Lock()
		if b.inbound == ch {
			b.inbound = nil
		}
		b.inboundMu.Unlock()
	}()

	select {
	case delivery := <-ch:
		return delivery.message, delivery.err
	case <-ctx.Done():
		return types.Message{}, types.ErrCanceled
	}
}
