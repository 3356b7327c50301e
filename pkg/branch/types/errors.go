package types

import "errors"

// Kind enumerates the error taxonomy of the branch protocol. Every fatal
// or recoverable condition the spec calls out by name maps to exactly one
// Kind so callers can test for it with errors.Is / (*Error).Is instead of
// string matching, the way the teacher repo uses package-level sentinel
// errors (ErrUnsupportedProtocol, ErrCommandUnknown) for its own taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindCanceled
	KindTimeout
	KindInvalidHandle
	KindWrongObjectType
	KindObjectStillUsed
	KindBusy
	KindAlreadyAssigned
	KindNotReady
	KindBufferTooSmall
	KindOpenSocketFailed
	KindBindSocketFailed
	KindSetSocketOptionFailed
	KindPayloadTooLarge
	KindDeserializeFailed
	KindLoopbackConnection
	KindPasswordMismatch
	KindDuplicateConnection
	KindTxQueueFull
	KindConnectionClosed
)

func (k Kind) String() string {
	switch k {
	case KindCanceled:
		return "canceled"
	case KindTimeout:
		return "timeout"
	case KindInvalidHandle:
		return "invalid-handle"
	case KindWrongObjectType:
		return "wrong-object-type"
	case KindObjectStillUsed:
		return "object-still-used"
	case KindBusy:
		return "busy"
	case KindAlreadyAssigned:
		return "already-assigned"
	case KindNotReady:
		return "not-ready"
	case KindBufferTooSmall:
		return "buffer-too-small"
	case KindOpenSocketFailed:
		return "open-socket-failed"
	case KindBindSocketFailed:
		return "bind-socket-failed"
	case KindSetSocketOptionFailed:
		return "set-socket-option-failed"
	case KindPayloadTooLarge:
		return "payload-too-large"
	case KindDeserializeFailed:
		return "deserialize-failed"
	case KindLoopbackConnection:
		return "loopback-connection"
	case KindPasswordMismatch:
		return "password-mismatch"
	case KindDuplicateConnection:
		return "duplicate-connection"
	case KindTxQueueFull:
		return "tx-queue-full"
	case KindConnectionClosed:
		return "connection-closed"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, SomeKindSentinel) work against any *Error sharing
// the same Kind, without requiring pointer identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	ErrCanceled              = NewError(KindCanceled, "operation canceled")
	ErrTimeout               = NewError(KindTimeout, "operation timed out")
	ErrInvalidHandle         = NewError(KindInvalidHandle, "invalid handle")
	ErrWrongObjectType       = NewError(KindWrongObjectType, "wrong object type")
	ErrObjectStillUsed       = NewError(KindObjectStillUsed, "object still in use")
	ErrBusy                  = NewError(KindBusy, "object busy")
	ErrAlreadyAssigned       = NewError(KindAlreadyAssigned, "already assigned")
	ErrNotReady              = NewError(KindNotReady, "not ready")
	ErrBufferTooSmall        = NewError(KindBufferTooSmall, "receive buffer too small")
	ErrOpenSocketFailed      = NewError(KindOpenSocketFailed, "failed to open socket")
	ErrBindSocketFailed      = NewError(KindBindSocketFailed, "failed to bind socket")
	ErrSetSocketOptionFailed = NewError(KindSetSocketOptionFailed, "failed to set socket option")
	ErrPayloadTooLarge       = NewError(KindPayloadTooLarge, "payload exceeds configured maximum")
	ErrDeserializeFailed     = NewError(KindDeserializeFailed, "failed to deserialize message")
	ErrLoopbackConnection    = NewError(KindLoopbackConnection, "refusing loopback connection")
	ErrPasswordMismatch      = NewError(KindPasswordMismatch, "password mismatch")
	ErrDuplicateConnection   = NewError(KindDuplicateConnection, "duplicate connection")
	ErrTxQueueFull           = NewError(KindTxQueueFull, "transmit queue full")
	ErrConnectionClosed      = NewError(KindConnectionClosed, "connection closed")
)
