package crawler

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Session implementations wrap their driver errors with one
// of these so the emulator can classify them.
var (
	// ErrCanceled reports cooperative cancellation of a task.
	ErrCanceled = errors.New("fetch task canceled")
	// ErrTransport reports a protocol-level failure talking to the session.
	ErrTransport = errors.New("session transport failure")
	// ErrSessionClosed reports an invalid or closed session handle.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionState reports a malformed browser state, e.g. an unreachable transport.
	ErrSessionState = errors.New("malformed session state")
	// ErrFatalPage reports a browser-internal error page.
	ErrFatalPage = errors.New("fatal page signature")
	// ErrApplicationClosed is returned once the process is shutting down.
	ErrApplicationClosed = errors.New("application context closed")
	// ErrPoolClosed is returned by session pools after Close.
	ErrPoolClosed = errors.New("session pool closed")
)

// ErrorKind is the classification applied at the emulator boundary.
type ErrorKind int

// Error kinds.
const (
	KindNone ErrorKind = iota
	KindCanceled
	KindTransportFailure
	KindSessionInvalid
	KindSessionState
	KindTimeout
	KindFatalPageSignature
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCanceled:
		return "canceled"
	case KindTransportFailure:
		return "transport_failure"
	case KindSessionInvalid:
		return "session_invalid"
	case KindSessionState:
		return "session_state"
	case KindTimeout:
		return "timeout"
	case KindFatalPageSignature:
		return "fatal_page_signature"
	default:
		return "unexpected"
	}
}

// Classify maps an error onto the taxonomy. Order matters: a closed session
// that also surfaces as a canceled context is still a closed session.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrSessionClosed):
		return KindSessionInvalid
	case errors.Is(err, ErrSessionState):
		return KindSessionState
	case errors.Is(err, ErrTransport):
		return KindTransportFailure
	case errors.Is(err, ErrFatalPage):
		return KindFatalPageSignature
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindUnexpected
	}
}

// SessionError decorates a driver error with the session that produced it.
type SessionError struct {
	SessionID int64
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session #%d %s: %v", e.SessionID, e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
