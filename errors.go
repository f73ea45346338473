package mcpwire

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by any transport operation attempted after
// the transport has been closed, whether explicitly or because the underlying
// channel terminated. It is never retried by this layer.
var ErrTransportClosed = errors.New("transport is closed")

// ErrSessionNotInitialized is returned when a request is sent on a session
// before the capability handshake has completed.
var ErrSessionNotInitialized = errors.New("session is not initialized")

// TransportStartError indicates the underlying channel could not be opened:
// a subprocess failed to spawn, a connection was refused, or a stream was not
// reachable. It is fatal to that connection attempt.
type TransportStartError struct {
	Err error
}

func (e *TransportStartError) Error() string {
	return fmt.Sprintf("failed to start transport: %v", e.Err)
}

func (e *TransportStartError) Unwrap() error { return e.Err }

// TransportSendError indicates a single send failed. Unless it is followed by
// a close or error signal, the transport remains usable.
type TransportSendError struct {
	Err error
}

func (e *TransportSendError) Error() string {
	return fmt.Sprintf("failed to send message: %v", e.Err)
}

func (e *TransportSendError) Unwrap() error { return e.Err }

// HandshakeError indicates the capability negotiation failed or timed out.
// The session moves to Closed after surfacing it.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake failed: %v", e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// SessionNotFoundError is raised server-side when a request carries a session
// identifier matching no live entry and is not an initialization request. It
// surfaces as a protocol-level error response, never a crash.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}
