package mcpwire

import (
	"context"
	"log/slog"
	"sync"
)

// Transport moves protocol messages across one physical connection. It is the
// lowest layer in this package: it only serializes messages out, parses
// messages in, and signals close or failure. Everything stateful (handshake,
// dispatch, lifecycle) lives in Session.
//
// Handlers should be installed before Start is called, or early messages may
// be lost. Inbound messages are delivered to the message handler one at a
// time, in receipt order.
type Transport interface {
	// Start begins reading from the underlying channel. It is idempotent;
	// calling it on an already-started transport is a no-op. It returns a
	// *TransportStartError if the channel cannot be opened.
	Start(ctx context.Context) error

	// Send serializes and writes one message. Submission order is preserved
	// per transport instance. It returns ErrTransportClosed if the channel is
	// already closed, and a *TransportSendError if the write itself fails.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// SetMessageHandler sets the callback invoked once per received message,
	// in receipt order.
	SetMessageHandler(handler func(JSONRPCMessage))

	// SetCloseHandler sets the callback invoked exactly once when the
	// transport closes, whether by Close or because the channel terminated.
	SetCloseHandler(handler func())

	// SetErrorHandler sets the callback for unrecoverable channel failures.
	// After it fires the transport is considered closed even without an
	// explicit Close.
	SetErrorHandler(handler func(error))

	// Close releases the underlying resource. Safe to call multiple times.
	Close() error
}

// SessionIDTransport is implemented by transports that carry a server-assigned
// session identifier, such as the streaming HTTP variant.
type SessionIDTransport interface {
	SessionID() string
}

// ProtocolVersionSetter is implemented by transports that attach the
// negotiated protocol version to subsequent exchanges.
type ProtocolVersionSetter interface {
	SetProtocolVersion(version string)
}

// transportCore carries the handler registration and close bookkeeping shared
// by every transport variant. The zero value is not usable; variants build it
// with newTransportCore.
type transportCore struct {
	logger *slog.Logger

	mu        sync.Mutex
	onMessage func(JSONRPCMessage)
	onClose   func()
	onError   func(error)

	closeOnce sync.Once
	done      chan struct{}
}

func newTransportCore(logger *slog.Logger) transportCore {
	if logger == nil {
		logger = slog.Default()
	}
	return transportCore{
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *transportCore) SetMessageHandler(handler func(JSONRPCMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *transportCore) SetCloseHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = handler
}

func (c *transportCore) SetErrorHandler(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// deliver hands one inbound message to the registered handler. Callers must
// invoke it from a single goroutine per transport to keep receipt order.
func (c *transportCore) deliver(msg JSONRPCMessage) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// markClosed fires the close handler exactly once and releases waiters on the
// done channel. Every path out of a transport, explicit Close included, funnels
// through here.
func (c *transportCore) markClosed() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		handler := c.onClose
		c.mu.Unlock()
		if handler != nil {
			handler()
		}
	})
}

// fail reports an unrecoverable channel failure and closes the transport.
func (c *transportCore) fail(err error) {
	c.mu.Lock()
	handler := c.onError
	c.mu.Unlock()
	if handler != nil {
		handler(err)
	}
	c.markClosed()
}

func (c *transportCore) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
