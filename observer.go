package mcpwire

import (
	"context"
)

// ObservedTransport decorates another Transport, forwarding every call and
// additionally publishing each message that crosses it to a MessageBus. It
// implements the same capability set as the transport it wraps, so it can
// stand in anywhere a Transport is expected.
type ObservedTransport struct {
	inner Transport
	bus   *MessageBus
	id    string
}

// NewObservedTransport wraps inner so that all of its traffic is published to
// bus under the given session or server id. The wrapper owns the inner
// transport; callers interact only with the wrapper afterward.
func NewObservedTransport(inner Transport, bus *MessageBus, id string) *ObservedTransport {
	return &ObservedTransport{
		inner: inner,
		bus:   bus,
		id:    id,
	}
}

// Start starts the wrapped transport.
func (t *ObservedTransport) Start(ctx context.Context) error {
	return t.inner.Start(ctx)
}

// Send publishes the outbound message to the bus, then forwards it. Failed
// sends are still recorded; the bus is a log of attempted traffic.
func (t *ObservedTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.bus.Record(t.id, BusDirectionSend, msg)
	return t.inner.Send(ctx, msg)
}

// SetMessageHandler installs the handler behind a hook that records each
// inbound message before delivering it.
func (t *ObservedTransport) SetMessageHandler(handler func(JSONRPCMessage)) {
	t.inner.SetMessageHandler(func(msg JSONRPCMessage) {
		t.bus.Record(t.id, BusDirectionReceive, msg)
		if handler != nil {
			handler(msg)
		}
	})
}

// SetCloseHandler forwards to the wrapped transport.
func (t *ObservedTransport) SetCloseHandler(handler func()) {
	t.inner.SetCloseHandler(handler)
}

// SetErrorHandler forwards to the wrapped transport.
func (t *ObservedTransport) SetErrorHandler(handler func(error)) {
	t.inner.SetErrorHandler(handler)
}

// Close closes the wrapped transport.
func (t *ObservedTransport) Close() error {
	return t.inner.Close()
}

// SessionID exposes the wrapped transport's session identifier when it has
// one, and the empty string otherwise.
func (t *ObservedTransport) SessionID() string {
	if st, ok := t.inner.(SessionIDTransport); ok {
		return st.SessionID()
	}
	return ""
}

// SetProtocolVersion forwards to the wrapped transport when it supports it.
func (t *ObservedTransport) SetProtocolVersion(version string) {
	if ps, ok := t.inner.(ProtocolVersionSetter); ok {
		ps.SetProtocolVersion(version)
	}
}
