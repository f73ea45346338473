package mcpwire_test

import (
	"context"
	"sync"
	"testing"
	"time"

	mcpwire "github.com/mcpwire/go-mcpwire"
)

// fakeTransport is an in-memory Transport for exercising the layers above
// it. Responses can be scripted with autoRespond, which runs synchronously
// inside Send.
type fakeTransport struct {
	mu        sync.Mutex
	started   bool
	closed    bool
	sent      []mcpwire.JSONRPCMessage
	onMessage func(mcpwire.JSONRPCMessage)
	onClose   func()
	onError   func(error)

	startErr    error
	sendErr     error
	closeErr    error
	autoRespond func(msg mcpwire.JSONRPCMessage) *mcpwire.JSONRPCMessage
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) Start(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startErr != nil {
		return t.startErr
	}
	t.started = true
	return nil
}

func (t *fakeTransport) Send(_ context.Context, msg mcpwire.JSONRPCMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return mcpwire.ErrTransportClosed
	}
	if t.sendErr != nil {
		err := t.sendErr
		t.mu.Unlock()
		return err
	}
	t.sent = append(t.sent, msg)
	respond := t.autoRespond
	t.mu.Unlock()

	if respond != nil {
		if res := respond(msg); res != nil {
			t.emit(*res)
		}
	}
	return nil
}

func (t *fakeTransport) SetMessageHandler(handler func(mcpwire.JSONRPCMessage)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = handler
}

func (t *fakeTransport) SetCloseHandler(handler func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = handler
}

func (t *fakeTransport) SetErrorHandler(handler func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = handler
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handler := t.onClose
	err := t.closeErr
	t.mu.Unlock()

	if handler != nil {
		handler()
	}
	return err
}

func (t *fakeTransport) emit(msg mcpwire.JSONRPCMessage) {
	t.mu.Lock()
	handler := t.onMessage
	t.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

func (t *fakeTransport) triggerError(err error) {
	t.mu.Lock()
	handler := t.onError
	t.mu.Unlock()
	if handler != nil {
		handler(err)
	}
	_ = t.Close()
}

func (t *fakeTransport) sentMessages() []mcpwire.JSONRPCMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]mcpwire.JSONRPCMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
