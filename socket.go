package mcpwire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// SocketTransport speaks the protocol over a full-duplex websocket. The
// connection is symmetric: either side may originate a message at any time
// after Start.
type SocketTransport struct {
	transportCore

	url    string
	opts   *websocket.DialOptions
	conn   *websocket.Conn
	cancel context.CancelFunc

	// sendMu keeps frames in submission order; the websocket library does
	// not allow concurrent writers.
	sendMu sync.Mutex

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
}

// SocketTransportOption configures a SocketTransport.
type SocketTransportOption func(*SocketTransport)

// NewSocketTransport creates a transport that will dial the given websocket
// URL when started.
func NewSocketTransport(url string, options ...SocketTransportOption) *SocketTransport {
	t := &SocketTransport{
		transportCore: newTransportCore(nil),
		url:           url,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithSocketLogger sets the logger for the transport.
func WithSocketLogger(logger *slog.Logger) SocketTransportOption {
	return func(t *SocketTransport) {
		t.logger = logger
	}
}

// WithSocketDialOptions sets the dial options used when connecting.
func WithSocketDialOptions(opts *websocket.DialOptions) SocketTransportOption {
	return func(t *SocketTransport) {
		t.opts = opts
	}
}

// Start dials the socket and begins the read loop. Idempotent; repeated calls
// return the result of the first attempt.
func (t *SocketTransport) Start(ctx context.Context) error {
	t.startOnce.Do(func() {
		t.startErr = t.start(ctx)
	})
	return t.startErr
}

func (t *SocketTransport) start(ctx context.Context) error {
	conn, resp, err := websocket.Dial(ctx, t.url, t.opts)
	if err != nil {
		return &TransportStartError{Err: fmt.Errorf("failed to dial %s: %w", t.url, err)}
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	// Frame sizes are message-dependent; leave the limit to the caller's
	// protocol, not the library default.
	conn.SetReadLimit(-1)

	readCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.conn = conn
	t.cancel = cancel

	go t.readLoop(readCtx)

	return nil
}

func (t *SocketTransport) readLoop(ctx context.Context) {
	for {
		var msg JSONRPCMessage
		if err := wsjson.Read(ctx, t.conn, &msg); err != nil {
			if t.closed() || errors.Is(err, context.Canceled) {
				t.markClosed()
				return
			}
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				t.markClosed()
				return
			}
			t.fail(fmt.Errorf("failed to read from socket: %w", err))
			return
		}

		t.deliver(msg)
	}
}

// Send writes one frame. Concurrent sends are serialized in submission order.
func (t *SocketTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if t.closed() {
		return ErrTransportClosed
	}
	if t.conn == nil {
		return &TransportSendError{Err: errors.New("transport not started")}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := wsjson.Write(ctx, t.conn, msg); err != nil {
		return &TransportSendError{Err: err}
	}
	return nil
}

// Close closes the socket with a normal-closure status. Safe to call multiple
// times; the close handler fires exactly once.
func (t *SocketTransport) Close() error {
	t.stopOnce.Do(func() {
		if t.conn != nil {
			_ = t.conn.Close(websocket.StatusNormalClosure, "")
		}
		if t.cancel != nil {
			t.cancel()
		}
		t.markClosed()
	})
	return nil
}
