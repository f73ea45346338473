package mcpwire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// StreamingHTTPTransport talks to a streaming HTTP endpoint: one long-lived
// GET request carries server-to-client messages as server-sent events, and
// each client-to-server message is POSTed individually. The server-assigned
// session identifier, once seen, is attached to every subsequent request.
//
// The read side and write side are independent: a failed POST surfaces as a
// send error without disturbing the event stream, and the server ending the
// stream without error is a normal close.
type StreamingHTTPTransport struct {
	transportCore

	endpoint   string
	httpClient *http.Client

	maxPayloadSize int

	stateMu         sync.Mutex
	sessionID       string
	protocolVersion string

	// sendMu keeps POSTs in submission order.
	sendMu sync.Mutex

	startOnce sync.Once
	startErr  error
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// StreamingHTTPTransportOption configures a StreamingHTTPTransport.
type StreamingHTTPTransportOption func(*StreamingHTTPTransport)

// NewStreamingHTTPTransport creates a transport for the given endpoint URL.
// If httpClient is nil, http.DefaultClient is used.
func NewStreamingHTTPTransport(endpoint string, httpClient *http.Client, options ...StreamingHTTPTransportOption) *StreamingHTTPTransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &StreamingHTTPTransport{
		transportCore: newTransportCore(nil),
		endpoint:      endpoint,
		httpClient:    cli,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithStreamingHTTPLogger sets the logger for the transport.
func WithStreamingHTTPLogger(logger *slog.Logger) StreamingHTTPTransportOption {
	return func(t *StreamingHTTPTransport) {
		t.logger = logger
	}
}

// WithStreamingHTTPMaxPayloadSize caps the size of a single event read from
// the stream. Oversized events terminate the stream with an error.
func WithStreamingHTTPMaxPayloadSize(size int) StreamingHTTPTransportOption {
	return func(t *StreamingHTTPTransport) {
		t.maxPayloadSize = size
	}
}

// Start opens the persistent event stream. It is idempotent; repeated calls
// return the result of the first attempt. The session identifier, if the
// server assigns one in the response headers, is captured before Start
// returns.
func (t *StreamingHTTPTransport) Start(ctx context.Context) error {
	t.startOnce.Do(func() {
		t.startErr = t.start(ctx)
	})
	return t.startErr
}

func (t *StreamingHTTPTransport) start(ctx context.Context) error {
	// The stream outlives the Start call; it is torn down by Close, not by
	// the caller's context. Opening it is still bounded by the caller: when
	// ctx expires before the response headers arrive, the exchange is
	// aborted and Start fails.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		cancel()
		return &TransportStartError{Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	t.decorateRequest(req)

	type openResult struct {
		resp *http.Response
		err  error
	}
	opened := make(chan openResult, 1)
	go func() {
		resp, err := t.httpClient.Do(req)
		opened <- openResult{resp: resp, err: err}
	}()

	var resp *http.Response
	select {
	case <-ctx.Done():
		cancel()
		go func() {
			if res := <-opened; res.resp != nil {
				res.resp.Body.Close()
			}
		}()
		return &TransportStartError{Err: ctx.Err()}
	case res := <-opened:
		if res.err != nil {
			cancel()
			return &TransportStartError{Err: res.err}
		}
		resp = res.resp
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return &TransportStartError{Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	if id := resp.Header.Get(SessionIDHeader); id != "" {
		t.stateMu.Lock()
		t.sessionID = id
		t.stateMu.Unlock()
	}

	go t.readStream(resp.Body)

	return nil
}

func (t *StreamingHTTPTransport) readStream(body io.ReadCloser) {
	defer body.Close()

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if t.closed() || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				t.markClosed()
				return
			}
			t.fail(fmt.Errorf("failed to read event stream: %w", err))
			return
		}

		if ev.Type != "" && ev.Type != "message" {
			t.logger.Debug("ignoring event", "type", ev.Type)
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Warn("dropping malformed event", "err", err)
			continue
		}

		t.deliver(msg)
	}

	// Server ended the stream without an error frame: normal close.
	t.markClosed()
}

// Send POSTs one message to the endpoint. An HTTP error status is surfaced as
// a *TransportSendError without closing the stream; the read side is
// independent of the write side.
func (t *StreamingHTTPTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if t.closed() {
		return ErrTransportClosed
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return &TransportSendError{Err: fmt.Errorf("failed to marshal message: %w", err)}
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return &TransportSendError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.decorateRequest(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportSendError{Err: err}
	}
	defer resp.Body.Close()

	if id := resp.Header.Get(SessionIDHeader); id != "" {
		t.stateMu.Lock()
		t.sessionID = id
		t.stateMu.Unlock()
	}

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &TransportSendError{
			Err: fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body),
		}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var streamTerminateTimeout = 2 * time.Second

// Close aborts the event stream and, when a session identifier is held, asks
// the server to terminate the logical session with a DELETE. The stream is
// cancelled and waiters are released before the DELETE, which is best effort
// and bounded, so Close never hangs on an unresponsive server. Safe to call
// multiple times.
func (t *StreamingHTTPTransport) Close() error {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
		t.markClosed()

		if id := t.SessionID(); id != "" {
			// Best effort; the server may already have dropped the session.
			ctx, cancel := context.WithTimeout(context.Background(), streamTerminateTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpoint, nil)
			if err == nil {
				t.decorateRequest(req)
				if resp, err := t.httpClient.Do(req); err == nil {
					_, _ = io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
				}
			}
		}
	})
	return nil
}

// SessionID returns the server-assigned session identifier, or the empty
// string before one has been issued.
func (t *StreamingHTTPTransport) SessionID() string {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.sessionID
}

// SetProtocolVersion records the negotiated protocol version, attached to all
// subsequent requests.
func (t *StreamingHTTPTransport) SetProtocolVersion(version string) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.protocolVersion = version
}

func (t *StreamingHTTPTransport) decorateRequest(req *http.Request) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.sessionID != "" {
		req.Header.Set(SessionIDHeader, t.sessionID)
	}
	if t.protocolVersion != "" {
		req.Header.Set("Mcp-Protocol-Version", t.protocolVersion)
	}
}
