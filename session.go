package mcpwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a Session.
type SessionState int

// Session lifecycle states. A session only ever moves forward through them;
// Closed is terminal and reachable from every other state.
const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionInitialized
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionInitialized:
		return "initialized"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// NotificationHandler is invoked for inbound notifications matching the
// method it was registered for. Handlers run synchronously on the transport's
// receive path and in registration order; a panicking handler is caught and
// logged, never propagated, so one failing subscriber cannot block the rest.
type NotificationHandler func(method string, params json.RawMessage)

type notificationRegistration struct {
	method  string
	pattern glob.Glob
	handler NotificationHandler
}

// Session is the stateful wrapper around exactly one Transport: it owns the
// connect/initialize/disconnect lifecycle, matches responses to in-flight
// requests, fans inbound notifications out to registered handlers, and caches
// the roots granted to the remote side. A Transport must not be shared
// between sessions.
type Session struct {
	transport   Transport
	info        Info
	autoConnect bool
	logger      *slog.Logger

	capabilities   ClientCapabilities
	requestTimeout time.Duration

	mu                 sync.Mutex
	state              SessionState
	pending            map[MustString]chan JSONRPCMessage
	notifications      []notificationRegistration
	closeObservers     []func()
	errorObservers     []func(error)
	roots              []Root
	serverInfo         Info
	serverCapabilities ServerCapabilities
	protocolVersion    string
	closedCh           chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

var defaultRequestTimeout = 30 * time.Second

// NewSession creates a session over the given transport. The session starts
// Disconnected; call Connect then Initialize, or just Initialize when the
// auto-connect flag is set.
func NewSession(info Info, transport Transport, options ...SessionOption) *Session {
	s := &Session{
		transport: transport,
		info:      info,
		logger:    slog.Default(),
		pending:   make(map[MustString]chan JSONRPCMessage),
		closedCh:  make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = defaultRequestTimeout
	}
	return s
}

// WithAutoConnect makes Initialize invoke Connect first when the session is
// not yet connected.
func WithAutoConnect() SessionOption {
	return func(s *Session) {
		s.autoConnect = true
	}
}

// WithSessionCapabilities sets the capabilities advertised in the handshake.
func WithSessionCapabilities(capabilities ClientCapabilities) SessionOption {
	return func(s *Session) {
		s.capabilities = capabilities
	}
}

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRequestTimeout bounds how long a request waits for its response.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the remote implementation's name and version, available
// once the handshake has completed.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised in the
// handshake.
func (s *Session) ServerCapabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverCapabilities
}

// ProtocolVersion returns the negotiated protocol version, empty before the
// handshake completes.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// Connect starts the underlying transport and moves the session to Connected.
// Calling it on an already connected or initialized session is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case SessionConnected, SessionInitialized:
		s.mu.Unlock()
		return nil
	case SessionClosed:
		s.mu.Unlock()
		return ErrTransportClosed
	case SessionConnecting:
		s.mu.Unlock()
		return errors.New("connect already in progress")
	}
	s.state = SessionConnecting
	s.mu.Unlock()

	s.transport.SetMessageHandler(s.handleMessage)
	s.transport.SetCloseHandler(s.handleTransportClose)
	s.transport.SetErrorHandler(s.handleTransportError)

	if err := s.transport.Start(ctx); err != nil {
		s.mu.Lock()
		if s.state == SessionConnecting {
			s.state = SessionDisconnected
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.state == SessionConnecting {
		s.state = SessionConnected
	}
	s.mu.Unlock()
	return nil
}

// Initialize performs the capability-negotiation handshake: it sends the
// initialize request, records the server's identity, capabilities, and the
// negotiated protocol version, and signals completion with the initialized
// notification. It is a no-op when already initialized, and connects first
// when the auto-connect flag is set.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case SessionInitialized:
		return nil
	case SessionClosed:
		return ErrTransportClosed
	case SessionDisconnected:
		if !s.autoConnect {
			return errors.New("session is not connected")
		}
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}

	params, err := json.Marshal(InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ClientInfo:      s.info,
	})
	if err != nil {
		return &HandshakeError{Err: err}
	}

	res, err := s.request(ctx, MethodInitialize, params)
	if err != nil {
		s.close()
		return &HandshakeError{Err: err}
	}
	if res.Error != nil {
		s.close()
		return &HandshakeError{Err: res.Error}
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		s.close()
		return &HandshakeError{Err: fmt.Errorf("failed to unmarshal initialize result: %w", err)}
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.protocolVersion = result.ProtocolVersion
	s.mu.Unlock()

	if setter, ok := s.transport.(ProtocolVersionSetter); ok {
		setter.SetProtocolVersion(result.ProtocolVersion)
	}

	if err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsInitialized,
	}); err != nil {
		s.close()
		return &HandshakeError{Err: err}
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrTransportClosed
	}
	s.state = SessionInitialized
	s.mu.Unlock()
	return nil
}

// SendRequest sends a request with the given method and params and waits for
// the matching response. It is only valid once the session is initialized.
func (s *Session) SendRequest(ctx context.Context, method string, params json.RawMessage) (JSONRPCMessage, error) {
	if s.State() != SessionInitialized {
		return JSONRPCMessage{}, ErrSessionNotInitialized
	}
	return s.request(ctx, method, params)
}

// SendNotification sends a fire-and-forget notification. It is only valid
// once the session is initialized.
func (s *Session) SendNotification(ctx context.Context, method string, params json.RawMessage) error {
	if s.State() != SessionInitialized {
		return ErrSessionNotInitialized
	}
	return s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// Ping performs a protocol ping round trip, usable as a connection health
// check any time after Connect.
func (s *Session) Ping(ctx context.Context) error {
	state := s.State()
	if state != SessionConnected && state != SessionInitialized {
		return errors.New("session is not connected")
	}
	res, err := s.request(ctx, MethodPing, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// On registers a handler for inbound notifications. The method may be an
// exact name or a glob pattern, so "notifications/resources/*" observes every
// resource event. Handlers for a matching method run in registration order.
func (s *Session) On(method string, handler NotificationHandler) error {
	reg := notificationRegistration{
		method:  method,
		handler: handler,
	}
	if strings.ContainsAny(method, "*?[") {
		pattern, err := glob.Compile(method, '/')
		if err != nil {
			return fmt.Errorf("invalid notification pattern %q: %w", method, err)
		}
		reg.pattern = pattern
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, reg)
	return nil
}

// OnClose registers an observer invoked when the session reaches Closed.
func (s *Session) OnClose(observer func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeObservers = append(s.closeObservers, observer)
}

// OnError registers an observer for background transport failures.
func (s *Session) OnError(observer func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorObservers = append(s.errorObservers, observer)
}

// SetRoots validates and caches the given roots and, when the session is
// initialized, notifies the remote side that the list changed. Every root URI
// must use the file:// scheme.
func (s *Session) SetRoots(ctx context.Context, roots []Root) error {
	for _, root := range roots {
		if !strings.HasPrefix(root.URI, "file://") {
			return fmt.Errorf("root %q does not use the file:// scheme", root.URI)
		}
	}

	s.mu.Lock()
	s.roots = append([]Root(nil), roots...)
	initialized := s.state == SessionInitialized
	s.mu.Unlock()

	if !initialized {
		return nil
	}
	return s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  MethodNotificationsRootsListChanged,
	})
}

// GetRoots returns the last locally-set roots. They are not re-fetched from
// the remote side.
func (s *Session) GetRoots() []Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Root(nil), s.roots...)
}

// Disconnect closes the transport and moves the session to Closed. It is safe
// to call in any state, repeatedly; the result is always Closed.
func (s *Session) Disconnect() error {
	err := s.transport.Close()
	s.close()
	return err
}

// request sends a request and blocks until its response arrives, the timeout
// elapses, the context is cancelled, or the session closes. Closing the
// transport is how callers cancel an in-flight request; the wait then fails
// with ErrTransportClosed rather than hanging.
func (s *Session) request(ctx context.Context, method string, params json.RawMessage) (JSONRPCMessage, error) {
	id := MustString(uuid.New().String())
	resCh := make(chan JSONRPCMessage, 1)

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return JSONRPCMessage{}, ErrTransportClosed
	}
	s.pending[id] = resCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}); err != nil {
		return JSONRPCMessage{}, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-resCh:
		if !ok {
			return JSONRPCMessage{}, ErrTransportClosed
		}
		return res, nil
	case <-timer.C:
		return JSONRPCMessage{}, fmt.Errorf("timed out waiting for %s response", method)
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-s.closedCh:
		return JSONRPCMessage{}, ErrTransportClosed
	}
}

func (s *Session) handleMessage(msg JSONRPCMessage) {
	switch {
	case msg.IsResponse():
		s.mu.Lock()
		resCh, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("received response with no matching request", "id", string(msg.ID))
			return
		}
		resCh <- msg
	case msg.IsNotification():
		s.dispatchNotification(msg)
	case msg.Method != "":
		s.handleServerRequest(msg)
	default:
		s.logger.Warn("received message that is neither request, response, nor notification")
	}
}

func (s *Session) dispatchNotification(msg JSONRPCMessage) {
	s.mu.Lock()
	regs := append([]notificationRegistration(nil), s.notifications...)
	s.mu.Unlock()

	for _, reg := range regs {
		matched := reg.method == msg.Method
		if !matched && reg.pattern != nil {
			matched = reg.pattern.Match(msg.Method)
		}
		if !matched {
			continue
		}
		s.invokeHandler(reg, msg)
	}
}

func (s *Session) invokeHandler(reg notificationRegistration, msg JSONRPCMessage) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("notification handler panicked", "method", msg.Method, "panic", r)
		}
	}()
	reg.handler(msg.Method, msg.Params)
}

// handleServerRequest answers the small set of requests a server may direct
// at a client in this layer: pings and roots listing. Anything else gets a
// method-not-found error response.
func (s *Session) handleServerRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	switch msg.Method {
	case MethodPing:
		s.respond(ctx, msg.ID, json.RawMessage(`{}`), nil)
	case MethodRootsList:
		s.mu.Lock()
		roots := append([]Root(nil), s.roots...)
		s.mu.Unlock()
		result, err := json.Marshal(RootList{Roots: roots})
		if err != nil {
			s.respond(ctx, msg.ID, nil, &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: errMsgInternalError,
			})
			return
		}
		s.respond(ctx, msg.ID, result, nil)
	default:
		s.respond(ctx, msg.ID, nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method %s not found", msg.Method),
		})
	}
}

func (s *Session) respond(ctx context.Context, id MustString, result json.RawMessage, rpcErr *JSONRPCError) {
	err := s.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	})
	if err != nil {
		s.logger.Error("failed to send response", "id", string(id), "err", err)
	}
}

func (s *Session) handleTransportClose() {
	s.close()
}

func (s *Session) handleTransportError(err error) {
	s.mu.Lock()
	observers := make([]func(error), len(s.errorObservers))
	copy(observers, s.errorObservers)
	s.mu.Unlock()
	for _, observer := range observers {
		observer(err)
	}
	s.logger.Warn("transport failed", "err", err)
}

// close transitions to Closed once, releases every in-flight request, and
// notifies close observers. All paths to Closed funnel through here.
func (s *Session) close() {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = SessionClosed
	close(s.closedCh)
	for id, resCh := range s.pending {
		close(resCh)
		delete(s.pending, id)
	}
	observers := make([]func(), len(s.closeObservers))
	copy(observers, s.closeObservers)
	s.mu.Unlock()

	for _, observer := range observers {
		observer()
	}
}
