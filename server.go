package mcpwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// ServerInstance is the logical server bound to one session: the thing that
// actually answers requests once the handshake is done. The manager hands it
// every inbound message that is not part of the protocol lifecycle, and calls
// Close when the session ends so per-session state (subscriptions, watchers)
// is released.
type ServerInstance interface {
	// HandleMessage processes one inbound message. Responses and
	// notifications go out through the Transport the instance was built with.
	HandleMessage(ctx context.Context, msg JSONRPCMessage)

	// Close releases per-session resources. Called exactly once, after the
	// session's transport has been closed and its entry removed.
	Close() error
}

// ServerFactory builds the logical server for a new session. The transport
// is the session's own; the factory may keep it for sending.
type ServerFactory func(sessionID string, transport Transport) ServerInstance

// SessionMetadata is the read-only snapshot of what a session negotiated.
// It is captured when the client signals handshake completion and only
// changes on a later re-initialization.
type SessionMetadata struct {
	SessionID          string
	ClientInfo         Info
	ClientCapabilities ClientCapabilities
	ProtocolVersion    string
	Initialized        bool
	LastAccess         time.Time
}

type serverSessionEntry struct {
	id        string
	raw       *serverTransport
	transport Transport // raw, or bus-observed wrapper around it
	instance  ServerInstance

	// guarded by the server's mutex
	lastAccess  time.Time
	initialized bool
	clientInfo  Info
	clientCaps  ClientCapabilities
	version     string
}

// SessionServer is the server-side session manager: an http.Handler that
// multiplexes many concurrent logical sessions over one listener. Inbound
// POSTs carry a session identifier header; unseen identifiers are treated as
// initialization requests and get a fresh Transport plus logical-server pair,
// known ones are routed to the existing pair. Idle entries are evicted on a
// timer.
//
// The endpoint speaks the streaming HTTP shape StreamingHTTPTransport
// expects: GET opens the server-to-client event stream, POST delivers one
// client-to-server message, DELETE ends the session.
type SessionServer struct {
	info         Info
	capabilities ServerCapabilities
	instructions string
	factory      ServerFactory
	logger       *slog.Logger
	bus          *MessageBus

	idleTimeout   time.Duration
	sweepInterval time.Duration
	sendTimeout   time.Duration

	onSessionClosed func(sessionID string)

	mu      sync.Mutex
	entries map[string]*serverSessionEntry
	// aliases maps a non-empty identifier an initialization request
	// presented to the canonical identifier it was assigned, for as long as
	// the handshake is incomplete. Racing initializations for the same
	// unseen identifier resolve through it to a single entry.
	aliases map[string]string
	// Initializations with no identifier at all only merge while their
	// requests overlap; the alias is retired as soon as the last in-flight
	// one has its response written, so sequential anonymous clients get
	// distinct sessions.
	emptyAlias         string
	emptyAliasInflight int

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// SessionServerOption configures a SessionServer.
type SessionServerOption func(*SessionServer)

var defaultServerSendTimeout = 30 * time.Second

// NewSessionServer creates a session manager identifying itself with the
// given info in every handshake. Without a factory, sessions only answer
// protocol lifecycle messages; everything else gets a method-not-found
// response.
func NewSessionServer(info Info, options ...SessionServerOption) *SessionServer {
	s := &SessionServer{
		info:    info,
		logger:  slog.Default(),
		entries: make(map[string]*serverSessionEntry),
		aliases: make(map[string]string),
		done:    make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}
	return s
}

// WithServerCapabilities sets the capabilities advertised to clients.
func WithServerCapabilities(capabilities ServerCapabilities) SessionServerOption {
	return func(s *SessionServer) {
		s.capabilities = capabilities
	}
}

// WithServerInstructions sets the instructions string returned in the
// initialize result.
func WithServerInstructions(instructions string) SessionServerOption {
	return func(s *SessionServer) {
		s.instructions = instructions
	}
}

// WithServerFactory sets the factory that builds the logical server for each
// new session.
func WithServerFactory(factory ServerFactory) SessionServerOption {
	return func(s *SessionServer) {
		s.factory = factory
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) SessionServerOption {
	return func(s *SessionServer) {
		s.logger = logger
	}
}

// WithServerBus makes every session's transport publish its traffic to the
// given message bus, keyed by session identifier.
func WithServerBus(bus *MessageBus) SessionServerOption {
	return func(s *SessionServer) {
		s.bus = bus
	}
}

// WithIdleTimeout sets how long a session may go untouched before the sweep
// evicts it. Zero or negative disables eviction.
func WithIdleTimeout(timeout time.Duration) SessionServerOption {
	return func(s *SessionServer) {
		s.idleTimeout = timeout
	}
}

// WithSweepInterval sets how often the eviction sweep runs.
func WithSweepInterval(interval time.Duration) SessionServerOption {
	return func(s *SessionServer) {
		s.sweepInterval = interval
	}
}

// WithServerSendTimeout bounds how long a session waits to hand a message to
// a slow or absent event stream.
func WithServerSendTimeout(timeout time.Duration) SessionServerOption {
	return func(s *SessionServer) {
		s.sendTimeout = timeout
	}
}

// WithOnSessionClosed registers a hook invoked after a session's entry has
// been removed and its instance closed, whatever the cause.
func WithOnSessionClosed(hook func(sessionID string)) SessionServerOption {
	return func(s *SessionServer) {
		s.onSessionClosed = hook
	}
}

// Start launches the idle-eviction sweep. It is a no-op when the idle timeout
// is zero or negative.
func (s *SessionServer) Start() {
	s.startOnce.Do(func() {
		if s.idleTimeout <= 0 {
			return
		}
		interval := s.sweepInterval
		if interval <= 0 {
			interval = 30 * time.Second
		}
		go s.sweepLoop(interval)
	})
}

// Shutdown stops the sweep and closes every live session.
func (s *SessionServer) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.removeSession(id)
	}
	return nil
}

// SessionCount returns the number of live entries.
func (s *SessionServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// SessionMetadata returns the snapshot for the given session identifier.
func (s *SessionServer) SessionMetadata(sessionID string) (SessionMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return SessionMetadata{}, false
	}
	return SessionMetadata{
		SessionID:          entry.id,
		ClientInfo:         entry.clientInfo,
		ClientCapabilities: entry.clientCaps,
		ProtocolVersion:    entry.version,
		Initialized:        entry.initialized,
		LastAccess:         entry.lastAccess,
	}, true
}

// ServeHTTP dispatches the three verbs of the streaming HTTP boundary:
// GET opens the event stream, POST delivers one message, DELETE ends the
// session.
func (s *SessionServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodPost:
		s.handleMessage(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *SessionServer) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)

	var entry *serverSessionEntry
	if sessionID != "" {
		var ok bool
		entry, ok = s.lookup(sessionID)
		if !ok {
			http.Error(w, errMsgSessionNotFound, http.StatusNotFound)
			return
		}
	} else {
		entry = s.createEntry("")
	}

	w.Header().Set(SessionIDHeader, entry.id)

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}

	// Push the response headers out so the client holds its session
	// identifier before any message flows.
	if err := sess.Flush(); err != nil {
		s.logger.Warn("failed to flush stream headers", "session", entry.id, "err", err)
		s.removeSession(entry.id)
		return
	}

	s.pumpStream(r.Context(), entry, sess)

	// The client dropping its stream ends the logical session.
	s.removeSession(entry.id)
}

// pumpStream forwards the entry's outbound queue to one event stream until
// the stream's request ends or the session closes.
func (s *SessionServer) pumpStream(ctx context.Context, entry *serverSessionEntry, sess *sse.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-entry.raw.done:
			return
		case msg := <-entry.raw.outbound:
			payload, err := json.Marshal(msg)
			if err != nil {
				s.logger.Error("failed to marshal outbound message", "err", err)
				continue
			}
			sseMsg := &sse.Message{Type: sse.Type("message")}
			sseMsg.AppendData(string(payload))
			if err := sess.Send(sseMsg); err != nil {
				s.logger.Warn("failed to send message", "session", entry.id, "err", err)
				return
			}
			if err := sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", "session", entry.id, "err", err)
				return
			}
		}
	}
}

func (s *SessionServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeRPCError(w, http.StatusBadRequest, "", &JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: errMsgInvalidJSON,
		})
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)

	if entry, ok := s.lookup(sessionID); ok {
		w.Header().Set(SessionIDHeader, entry.id)
		w.WriteHeader(http.StatusAccepted)
		s.dispatch(entry, msg)
		return
	}

	// Absent or unrecognized identifier: this must be an initialization
	// request. Anything else referencing a dead or unknown session gets a
	// protocol-level error, not a fresh session.
	if msg.Method != MethodInitialize {
		if sessionID != "" {
			writeRPCError(w, http.StatusNotFound, msg.ID, &JSONRPCError{
				Code:    jsonRPCInvalidRequestCode,
				Message: (&SessionNotFoundError{SessionID: sessionID}).Error(),
			})
			return
		}
		writeRPCError(w, http.StatusBadRequest, msg.ID, &JSONRPCError{
			Code:    jsonRPCInvalidRequestCode,
			Message: "missing session identifier",
		})
		return
	}

	entry, release := s.resolveInitialization(sessionID)
	w.Header().Set(SessionIDHeader, entry.id)
	w.WriteHeader(http.StatusAccepted)
	s.dispatch(entry, msg)
	if release != nil {
		release()
	}
}

func (s *SessionServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		http.Error(w, "missing session identifier", http.StatusBadRequest)
		return
	}
	// Removal is idempotent; deleting an already-gone session succeeds.
	s.removeSession(sessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *SessionServer) lookup(sessionID string) (*serverSessionEntry, bool) {
	if sessionID == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, false
	}
	s.touchLocked(entry)
	return entry, true
}

// resolveInitialization serializes racing initialization requests: the first
// request for a given presented identifier creates the entry, and every
// concurrent one resolves to it. Named identifiers alias until the handshake
// completes; the empty identifier only aliases while requests overlap, via
// the returned release, which the caller invokes once the response is
// written. The release may be nil.
func (s *SessionServer) resolveInitialization(presentedID string) (*serverSessionEntry, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if presentedID == "" {
		if s.emptyAliasInflight > 0 {
			if entry, ok := s.entries[s.emptyAlias]; ok {
				s.emptyAliasInflight++
				s.touchLocked(entry)
				return entry, s.releaseEmptyAlias
			}
		}
		entry := s.createEntryLocked()
		s.emptyAlias = entry.id
		s.emptyAliasInflight = 1
		return entry, s.releaseEmptyAlias
	}

	if canonical, ok := s.aliases[presentedID]; ok {
		if entry, ok := s.entries[canonical]; ok {
			s.touchLocked(entry)
			return entry, nil
		}
	}

	entry := s.createEntryLocked()
	s.aliases[presentedID] = entry.id
	return entry, nil
}

func (s *SessionServer) releaseEmptyAlias() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emptyAliasInflight--
	if s.emptyAliasInflight <= 0 {
		s.emptyAliasInflight = 0
		s.emptyAlias = ""
	}
}

func (s *SessionServer) createEntry(presentedID string) *serverSessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.createEntryLocked()
	if presentedID != "" {
		s.aliases[presentedID] = entry.id
	}
	return entry
}

func (s *SessionServer) createEntryLocked() *serverSessionEntry {
	id := uuid.New().String()

	raw := newServerTransport(id, s.logger)
	var transport Transport = raw
	if s.bus != nil {
		transport = NewObservedTransport(raw, s.bus, id)
	}

	entry := &serverSessionEntry{
		id:         id,
		raw:        raw,
		transport:  transport,
		lastAccess: time.Now(),
	}
	if s.factory != nil {
		entry.instance = s.factory(id, transport)
	}

	// Record inbound traffic on the observed transport; the manager itself
	// consumes the messages.
	transport.SetMessageHandler(func(JSONRPCMessage) {})
	raw.SetCloseHandler(func() {
		s.removeSession(id)
	})

	s.entries[id] = entry
	s.logger.Debug("created session", "session", id)
	return entry
}

func (s *SessionServer) touchLocked(entry *serverSessionEntry) {
	// Monotonic non-decreasing even if the wall clock steps backward.
	if now := time.Now(); now.After(entry.lastAccess) {
		entry.lastAccess = now
	}
}

// dispatch consumes protocol lifecycle messages itself and forwards the rest
// to the session's logical server.
func (s *SessionServer) dispatch(entry *serverSessionEntry, msg JSONRPCMessage) {
	// Push the message through the delivery chain so a bus-observing wrapper
	// sees inbound traffic exactly as a read loop would deliver it.
	entry.raw.deliver(msg)

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	switch {
	case msg.Method == MethodInitialize && msg.ID != "":
		s.handleInitialize(ctx, entry, msg)
	case msg.Method == MethodNotificationsInitialized:
		s.completeHandshake(entry)
	case msg.Method == MethodPing && msg.ID != "":
		s.respond(ctx, entry, msg.ID, json.RawMessage(`{}`), nil)
	default:
		if entry.instance == nil {
			if msg.ID != "" {
				s.respond(ctx, entry, msg.ID, nil, &JSONRPCError{
					Code:    jsonRPCMethodNotFoundCode,
					Message: fmt.Sprintf("method %s not found", msg.Method),
				})
			}
			return
		}
		entry.instance.HandleMessage(ctx, msg)
	}
}

func (s *SessionServer) handleInitialize(ctx context.Context, entry *serverSessionEntry, msg JSONRPCMessage) {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.respond(ctx, entry, msg.ID, nil, &JSONRPCError{
			Code:    jsonRPCParseErrorCode,
			Message: errMsgInvalidJSON,
		})
		return
	}

	// Capture what the client advertised; the snapshot becomes visible when
	// the initialized notification lands.
	s.mu.Lock()
	entry.clientInfo = params.ClientInfo
	entry.clientCaps = params.Capabilities
	entry.version = params.ProtocolVersion
	s.mu.Unlock()

	result, err := json.Marshal(InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	})
	if err != nil {
		s.respond(ctx, entry, msg.ID, nil, &JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: errMsgInternalError,
		})
		return
	}
	s.respond(ctx, entry, msg.ID, result, nil)
}

// completeHandshake commits the metadata snapshot and retires any alias that
// routed racing initialization requests to this entry.
func (s *SessionServer) completeHandshake(entry *serverSessionEntry) {
	s.mu.Lock()
	entry.initialized = true
	entry.version = ProtocolVersion
	for presented, canonical := range s.aliases {
		if canonical == entry.id {
			delete(s.aliases, presented)
		}
	}
	clientName := entry.clientInfo.Name
	s.mu.Unlock()

	s.logger.Info("session initialized", "session", entry.id, "client", clientName)
}

func (s *SessionServer) respond(ctx context.Context, entry *serverSessionEntry, id MustString, result json.RawMessage, rpcErr *JSONRPCError) {
	err := entry.transport.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	})
	if err != nil {
		s.logger.Warn("failed to send response", "session", entry.id, "err", err)
	}
}

// removeSession evicts one entry: it is popped from the table first so a
// concurrent eviction and close signal cannot both proceed, then its
// transport is closed, its instance released, and the closed hook invoked.
// Calling it for an absent identifier is a no-op.
func (s *SessionServer) removeSession(sessionID string) {
	s.mu.Lock()
	entry, ok := s.entries[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, sessionID)
	for presented, canonical := range s.aliases {
		if canonical == sessionID {
			delete(s.aliases, presented)
		}
	}
	if s.emptyAlias == sessionID {
		s.emptyAlias = ""
		s.emptyAliasInflight = 0
	}
	s.mu.Unlock()

	if err := entry.transport.Close(); err != nil {
		s.logger.Warn("failed to close session transport", "session", sessionID, "err", err)
	}
	if entry.instance != nil {
		if err := entry.instance.Close(); err != nil {
			s.logger.Warn("failed to close session instance", "session", sessionID, "err", err)
		}
	}
	if s.onSessionClosed != nil {
		s.onSessionClosed(sessionID)
	}
	s.logger.Debug("removed session", "session", sessionID)
}

func (s *SessionServer) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *SessionServer) evictIdle() {
	cutoff := time.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	var expired []string
	for id, entry := range s.entries {
		if entry.lastAccess.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.logger.Info("evicting idle session", "session", id)
		s.removeSession(id)
	}
}

func writeRPCError(w http.ResponseWriter, status int, id MustString, rpcErr *JSONRPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   rpcErr,
	})
}

// serverTransport is the per-session transport on the server side: Send
// queues messages for whichever event stream is pumping the session, and
// inbound messages arrive via the HTTP layer rather than a read loop of its
// own.
type serverTransport struct {
	transportCore

	sessionID string
	outbound  chan JSONRPCMessage
}

func newServerTransport(sessionID string, logger *slog.Logger) *serverTransport {
	return &serverTransport{
		transportCore: newTransportCore(logger),
		sessionID:     sessionID,
		outbound:      make(chan JSONRPCMessage, 64),
	}
}

// Start is a no-op; the HTTP layer owns the underlying channel.
func (t *serverTransport) Start(_ context.Context) error {
	if t.closed() {
		return &TransportStartError{Err: ErrTransportClosed}
	}
	return nil
}

// Send queues one outbound message. The queue preserves submission order;
// waiting on a full queue is bounded by the caller's context.
func (t *serverTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return &TransportSendError{Err: ctx.Err()}
	case t.outbound <- msg:
		return nil
	}
}

// Close releases the session's stream. Safe to call multiple times.
func (t *serverTransport) Close() error {
	t.markClosed()
	return nil
}

// SessionID returns the identifier this transport's session was assigned.
func (t *serverTransport) SessionID() string {
	return t.sessionID
}
