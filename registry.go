package mcpwire

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
)

// ServerConfig describes how to reach one server. Exactly one of the three
// endpoint forms should be populated; the registry infers the transport
// variant from which fields are present.
type ServerConfig struct {
	// Command plus Args and Env describe a subprocess endpoint.
	Command string
	Args    []string
	// Env entries, in KEY=VALUE form, are appended to the child environment.
	Env []string

	// URL is a streaming HTTP endpoint.
	URL string

	// WebSocketURL is a duplex socket endpoint.
	WebSocketURL string
}

// Registry holds named server configurations and lazily materializes one
// Transport and Session per name. Sessions are cached: asking for the same
// name again returns the cached session unless it has been closed, in which
// case a fresh one is built.
type Registry struct {
	info       Info
	logger     *slog.Logger
	httpClient *http.Client
	bus        *MessageBus
	builder    func(name string, config ServerConfig) (Transport, error)

	mu       sync.Mutex
	configs  map[string]ServerConfig
	sessions map[string]*Session
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// NewRegistry creates an empty registry. The info identifies this client in
// every handshake the registry's sessions perform.
func NewRegistry(info Info, options ...RegistryOption) *Registry {
	r := &Registry{
		info:     info,
		logger:   slog.Default(),
		configs:  make(map[string]ServerConfig),
		sessions: make(map[string]*Session),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRegistryLogger sets the logger for the registry.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryHTTPClient sets the HTTP client used by streaming HTTP
// transports the registry builds.
func WithRegistryHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) {
		r.httpClient = client
	}
}

// WithRegistryBus makes every transport the registry builds publish its
// traffic to the given message bus, keyed by server name.
func WithRegistryBus(bus *MessageBus) RegistryOption {
	return func(r *Registry) {
		r.bus = bus
	}
}

// WithRegistryTransportBuilder replaces how the registry materializes
// transports from configurations, for callers that bring their own transport
// variants. The bus wrapping, when configured, still applies.
func WithRegistryTransportBuilder(builder func(name string, config ServerConfig) (Transport, error)) RegistryOption {
	return func(r *Registry) {
		r.builder = builder
	}
}

// AddServer registers a configuration under the given name. Adding the same
// name again overwrites the previous configuration; the last write wins.
// An already-cached session for that name keeps its old transport until it is
// closed and recreated.
func (r *Registry) AddServer(name string, config ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = config
}

// ServerNames returns the registered names in sorted order.
func (r *Registry) ServerNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateSession returns the session for the given server name, building the
// transport variant its configuration calls for on first use. The session is
// not connected; callers drive Connect/Initialize themselves, or rely on
// auto-connect when the flag is set.
func (r *Registry) CreateSession(name string, autoConnect bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[name]; ok && sess.State() != SessionClosed {
		return sess, nil
	}

	config, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("server %q is not registered", name)
	}

	transport, err := r.buildTransport(name, config)
	if err != nil {
		return nil, err
	}

	opts := []SessionOption{WithSessionLogger(r.logger)}
	if autoConnect {
		opts = append(opts, WithAutoConnect())
	}
	sess := NewSession(r.info, transport, opts...)
	r.sessions[name] = sess
	return sess, nil
}

func (r *Registry) buildTransport(name string, config ServerConfig) (Transport, error) {
	if r.builder != nil {
		transport, err := r.builder(name, config)
		if err != nil {
			return nil, err
		}
		if r.bus != nil {
			transport = NewObservedTransport(transport, r.bus, name)
		}
		return transport, nil
	}

	var transport Transport
	switch {
	case config.Command != "":
		transport = NewStdioTransport(config.Command, config.Args,
			WithStdioEnv(config.Env), WithStdioLogger(r.logger))
	case config.WebSocketURL != "":
		transport = NewSocketTransport(config.WebSocketURL, WithSocketLogger(r.logger))
	case config.URL != "":
		transport = NewStreamingHTTPTransport(config.URL, r.httpClient,
			WithStreamingHTTPLogger(r.logger))
	default:
		return nil, fmt.Errorf("server %q has no command, URL, or websocket URL", name)
	}

	if r.bus != nil {
		transport = NewObservedTransport(transport, r.bus, name)
	}
	return transport, nil
}

// CloseAllSessions disconnects every cached session and clears the cache. A
// failing disconnect does not stop the remaining sessions from being closed;
// all failures are collected into the returned error.
func (r *Registry) CloseAllSessions() error {
	r.mu.Lock()
	sessions := make(map[string]*Session, len(r.sessions))
	for name, sess := range r.sessions {
		sessions[name] = sess
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for name, sess := range sessions {
		if err := sess.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close session %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
