package mcpwire

import (
	"encoding/json"
	"fmt"
)

// MustString enforces string representation for fields the protocol allows to
// be either string or integer, such as request IDs and progress tokens. It
// converts automatically during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents a JSON-RPC 2.0 envelope used for every exchange in
// the protocol. It is one of three shapes depending on which fields are set:
//   - Request: JSONRPC, ID, Method, and Params are set
//   - Response: JSONRPC, ID, and either Result or Error are set
//   - Notification: JSONRPC and Method are set (no ID)
type JSONRPCMessage struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification.
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number.
	ID MustString `json:"id,omitempty"`
	// Method contains the RPC method name for requests and notifications.
	Method string `json:"method,omitempty"`
	// Params contains the parameters for the method call as a raw JSON message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *JSONRPCError `json:"error,omitempty"`
}

// IsNotification reports whether the message is a notification, meaning it
// carries a method but no ID and therefore expects no response.
func (j JSONRPCMessage) IsNotification() bool {
	return j.ID == "" && j.Method != ""
}

// IsResponse reports whether the message is a response to an earlier request.
func (j JSONRPCMessage) IsResponse() bool {
	return j.ID != "" && j.Method == ""
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or custom codes outside the reserved range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional unstructured information about the error.
	Data map[string]any `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities represents the capability set a client advertises during
// the handshake. Known capabilities are modeled as typed fields; anything the
// other side sends beyond them lands in Experimental so future keys survive a
// round trip without this layer understanding them.
type ClientCapabilities struct {
	Roots        *RootsCapability           `json:"roots,omitempty"`
	Sampling     *SamplingCapability        `json:"sampling,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// ServerCapabilities represents the capability set a server advertises in its
// initialize result.
type ServerCapabilities struct {
	Prompts      *PromptsCapability         `json:"prompts,omitempty"`
	Resources    *ResourcesCapability       `json:"resources,omitempty"`
	Tools        *ToolsCapability           `json:"tools,omitempty"`
	Logging      *LoggingCapability         `json:"logging,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// InitializeParams is the body of the initialize request that opens every session.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's answer to the initialize request. The
// protocol version it carries is the negotiated one, which both sides use for
// the rest of the session.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Root represents a filesystem or context root the caller has granted the
// remote side access to. URIs must use the file:// scheme.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

// RootList represents the collection of roots granted on a session.
type RootList struct {
	Roots []Root `json:"roots"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodInitialize is the method name of the request that opens the
	// capability-negotiation handshake.
	MethodInitialize = "initialize"
	// MethodPing is the method name for connection health checks.
	MethodPing = "ping"
	// MethodRootsList is the method name servers use to ask a client for its roots.
	MethodRootsList = "roots/list"

	// MethodNotificationsInitialized signals handshake completion from client to server.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled signals cancellation of an in-flight request.
	MethodNotificationsCancelled = "notifications/cancelled"
	// MethodNotificationsRootsListChanged signals that the client's root list changed.
	MethodNotificationsRootsListChanged = "notifications/roots/list_changed"
	// MethodNotificationsProgress carries progress updates for long-running requests.
	MethodNotificationsProgress = "notifications/progress"
	// MethodNotificationsMessage carries server log messages.
	MethodNotificationsMessage = "notifications/message"

	// ProtocolVersion is the protocol revision this layer speaks by default.
	// The handshake may negotiate it down; transports are told the negotiated
	// value via SetProtocolVersion.
	ProtocolVersion = "2024-11-05"

	// SessionIDHeader carries the server-assigned session identifier on every
	// streaming HTTP exchange after initialization.
	SessionIDHeader = "Mcp-Session-Id"

	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInternalErrorCode  = -32603

	errMsgInvalidJSON     = "Invalid json"
	errMsgSessionNotFound = "Session not found"
	errMsgInternalError   = "Internal error"
)

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON
// representation, always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", j.Code, j.Message, j.Data)
}
