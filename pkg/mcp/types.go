package mcp

import "encoding/json"

// TransportStdio is the only implemented transport kind. Descriptors naming
// any other kind fail at connect time without spawning a process.
const TransportStdio = "stdio"

// ConnectionState is the lifecycle state of one MCP server.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateInitializing ConnectionState = "initializing"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// Protocol identity sent during the initialize handshake.
const (
	protocolVersion = "2024-11-05"
	clientName      = "mcpherd"
	clientVersion   = "0.1.0"
)

// ServerInfo identifies the server implementation, returned from initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies the client implementation.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares what the client supports (sent during initialize).
type ClientCapabilities struct {
	Roots        *RootsCapability `json:"roots,omitempty"`
	Experimental map[string]any   `json:"experimental,omitempty"`
}

// RootsCapability declares that the client tracks root changes.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities declares what the server supports (returned from initialize).
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
}

// ToolsCapability indicates the server supports tool operations.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability indicates the server supports resource operations.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability indicates the server supports prompt operations.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeParams is sent by the client to begin the handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
}

// InitializeResult is the server's half of the handshake. ServerInfo is a
// pointer so a missing object is distinguishable from an empty one: a
// response lacking either field is a handshake failure.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      *ServerInfo        `json:"serverInfo"`
}

// Tool describes a callable operation exposed by some server. ServerName is
// the owning server, filled in by the catalog; it routes calls and nothing
// else.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
	ServerName  string           `json:"serverName,omitempty"`
}

// ToolAnnotations provides metadata about a tool's behavior.
type ToolAnnotations struct {
	ReadOnly    *bool `json:"readOnly,omitempty"`
	Destructive *bool `json:"destructive,omitempty"`
	OpenWorld   *bool `json:"openWorld,omitempty"`
}

// ToolsListResult is the response from tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams is the request body for tools/call.
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the response from tools/call. IsError is the server's own
// flag and is passed through uninterpreted.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a single content item in a tool result.
type ContentBlock struct {
	Type     string `json:"type"` // "text", "image", "resource"
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for images
	URI      string `json:"uri,omitempty"`  // for embedded resources
}

// Resource describes a URI-addressed content item exposed by some server.
// ServerName is the owning server, filled in by the catalog.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	ServerName  string `json:"serverName,omitempty"`
}

// ResourcesListResult is the response from resources/list.
type ResourcesListResult struct {
	Resources []Resource `json:"resources"`
}

// ResourceReadParams is the request body for resources/read.
type ResourceReadParams struct {
	URI string `json:"uri"`
}

// ResourceReadResult is the response from resources/read.
type ResourceReadResult struct {
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent is a single entry in a resource read result. Text and Blob
// are pointers because their presence matters: a content with neither is a
// "not found" result, and an empty text is still a found result.
type ResourceContent struct {
	URI      string  `json:"uri"`
	MimeType string  `json:"mimeType,omitempty"`
	Text     *string `json:"text,omitempty"`
	Blob     *string `json:"blob,omitempty"` // base64 for binary
}

// MCP method constants.
const (
	MethodInitialize       = "initialize"
	MethodInitialized      = "initialized"
	MethodRootsListChanged = "roots/list_changed"
	MethodShutdown         = "notifications/shutdown"
	MethodToolsList        = "tools/list"
	MethodToolsCall        = "tools/call"
	MethodResourcesList    = "resources/list"
	MethodResourcesRead    = "resources/read"
)
