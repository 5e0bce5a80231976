package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
)

// mockTransport implements Transport with pre-programmed responses.
type mockTransport struct {
	mu        sync.Mutex
	responses map[string]json.RawMessage // method → result JSON
	rpcErrors map[string]*RPCError       // method → error response
	closed    bool
	sent      []string // methods sent as requests
	sentIDs   []int64  // ids of sent requests, in order
	notified  []string // methods sent as notifications

	lastToolCall *ToolCallParams
	lastReadURI  string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		responses: make(map[string]json.RawMessage),
		rpcErrors: make(map[string]*RPCError),
	}
}

// withInitialize configures the mock to respond to initialize with the given capabilities.
func (m *mockTransport) withInitialize(caps ServerCapabilities) *mockTransport {
	result := InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      &ServerInfo{Name: "mock-server", Version: "1.0"},
	}
	data, _ := json.Marshal(result)
	m.responses[MethodInitialize] = data
	return m
}

// withTools configures the mock to respond to tools/list with the given tools.
func (m *mockTransport) withTools(tools []Tool) *mockTransport {
	result := ToolsListResult{Tools: tools}
	data, _ := json.Marshal(result)
	m.responses[MethodToolsList] = data
	return m
}

// withResources configures the mock to respond to resources/list with the given resources.
func (m *mockTransport) withResources(resources []Resource) *mockTransport {
	result := ResourcesListResult{Resources: resources}
	data, _ := json.Marshal(result)
	m.responses[MethodResourcesList] = data
	return m
}

// withToolCall configures the mock to respond to tools/call with the given result.
func (m *mockTransport) withToolCall(toolResult ToolResult) *mockTransport {
	data, _ := json.Marshal(toolResult)
	m.responses[MethodToolsCall] = data
	return m
}

// withResourceRead configures the mock to respond to resources/read.
func (m *mockTransport) withResourceRead(result ResourceReadResult) *mockTransport {
	data, _ := json.Marshal(result)
	m.responses[MethodResourcesRead] = data
	return m
}

// withResponse configures a raw response for any method.
func (m *mockTransport) withResponse(method string, result json.RawMessage) *mockTransport {
	m.responses[method] = result
	return m
}

// withRPCError configures the mock to answer a method with a JSON-RPC error.
func (m *mockTransport) withRPCError(method string, code int, message string) *mockTransport {
	m.rpcErrors[method] = &RPCError{Code: code, Message: message}
	return m
}

func (m *mockTransport) Send(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("transport closed")
	}
	if req.ID == nil {
		return nil, fmt.Errorf("request %q has no id", req.Method)
	}
	m.sent = append(m.sent, req.Method)
	m.sentIDs = append(m.sentIDs, *req.ID)

	switch p := req.Params.(type) {
	case ToolCallParams:
		m.lastToolCall = &p
	case ResourceReadParams:
		m.lastReadURI = p.URI
	}

	if rpcErr, ok := m.rpcErrors[req.Method]; ok {
		return &Response{ID: *req.ID, Error: rpcErr}, nil
	}

	result, ok := m.responses[req.Method]
	if !ok {
		return &Response{
			ID:    *req.ID,
			Error: &RPCError{Code: -32601, Message: "Method not found: " + req.Method},
		}, nil
	}
	return &Response{ID: *req.ID, Result: result}, nil
}

func (m *mockTransport) Notify(_ context.Context, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("transport closed")
	}
	m.notified = append(m.notified, req.Method)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *mockTransport) notifiedMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notified...)
}

func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *mockTransport) sentRequestIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.sentIDs...)
}

// connectWithMock wires a server into the manager over the given
// transport, bypassing process creation, then pulls its listings into
// the catalog.
func connectWithMock(t *testing.T, m *Manager, name string, transport Transport) {
	t.Helper()

	conn := m.newConnection(name, ServerConfig{Transport: TransportStdio, Command: "mock"})
	if err := conn.handshake(context.Background(), transport); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	conn.mu.Lock()
	conn.transport = transport
	conn.state = StateConnected
	conn.mu.Unlock()

	m.mu.Lock()
	m.servers[name] = conn
	m.initialized = true
	m.mu.Unlock()

	m.refreshServer(context.Background(), conn)
}
