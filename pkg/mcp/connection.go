package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// serverConnection owns the lifecycle of a single MCP server: its state
// machine, its transport, and the per-server protocol operations.
//
// States: Disconnected → Connecting (spawn) → Initializing (stdio wired)
// → Connected (handshake done). Connecting/Initializing fail into Error;
// process exit takes Connected back to Disconnected. stop retires the
// connection permanently: a retired connection refuses to connect. There
// is no automatic reconnect.
type serverConnection struct {
	name   string
	config ServerConfig
	logger *slog.Logger

	// ids is the manager-wide request id counter, shared by every
	// connection so ids are never reused across servers.
	ids     *atomic.Int64
	timeout time.Duration

	// onNotification receives server-initiated messages for dispatch
	// above the connection (catalog refresh etc).
	onNotification func(server, method string, params json.RawMessage)

	mu        sync.Mutex
	state     ConnectionState
	transport Transport
	info      *ServerInfo
	caps      *ServerCapabilities
	lastErr   string
	retired   bool // set by stop; a retired connection refuses to connect
	exited    bool // process exit seen; checked before declaring Connected
}

// connect spawns the server process and runs the handshake. A retired
// connection refuses to connect; any other failure leaves the connection
// in StateError. Errors are returned to the caller.
func (c *serverConnection) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		return fmt.Errorf("server %q: %w", c.name, ErrServerRetired)
	}
	if c.transport != nil {
		c.mu.Unlock()
		return nil
	}

	kind := c.config.transportOrDefault()
	if kind != TransportStdio {
		err := fmt.Errorf("server %q: %w: %q", c.name, ErrUnsupportedTransport, kind)
		c.state = StateError
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.logger.Error("refusing to connect", "transport", kind)
		return err
	}
	if c.config.Command == "" {
		err := fmt.Errorf("server %q: stdio transport requires a command", c.name)
		c.state = StateError
		c.lastErr = err.Error()
		c.mu.Unlock()
		return err
	}

	c.state = StateConnecting
	c.exited = false
	c.mu.Unlock()

	transport, err := NewStdioTransport(StdioConfig{
		Command:        c.config.Command,
		Args:           c.config.Args,
		Env:            c.config.Env,
		RequestTimeout: c.timeout,
		Logger:         c.logger,
		OnNotification: c.handleNotification,
		OnExit:         c.handleExit,
	})
	if err != nil {
		c.fail(nil, err)
		return fmt.Errorf("start server %q: %w", c.name, err)
	}

	c.mu.Lock()
	if c.retired {
		c.mu.Unlock()
		// stop raced the spawn; the fresh process must not outlive the
		// retired registration.
		_ = transport.Close()
		return fmt.Errorf("server %q: %w", c.name, ErrServerRetired)
	}
	c.transport = transport
	c.state = StateInitializing
	c.mu.Unlock()

	if err := c.handshake(ctx, transport); err != nil {
		c.fail(transport, err)
		return fmt.Errorf("initialize server %q: %w", c.name, err)
	}

	if err := c.markConnected(transport); err != nil {
		return fmt.Errorf("initialize server %q: %w", c.name, err)
	}

	c.logger.Debug("server connected")
	return nil
}

// markConnected is the final transition of connect: a connection stopped
// mid-handshake, or whose process already exited, is refused rather than
// reported as Connected.
func (c *serverConnection) markConnected(transport Transport) error {
	c.mu.Lock()
	retired, exited := c.retired, c.exited
	if !retired && !exited {
		c.state = StateConnected
		c.lastErr = ""
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if retired {
		// stop already tore the transport down.
		return ErrServerRetired
	}
	err := errors.New("process exited during initialization")
	c.fail(transport, err)
	return err
}

// handshake runs initialize → initialized. The response must carry both
// a protocol version and a serverInfo object; missing either is a
// handshake failure, not a partial success.
func (c *serverConnection) handshake(ctx context.Context, transport Transport) error {
	params := InitializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities: ClientCapabilities{
			Roots: &RootsCapability{ListChanged: true},
		},
		ClientInfo: ClientInfo{Name: clientName, Version: clientVersion},
	}

	resp, err := transport.Send(ctx, newRequest(c.ids.Add(1), MethodInitialize, params))
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("initialize: %w", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	if result.ProtocolVersion == "" {
		return fmt.Errorf("initialize response missing protocolVersion")
	}
	if result.ServerInfo == nil {
		return fmt.Errorf("initialize response missing serverInfo")
	}

	c.mu.Lock()
	c.info = result.ServerInfo
	c.caps = &result.Capabilities
	c.mu.Unlock()

	if err := transport.Notify(ctx, newNotification(MethodInitialized, nil)); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return nil
}

// fail records an error state and tears down the transport, if any.
func (c *serverConnection) fail(transport Transport, err error) {
	c.mu.Lock()
	c.state = StateError
	c.lastErr = err.Error()
	c.transport = nil
	c.info = nil
	c.caps = nil
	c.mu.Unlock()

	c.logger.Error("server connection failed", "error", err)
	if transport != nil {
		_ = transport.Close()
	}
}

// handleExit observes the subprocess dying. A connected server drops to
// Disconnected; an exit mid-handshake is recorded for markConnected, and
// an errored connection stays errored.
func (c *serverConnection) handleExit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exited = true
	if c.state != StateConnected {
		return
	}
	c.state = StateDisconnected
	c.transport = nil
	c.info = nil
	c.caps = nil
	if err != nil {
		c.lastErr = err.Error()
	}
	c.logger.Warn("server exited", "error", err)
}

func (c *serverConnection) handleNotification(method string, params json.RawMessage) {
	if c.onNotification != nil {
		c.onNotification(c.name, method, params)
	}
}

// stop terminates the server process (two-phase: stdin close + SIGTERM,
// SIGKILL after the grace period) and retires the connection: it resets
// to Disconnected and refuses any later connect. The descriptor itself
// is untouched.
func (c *serverConnection) stop() error {
	c.mu.Lock()
	c.retired = true
	transport := c.transport
	c.transport = nil
	c.info = nil
	c.caps = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Close()
}

// send issues one request and unwraps the JSON-RPC envelope.
func (c *serverConnection) send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return nil, fmt.Errorf("server %q: %w", c.name, ErrServerNotConnected)
	}

	resp, err := transport.Send(ctx, newRequest(c.ids.Add(1), method, params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, resp.Error)
	}
	return resp.Result, nil
}

func (c *serverConnection) listTools(ctx context.Context) ([]Tool, error) {
	raw, err := c.send(ctx, MethodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	return result.Tools, nil
}

func (c *serverConnection) listResources(ctx context.Context) ([]Resource, error) {
	raw, err := c.send(ctx, MethodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	var result ResourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resources list: %w", err)
	}
	return result.Resources, nil
}

func (c *serverConnection) callTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.send(ctx, MethodToolsCall, ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &result, nil
}

func (c *serverConnection) readResource(ctx context.Context, uri string) (*ResourceReadResult, error) {
	raw, err := c.send(ctx, MethodResourcesRead, ResourceReadParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result ResourceReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse resource contents: %w", err)
	}
	return &result, nil
}

// notifyShutdown is the best-effort goodbye sent before termination.
func (c *serverConnection) notifyShutdown(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Notify(ctx, newNotification(MethodShutdown, nil))
}

func (c *serverConnection) currentState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *serverConnection) status() ServerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ServerStatus{
		Name:  c.name,
		State: c.state,
		Info:  c.info,
		Error: c.lastErr,
	}
}
