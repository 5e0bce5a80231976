package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Manager owns a set of MCP servers: it launches them, speaks the
// protocol, and merges their tools and resources into one catalog.
// Tool calls and resource reads are routed to the owning server by
// catalog lookup; callers never name a server directly.
//
// All methods are safe for concurrent use.
type Manager struct {
	logger  *slog.Logger
	timeout time.Duration

	// ids is the shared request id counter. Ids increase monotonically
	// across every server and are never reused.
	ids atomic.Int64

	mu          sync.Mutex
	servers     map[string]*serverConnection
	initialized bool
	closed      bool

	catalog *catalog

	watchMu  sync.Mutex
	watchers map[string]func(CatalogEvent)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Per-server children are derived
// from it with an "mcp_server" attribute.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithRequestTimeout overrides the 30 s per-request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// NewManager registers the given descriptors without connecting to
// anything. Call Initialize to launch the enabled servers.
func NewManager(servers map[string]ServerConfig, opts ...Option) *Manager {
	m := &Manager{
		logger:   slog.Default(),
		timeout:  defaultRequestTimeout,
		servers:  make(map[string]*serverConnection),
		catalog:  newCatalog(),
		watchers: make(map[string]func(CatalogEvent)),
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, cfg := range servers {
		m.servers[name] = m.newConnection(name, cfg)
	}
	return m
}

func (m *Manager) newConnection(name string, cfg ServerConfig) *serverConnection {
	return &serverConnection{
		name:           name,
		config:         cfg,
		logger:         m.logger.With("mcp_server", name),
		ids:            &m.ids,
		timeout:        m.timeout,
		onNotification: m.handleNotification,
		state:          StateDisconnected,
	}
}

// Initialize connects every enabled server concurrently and then fills
// the catalog from those that reached Connected. The join is
// best-effort: one server's failure never aborts the others, and
// failures are reported through States, not the return value.
// Initialize is idempotent; only the first call does anything.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true

	conns := make([]*serverConnection, 0, len(m.servers))
	for _, conn := range m.servers {
		if !conn.config.Disabled {
			conns = append(conns, conn)
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *serverConnection) {
			defer wg.Done()
			if err := c.connect(ctx); err != nil {
				m.logger.Error("server failed to initialize", "mcp_server", c.name, "error", err)
			}
		}(conn)
	}
	wg.Wait()

	m.RefreshCatalog(ctx)
	return nil
}

// RefreshCatalog re-fetches tool and resource listings from every
// Connected server. A failed listing is logged and that server's prior
// entries stay as they were; a successful one replaces them.
func (m *Manager) RefreshCatalog(ctx context.Context) {
	m.mu.Lock()
	conns := make([]*serverConnection, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		if conn.currentState() != StateConnected {
			continue
		}
		wg.Add(1)
		go func(c *serverConnection) {
			defer wg.Done()
			m.refreshServer(ctx, c)
		}(conn)
	}
	wg.Wait()
}

// refreshServer pulls one server's listings into the catalog.
func (m *Manager) refreshServer(ctx context.Context, c *serverConnection) {
	changed := false

	tools, err := c.listTools(ctx)
	if err != nil {
		m.logger.Warn("tools listing failed", "mcp_server", c.name, "error", err)
	} else {
		m.catalog.setServerTools(c.name, tools)
		changed = true
	}

	resources, err := c.listResources(ctx)
	if err != nil {
		m.logger.Warn("resources listing failed", "mcp_server", c.name, "error", err)
	} else {
		m.catalog.setServerResources(c.name, resources)
		changed = true
	}

	if changed {
		m.emit(CatalogEvent{Op: CatalogRefreshed, Server: c.name})
	}
}

// handleNotification dispatches server-initiated messages. It runs on a
// transport read goroutine, so anything slow happens async.
func (m *Manager) handleNotification(server, method string, params json.RawMessage) {
	switch method {
	case MethodRootsListChanged:
		m.logger.Debug("catalog change notification", "mcp_server", server)
		go m.RefreshCatalog(context.Background())
	default:
		m.logger.Debug("unhandled notification", "mcp_server", server, "method", method)
	}
}

// CallTool invokes a tool by its catalog name. The result is returned
// verbatim, including any isError flag the server set; interpreting it
// is the caller's business.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	tool, ok := m.catalog.tool(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, name)
	}

	conn, err := m.connectedServer(tool.ServerName)
	if err != nil {
		return nil, err
	}
	return conn.callTool(ctx, name, args)
}

// Tool looks up one catalog entry by name.
func (m *Manager) Tool(name string) (Tool, bool) {
	return m.catalog.tool(name)
}

// Tools returns the full catalog, sorted by tool name.
func (m *Manager) Tools() []Tool {
	return m.catalog.allTools()
}

// ListResources refreshes the catalog and returns every known resource,
// sorted by URI.
func (m *Manager) ListResources(ctx context.Context) ([]Resource, error) {
	if m.isClosed() {
		return nil, ErrManagerClosed
	}
	m.RefreshCatalog(ctx)
	return m.catalog.allResources(), nil
}

// ReadResource fetches a resource by URI and decodes its first content
// entry: a text field is returned verbatim, otherwise a blob field is
// base64-decoded. A content entry with neither is reported as absent
// (ok == false), not as an error.
func (m *Manager) ReadResource(ctx context.Context, uri string) (value string, ok bool, err error) {
	content, err := m.ReadResourceContent(ctx, uri)
	if err != nil {
		return "", false, err
	}
	if content.Text != nil {
		return *content.Text, true, nil
	}
	if content.Blob != nil {
		decoded, err := base64.StdEncoding.DecodeString(*content.Blob)
		if err != nil {
			return "", false, fmt.Errorf("decode blob for %q: %w", uri, err)
		}
		return string(decoded), true, nil
	}
	return "", false, nil
}

// ReadResourceContent is ReadResource without the decode step: the raw
// first content entry, for callers that render by MIME type.
func (m *Manager) ReadResourceContent(ctx context.Context, uri string) (ResourceContent, error) {
	res, ok := m.catalog.resource(uri)
	if !ok {
		return ResourceContent{}, fmt.Errorf("%w: %q", ErrResourceNotFound, uri)
	}

	conn, err := m.connectedServer(res.ServerName)
	if err != nil {
		return ResourceContent{}, err
	}

	result, err := conn.readResource(ctx, uri)
	if err != nil {
		return ResourceContent{}, err
	}
	if len(result.Contents) == 0 {
		return ResourceContent{URI: uri}, nil
	}
	return result.Contents[0], nil
}

// connectedServer resolves a name to its connection and insists it is
// Connected, so no process I/O is attempted against a dead server.
func (m *Manager) connectedServer(name string) (*serverConnection, error) {
	m.mu.Lock()
	conn, ok := m.servers[name]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if state := conn.currentState(); state != StateConnected {
		return nil, fmt.Errorf("server %q is %s: %w", name, state, ErrServerNotConnected)
	}
	return conn, nil
}

// RegisterServer records a descriptor under the given name, replacing
// (and stopping) any previous registration. On an initialized manager an
// enabled server is connected and its listings fetched right away; only
// that server is touched.
func (m *Manager) RegisterServer(ctx context.Context, name string, cfg ServerConfig) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	old := m.servers[name]
	conn := m.newConnection(name, cfg)
	m.servers[name] = conn
	initialized := m.initialized
	m.mu.Unlock()

	if old != nil {
		if err := old.stop(); err != nil {
			m.logger.Warn("stopping replaced server", "mcp_server", name, "error", err)
		}
		m.catalog.removeServer(name)
		m.emit(CatalogEvent{Op: CatalogRemoved, Server: name})
	}

	if !initialized || cfg.Disabled {
		return nil
	}
	if err := conn.connect(ctx); err != nil {
		return err
	}
	m.refreshServer(ctx, conn)
	return nil
}

// UnregisterServer removes a descriptor, stops its process if one is
// running, and drops its catalog entries.
func (m *Manager) UnregisterServer(name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	conn, ok := m.servers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	delete(m.servers, name)
	m.mu.Unlock()

	err := conn.stop()
	m.catalog.removeServer(name)
	m.emit(CatalogEvent{Op: CatalogRemoved, Server: name})
	return err
}

// SyncServers reconciles the registered set against desired: new names
// are registered, missing names unregistered, and changed descriptors
// re-registered. Per-server failures land in the result, never abort
// the rest.
func (m *Manager) SyncServers(ctx context.Context, desired map[string]ServerConfig) *SyncResult {
	result := &SyncResult{Errors: make(map[string]string)}

	m.mu.Lock()
	existing := make(map[string]ServerConfig, len(m.servers))
	for name, conn := range m.servers {
		existing[name] = conn.config
	}
	m.mu.Unlock()

	for name := range existing {
		if _, ok := desired[name]; ok {
			continue
		}
		if err := m.UnregisterServer(name); err != nil {
			result.Errors[name] = err.Error()
		} else {
			result.Removed = append(result.Removed, name)
		}
	}

	for name, cfg := range desired {
		prev, known := existing[name]
		if known && reflect.DeepEqual(prev, cfg) {
			continue
		}
		if err := m.RegisterServer(ctx, name, cfg); err != nil {
			result.Errors[name] = err.Error()
			continue
		}
		if known {
			result.Updated = append(result.Updated, name)
		} else {
			result.Added = append(result.Added, name)
		}
	}

	sort.Strings(result.Added)
	sort.Strings(result.Updated)
	sort.Strings(result.Removed)
	return result
}

// Shutdown tells every server still talking to expect termination, then
// stops all processes (SIGTERM, SIGKILL after 5 s each) and clears the
// catalog. Descriptors stay registered, but a shut-down manager refuses
// further work. Calling Shutdown again is a no-op.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true

	conns := make([]*serverConnection, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	// Best-effort goodbye to every server still in the conversation.
	// Failures are logged, not escalated.
	var wg sync.WaitGroup
	for _, conn := range conns {
		state := conn.currentState()
		if state != StateConnected && state != StateInitializing {
			continue
		}
		wg.Add(1)
		go func(c *serverConnection) {
			defer wg.Done()
			if err := c.notifyShutdown(ctx); err != nil {
				m.logger.Warn("shutdown notification failed", "mcp_server", c.name, "error", err)
			}
		}(conn)
	}
	wg.Wait()

	for _, conn := range conns {
		wg.Add(1)
		go func(c *serverConnection) {
			defer wg.Done()
			if err := c.stop(); err != nil {
				m.logger.Warn("server stop failed", "mcp_server", c.name, "error", err)
			}
		}(conn)
	}
	wg.Wait()

	m.catalog.clear()
	m.emit(CatalogEvent{Op: CatalogCleared})
	m.logger.Debug("manager shut down")
	return nil
}

// State reports one server's connection state.
func (m *Manager) State(name string) (ConnectionState, bool) {
	m.mu.Lock()
	conn, ok := m.servers[name]
	m.mu.Unlock()

	if !ok {
		return "", false
	}
	return conn.currentState(), true
}

// States snapshots every server's connection state.
func (m *Manager) States() map[string]ConnectionState {
	m.mu.Lock()
	conns := make([]*serverConnection, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	states := make(map[string]ConnectionState, len(conns))
	for _, conn := range conns {
		states[conn.name] = conn.currentState()
	}
	return states
}

// Statuses returns a display-ready snapshot of every server, sorted by
// name, with per-server catalog counts filled in.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	conns := make([]*serverConnection, 0, len(m.servers))
	for _, conn := range m.servers {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	statuses := make([]ServerStatus, 0, len(conns))
	for _, conn := range conns {
		s := conn.status()
		s.Tools, s.Resources = m.catalog.counts(conn.name)
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// WatchCatalog subscribes to catalog changes and returns an opaque token
// for Unwatch. The callback runs synchronously on whichever goroutine
// changed the catalog, so it must return quickly. No Manager locks are
// held during delivery, so callbacks may query the Manager (Tools,
// Statuses) to inspect the state behind the event.
func (m *Manager) WatchCatalog(fn func(CatalogEvent)) string {
	token := uuid.NewString()
	m.watchMu.Lock()
	m.watchers[token] = fn
	m.watchMu.Unlock()
	return token
}

// Unwatch removes a subscription. Unknown tokens are ignored.
func (m *Manager) Unwatch(token string) {
	m.watchMu.Lock()
	delete(m.watchers, token)
	m.watchMu.Unlock()
}

func (m *Manager) emit(ev CatalogEvent) {
	m.watchMu.Lock()
	fns := make([]func(CatalogEvent), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
