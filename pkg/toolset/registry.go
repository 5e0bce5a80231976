// Package toolset projects the aggregated MCP catalog into prefixed proxy
// tools an agent or LLM host can register alongside its built-ins. The
// registry mirrors the catalog: binding seeds it, and catalog events keep
// it in sync as servers connect, refresh, and disappear.
package toolset

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/jg-phare/mcpherd/pkg/mcp"
)

// Catalog is the slice of the MCP manager the registry consumes.
type Catalog interface {
	Tools() []mcp.Tool
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.ToolResult, error)
	WatchCatalog(fn func(mcp.CatalogEvent)) string
	Unwatch(token string)
}

// Definition is the schema-bearing form handed to LLM hosts.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Registry holds the current projection of the catalog.
type Registry struct {
	filter filter

	mu     sync.Mutex
	source Catalog
	token  string
	tools  map[string]*Tool
}

// Option configures a Registry.
type Option func(*Registry)

// WithInclude restricts the registry to tools whose "server/tool" path
// matches at least one doublestar pattern.
func WithInclude(patterns ...string) Option {
	return func(r *Registry) {
		r.filter.include = append(r.filter.include, patterns...)
	}
}

// WithExclude drops tools whose "server/tool" path matches any doublestar
// pattern. Excludes win over includes.
func WithExclude(patterns ...string) Option {
	return func(r *Registry) {
		r.filter.exclude = append(r.filter.exclude, patterns...)
	}
}

// NewRegistry creates an empty, unbound registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools: make(map[string]*Tool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Bind attaches the registry to a catalog source, subscribes to its
// change events, and seeds the projection from the current catalog.
// Binding a second source releases the first.
func (r *Registry) Bind(source Catalog) {
	r.mu.Lock()
	prev, prevToken := r.source, r.token
	r.source = source
	r.token = ""
	r.mu.Unlock()

	if prev != nil && prevToken != "" {
		prev.Unwatch(prevToken)
	}

	// Subscribe before seeding so a refresh landing in between still
	// triggers a resync rather than being lost.
	token := source.WatchCatalog(func(mcp.CatalogEvent) { r.resync() })

	r.mu.Lock()
	r.token = token
	r.mu.Unlock()

	r.resync()
}

// Close unsubscribes from the catalog and empties the projection.
func (r *Registry) Close() {
	r.mu.Lock()
	source, token := r.source, r.token
	r.source = nil
	r.token = ""
	r.tools = make(map[string]*Tool)
	r.mu.Unlock()

	if source != nil && token != "" {
		source.Unwatch(token)
	}
}

// resync rebuilds the projection wholesale from the source catalog.
// Events carry no payload, so every change is a full rebuild; catalogs
// are small enough that this stays cheap.
func (r *Registry) resync() {
	r.mu.Lock()
	source := r.source
	r.mu.Unlock()
	if source == nil {
		return
	}

	next := make(map[string]*Tool)
	for _, t := range source.Tools() {
		if !r.filter.allow(t.ServerName, t.Name) {
			continue
		}
		proxy := &Tool{
			server:      t.ServerName,
			tool:        t.Name,
			description: t.Description,
			schema:      t.InputSchema,
			annotations: t.Annotations,
			source:      source,
		}
		next[proxy.Name()] = proxy
	}

	r.mu.Lock()
	// A Close or re-Bind may have raced the rebuild; only install the
	// projection if it still belongs to the current source.
	if r.source == source {
		r.tools = next
	}
	r.mu.Unlock()
}

// Get retrieves a proxy tool by its prefixed name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all projected tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of projected tools.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// Definitions returns host-ready definitions for all projected tools,
// sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.Lock()
	tools := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	r.mu.Unlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })

	defs := make([]Definition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}
