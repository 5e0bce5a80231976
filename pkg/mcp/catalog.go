package mcp

import (
	"sort"
	"sync"
)

// catalog is the aggregated view of every connected server's tools and
// resources. Tools are keyed by name and resources by URI; identity is
// global, so when two servers expose the same key the last writer wins.
type catalog struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	resources map[string]Resource
}

func newCatalog() *catalog {
	return &catalog{
		tools:     make(map[string]Tool),
		resources: make(map[string]Resource),
	}
}

// setServerTools replaces one server's tool listing. Entries the server
// no longer reports are dropped; entries another server has since
// claimed under the same name are left to that server.
func (c *catalog) setServerTools(server string, tools []Tool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, t := range c.tools {
		if t.ServerName == server {
			delete(c.tools, name)
		}
	}
	for _, t := range tools {
		t.ServerName = server
		c.tools[t.Name] = t
	}
}

// setServerResources is setServerTools for the resource map.
func (c *catalog) setServerResources(server string, resources []Resource) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for uri, r := range c.resources {
		if r.ServerName == server {
			delete(c.resources, uri)
		}
	}
	for _, r := range resources {
		r.ServerName = server
		c.resources[r.URI] = r
	}
}

// removeServer drops every entry owned by the named server.
func (c *catalog) removeServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for name, t := range c.tools {
		if t.ServerName == server {
			delete(c.tools, name)
		}
	}
	for uri, r := range c.resources {
		if r.ServerName == server {
			delete(c.resources, uri)
		}
	}
}

// clear empties both maps. Used at shutdown.
func (c *catalog) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = make(map[string]Tool)
	c.resources = make(map[string]Resource)
}

func (c *catalog) tool(name string) (Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

func (c *catalog) resource(uri string) (Resource, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.resources[uri]
	return r, ok
}

// allTools returns a name-sorted snapshot.
func (c *catalog) allTools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// allResources returns a URI-sorted snapshot.
func (c *catalog) allResources() []Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Resource, 0, len(c.resources))
	for _, r := range c.resources {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// counts reports how many catalog entries the named server owns.
func (c *catalog) counts(server string) (tools, resources int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.tools {
		if t.ServerName == server {
			tools++
		}
	}
	for _, r := range c.resources {
		if r.ServerName == server {
			resources++
		}
	}
	return tools, resources
}
