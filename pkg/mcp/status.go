package mcp

// ServerStatus is an external view of one server's connection.
type ServerStatus struct {
	Name  string          `json:"name"`
	State ConnectionState `json:"state"`
	Info  *ServerInfo     `json:"serverInfo,omitempty"`
	Error string          `json:"error,omitempty"`

	// Tools and Resources count the catalog entries this server owns.
	Tools     int `json:"tools"`
	Resources int `json:"resources"`
}

// SyncResult reports what changed after a SyncServers call.
type SyncResult struct {
	Added   []string          `json:"added,omitempty"`
	Updated []string          `json:"updated,omitempty"`
	Removed []string          `json:"removed,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// CatalogOp names the kinds of catalog change a watcher can observe.
type CatalogOp string

const (
	// CatalogRefreshed: a server's listings were re-fetched and merged.
	CatalogRefreshed CatalogOp = "refreshed"

	// CatalogRemoved: a server was unregistered and its entries dropped.
	CatalogRemoved CatalogOp = "removed"

	// CatalogCleared: the whole catalog was emptied at shutdown.
	CatalogCleared CatalogOp = "cleared"
)

// CatalogEvent describes one change to the aggregated catalog. Server is
// empty when the event is not specific to one server.
type CatalogEvent struct {
	Op     CatalogOp `json:"op"`
	Server string    `json:"server,omitempty"`
}
