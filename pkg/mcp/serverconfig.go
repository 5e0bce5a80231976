package mcp

// ServerConfig describes how to launch and talk to one MCP server.
type ServerConfig struct {
	// Transport selects the wire mechanism. Empty means stdio.
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty" toml:"transport,omitempty"`

	// Command is the executable to spawn for stdio servers.
	Command string `json:"command" yaml:"command" toml:"command"`

	// Args are passed to the command verbatim.
	Args []string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`

	// Env is merged over the inherited environment; entries here win.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`

	// Disabled servers keep their configuration but are never spawned.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled,omitempty"`

	// Settings carries server-specific options that mcpherd stores but
	// does not interpret.
	Settings map[string]any `json:"settings,omitempty" yaml:"settings,omitempty" toml:"settings,omitempty"`
}

// transportOrDefault normalizes the transport field.
func (c ServerConfig) transportOrDefault() string {
	if c.Transport == "" {
		return TransportStdio
	}
	return c.Transport
}
