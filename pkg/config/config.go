// Package config loads, persists, and watches mcpherd server configuration
// files. A configuration document maps server names to launch descriptors
// under a top-level "mcpServers" key and may be written in JSON, YAML, or
// TOML; the format is chosen by file extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/jg-phare/mcpherd/pkg/mcp"
)

// File is a loaded configuration document.
type File struct {
	// Path is the file the document was loaded from.
	Path string

	// Servers maps server names to their launch descriptors.
	Servers map[string]mcp.ServerConfig
}

// document is the on-disk shape shared by all three formats.
type document struct {
	Servers map[string]mcp.ServerConfig `json:"mcpServers" yaml:"mcpServers" toml:"mcpServers"`
}

// Load reads and decodes the configuration file at path. Environment
// variable references ($VAR or ${VAR}) are expanded before decoding, so
// values like "${HOME}/bin/server" resolve at load time.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var doc document
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal([]byte(expanded), &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal([]byte(expanded), &doc); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (want .json, .yaml, .yml, or .toml)", ext)
	}

	if doc.Servers == nil {
		doc.Servers = make(map[string]mcp.ServerConfig)
	}

	return &File{Path: path, Servers: doc.Servers}, nil
}

// DefaultSearchPaths returns candidate configuration locations in priority
// order: the working directory first, then the user config directory.
func DefaultSearchPaths() []string {
	paths := []string{
		"mcpherd.json",
		"mcpherd.yaml",
		"mcpherd.toml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "mcpherd", "config.json"),
			filepath.Join(home, ".config", "mcpherd", "config.yaml"),
			filepath.Join(home, ".config", "mcpherd", "config.toml"),
		)
	}

	return paths
}

// Resolve picks the configuration file to use. When explicit is non-empty
// it must exist; otherwise the first existing default search path wins.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	searched := DefaultSearchPaths()
	for _, path := range searched {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searched)
}
