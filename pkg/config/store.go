package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/jg-phare/mcpherd/pkg/mcp"
)

const (
	lockTimeout  = 5 * time.Second
	lockInterval = 50 * time.Millisecond
)

// ErrLockTimeout is returned when the config file lock cannot be acquired
// within the acquisition timeout.
var ErrLockTimeout = errors.New("timed out waiting for config lock")

// Store mutates a JSON configuration document in place. Writers across
// processes are serialized through a flock sidecar next to the document,
// and every write replaces the file atomically (temp file + rename).
// YAML and TOML configs are read-only sources; the store rejects them.
type Store struct {
	path string
}

// NewStore returns a store for the JSON document at path.
func NewStore(path string) (*Store, error) {
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		return nil, fmt.Errorf("store requires a .json config, got %q", ext)
	}
	return &Store{path: path}, nil
}

// Path returns the document path the store writes to.
func (s *Store) Path() string { return s.path }

// Add inserts or replaces the descriptor for name. A missing document is
// created on first write.
func (s *Store) Add(ctx context.Context, name string, cfg mcp.ServerConfig) error {
	if name == "" {
		return errors.New("server name must not be empty")
	}
	return s.update(ctx, func(doc *document) error {
		doc.Servers[name] = cfg
		return nil
	})
}

// Remove deletes the descriptor for name. Removing an unknown name is an
// error so callers can surface typos.
func (s *Store) Remove(ctx context.Context, name string) error {
	return s.update(ctx, func(doc *document) error {
		if _, ok := doc.Servers[name]; !ok {
			return fmt.Errorf("server %q not found in %s", name, s.path)
		}
		delete(doc.Servers, name)
		return nil
	})
}

// update runs a locked read-modify-write cycle on the document. The raw
// bytes are decoded without environment expansion so stored $VAR
// references survive round trips.
func (s *Store) update(ctx context.Context, mutate func(*document) error) error {
	fl := flock.New(s.path + ".lock")
	ctx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fl.TryLockContext(ctx, lockInterval)
	if err != nil {
		// Context expiry is the poll giving up; anything else is a real
		// failure opening or locking the sidecar.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return ErrLockTimeout
		}
		return fmt.Errorf("lock config %s: %w", s.path, err)
	}
	if !locked {
		return ErrLockTimeout
	}
	defer fl.Unlock()

	doc := document{Servers: make(map[string]mcp.ServerConfig)}
	data, err := os.ReadFile(s.path)
	if err == nil {
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse config %s: %w", s.path, err)
		}
		if doc.Servers == nil {
			doc.Servers = make(map[string]mcp.ServerConfig)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read config: %w", err)
	}

	if err := mutate(&doc); err != nil {
		return err
	}

	out, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	out = append(out, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
