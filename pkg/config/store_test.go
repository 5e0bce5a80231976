package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"github.com/jg-phare/mcpherd/pkg/mcp"
)

func TestStoreAddCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	cfg := mcp.ServerConfig{Command: "file-server", Args: []string{"--root", "/srv"}}
	if err := store.Add(context.Background(), "files", cfg); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	file, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got, ok := file.Servers["files"]
	if !ok {
		t.Fatal("files server not persisted")
	}
	if got.Command != "file-server" {
		t.Errorf("command = %q, want %q", got.Command, "file-server")
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after write")
	}
}

func TestStoreAddReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	store, _ := NewStore(path)
	ctx := context.Background()

	if err := store.Add(ctx, "files", mcp.ServerConfig{Command: "old-server"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Add(ctx, "files", mcp.ServerConfig{Command: "new-server"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	file, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := file.Servers["files"].Command; got != "new-server" {
		t.Errorf("command = %q, want %q", got, "new-server")
	}
	if len(file.Servers) != 1 {
		t.Errorf("got %d servers, want 1", len(file.Servers))
	}
}

func TestStoreAddEmptyName(t *testing.T) {
	store, _ := NewStore(filepath.Join(t.TempDir(), "mcpherd.json"))
	if err := store.Add(context.Background(), "", mcp.ServerConfig{Command: "x"}); err == nil {
		t.Fatal("expected error for empty server name")
	}
}

func TestStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	store, _ := NewStore(path)
	ctx := context.Background()

	if err := store.Add(ctx, "files", mcp.ServerConfig{Command: "file-server"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := store.Add(ctx, "web", mcp.ServerConfig{Command: "web-server"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := store.Remove(ctx, "files"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	file, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, ok := file.Servers["files"]; ok {
		t.Error("files server still present after Remove")
	}
	if _, ok := file.Servers["web"]; !ok {
		t.Error("web server lost by Remove")
	}
}

func TestStoreRemoveUnknown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	store, _ := NewStore(path)
	ctx := context.Background()

	if err := store.Add(ctx, "files", mcp.ServerConfig{Command: "file-server"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	err := store.Remove(ctx, "nope")
	if err == nil {
		t.Fatal("expected error for unknown server")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error = %v, want mention of not found", err)
	}
}

func TestStoreRejectsNonJSON(t *testing.T) {
	for _, name := range []string{"mcpherd.yaml", "mcpherd.toml", "mcpherd"} {
		if _, err := NewStore(filepath.Join(t.TempDir(), name)); err == nil {
			t.Errorf("NewStore(%s): expected error", name)
		}
	}
}

func TestStorePreservesEnvReferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	writeTestFile(t, path, `{
  "mcpServers": {
    "files": {"command": "$MCPHERD_KEEP_ME/bin/server"}
  }
}`)

	store, _ := NewStore(path)
	if err := store.Add(context.Background(), "web", mcp.ServerConfig{Command: "web-server"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(raw), "$MCPHERD_KEEP_ME") {
		t.Error("env reference was expanded during store update")
	}
}

func TestStoreLockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	store, _ := NewStore(path)

	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	defer fl.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := store.Add(ctx, "files", mcp.ServerConfig{Command: "file-server"})
	if !errors.Is(err, ErrLockTimeout) {
		t.Errorf("Add() error = %v, want ErrLockTimeout", err)
	}
}

// A lock sidecar that cannot be created is an I/O failure, not lock
// contention, and must surface as itself.
func TestStoreLockErrorNotTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent", "mcpherd.json")
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	err = store.Add(context.Background(), "files", mcp.ServerConfig{Command: "file-server"})
	if err == nil {
		t.Fatal("expected error when the lock sidecar cannot be created")
	}
	if errors.Is(err, ErrLockTimeout) {
		t.Errorf("lock I/O failure reported as lock timeout: %v", err)
	}
}

func TestStoreConcurrentAdds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcpherd.json")
	store, _ := NewStore(path)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("srv%d", i)
			errs[i] = store.Add(context.Background(), name, mcp.ServerConfig{Command: name})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Add(srv%d) error = %v", i, err)
		}
	}

	file, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(file.Servers) != 8 {
		t.Errorf("got %d servers, want 8", len(file.Servers))
	}
}
