package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Full lifecycle against a real subprocess: initialize → catalog filled →
// call → read → shutdown → catalog cleared.
func TestIntegration_ManagerLifecycle(t *testing.T) {
	script := echoServerScript(t)

	m := NewManager(map[string]ServerConfig{
		"echo": {Command: "go", Args: []string{"run", script}},
	}, WithRequestTimeout(25*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	if state, _ := m.State("echo"); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}

	tool, ok := m.Tool("ping")
	if !ok {
		t.Fatal("expected ping in catalog")
	}
	if tool.ServerName != "echo" {
		t.Errorf("owner: got %q, want echo", tool.ServerName)
	}

	result, err := m.CallTool(ctx, "ping", map[string]any{"payload": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "pong" {
		t.Errorf("unexpected result: %+v", result)
	}

	resources, err := m.ListResources(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(resources) != 1 || resources[0].URI != "mem://greeting" {
		t.Fatalf("unexpected resources: %+v", resources)
	}

	value, ok, err := m.ReadResource(ctx, "mem://greeting")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || value != "hello from echo" {
		t.Errorf("resource read: got (%q, %v)", value, ok)
	}

	statuses := m.Statuses()
	if len(statuses) != 1 || statuses[0].Tools != 1 || statuses[0].Resources != 1 {
		t.Errorf("unexpected statuses: %+v", statuses)
	}
	if statuses[0].Info == nil || statuses[0].Info.Name != "echo" {
		t.Errorf("expected server info, got %+v", statuses[0].Info)
	}

	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if state, _ := m.State("echo"); state != StateDisconnected {
		t.Errorf("expected disconnected after shutdown, got %s", state)
	}
	if len(m.Tools()) != 0 {
		t.Error("catalog should be empty after shutdown")
	}
}

// A server process that dies takes its connection to Disconnected; its
// catalog entries stay but calls fail fast.
func TestIntegration_ServerExit(t *testing.T) {
	script := echoServerScript(t)

	m := NewManager(map[string]ServerConfig{
		"echo": {Command: "go", Args: []string{"run", script}},
	})
	defer m.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if state, _ := m.State("echo"); state != StateConnected {
		t.Fatalf("expected connected, got %s", state)
	}

	m.mu.Lock()
	conn := m.servers["echo"]
	m.mu.Unlock()

	if _, err := conn.send(ctx, "test/quit", nil); err == nil {
		t.Fatal("expected error from dying server")
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		if state, _ := m.State("echo"); state == StateDisconnected {
			break
		}
		if time.Now().After(deadline) {
			state, _ := m.State("echo")
			t.Fatalf("expected disconnected after exit, still %s", state)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, ok := m.Tool("ping"); !ok {
		t.Error("catalog entry should survive the exit")
	}
	if _, err := m.CallTool(ctx, "ping", nil); !errors.Is(err, ErrServerNotConnected) {
		t.Errorf("expected ErrServerNotConnected, got %v", err)
	}
}

// One unstartable server must not keep the healthy one from coming up.
func TestIntegration_MixedGoodAndBad(t *testing.T) {
	script := echoServerScript(t)

	m := NewManager(map[string]ServerConfig{
		"echo": {Command: "go", Args: []string{"run", script}},
		"bad":  {Command: "/nonexistent/not_a_real_binary_zzz"},
	})
	defer m.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize must not fail on per-server errors: %v", err)
	}

	states := m.States()
	if states["echo"] != StateConnected {
		t.Errorf("echo: got %s, want connected", states["echo"])
	}
	if states["bad"] != StateError {
		t.Errorf("bad: got %s, want error", states["bad"])
	}

	result, err := m.CallTool(ctx, "ping", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Content[0].Text != "pong" {
		t.Errorf("unexpected result: %+v", result)
	}
}

// Registering a server on a live manager connects it immediately;
// unregistering dismantles it.
func TestIntegration_RegisterUnregisterLive(t *testing.T) {
	script := echoServerScript(t)

	m := NewManager(nil)
	defer m.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := m.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if len(m.Tools()) != 0 {
		t.Fatal("expected empty catalog")
	}

	err := m.RegisterServer(ctx, "echo", ServerConfig{Command: "go", Args: []string{"run", script}})
	if err != nil {
		t.Fatal(err)
	}

	if state, _ := m.State("echo"); state != StateConnected {
		t.Fatalf("expected connected after register, got %s", state)
	}
	if _, ok := m.Tool("ping"); !ok {
		t.Fatal("expected ping after register")
	}

	if err := m.UnregisterServer("echo"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.State("echo"); ok {
		t.Error("descriptor should be gone")
	}
	if _, ok := m.Tool("ping"); ok {
		t.Error("catalog entries should be gone")
	}
}
