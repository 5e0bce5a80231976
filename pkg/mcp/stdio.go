package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// defaultRequestTimeout bounds every Send; a request with no matching
	// response by then fails with ErrRequestTimeout.
	defaultRequestTimeout = 30 * time.Second

	// terminateGrace is how long Close waits between SIGTERM and SIGKILL.
	terminateGrace = 5 * time.Second
)

// Scanner sizing for stdout/stderr lines (1 MB max JSON payload).
const (
	scanBufSize = 64 * 1024
	scanBufMax  = 1024 * 1024
)

// StdioConfig describes the subprocess behind a StdioTransport.
type StdioConfig struct {
	// Command is the executable to spawn.
	Command string

	// Args are passed to the command verbatim.
	Args []string

	// Env is overlaid on the parent environment; entries here win.
	Env map[string]string

	// RequestTimeout bounds each Send. Zero means the 30 s default.
	RequestTimeout time.Duration

	// Logger receives transport diagnostics. Nil means slog.Default().
	Logger *slog.Logger

	// OnNotification receives server-initiated messages (no id). It runs
	// on the read goroutine, so it must not block.
	OnNotification func(method string, params json.RawMessage)

	// OnExit runs exactly once, after the process has been reaped.
	OnExit func(err error)
}

// StdioTransport speaks newline-delimited JSON-RPC 2.0 with a child
// process over its stdin/stdout. Responses are correlated back to their
// requests by id; stderr is drained and logged, never parsed.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex // serializes stdin writes

	pendMu  sync.Mutex
	pending map[int64]chan *Response

	ioWG sync.WaitGroup // stdout + stderr readers
	done chan struct{}  // closed once the process is reaped

	closeOnce sync.Once
}

// NewStdioTransport spawns the configured command with stdin, stdout, and
// stderr piped and starts its read loops. The child inherits the parent
// environment plus cfg.Env.
func NewStdioTransport(cfg StdioConfig) (*StdioTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	t := &StdioTransport{
		cfg:     cfg,
		logger:  cfg.Logger,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[int64]chan *Response),
		done:    make(chan struct{}),
	}

	t.ioWG.Add(2)
	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go t.reap()

	return t, nil
}

// readLoop frames stdout into lines and dispatches each decoded message.
// The scanner reassembles partial chunks, so message boundaries never
// depend on how the pipe delivers bytes.
func (t *StdioTransport) readLoop(r io.Reader) {
	defer t.ioWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		t.dispatch(line)
	}
	if err := scanner.Err(); err != nil {
		t.logger.Debug("stdout read ended", "error", err)
	}
}

// dispatch routes one decoded line. Unparseable lines are dropped; only
// that line is lost, the stream continues.
func (t *StdioTransport) dispatch(line []byte) {
	msg, err := decodeMessage(line)
	if err != nil {
		t.logger.Warn("dropping unparseable line", "error", err, "line", truncateForLog(line))
		return
	}

	switch msg.kind {
	case kindNotification:
		if t.cfg.OnNotification == nil {
			t.logger.Debug("dropping notification", "method", msg.method)
			return
		}
		t.cfg.OnNotification(msg.method, msg.params)

	case kindResponse:
		t.pendMu.Lock()
		ch, ok := t.pending[msg.id]
		if ok {
			delete(t.pending, msg.id)
		}
		t.pendMu.Unlock()

		if !ok {
			// Late response: its request already timed out or was
			// never ours. Dropping it cannot affect other entries.
			t.logger.Debug("dropping response with no pending request", "id", msg.id)
			return
		}
		ch <- &Response{ID: msg.id, Result: msg.result, Error: msg.err}
	}
}

// drainStderr logs server diagnostics. Stderr is never protocol traffic
// and never affects connection state.
func (t *StdioTransport) drainStderr(r io.Reader) {
	defer t.ioWG.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scanBufSize), scanBufMax)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			t.logger.Debug("server stderr", "line", line)
		}
	}
}

// reap waits for both pipes to drain, collects the exit status, and then
// unblocks every in-flight Send via the done channel.
func (t *StdioTransport) reap() {
	t.ioWG.Wait()
	err := t.cmd.Wait()
	close(t.done)

	if err != nil {
		t.logger.Debug("server process exited", "error", err)
	} else {
		t.logger.Debug("server process exited")
	}
	if t.cfg.OnExit != nil {
		t.cfg.OnExit(err)
	}
}

// Send writes a request to stdin and blocks until the matching response
// arrives, the timeout fires, the context is cancelled, or the process
// exits. The pending entry is removed exactly once, whichever happens
// first; the losing outcome is a no-op.
func (t *StdioTransport) Send(ctx context.Context, req Request) (*Response, error) {
	if req.ID == nil {
		return nil, fmt.Errorf("request %q has no id; use Notify for notifications", req.Method)
	}
	id := *req.ID

	// Register before writing so a fast response cannot slip past.
	ch := make(chan *Response, 1)
	t.pendMu.Lock()
	t.pending[id] = ch
	t.pendMu.Unlock()

	if err := t.writeLine(req); err != nil {
		t.removePending(id)
		return nil, fmt.Errorf("send %s: %w", req.Method, err)
	}

	timer := time.NewTimer(t.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		t.removePending(id)
		// The response may have been delivered while the timer fired.
		select {
		case resp := <-ch:
			return resp, nil
		default:
		}
		return nil, fmt.Errorf("%s: %w after %s", req.Method, ErrRequestTimeout, t.cfg.RequestTimeout)
	case <-ctx.Done():
		t.removePending(id)
		return nil, ctx.Err()
	case <-t.done:
		t.removePending(id)
		return nil, fmt.Errorf("%s: %w", req.Method, ErrTransportClosed)
	}
}

// Notify writes a notification to stdin. It resolves once the write
// completes; no response is expected or awaited.
func (t *StdioTransport) Notify(_ context.Context, req Request) error {
	if req.ID != nil {
		return fmt.Errorf("notification %q must not carry an id", req.Method)
	}
	if err := t.writeLine(req); err != nil {
		return fmt.Errorf("notify %s: %w", req.Method, err)
	}
	return nil
}

// Close terminates the child: close stdin so a well-behaved server exits
// on EOF, SIGTERM, then SIGKILL if it is still alive five seconds later.
// Safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-t.done:
		case <-time.After(terminateGrace):
			t.logger.Warn("server ignored SIGTERM, killing")
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			<-t.done
		}
	})
	return nil
}

func (t *StdioTransport) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) removePending(id int64) {
	t.pendMu.Lock()
	delete(t.pending, id)
	t.pendMu.Unlock()
}

// pendingCount reports how many requests are awaiting responses.
func (t *StdioTransport) pendingCount() int {
	t.pendMu.Lock()
	defer t.pendMu.Unlock()
	return len(t.pending)
}

func truncateForLog(line []byte) string {
	const max = 200
	if len(line) <= max {
		return string(line)
	}
	return string(line[:max]) + "..."
}
