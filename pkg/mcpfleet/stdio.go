package mcpfleet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// StdioConfig configures a stdio transport that communicates with a
// subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string
	// Args are command-line arguments passed to the executable.
	Args []string
	// Env are additional environment variables for the subprocess,
	// appended to the current process environment.
	Env map[string]string
	// Dir is the working directory for the subprocess. Empty means the
	// current directory.
	Dir string
	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a local subprocess. Messages are
// newline-delimited JSON on stdin/stdout; the subprocess's stderr is
// forwarded line-wise as unstructured diagnostic text.
type StdioTransport struct {
	config   StdioConfig
	logger   *slog.Logger
	handlers TransportHandlers

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	closing bool
	started bool
	exited  chan struct{}
}

// NewStdioTransport creates a stdio transport for the given config. The
// subprocess is spawned by Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger.With("transport", "stdio", "command", cfg.Command),
		exited: make(chan struct{}),
	}
}

// Connect spawns the subprocess and starts the reader goroutines. It
// fails if the transport was already connected.
func (t *StdioTransport) Connect(ctx context.Context, handlers TransportHandlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return &ConnectionError{Op: "connect", Err: errors.New("already connected")}
	}
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Dir = t.config.Dir
	if len(t.config.Env) > 0 {
		env := os.Environ()
		for k, v := range t.config.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("start subprocess %s: %w", t.config.Command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.handlers = handlers
	t.started = true

	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go t.waitExit()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// PID returns the subprocess pid, or 0 when not connected.
func (t *StdioTransport) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// readLoop reads newline-delimited frames from stdout. bufio buffers a
// partial line at the end of a read and combines it with the next one.
// Malformed lines are reported through OnError without terminating the
// connection.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	reader := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			t.deliver(line)
		}
		if err != nil {
			return
		}
	}
}

func (t *StdioTransport) deliver(line []byte) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return
	}
	if !json.Valid([]byte(trimmed)) {
		t.logger.Debug("discarding malformed frame from subprocess", "line", trimmed)
		if t.handlers.OnError != nil {
			t.handlers.OnError(&ProtocolError{Detail: fmt.Sprintf("malformed frame: %.120s", trimmed)})
		}
		return
	}
	if t.handlers.OnMessage != nil {
		t.handlers.OnMessage([]byte(trimmed))
	}
}

// drainStderr forwards stderr lines as diagnostic text.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logger.Debug("MCP subprocess stderr", "line", line)
		if t.handlers.OnStderr != nil {
			t.handlers.OnStderr(line)
		}
	}
}

// waitExit reaps the subprocess and reports unexpected exits.
func (t *StdioTransport) waitExit() {
	err := t.cmd.Wait()

	t.mu.Lock()
	closing := t.closing
	t.stdin = nil
	close(t.exited)
	t.mu.Unlock()

	if closing {
		return
	}
	if err == nil {
		err = errors.New("subprocess exited")
	}
	t.logger.Warn("MCP subprocess exited unexpectedly", "error", err)
	if t.handlers.OnDisconnect != nil {
		t.handlers.OnDisconnect(&ConnectionError{Op: "process", Err: err})
	}
}

// Send writes one frame followed by the newline delimiter. The mutex
// keeps concurrent frames from interleaving.
func (t *StdioTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stdin == nil {
		return ErrConnectionClosed
	}
	if _, err := t.stdin.Write(append(payload, '\n')); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Close signals the subprocess to exit by closing stdin, waits for it
// under the ctx deadline, then force-kills.
func (t *StdioTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.started || t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}
	cmd := t.cmd
	exited := t.exited
	t.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-exited
		return nil
	}
}
