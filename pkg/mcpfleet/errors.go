package mcpfleet

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConnectionClosed rejects every request still pending when a client's
// transport goes away. Callers can match it with errors.Is.
var ErrConnectionClosed = errors.New("mcpfleet: connection closed")

// ValidationError reports every problem found in a ServerConfig. Configs
// are validated as a unit before any process spawns, so a non-nil
// ValidationError always means nothing was registered or started.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mcpfleet: invalid server config: %s", strings.Join(e.Problems, "; "))
}

// ConnectionError wraps a transport-level failure (spawn, dial, read,
// write). It drives the owning Server toward crashed/failed rather than
// surfacing from manager bulk operations.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mcpfleet: connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed or unmatched JSON-RPC envelope. It is
// surfaced through error listeners, never by terminating the connection.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcpfleet: protocol error: %s", e.Detail)
}

// RequestTimeoutError means a single in-flight call exceeded its deadline.
// The pending entry is removed before this error is returned, so the same
// id can never also resolve with a response.
type RequestTimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("mcpfleet: request %q timed out after %s", e.Method, e.Timeout)
}

// ToolExecutionError means the remote tool reported a failure. It carries
// the server and tool identifiers so callers can attribute the failure
// without holding extra context. Tool failures are never retried
// automatically; only connection-level failures feed the restart policy.
type ToolExecutionError struct {
	ServerID string
	Tool     string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("mcpfleet: tool %q on server %q: %v", e.Tool, e.ServerID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ServerNotFoundError is a manager-level routing failure for an unknown
// server id.
type ServerNotFoundError struct {
	ID string
}

func (e *ServerNotFoundError) Error() string {
	return fmt.Sprintf("mcpfleet: unknown server %q", e.ID)
}

// ServerNotRunningError is a manager-level routing failure for a server
// that is registered but not in the running state.
type ServerNotRunningError struct {
	ID     string
	Status ServerStatus
}

func (e *ServerNotRunningError) Error() string {
	return fmt.Sprintf("mcpfleet: server %q is not running (status %s)", e.ID, e.Status)
}
