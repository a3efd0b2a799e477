package mcpfleet

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport whose behaviour is driven by a
// script function invoked synchronously for every sent frame.
type fakeTransport struct {
	mu         sync.Mutex
	handlers   TransportHandlers
	sent       [][]byte
	closed     bool
	connectErr error
	script     func(f *fakeTransport, payload []byte)
}

func (f *fakeTransport) Connect(_ context.Context, h TransportHandlers) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.handlers = h
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrConnectionClosed
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	script := f.script
	f.mu.Unlock()
	if script != nil {
		script(f, payload)
	}
	return nil
}

func (f *fakeTransport) Close(context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) deliver(raw string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	h.OnMessage([]byte(raw))
}

func (f *fakeTransport) dropConnection(err error) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
}

func (f *fakeTransport) sentFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// sentEnvelope is the decoded shape of an outgoing frame.
type sentEnvelope struct {
	ID     *int64         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func decodeFrame(t *testing.T, raw []byte) sentEnvelope {
	t.Helper()
	var env sentEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode frame %s: %v", raw, err)
	}
	return env
}

// mcpScript answers initialize, tools/list, and tools/call like a
// well-behaved MCP server exposing the given tools.
func mcpScript(tools []ToolDef) func(*fakeTransport, []byte) {
	return func(f *fakeTransport, payload []byte) {
		var env sentEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.ID == nil {
			return
		}
		var result any
		switch env.Method {
		case methodInitialize:
			result = map[string]any{
				"protocolVersion": protocolVersion,
				"serverInfo":      map[string]any{"name": "scripted", "version": "1.2.3"},
				"capabilities":    map[string]any{},
			}
		case methodListTools:
			result = toolsListResult{Tools: tools}
		case methodCallTool:
			result = CallToolResult{Content: []ContentBlock{{Type: "text", Text: "ok"}}}
		default:
			raw, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0", "id": *env.ID,
				"error": map[string]any{"code": codeMethodNotFound, "message": "unknown method"},
			})
			f.deliver(string(raw))
			return
		}
		raw, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *env.ID, "result": result})
		f.deliver(string(raw))
	}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal: %v", err))
	}
	return string(raw)
}
