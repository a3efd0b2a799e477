package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/toolhost/mcpfleet/pkg/mcpfleet"
)

// mcpFixture serves a minimal MCP server over a websocket so the gateway
// can manage a real running server in tests.
func mcpFixture(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				ID     *int64 `json:"id"`
				Method string `json:"method"`
			}
			if json.Unmarshal(data, &env) != nil || env.ID == nil {
				continue
			}
			var result any
			switch env.Method {
			case "initialize":
				result = map[string]any{
					"protocolVersion": "2024-11-05",
					"serverInfo":      map[string]any{"name": "fixture", "version": "0.1"},
					"capabilities":    map[string]any{},
				}
			case "tools/list":
				result = map[string]any{"tools": []map[string]any{
					{"name": "remote_search", "description": "find things"},
				}}
			case "tools/call":
				result = map[string]any{"content": []map[string]any{{"type": "text", "text": "fixture-ok"}}}
			default:
				continue
			}
			resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": *env.ID, "result": result})
			if conn.WriteMessage(websocket.TextMessage, resp) != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestGateway(t *testing.T) (*httptest.Server, *mcpfleet.Manager) {
	t.Helper()
	manager := mcpfleet.NewManager(mcpfleet.ManagerOptions{ClientName: "gateway-test"})
	t.Cleanup(func() { manager.Close(context.Background()) })
	gw := New(manager, Options{})
	api := httptest.NewServer(gw.Handler())
	t.Cleanup(api.Close)
	return api, manager
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, raw
}

func TestGatewayHealth(t *testing.T) {
	t.Parallel()
	api, _ := newTestGateway(t)
	resp, raw := doJSON(t, http.MethodGet, api.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.Unmarshal(raw, &body); err != nil || body["status"] != "ok" {
		t.Fatalf("body = %s", raw)
	}
}

func TestGatewayRejectsInvalidServer(t *testing.T) {
	t.Parallel()
	api, _ := newTestGateway(t)
	resp, raw := doJSON(t, http.MethodPost, api.URL+"/servers", map[string]any{"id": "bad", "transport": "stdio"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}
}

func TestGatewayUnknownServerIs404(t *testing.T) {
	t.Parallel()
	api, _ := newTestGateway(t)
	resp, _ := doJSON(t, http.MethodPost, api.URL+"/servers/ghost/start", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, api.URL+"/servers/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete status = %d, want 404", resp.StatusCode)
	}
}

func TestGatewayServerLifecycleAndTools(t *testing.T) {
	t.Parallel()
	fixture := mcpFixture(t)
	api, _ := newTestGateway(t)

	cfg := map[string]any{
		"id":        "remote",
		"transport": "socket",
		"url":       fixture.URL,
	}
	resp, raw := doJSON(t, http.MethodPost, api.URL+"/servers", cfg)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d, body = %s", resp.StatusCode, raw)
	}

	resp, raw = doJSON(t, http.MethodGet, api.URL+"/servers", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	var summaries []mcpfleet.ServerSummary
	if err := json.Unmarshal(raw, &summaries); err != nil {
		t.Fatalf("decode summaries: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Status != mcpfleet.StatusRunning {
		t.Fatalf("summaries = %s", raw)
	}

	resp, raw = doJSON(t, http.MethodGet, api.URL+"/servers/remote/tools", nil)
	var tools []mcpfleet.ToolRecord
	if err := json.Unmarshal(raw, &tools); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "remote_search" {
		t.Fatalf("tools = %s", raw)
	}

	resp, raw = doJSON(t, http.MethodPost, api.URL+"/servers/remote/tools/remote_search", map[string]any{"q": "x"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("call status = %d, body = %s", resp.StatusCode, raw)
	}
	var result mcpfleet.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Text() != "fixture-ok" {
		t.Fatalf("call result = %s", raw)
	}

	resp, raw = doJSON(t, http.MethodGet, api.URL+"/tools?q=search", nil)
	var found []mcpfleet.ToolRecord
	if err := json.Unmarshal(raw, &found); err != nil || len(found) != 1 {
		t.Fatalf("search result = %s", raw)
	}

	resp, raw = doJSON(t, http.MethodPost, api.URL+"/servers/remote/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	var state map[string]any
	if err := json.Unmarshal(raw, &state); err != nil || state["status"] != "stopped" {
		t.Fatalf("stop body = %s", raw)
	}

	// A stopped server rejects tool calls with 409.
	resp, _ = doJSON(t, http.MethodPost, api.URL+"/servers/remote/tools/remote_search", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("call on stopped server status = %d, want 409", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, api.URL+"/servers/remote", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
}

func TestGatewayConnectionTest(t *testing.T) {
	t.Parallel()
	fixture := mcpFixture(t)
	api, _ := newTestGateway(t)

	resp, raw := doJSON(t, http.MethodPost, api.URL+"/servers/test", map[string]any{
		"id": "candidate", "transport": "socket", "url": fixture.URL,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}
	var result mcpfleet.ConnectionTestResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.OK || result.ToolCount != 1 {
		t.Fatalf("result = %+v", result)
	}
}
