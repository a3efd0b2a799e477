package mcpfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, f *fakeTransport, cfg ClientConfig) *Client {
	t.Helper()
	c := NewClient(f, cfg)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestClientHandshake(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{script: mcpScript(nil)}
	c := newTestClient(t, f, ClientConfig{ClientName: "tester", ClientVersion: "9.9"})

	if got := c.ServerInfo().Name; got != "scripted" {
		t.Fatalf("server name = %q, want scripted", got)
	}

	frames := f.sentFrames()
	if len(frames) < 2 {
		t.Fatalf("sent %d frames, want at least 2", len(frames))
	}
	first := decodeFrame(t, frames[0])
	if first.Method != methodInitialize {
		t.Fatalf("first frame method = %q, want initialize", first.Method)
	}
	if info, _ := first.Params["clientInfo"].(map[string]any); info["name"] != "tester" {
		t.Fatalf("clientInfo = %v, want name tester", first.Params["clientInfo"])
	}
	second := decodeFrame(t, frames[1])
	if second.Method != notifInitialized || second.ID != nil {
		t.Fatalf("second frame = %+v, want initialized notification without id", second)
	}
}

func TestClientCorrelatesOutOfOrderResponses(t *testing.T) {
	t.Parallel()
	ids := make(chan int64, 2)
	f := &fakeTransport{}
	f.script = func(f *fakeTransport, payload []byte) {
		var env sentEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.ID == nil {
			return
		}
		if env.Method == methodInitialize {
			mcpScript(nil)(f, payload)
			return
		}
		ids <- *env.ID
	}
	c := newTestClient(t, f, ClientConfig{})

	type outcome struct {
		raw string
		err error
	}
	resA := make(chan outcome, 1)
	resB := make(chan outcome, 1)

	go func() {
		raw, err := c.Request(context.Background(), "alpha", nil)
		resA <- outcome{string(raw), err}
	}()
	idA := <-ids
	go func() {
		raw, err := c.Request(context.Background(), "beta", nil)
		resB <- outcome{string(raw), err}
	}()
	idB := <-ids

	// Resolve the second request first.
	f.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"who":"beta"}}`, idB))
	f.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{"who":"alpha"}}`, idA))

	a, b := <-resA, <-resB
	if a.err != nil || b.err != nil {
		t.Fatalf("request errors: %v / %v", a.err, b.err)
	}
	if a.raw != `{"who":"alpha"}` {
		t.Fatalf("first request got %s", a.raw)
	}
	if b.raw != `{"who":"beta"}` {
		t.Fatalf("second request got %s", b.raw)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending = %d after both resolved, want 0", n)
	}
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()
	ids := make(chan int64, 1)
	f := &fakeTransport{}
	f.script = func(f *fakeTransport, payload []byte) {
		var env sentEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.ID == nil {
			return
		}
		if env.Method == methodInitialize {
			mcpScript(nil)(f, payload)
			return
		}
		ids <- *env.ID
	}
	c := newTestClient(t, f, ClientConfig{RequestTimeout: 20 * time.Millisecond})

	var faults []error
	var faultMu sync.Mutex
	c.onTransportError = func(err error) {
		faultMu.Lock()
		faults = append(faults, err)
		faultMu.Unlock()
	}

	_, err := c.Request(context.Background(), "slow", nil)
	var timeoutErr *RequestTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v, want RequestTimeoutError", err)
	}
	if timeoutErr.Method != "slow" {
		t.Fatalf("timeout method = %q", timeoutErr.Method)
	}
	if n := c.PendingCount(); n != 0 {
		t.Fatalf("pending = %d after timeout, want 0", n)
	}

	// A late response for the timed-out id is an anomaly, not a crash.
	id := <-ids
	f.deliver(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, id))
	faultMu.Lock()
	defer faultMu.Unlock()
	if len(faults) == 0 {
		t.Fatal("late response produced no protocol error")
	}
	var protoErr *ProtocolError
	if !errors.As(faults[len(faults)-1], &protoErr) {
		t.Fatalf("fault = %v, want ProtocolError", faults[len(faults)-1])
	}
}

func TestClientUnknownResponseID(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{script: mcpScript(nil)}
	c := newTestClient(t, f, ClientConfig{})

	faults := make(chan error, 1)
	c.onTransportError = func(err error) {
		select {
		case faults <- err:
		default:
		}
	}

	f.deliver(`{"jsonrpc":"2.0","id":999,"result":{}}`)
	select {
	case err := <-faults:
		var protoErr *ProtocolError
		if !errors.As(err, &protoErr) {
			t.Fatalf("fault = %v, want ProtocolError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no protocol error for unknown id")
	}

	// Client still works afterwards.
	if _, err := c.ListTools(context.Background()); err != nil {
		t.Fatalf("list tools after anomaly: %v", err)
	}
}

func TestClientNotificationRouting(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{script: mcpScript(nil)}
	c := newTestClient(t, f, ClientConfig{})

	var mu sync.Mutex
	var specific, generic []string
	c.OnNotification(NotifToolsChanged, func(method string, _ json.RawMessage) {
		mu.Lock()
		specific = append(specific, method)
		mu.Unlock()
	})
	c.OnAnyNotification(func(method string, _ json.RawMessage) {
		mu.Lock()
		generic = append(generic, method)
		mu.Unlock()
	})

	f.deliver(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	f.deliver(`{"jsonrpc":"2.0","method":"notifications/resources/updated"}`)

	mu.Lock()
	defer mu.Unlock()
	if len(specific) != 1 || specific[0] != NotifToolsChanged {
		t.Fatalf("specific handler calls = %v", specific)
	}
	if len(generic) != 1 || generic[0] != "notifications/resources/updated" {
		t.Fatalf("generic handler calls = %v", generic)
	}
}

func TestClientAnswersServerPing(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{script: mcpScript(nil)}
	newTestClient(t, f, ClientConfig{})

	f.deliver(`{"jsonrpc":"2.0","id":7,"method":"ping"}`)

	frames := f.sentFrames()
	last := frames[len(frames)-1]
	var resp struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(last, &resp); err != nil {
		t.Fatalf("decode ping reply: %v", err)
	}
	if resp.ID != 7 || resp.Error != nil || string(resp.Result) != `{}` {
		t.Fatalf("ping reply = %s", last)
	}
}

func TestClientCloseRejectsPending(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	f.script = func(f *fakeTransport, payload []byte) {
		var env sentEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.ID == nil {
			return
		}
		if env.Method == methodInitialize {
			mcpScript(nil)(f, payload)
		}
	}
	c := NewClient(f, ClientConfig{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "hang", nil)
		errCh <- err
	}()
	waitFor(t, time.Second, "request in flight", func() bool { return c.PendingCount() == 1 })

	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-errCh; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("pending request err = %v, want ErrConnectionClosed", err)
	}
	if _, err := c.Request(context.Background(), "after", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("request after close err = %v, want ErrConnectionClosed", err)
	}
}

func TestClientDisconnectRejectsPending(t *testing.T) {
	t.Parallel()
	f := &fakeTransport{}
	f.script = func(f *fakeTransport, payload []byte) {
		var env sentEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.ID == nil {
			return
		}
		if env.Method == methodInitialize {
			mcpScript(nil)(f, payload)
		}
	}
	c := newTestClient(t, f, ClientConfig{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "hang", nil)
		errCh <- err
	}()
	waitFor(t, time.Second, "request in flight", func() bool { return c.PendingCount() == 1 })

	f.dropConnection(errors.New("peer went away"))
	if err := <-errCh; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("pending request err = %v, want ErrConnectionClosed", err)
	}
}

func TestClientListAndCallTools(t *testing.T) {
	t.Parallel()
	tools := []ToolDef{{Name: "search", Description: "find things"}}
	f := &fakeTransport{script: mcpScript(tools)}
	c := newTestClient(t, f, ClientConfig{})

	got, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(got) != 1 || got[0].Name != "search" {
		t.Fatalf("tools = %+v", got)
	}

	res, err := c.CallTool(context.Background(), "search", map[string]any{"q": "x"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if res.Text() != "ok" {
		t.Fatalf("result text = %q", res.Text())
	}
}
