package mcpfleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// protocolVersion is the MCP protocol version advertised during the
// initialize handshake.
const protocolVersion = "2024-11-05"

// MCP method and notification names used by the engine.
const (
	methodInitialize   = "initialize"
	methodListTools    = "tools/list"
	methodCallTool     = "tools/call"
	methodPing         = "ping"
	notifInitialized   = "notifications/initialized"
	NotifToolsChanged  = "notifications/tools/list_changed"
	defaultDialTimeout = 30 * time.Second
)

// ToolDef is an MCP tool as returned by tools/list.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallToolResult is the result payload of a tools/call response.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDef `json:"tools"`
}

// ServerInfo identifies the remote implementation, from the initialize
// response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
	Capabilities    struct {
		Tools *struct{} `json:"tools,omitempty"`
	} `json:"capabilities"`
}

// NotificationHandler receives an incoming notification's method and raw
// params.
type NotificationHandler func(method string, params json.RawMessage)

// ClientConfig configures a protocol Client.
type ClientConfig struct {
	// ClientName and ClientVersion form the client identity sent during
	// the initialize handshake.
	ClientName    string
	ClientVersion string
	// RequestTimeout bounds every request issued through this client,
	// including the handshake. Zero means defaultDialTimeout.
	RequestTimeout time.Duration
	// Logger is the structured logger for protocol diagnostics.
	Logger *slog.Logger
}

// rpcOutcome is the single resolution of one in-flight request.
type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest tracks one in-flight request. An id is present in the
// client's pending map if and only if exactly one request is in flight
// for it; removal happens on response arrival or timeout, never both.
type pendingRequest struct {
	method string
	ch     chan rpcOutcome
	timer  *time.Timer
}

// Client is the protocol layer above one Transport. It assigns strictly
// increasing request ids, matches responses to requests regardless of
// arrival order, routes notifications by method name, and performs the
// initialize handshake on Connect.
type Client struct {
	transport Transport
	logger    *slog.Logger
	timeout   time.Duration
	info      ClientConfig

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]*pendingRequest
	closed  bool

	notifyMu        sync.RWMutex
	notifyHandlers  map[string][]NotificationHandler
	genericHandlers []NotificationHandler

	serverMu   sync.RWMutex
	serverInfo ServerInfo

	// Observers wired by the owning Server before Connect. Optional.
	onTransportError func(err error)
	onDisconnect     func(err error)
	onStderr         func(line string)
}

// NewClient creates a protocol client over the given transport. Connect
// must be called before issuing requests.
func NewClient(transport Transport, cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if cfg.ClientName == "" {
		cfg.ClientName = "mcpfleet"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "0.0.0"
	}
	return &Client{
		transport:      transport,
		logger:         logger,
		timeout:        timeout,
		info:           cfg,
		pending:        make(map[int64]*pendingRequest),
		notifyHandlers: make(map[string][]NotificationHandler),
	}
}

// Connect opens the transport and performs the initialize handshake plus
// the initialized notification. A handshake that does not complete
// within the request timeout fails the whole connect.
func (c *Client) Connect(ctx context.Context) error {
	handlers := TransportHandlers{
		OnMessage:    c.handleMessage,
		OnError:      c.forwardError,
		OnDisconnect: c.handleDisconnect,
		OnStderr:     c.forwardStderr,
	}
	if err := c.transport.Connect(ctx, handlers); err != nil {
		return err
	}

	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    c.info.ClientName,
			"version": c.info.ClientVersion,
		},
	}
	raw, err := c.Request(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Detail: fmt.Sprintf("decode initialize result: %v", err)}
	}

	c.serverMu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverMu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	if err := c.Notify(notifInitialized, nil); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// ServerInfo returns the identity reported during the handshake.
func (c *Client) ServerInfo() ServerInfo {
	c.serverMu.RLock()
	defer c.serverMu.RUnlock()
	return c.serverInfo
}

// Request allocates a strictly increasing id, sends the envelope, and
// waits for the matching response or the per-request timeout, whichever
// comes first. Every request reaches exactly one resolution.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(NewRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	p := &pendingRequest{method: method, ch: make(chan rpcOutcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	timeout := c.timeout
	p.timer = time.AfterFunc(timeout, func() {
		c.fail(id, &RequestTimeoutError{Method: method, Timeout: timeout})
	})
	defer p.timer.Stop()

	if err := c.transport.Send(payload); err != nil {
		c.take(id)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.take(id)
		return nil, ctx.Err()
	case out := <-p.ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	}
}

// Notify sends a fire-and-forget notification: no id, no pending entry.
func (c *Client) Notify(method string, params any) error {
	payload, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return c.transport.Send(payload)
}

// ListTools calls tools/list and returns the available tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]ToolDef, error) {
	raw, err := c.Request(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("decode tools/list result: %v", err)}
	}
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	raw, err := c.Request(ctx, methodCallTool, params)
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Detail: fmt.Sprintf("decode tools/call result: %v", err)}
	}
	return &result, nil
}

// Text joins the text content blocks of a tool result into one string.
// Non-text blocks are represented as inline markers.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// OnNotification registers a handler for a specific notification method.
// Handlers run in registration order from the transport's reader
// goroutine.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notifyHandlers[method] = append(c.notifyHandlers[method], handler)
}

// OnAnyNotification registers a generic handler that receives every
// notification whose method has no dedicated handler, so unrecognized
// methods are delivered rather than dropped.
func (c *Client) OnAnyNotification(handler NotificationHandler) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.genericHandlers = append(c.genericHandlers, handler)
}

// Close tears down the transport and rejects every pending request with
// ErrConnectionClosed. There is no partial cancellation of an individual
// in-flight call short of closing the whole connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.transport.Close(ctx)
	c.failAll(ErrConnectionClosed)
	return err
}

// handleMessage classifies and routes one incoming frame.
func (c *Client) handleMessage(payload []byte) {
	msg, err := parseMessage(payload)
	if err != nil {
		c.forwardError(&ProtocolError{Detail: err.Error()})
		return
	}

	switch msg.kind() {
	case kindResponse:
		c.resolve(msg)
	case kindNotification:
		c.dispatchNotification(msg.Method, msg.Params)
	case kindServerRequest:
		c.answerServerRequest(msg)
	default:
		c.forwardError(&ProtocolError{Detail: "frame is neither request, response, nor notification"})
	}
}

// resolve delivers a response to its pending request. A response for an
// unknown id is a protocol anomaly, not a crash.
func (c *Client) resolve(msg *incomingMessage) {
	p := c.take(*msg.ID)
	if p == nil {
		c.logger.Warn("response for unknown request id", "id", *msg.ID)
		c.forwardError(&ProtocolError{Detail: fmt.Sprintf("response for unknown id %d", *msg.ID)})
		return
	}
	if msg.Error != nil {
		p.ch <- rpcOutcome{err: msg.Error}
		return
	}
	p.ch <- rpcOutcome{result: msg.Result}
}

// dispatchNotification routes by method name, falling back to the
// generic handlers for methods nobody registered.
func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.notifyMu.RLock()
	handlers := append([]NotificationHandler(nil), c.notifyHandlers[method]...)
	generic := append([]NotificationHandler(nil), c.genericHandlers...)
	c.notifyMu.RUnlock()

	if len(handlers) == 0 {
		handlers = generic
	}
	for _, h := range handlers {
		h(method, params)
	}
}

// answerServerRequest handles the few requests a server may send us.
// Ping gets an empty result; everything else gets method-not-found.
func (c *Client) answerServerRequest(msg *incomingMessage) {
	resp := Response{JSONRPC: jsonrpcVersion, ID: *msg.ID}
	if msg.Method == methodPing {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &RPCError{Code: codeMethodNotFound, Message: fmt.Sprintf("method %q not supported", msg.Method)}
	}
	payload, err := json.Marshal(&resp)
	if err != nil {
		return
	}
	if err := c.transport.Send(payload); err != nil {
		c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
	}
}

// take removes and returns the pending entry for id, or nil when the id
// already resolved. Removal under the mutex guarantees exactly-once
// resolution.
func (c *Client) take(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// fail rejects one pending request.
func (c *Client) fail(id int64, err error) {
	if p := c.take(id); p != nil {
		p.ch <- rpcOutcome{err: err}
	}
}

// failAll rejects every pending request, used on disconnect and close.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- rpcOutcome{err: err}
	}
}

// PendingCount reports how many requests are currently in flight.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) handleDisconnect(err error) {
	c.failAll(ErrConnectionClosed)
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) forwardError(err error) {
	c.logger.Debug("transport fault", "error", err)
	if c.onTransportError != nil {
		c.onTransportError(err)
	}
}

func (c *Client) forwardStderr(line string) {
	if c.onStderr != nil {
		c.onStderr(line)
	}
}
