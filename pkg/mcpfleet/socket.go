package mcpfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketConfig configures a persistent websocket transport to a remote
// MCP server. Each protocol message is one JSON document in one frame.
type SocketConfig struct {
	// URL is the server endpoint. http/https schemes are rewritten to
	// ws/wss.
	URL string
	// Headers are additional HTTP headers sent with the dial request
	// (e.g. Authorization).
	Headers map[string]string
	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// SocketTransport speaks JSON-RPC over a persistent websocket.
type SocketTransport struct {
	config   SocketConfig
	logger   *slog.Logger
	handlers TransportHandlers

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
	started bool
}

// NewSocketTransport creates a websocket transport for the given config.
// The connection is dialed by Connect.
func NewSocketTransport(cfg SocketConfig) *SocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketTransport{
		config: cfg,
		logger: logger.With("transport", "socket", "url", cfg.URL),
	}
}

// socketURL rewrites http(s) schemes to ws(s) so configs can carry either.
func socketURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	default:
		return raw
	}
}

// Connect dials the websocket endpoint and starts the reader goroutine.
func (t *SocketTransport) Connect(ctx context.Context, handlers TransportHandlers) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return &ConnectionError{Op: "connect", Err: errors.New("already connected")}
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, socketURL(t.config.URL), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("dial %s: %w", t.config.URL, err)}
	}

	t.conn = conn
	t.handlers = handlers
	t.started = true

	go t.readLoop(conn)

	t.logger.Info("socket connected")
	return nil
}

// readLoop delivers one JSON document per websocket frame.
func (t *SocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if !closing {
				t.logger.Warn("socket read failed", "error", err)
				if t.handlers.OnDisconnect != nil {
					t.handlers.OnDisconnect(&ConnectionError{Op: "read", Err: err})
				}
			}
			return
		}
		if !json.Valid(data) {
			if t.handlers.OnError != nil {
				t.handlers.OnError(&ProtocolError{Detail: fmt.Sprintf("malformed frame: %.120s", data)})
			}
			continue
		}
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(data)
		}
	}
}

// Send writes one message as a single text frame.
func (t *SocketTransport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrConnectionClosed
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Close sends a close frame, then tears the connection down.
func (t *SocketTransport) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil || t.closing {
		return nil
	}
	t.closing = true

	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := t.conn.Close()
	t.conn = nil
	return err
}
