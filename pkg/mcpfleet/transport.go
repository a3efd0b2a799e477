package mcpfleet

import "context"

// TransportHandlers receives transport events. Callbacks are invoked
// sequentially from the transport's reader goroutine, so implementations
// must not block for long. Any handler may be nil.
type TransportHandlers struct {
	// OnMessage receives one complete JSON document per call.
	OnMessage func(payload []byte)
	// OnError receives recoverable faults such as malformed frames. The
	// connection stays up.
	OnError func(err error)
	// OnDisconnect fires once when the underlying channel goes away for
	// any reason other than an explicit Close. The error describes why.
	OnDisconnect func(err error)
	// OnStderr receives one line of subprocess diagnostic output. Only
	// stdio transports produce it; the text is never parsed as protocol.
	OnStderr func(line string)
}

// Transport is a byte/frame-level connection to one MCP server. A
// transport connects once; after Close (or a disconnect) it is done and a
// new instance must be built for the next connection attempt.
type Transport interface {
	// Connect establishes the underlying channel (spawns the subprocess
	// or dials the socket) and fails if already connected or if the
	// channel cannot be established before ctx expires.
	// Handlers are installed for the lifetime of the connection.
	Connect(ctx context.Context, handlers TransportHandlers) error

	// Send serializes one message atomically. Concurrent calls do not
	// interleave frames.
	Send(payload []byte) error

	// Close attempts graceful shutdown, then force-terminates when ctx
	// expires. Close suppresses the OnDisconnect callback.
	Close(ctx context.Context) error
}
