// Package mcpfleet manages a fleet of MCP (Model Context Protocol)
// servers from the client side: it spawns or dials each server, speaks
// JSON-RPC 2.0 over stdio or a socket, tracks per-server lifecycle and
// health, restarts crashed servers with exponential backoff, and
// maintains a TTL-cached catalogue of every tool the fleet exposes.
//
// The usual entry point is Manager:
//
//	mgr := mcpfleet.NewManager(mcpfleet.ManagerOptions{})
//	defer mgr.Close(context.Background())
//
//	cfg := mcpfleet.DefaultServerConfig()
//	cfg.ID = "files"
//	cfg.Transport = mcpfleet.TransportStdio
//	cfg.Command = "mcp-server-files"
//	if err := mgr.AddServer(ctx, cfg); err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := mgr.ExecuteToolCall(ctx, "files", "read_file",
//		map[string]any{"path": "/etc/hosts"})
//
// Individual Servers can also be used standalone via NewServer when no
// fleet-level registry or persistence is needed.
package mcpfleet
