// Package gateway exposes a fleet Manager over a small JSON HTTP API:
// server CRUD and lifecycle, the tool catalogue, and tool execution.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"

	"github.com/toolhost/mcpfleet/pkg/mcpfleet"
)

// Gateway serves the admin API for one Manager.
type Gateway struct {
	manager *mcpfleet.Manager
	opts    Options
	logger  *slog.Logger
	server  *http.Server
}

// New builds a gateway around the given manager.
func New(manager *mcpfleet.Manager, opts Options) *Gateway {
	opts = opts.withDefaults()
	g := &Gateway{
		manager: manager,
		opts:    opts,
		logger:  opts.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /servers", g.handleListServers)
	mux.HandleFunc("POST /servers", g.handleAddServer)
	mux.HandleFunc("POST /servers/test", g.handleTestServer)
	mux.HandleFunc("DELETE /servers/{id}", g.handleRemoveServer)
	mux.HandleFunc("POST /servers/{id}/start", g.handleStartServer)
	mux.HandleFunc("POST /servers/{id}/stop", g.handleStopServer)
	mux.HandleFunc("POST /servers/{id}/restart", g.handleRestartServer)
	mux.HandleFunc("GET /servers/{id}/tools", g.handleServerTools)
	mux.HandleFunc("POST /servers/{id}/tools/{tool}", g.handleCallTool)
	mux.HandleFunc("GET /tools", g.handleAllTools)
	mux.HandleFunc("POST /tools/refresh", g.handleRefreshTools)

	var handler http.Handler = mux
	if len(opts.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Content-Type"},
		}).Handler(handler)
	}

	g.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return g
}

// Handler returns the gateway's HTTP handler, for embedding in another
// server or for tests.
func (g *Gateway) Handler() http.Handler { return g.server.Handler }

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("gateway listening", "addr", g.opts.Addr)
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.server.Shutdown(shutdownCtx)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleListServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.manager.GetServerSummaries())
}

func (g *Gateway) handleAddServer(w http.ResponseWriter, r *http.Request) {
	cfg := mcpfleet.DefaultServerConfig()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, fmt.Errorf("decode body: %w", err))
		return
	}
	if err := g.manager.AddServer(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": cfg.ID})
}

func (g *Gateway) handleTestServer(w http.ResponseWriter, r *http.Request) {
	cfg := mcpfleet.DefaultServerConfig()
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, fmt.Errorf("decode body: %w", err))
		return
	}
	result, err := g.manager.TestServerConnection(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (g *Gateway) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	if err := g.manager.RemoveServer(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleStartServer(w http.ResponseWriter, r *http.Request) {
	g.lifecycle(w, r, g.manager.StartServer)
}

func (g *Gateway) handleStopServer(w http.ResponseWriter, r *http.Request) {
	g.lifecycle(w, r, g.manager.StopServer)
}

func (g *Gateway) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	g.lifecycle(w, r, g.manager.RestartServer)
}

func (g *Gateway) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	srv, err := g.manager.GetServer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     id,
		"status": srv.Status(),
		"health": srv.Health(),
	})
}

func (g *Gateway) handleServerTools(w http.ResponseWriter, r *http.Request) {
	tools, err := g.manager.GetServerTools(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tools)
}

func (g *Gateway) handleAllTools(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, http.StatusOK, g.manager.SearchTools(q))
		return
	}
	if c := r.URL.Query().Get("category"); c != "" {
		writeJSON(w, http.StatusOK, g.manager.GetToolsByCategory(c))
		return
	}
	writeJSON(w, http.StatusOK, g.manager.GetAllDiscoveredTools())
}

func (g *Gateway) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	tools, err := g.manager.RefreshAllTools(r.Context())
	if err != nil {
		g.logger.Warn("refresh all tools", "error", err)
	}
	writeJSON(w, http.StatusOK, tools)
}

func (g *Gateway) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var args map[string]any
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, fmt.Errorf("decode body: %w", err))
			return
		}
	}
	res, err := g.manager.ExecuteToolCall(r.Context(), r.PathValue("id"), r.PathValue("tool"), args)
	if err != nil && res == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the engine's error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		notFound   *mcpfleet.ServerNotFoundError
		notRunning *mcpfleet.ServerNotRunningError
		validation *mcpfleet.ValidationError
		toolErr    *mcpfleet.ToolExecutionError
		timeout    *mcpfleet.RequestTimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.As(err, &notRunning):
		status = http.StatusConflict
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	case errors.As(err, &toolErr):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
