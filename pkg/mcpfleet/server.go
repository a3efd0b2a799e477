package mcpfleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerStatus is the single authoritative lifecycle state of a Server,
// mutated only by the Server itself. Every transition is announced with
// (new, previous).
type ServerStatus string

const (
	StatusStopped    ServerStatus = "stopped"
	StatusStarting   ServerStatus = "starting"
	StatusRunning    ServerStatus = "running"
	StatusStopping   ServerStatus = "stopping"
	StatusCrashed    ServerStatus = "crashed"
	StatusFailed     ServerStatus = "failed"
	StatusRestarting ServerStatus = "restarting"
)

// ServerHealth is an axis independent of status: a running server can be
// unhealthy while its connection is still up. Health is unknown whenever
// the server is not running.
type ServerHealth string

const (
	HealthHealthy   ServerHealth = "healthy"
	HealthUnhealthy ServerHealth = "unhealthy"
	HealthUnknown   ServerHealth = "unknown"
)

// ServerStats is a snapshot of per-server counters. RestartCount resets
// to 0 only on a start that completes successfully; the other counters
// are monotone for the life of the Server.
type ServerStats struct {
	PID           int       `json:"pid,omitempty"`
	StartTime     time.Time `json:"startTime,omitzero"`
	RestartCount  int       `json:"restartCount"`
	LastRestart   time.Time `json:"lastRestart,omitzero"`
	ToolCount     int       `json:"toolCount"`
	ToolCallCount int64     `json:"toolCallCount"`
	ErrorCount    int64     `json:"errorCount"`
	LastError     string    `json:"lastError,omitempty"`
}

// RestartEvent describes one scheduled automatic restart.
type RestartEvent struct {
	ServerID string
	Attempt  int
	Delay    time.Duration
}

// Listener signatures. Listeners are dispatched synchronously and in
// registration order; transition announcements are never reordered.
type (
	StatusListener  func(status, previous ServerStatus)
	HealthListener  func(health, previous ServerHealth)
	ErrorListener   func(err error)
	RestartListener func(ev RestartEvent)
	ToolsListener   func(tools []ToolRecord)
)

// restartBackoff returns the restart delay for the given attempt number:
// min(1000 * 2^attempt, 30000) milliseconds.
func restartBackoff(attempt int) time.Duration {
	const maxDelay = 30 * time.Second
	if attempt >= 5 {
		return maxDelay
	}
	d := time.Second << attempt
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// ServerOptions carries the collaborators a Server needs beyond its
// config. All fields are optional.
type ServerOptions struct {
	// Logger receives structured diagnostics, scoped per server.
	Logger *slog.Logger
	// Discovery is the shared tool cache. A private one is created when
	// nil, so a standalone Server still discovers tools.
	Discovery *ToolDiscovery
	// ClientName/ClientVersion form the identity sent in the handshake.
	ClientName    string
	ClientVersion string
	// RequestTimeout bounds individual protocol requests.
	RequestTimeout time.Duration
}

// eventKind discriminates queued listener events.
type eventKind int

const (
	eventStatus eventKind = iota
	eventHealth
	eventError
	eventRestart
	eventTools
)

type serverEvent struct {
	kind       eventKind
	status     ServerStatus
	prevStatus ServerStatus
	health     ServerHealth
	prevHealth ServerHealth
	err        error
	restart    RestartEvent
	tools      []ToolRecord
}

// Server owns one Transport+Client pair bound to one validated
// configuration. It drives the status/health state machine, runs the
// periodic liveness probe, and schedules auto-restart on failure.
type Server struct {
	cfg       ServerConfig
	logger    *slog.Logger
	discovery *ToolDiscovery
	clientCfg ClientConfig

	mu           sync.Mutex
	status       ServerStatus
	health       ServerHealth
	stats        ServerStats
	client       *Client
	gen          int
	healthCancel context.CancelFunc
	restartTimer *time.Timer
	events       []serverEvent

	emitMu           sync.Mutex
	statusListeners  []StatusListener
	healthListeners  []HealthListener
	errorListeners   []ErrorListener
	restartListeners []RestartListener
	toolsListeners   []ToolsListener

	// Overridable seams, fixed at construction outside tests.
	newTransport   func(ServerConfig, *slog.Logger) (Transport, error)
	restartDelayFn func(attempt int) time.Duration
}

// NewServer validates the config and builds a Server in the stopped
// state. No process is spawned until Start.
func NewServer(cfg ServerConfig, opts ServerOptions) (*Server, error) {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", cfg.ID)
	discovery := opts.Discovery
	if discovery == nil {
		discovery = NewToolDiscovery(DiscoveryOptions{Logger: logger})
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		discovery: discovery,
		clientCfg: ClientConfig{
			ClientName:     opts.ClientName,
			ClientVersion:  opts.ClientVersion,
			RequestTimeout: opts.RequestTimeout,
			Logger:         logger,
		},
		status:         StatusStopped,
		health:         HealthUnknown,
		newTransport:   buildTransport,
		restartDelayFn: restartBackoff,
	}, nil
}

// buildTransport constructs the transport matching the configured kind.
func buildTransport(cfg ServerConfig, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		}), nil
	case TransportSocket:
		return NewSocketTransport(SocketConfig{URL: cfg.URL, Logger: logger}), nil
	default:
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("unknown transport %q", cfg.Transport)}}
	}
}

// ID returns the immutable server id.
func (s *Server) ID() string { return s.cfg.ID }

// Name returns the configured display name, falling back to the id.
func (s *Server) Name() string { return s.cfg.displayName() }

// Config returns a copy of the server's configuration.
func (s *Server) Config() ServerConfig { return s.cfg.Clone() }

// Status returns the current lifecycle status.
func (s *Server) Status() ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Health returns the current health.
func (s *Server) Health() ServerHealth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() ServerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// OnStatusChange registers a status transition listener.
func (s *Server) OnStatusChange(l StatusListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusListeners = append(s.statusListeners, l)
}

// OnHealthChange registers a health transition listener.
func (s *Server) OnHealthChange(l HealthListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthListeners = append(s.healthListeners, l)
}

// OnError registers an error listener.
func (s *Server) OnError(l ErrorListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorListeners = append(s.errorListeners, l)
}

// OnRestart registers a restart-attempt listener.
func (s *Server) OnRestart(l RestartListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restartListeners = append(s.restartListeners, l)
}

// OnToolsDiscovered registers a listener for completed discoveries.
func (s *Server) OnToolsDiscovered(l ToolsListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolsListeners = append(s.toolsListeners, l)
}

// clearListeners detaches every listener. Used when the manager removes
// the server from its registry.
func (s *Server) clearListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusListeners = nil
	s.healthListeners = nil
	s.errorListeners = nil
	s.restartListeners = nil
	s.toolsListeners = nil
}

// Start brings the server up. It is only valid from stopped or crashed;
// any failure during the start sequence moves the server to failed and
// tears down partially created resources.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStopped && s.status != StatusCrashed {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("mcpfleet: cannot start server %q from status %s", s.cfg.ID, status)
	}
	s.mu.Unlock()
	return s.startAttempt(ctx, false)
}

// startAttempt runs the start sequence. viaRestart marks attempts driven
// by the restart timer, which feed back into the restart budget instead
// of terminating at failed immediately.
func (s *Server) startAttempt(ctx context.Context, viaRestart bool) error {
	s.mu.Lock()
	switch s.status {
	case StatusStopped, StatusCrashed, StatusRestarting:
	default:
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("mcpfleet: cannot start server %q from status %s", s.cfg.ID, status)
	}
	s.gen++
	gen := s.gen
	s.setStatusLocked(StatusStarting)
	s.mu.Unlock()
	s.notifyListeners()

	client, records, err := s.connect(ctx, gen)
	if err != nil {
		s.mu.Lock()
		if s.gen != gen {
			// Stop or a newer attempt superseded this one.
			s.mu.Unlock()
			s.notifyListeners()
			return err
		}
		s.recordErrorLocked(err)
		s.setHealthLocked(HealthUnknown)
		if viaRestart {
			s.handleFailureLocked()
		} else {
			s.setStatusLocked(StatusFailed)
		}
		s.mu.Unlock()
		s.notifyListeners()
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = client.Close(closeCtx)
		return fmt.Errorf("mcpfleet: start of server %q superseded", s.cfg.ID)
	}
	s.stats.RestartCount = 0
	s.stats.ToolCount = len(records)
	s.setStatusLocked(StatusRunning)
	s.setHealthLocked(HealthHealthy)
	if len(records) > 0 {
		s.events = append(s.events, serverEvent{kind: eventTools, tools: records})
	}

	healthCtx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	s.mu.Unlock()
	go s.healthLoop(healthCtx, gen, client)

	s.notifyListeners()
	s.logger.Info("server running", "tools", len(records))
	return nil
}

// connect builds the transport and client, runs the handshake under the
// startup-timeout guard, snapshots stats, and performs initial tool
// discovery. On error every partially created resource is torn down.
func (s *Server) connect(ctx context.Context, gen int) (*Client, []ToolRecord, error) {
	tr, err := s.newTransport(s.cfg, s.logger)
	if err != nil {
		return nil, nil, err
	}

	client := NewClient(tr, s.clientCfg)
	client.onDisconnect = func(err error) { s.connectionLost(gen, err) }
	client.onTransportError = func(err error) { s.noteError(err) }
	client.onStderr = func(line string) { s.logger.Debug("server stderr", "line", line) }
	client.OnNotification(NotifToolsChanged, func(string, json.RawMessage) {
		go s.handleToolsChanged(gen)
	})

	startupTimeout := s.cfg.StartupTimeout
	if startupTimeout <= 0 {
		startupTimeout = defaultDialTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	if err := client.Connect(startCtx); err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
		return nil, nil, err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
		return nil, nil, errors.New("mcpfleet: start superseded")
	}
	s.client = client
	s.stats.StartTime = time.Now()
	s.stats.PID = 0
	if p, ok := tr.(interface{ PID() int }); ok {
		s.stats.PID = p.PID()
	}
	s.mu.Unlock()

	// Force a live fetch: cached records from a previous connection may
	// still be unexpired but flagged unavailable.
	records, err := s.discovery.RefreshTools(startCtx, s)
	if err != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer closeCancel()
		_ = client.Close(closeCtx)
		s.mu.Lock()
		if s.gen == gen {
			s.client = nil
		}
		s.mu.Unlock()
		return nil, nil, fmt.Errorf("initial tool discovery: %w", err)
	}
	return client, records, nil
}

// Stop shuts the server down. Timers are cancelled, the client is closed
// gracefully under the shutdown-timeout guard, and the server ends at
// stopped with unknown health.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusStopped || s.status == StatusStopping {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
	client := s.client
	s.client = nil
	s.setStatusLocked(StatusStopping)
	s.mu.Unlock()
	s.notifyListeners()

	var closeErr error
	if client != nil {
		shutdown := s.cfg.ShutdownTimeout
		if shutdown <= 0 {
			shutdown = 5 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(ctx, shutdown)
		closeErr = client.Close(closeCtx)
		cancel()
	}
	s.discovery.MarkUnavailable(s.cfg.ID)

	s.mu.Lock()
	s.setStatusLocked(StatusStopped)
	s.setHealthLocked(HealthUnknown)
	s.mu.Unlock()
	s.notifyListeners()
	return closeErr
}

// CallTool forwards one tool invocation to the server's client. Failures
// are annotated with the server and tool identifiers and never trigger a
// restart; only connection-level failures feed the restart policy.
func (s *Server) CallTool(ctx context.Context, tool string, args map[string]any) (*CallToolResult, error) {
	s.mu.Lock()
	if s.status != StatusRunning || s.client == nil {
		status := s.status
		s.mu.Unlock()
		return nil, &ServerNotRunningError{ID: s.cfg.ID, Status: status}
	}
	client := s.client
	s.stats.ToolCallCount++
	s.mu.Unlock()

	res, err := client.CallTool(ctx, tool, args)
	if err != nil {
		s.noteError(err)
		return nil, &ToolExecutionError{ServerID: s.cfg.ID, Tool: tool, Err: err}
	}
	if res.IsError {
		return res, &ToolExecutionError{ServerID: s.cfg.ID, Tool: tool, Err: errors.New(res.Text())}
	}
	return res, nil
}

// clientSnapshot returns the current client, or nil when disconnected.
func (s *Server) clientSnapshot() *Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// listToolsLive issues a live tools/list for the discovery component.
func (s *Server) listToolsLive(ctx context.Context) ([]ToolDef, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, &ServerNotRunningError{ID: s.cfg.ID, Status: s.Status()}
	}
	return client.ListTools(ctx)
}

// connectionAlive reports whether the connection that discovery probed
// is still the current one in a startable/running state. Discovery uses
// it to discard results that would resurrect stale state.
func (s *Server) connectionAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client != nil && (s.status == StatusStarting || s.status == StatusRunning)
}

// healthLoop probes the server every HealthCheck.Interval. The probe is
// a lightweight tools/list. FailureThreshold consecutive failures flip
// health to unhealthy and engage the restart policy.
func (s *Server) healthLoop(ctx context.Context, gen int, client *Client) {
	interval := s.cfg.HealthCheck.Interval
	if interval <= 0 {
		return
	}
	threshold := s.cfg.HealthCheck.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	probeTimeout := s.cfg.HealthCheck.Timeout
	if probeTimeout <= 0 {
		probeTimeout = interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
			_, err := client.ListTools(probeCtx)
			cancel()
			if err == nil {
				failures = 0
				s.setHealth(gen, HealthHealthy)
				continue
			}
			failures++
			s.logger.Warn("health probe failed", "failures", failures, "threshold", threshold, "error", err)
			s.noteError(err)
			if failures >= threshold {
				s.setHealth(gen, HealthUnhealthy)
				s.connectionLost(gen, fmt.Errorf("mcpfleet: %d consecutive health probes failed: %w", failures, err))
				return
			}
		}
	}
}

// handleToolsChanged reacts to notifications/tools/list_changed by
// forcing a rediscovery.
func (s *Server) handleToolsChanged(gen int) {
	s.mu.Lock()
	if s.gen != gen || s.status != StatusRunning {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDialTimeout)
	defer cancel()
	records, err := s.discovery.RefreshTools(ctx, s)
	if err != nil {
		s.logger.Warn("rediscovery after list_changed failed", "error", err)
		return
	}
	s.mu.Lock()
	if s.gen == gen {
		s.stats.ToolCount = len(records)
		s.events = append(s.events, serverEvent{kind: eventTools, tools: records})
	}
	s.mu.Unlock()
	s.notifyListeners()
}

// connectionLost handles transport disconnects and exhausted health
// probes identically: crash the connection, then either schedule a
// backed-off restart or settle at failed.
func (s *Server) connectionLost(gen int, cause error) {
	s.mu.Lock()
	if gen != s.gen || (s.status != StatusRunning && s.status != StatusStarting) {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.recordErrorLocked(cause)
	client := s.client
	s.client = nil
	if s.healthCancel != nil {
		s.healthCancel()
		s.healthCancel = nil
	}
	s.setHealthLocked(HealthUnknown)
	s.setStatusLocked(StatusCrashed)
	s.handleFailureLocked()
	s.mu.Unlock()

	if client != nil {
		go func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = client.Close(closeCtx)
		}()
	}
	s.discovery.MarkUnavailable(s.cfg.ID)
	s.notifyListeners()
}

// handleFailureLocked applies the restart policy after a crash or a
// failed restart attempt. Caller must hold s.mu.
func (s *Server) handleFailureLocked() {
	if !s.cfg.AutoRestart || s.stats.RestartCount >= s.cfg.MaxRestarts {
		s.setStatusLocked(StatusFailed)
		return
	}
	s.stats.RestartCount++
	s.stats.LastRestart = time.Now()
	attempt := s.stats.RestartCount
	delay := s.restartDelayFn(attempt)
	s.setStatusLocked(StatusRestarting)
	ev := RestartEvent{ServerID: s.cfg.ID, Attempt: attempt, Delay: delay}
	s.events = append(s.events, serverEvent{kind: eventRestart, restart: ev})
	s.restartTimer = time.AfterFunc(delay, s.restartFired)
	s.logger.Info("restart scheduled", "attempt", attempt, "delay", delay)
}

// restartFired runs when the backoff timer elapses.
func (s *Server) restartFired() {
	s.mu.Lock()
	if s.status != StatusRestarting {
		s.mu.Unlock()
		return
	}
	s.restartTimer = nil
	s.mu.Unlock()

	if err := s.startAttempt(context.Background(), true); err != nil {
		s.logger.Warn("restart attempt failed", "error", err)
	}
}

// setHealth updates health when the generation still matches.
func (s *Server) setHealth(gen int, health ServerHealth) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.setHealthLocked(health)
	s.mu.Unlock()
	s.notifyListeners()
}

// noteError records an error and reports it to error listeners without
// affecting the state machine.
func (s *Server) noteError(err error) {
	s.mu.Lock()
	s.recordErrorLocked(err)
	s.mu.Unlock()
	s.notifyListeners()
}

func (s *Server) recordErrorLocked(err error) {
	s.stats.ErrorCount++
	s.stats.LastError = err.Error()
	s.events = append(s.events, serverEvent{kind: eventError, err: err})
}

func (s *Server) setStatusLocked(status ServerStatus) {
	if status == s.status {
		return
	}
	prev := s.status
	s.status = status
	s.events = append(s.events, serverEvent{kind: eventStatus, status: status, prevStatus: prev})
}

func (s *Server) setHealthLocked(health ServerHealth) {
	if health == s.health {
		return
	}
	prev := s.health
	s.health = health
	s.events = append(s.events, serverEvent{kind: eventHealth, health: health, prevHealth: prev})
}

// notifyListeners drains the event queue in order under a dedicated
// mutex. Queue order is assigned under s.mu, so announcements are never
// reordered even when transitions originate from different goroutines.
// When another goroutine is already draining, the queued events are left
// for it.
func (s *Server) notifyListeners() {
	for {
		if !s.emitMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			if len(s.events) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.events[0]
			s.events = s.events[1:]
			statusLs := append([]StatusListener(nil), s.statusListeners...)
			healthLs := append([]HealthListener(nil), s.healthListeners...)
			errorLs := append([]ErrorListener(nil), s.errorListeners...)
			restartLs := append([]RestartListener(nil), s.restartListeners...)
			toolsLs := append([]ToolsListener(nil), s.toolsListeners...)
			s.mu.Unlock()

			switch ev.kind {
			case eventStatus:
				for _, l := range statusLs {
					l(ev.status, ev.prevStatus)
				}
			case eventHealth:
				for _, l := range healthLs {
					l(ev.health, ev.prevHealth)
				}
			case eventError:
				for _, l := range errorLs {
					l(ev.err)
				}
			case eventRestart:
				for _, l := range restartLs {
					l(ev.restart)
				}
			case eventTools:
				for _, l := range toolsLs {
					l(ev.tools)
				}
			}
		}
		s.emitMu.Unlock()

		s.mu.Lock()
		empty := len(s.events) == 0
		s.mu.Unlock()
		if empty {
			return
		}
	}
}
