package mcpfleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConfigStore is the persistence port for server configurations. The
// manager never touches disk or database directly; it hands the full
// fleet snapshot to the store after mutations, debounced.
type ConfigStore interface {
	Save(ctx context.Context, configs []ServerConfig) error
	Load(ctx context.Context) ([]ServerConfig, error)
}

// Fleet-wide listener signatures. The manager re-publishes per-server
// events with the server id attached, preserving per-server ordering.
type (
	ServerStatusListener func(serverID string, status, previous ServerStatus)
	ServerHealthListener func(serverID string, health, previous ServerHealth)
	ServerErrorListener  func(serverID string, err error)
)

// ServerSummary is a read-only snapshot of one managed server.
type ServerSummary struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Transport TransportKind `json:"transport"`
	Status    ServerStatus  `json:"status"`
	Health    ServerHealth  `json:"health"`
	Tags      []string      `json:"tags,omitempty"`
	Enabled   bool          `json:"enabled"`
	Stats     ServerStats   `json:"stats"`
}

// ConnectionTestResult reports the outcome of a throwaway connection
// probe against a candidate configuration.
type ConnectionTestResult struct {
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	ServerInfo *ServerInfo   `json:"serverInfo,omitempty"`
	ToolCount  int           `json:"toolCount"`
}

// ManagerOptions configures a Manager. The zero value is usable: no
// persistence, default client identity, default debounce and TTL.
type ManagerOptions struct {
	Logger *slog.Logger
	Store  ConfigStore
	// ClientName/ClientVersion identify this fleet in MCP handshakes.
	ClientName    string
	ClientVersion string
	// RequestTimeout bounds individual protocol requests on every
	// managed client.
	RequestTimeout time.Duration
	// SaveDebounce coalesces bursts of config mutations into one store
	// write. Default 1s.
	SaveDebounce time.Duration
	// DiscoveryTTL overrides the tool cache freshness window.
	DiscoveryTTL time.Duration
}

func (o ManagerOptions) normalized() ManagerOptions {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ClientName == "" {
		o.ClientName = "mcpfleet"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "dev"
	}
	if o.SaveDebounce <= 0 {
		o.SaveDebounce = time.Second
	}
	return o
}

// Manager owns the fleet: a registry of Servers keyed by id, the shared
// tool discovery cache, fleet-wide event fan-out, and debounced
// persistence through the ConfigStore port.
type Manager struct {
	opts      ManagerOptions
	logger    *slog.Logger
	discovery *ToolDiscovery

	mu      sync.RWMutex
	servers map[string]*Server
	closed  bool

	statusListeners  []ServerStatusListener
	healthListeners  []ServerHealthListener
	errorListeners   []ServerErrorListener
	restartListeners []RestartListener

	saveMu    sync.Mutex
	saveTimer *time.Timer
}

// NewManager builds an empty fleet.
func NewManager(opts ManagerOptions) *Manager {
	opts = opts.normalized()
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		discovery: NewToolDiscovery(DiscoveryOptions{Logger: opts.Logger, TTL: opts.DiscoveryTTL}),
		servers:   make(map[string]*Server),
	}
}

// Discovery exposes the shared tool cache.
func (m *Manager) Discovery() *ToolDiscovery { return m.discovery }

// OnServerStatusChange registers a fleet-wide status listener.
func (m *Manager) OnServerStatusChange(l ServerStatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusListeners = append(m.statusListeners, l)
}

// OnServerHealthChange registers a fleet-wide health listener.
func (m *Manager) OnServerHealthChange(l ServerHealthListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthListeners = append(m.healthListeners, l)
}

// OnServerError registers a fleet-wide error listener.
func (m *Manager) OnServerError(l ServerErrorListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorListeners = append(m.errorListeners, l)
}

// OnServerRestart registers a fleet-wide restart listener.
func (m *Manager) OnServerRestart(l RestartListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restartListeners = append(m.restartListeners, l)
}

// OnDiscovery registers a listener for tool catalogue changes.
func (m *Manager) OnDiscovery(l DiscoveryListener) {
	m.discovery.OnDiscovery(l)
}

// AddServer validates and registers a new server configuration. When the
// config is enabled with auto-restart, the server is started; a failed
// start leaves the server registered in the failed state rather than
// rolling back the registration. An empty id is filled in with a fresh
// UUID.
func (m *Manager) AddServer(ctx context.Context, cfg ServerConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	srv, err := m.buildServer(cfg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errors.New("mcpfleet: manager is closed")
	}
	if _, exists := m.servers[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("mcpfleet: server %q already registered", cfg.ID)
	}
	m.servers[cfg.ID] = srv
	m.mu.Unlock()

	m.logger.Info("server registered", "mcp_server", cfg.ID, "transport", cfg.Transport)
	m.scheduleSave()

	if cfg.Enabled && cfg.AutoRestart {
		if err := srv.Start(ctx); err != nil {
			m.logger.Warn("initial start failed", "mcp_server", cfg.ID, "error", err)
			return err
		}
	}
	return nil
}

// buildServer constructs a Server wired into the manager's shared
// discovery cache and event fan-out.
func (m *Manager) buildServer(cfg ServerConfig) (*Server, error) {
	srv, err := NewServer(cfg, ServerOptions{
		Logger:         m.logger,
		Discovery:      m.discovery,
		ClientName:     m.opts.ClientName,
		ClientVersion:  m.opts.ClientVersion,
		RequestTimeout: m.opts.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	id := srv.ID()
	srv.OnStatusChange(func(status, previous ServerStatus) {
		for _, l := range m.snapshotStatusListeners() {
			l(id, status, previous)
		}
	})
	srv.OnHealthChange(func(health, previous ServerHealth) {
		for _, l := range m.snapshotHealthListeners() {
			l(id, health, previous)
		}
	})
	srv.OnError(func(err error) {
		for _, l := range m.snapshotErrorListeners() {
			l(id, err)
		}
	})
	srv.OnRestart(func(ev RestartEvent) {
		for _, l := range m.snapshotRestartListeners() {
			l(ev)
		}
	})
	return srv, nil
}

func (m *Manager) snapshotStatusListeners() []ServerStatusListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServerStatusListener(nil), m.statusListeners...)
}

func (m *Manager) snapshotHealthListeners() []ServerHealthListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServerHealthListener(nil), m.healthListeners...)
}

func (m *Manager) snapshotErrorListeners() []ServerErrorListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ServerErrorListener(nil), m.errorListeners...)
}

func (m *Manager) snapshotRestartListeners() []RestartListener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RestartListener(nil), m.restartListeners...)
}

// RemoveServer stops the server if needed, detaches its listeners, and
// drops it from the registry and the tool cache.
func (m *Manager) RemoveServer(ctx context.Context, id string) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return &ServerNotFoundError{ID: id}
	}
	delete(m.servers, id)
	m.mu.Unlock()

	err := srv.Stop(ctx)
	srv.clearListeners()
	m.discovery.RemoveServer(id)
	m.logger.Info("server removed", "mcp_server", id)
	m.scheduleSave()
	return err
}

// UpdateServerConfig applies a patch to a server's configuration. The
// server is stopped first if running, the merged config is re-validated,
// and a server that was running before the update is started again when
// the merged config is still enabled.
func (m *Manager) UpdateServerConfig(ctx context.Context, id string, patch ServerConfigPatch) error {
	m.mu.Lock()
	srv, ok := m.servers[id]
	if !ok {
		m.mu.Unlock()
		return &ServerNotFoundError{ID: id}
	}
	m.mu.Unlock()

	merged := patch.Apply(srv.Config())
	merged.ID = id
	replacement, err := m.buildServer(merged)
	if err != nil {
		return err
	}

	wasRunning := srv.Status() == StatusRunning || srv.Status() == StatusStarting
	if stopErr := srv.Stop(ctx); stopErr != nil {
		m.logger.Warn("stop during config update", "mcp_server", id, "error", stopErr)
	}
	srv.clearListeners()

	m.mu.Lock()
	m.servers[id] = replacement
	m.mu.Unlock()
	m.scheduleSave()

	if wasRunning && merged.Enabled {
		return replacement.Start(ctx)
	}
	return nil
}

// GetServer returns the managed server with the given id.
func (m *Manager) GetServer(id string) (*Server, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	srv, ok := m.servers[id]
	if !ok {
		return nil, &ServerNotFoundError{ID: id}
	}
	return srv, nil
}

// GetServerIds returns the registered ids in sorted order.
func (m *Manager) GetServerIds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetServerSummaries returns one snapshot per managed server, sorted by
// id.
func (m *Manager) GetServerSummaries() []ServerSummary {
	m.mu.RLock()
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()

	out := make([]ServerSummary, 0, len(servers))
	for _, srv := range servers {
		cfg := srv.Config()
		out = append(out, ServerSummary{
			ID:        cfg.ID,
			Name:      srv.Name(),
			Transport: cfg.Transport,
			Status:    srv.Status(),
			Health:    srv.Health(),
			Tags:      cfg.Tags,
			Enabled:   cfg.Enabled,
			Stats:     srv.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartServer starts one server by id.
func (m *Manager) StartServer(ctx context.Context, id string) error {
	srv, err := m.GetServer(id)
	if err != nil {
		return err
	}
	return srv.Start(ctx)
}

// StopServer stops one server by id.
func (m *Manager) StopServer(ctx context.Context, id string) error {
	srv, err := m.GetServer(id)
	if err != nil {
		return err
	}
	return srv.Stop(ctx)
}

// RestartServer stops then starts one server by id.
func (m *Manager) RestartServer(ctx context.Context, id string) error {
	srv, err := m.GetServer(id)
	if err != nil {
		return err
	}
	if err := srv.Stop(ctx); err != nil {
		return err
	}
	return srv.Start(ctx)
}

// StartAll starts every enabled server concurrently. Every server gets
// its attempt regardless of other failures; the joined error carries one
// entry per failed server.
func (m *Manager) StartAll(ctx context.Context) error {
	return m.forEach(ctx, func(ctx context.Context, srv *Server) error {
		if !srv.Config().Enabled {
			return nil
		}
		if srv.Status() == StatusRunning || srv.Status() == StatusStarting {
			return nil
		}
		return srv.Start(ctx)
	})
}

// StopAll stops every server concurrently, waiting for all to settle.
func (m *Manager) StopAll(ctx context.Context) error {
	return m.forEach(ctx, func(ctx context.Context, srv *Server) error {
		return srv.Stop(ctx)
	})
}

func (m *Manager) forEach(ctx context.Context, fn func(context.Context, *Server) error) error {
	m.mu.RLock()
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()

	errs := make([]error, len(servers))
	var wg sync.WaitGroup
	for i, srv := range servers {
		wg.Add(1)
		go func(i int, srv *Server) {
			defer wg.Done()
			if err := fn(ctx, srv); err != nil {
				errs[i] = fmt.Errorf("server %q: %w", srv.ID(), err)
			}
		}(i, srv)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RefreshAllTools forces rediscovery on every running server and returns
// the per-server tool sets. Servers that fail contribute to the joined
// error; the map still carries every successful result.
func (m *Manager) RefreshAllTools(ctx context.Context) (map[string][]ToolRecord, error) {
	m.mu.RLock()
	servers := make([]*Server, 0, len(m.servers))
	for _, srv := range m.servers {
		servers = append(servers, srv)
	}
	m.mu.RUnlock()

	var (
		outMu sync.Mutex
		out   = make(map[string][]ToolRecord)
		errs  = make([]error, len(servers))
		wg    sync.WaitGroup
	)
	for i, srv := range servers {
		if srv.Status() != StatusRunning {
			continue
		}
		wg.Add(1)
		go func(i int, srv *Server) {
			defer wg.Done()
			records, err := m.discovery.RefreshTools(ctx, srv)
			if err != nil {
				errs[i] = fmt.Errorf("server %q: %w", srv.ID(), err)
				return
			}
			outMu.Lock()
			out[srv.ID()] = records
			outMu.Unlock()
		}(i, srv)
	}
	wg.Wait()
	return out, errors.Join(errs...)
}

// GetAllDiscoveredTools returns the cached tool catalogue across the
// fleet.
func (m *Manager) GetAllDiscoveredTools() []ToolRecord {
	return m.discovery.GetAllTools()
}

// GetServerTools returns the cached tools for one server.
func (m *Manager) GetServerTools(id string) ([]ToolRecord, error) {
	if _, err := m.GetServer(id); err != nil {
		return nil, err
	}
	return m.discovery.GetTools(id), nil
}

// SearchTools searches the cached catalogue by name or description.
func (m *Manager) SearchTools(query string) []ToolRecord {
	return m.discovery.SearchTools(query)
}

// GetToolsByCategory filters the cached catalogue by inferred category.
func (m *Manager) GetToolsByCategory(category string) []ToolRecord {
	return m.discovery.ToolsByCategory(category)
}

// ExecuteToolCall routes one tool invocation to the named server and
// feeds the outcome into the tool usage statistics. Some callers wrap
// the real arguments one level deep under an "arguments" key; exactly
// one unwrap pass is applied, never recursively. Arguments are checked
// against the tool's cached input schema before dispatch.
func (m *Manager) ExecuteToolCall(ctx context.Context, serverID, tool string, args map[string]any) (*CallToolResult, error) {
	srv, err := m.GetServer(serverID)
	if err != nil {
		return nil, err
	}
	args = unwrapArguments(args)
	if rec, ok := m.discovery.FindTool(serverID, tool); ok {
		if err := checkRequiredArguments(rec.InputSchema, args); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	res, err := srv.CallTool(ctx, tool, args)
	m.discovery.UpdateToolStats(serverID, tool, err == nil, time.Since(start))
	return res, err
}

// unwrapArguments removes the single-key {"arguments": {...}} wrapper
// some clients add around tool arguments.
func unwrapArguments(args map[string]any) map[string]any {
	if len(args) != 1 {
		return args
	}
	inner, ok := args["arguments"].(map[string]any)
	if !ok {
		return args
	}
	return inner
}

// checkRequiredArguments verifies the schema's required properties are
// present. Anything deeper is left for the server to enforce.
func checkRequiredArguments(schema, args map[string]any) error {
	required, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	var missing []string
	for _, entry := range required {
		name, ok := entry.(string)
		if !ok {
			continue
		}
		if _, present := args[name]; !present {
			missing = append(missing, "missing required argument "+name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Problems: missing}
	}
	return nil
}

// TestServerConnection probes a candidate configuration with a
// throwaway server that is never registered. The probe id is suffixed
// with a UUID so it cannot collide with a managed server sharing the
// discovery cache. Teardown is unconditional.
func (m *Manager) TestServerConnection(ctx context.Context, cfg ServerConfig) (*ConnectionTestResult, error) {
	cfg = cfg.Clone()
	if cfg.ID == "" {
		cfg.ID = "probe"
	}
	cfg.ID = cfg.ID + "-probe-" + uuid.NewString()
	cfg.AutoRestart = false

	probe, err := NewServer(cfg, ServerOptions{
		Logger:         m.logger,
		ClientName:     m.opts.ClientName,
		ClientVersion:  m.opts.ClientVersion,
		RequestTimeout: m.opts.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	startErr := probe.Start(ctx)
	result := &ConnectionTestResult{Duration: time.Since(start)}
	if startErr != nil {
		result.Error = startErr.Error()
	} else {
		result.OK = true
		result.ToolCount = probe.Stats().ToolCount
		if c := probe.clientSnapshot(); c != nil {
			info := c.ServerInfo()
			result.ServerInfo = &info
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = probe.Stop(stopCtx)
	return result, nil
}

// scheduleSave arms the debounced persistence timer. Bursts of config
// mutations collapse into one store write.
func (m *Manager) scheduleSave() {
	if m.opts.Store == nil {
		return
	}
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveTimer = time.AfterFunc(m.opts.SaveDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.SaveNow(ctx); err != nil {
			m.logger.Error("autosave failed", "error", err)
		}
	})
}

// SaveNow writes the fleet's configurations through the store
// immediately, cancelling any pending debounced save.
func (m *Manager) SaveNow(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	m.saveMu.Lock()
	if m.saveTimer != nil {
		m.saveTimer.Stop()
		m.saveTimer = nil
	}
	m.saveMu.Unlock()

	m.mu.RLock()
	configs := make([]ServerConfig, 0, len(m.servers))
	for _, srv := range m.servers {
		configs = append(configs, srv.Config())
	}
	m.mu.RUnlock()
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return m.opts.Store.Save(ctx, configs)
}

// LoadFromStore reads every persisted configuration and registers it.
// Invalid entries are skipped and reported in the joined error; valid
// entries still load.
func (m *Manager) LoadFromStore(ctx context.Context) error {
	if m.opts.Store == nil {
		return errors.New("mcpfleet: no config store configured")
	}
	configs, err := m.opts.Store.Load(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, cfg := range configs {
		if err := m.AddServer(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", cfg.ID, err))
		}
	}
	return errors.Join(errs...)
}

// ApplyConfigs reconciles the registry against a full config snapshot,
// typically one delivered by a config file watch: unknown ids are added,
// ids whose config changed are replaced, and registered ids absent from
// the snapshot are removed. Settle-all; the joined error carries one
// entry per failed server.
func (m *Manager) ApplyConfigs(ctx context.Context, configs []ServerConfig) error {
	desired := make(map[string]ServerConfig, len(configs))
	for _, cfg := range configs {
		if cfg.ID != "" {
			desired[cfg.ID] = cfg
		}
	}

	var errs []error
	for _, id := range m.GetServerIds() {
		if _, keep := desired[id]; keep {
			continue
		}
		if err := m.RemoveServer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", id, err))
		}
	}
	for id, cfg := range desired {
		srv, err := m.GetServer(id)
		if err != nil {
			if err := m.AddServer(ctx, cfg); err != nil {
				errs = append(errs, fmt.Errorf("server %q: %w", id, err))
			}
			continue
		}
		if reflect.DeepEqual(srv.Config(), cfg) {
			continue
		}
		if err := m.RemoveServer(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", id, err))
			continue
		}
		if err := m.AddServer(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Close flushes any pending save, stops every server, and rejects
// further registrations. Meant to be called once during shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	saveErr := m.SaveNow(ctx)
	stopErr := m.StopAll(ctx)
	return errors.Join(saveErr, stopErr)
}
