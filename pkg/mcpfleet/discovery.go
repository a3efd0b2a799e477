package mcpfleet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultToolTTL is how long a server's discovered tool set is served
// from cache before the next lookup goes to the live server.
const defaultToolTTL = 5 * time.Minute

// ToolRecord is one discovered tool, keyed by (server id, tool name).
// Identically named tools on different servers are distinct records.
type ToolRecord struct {
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	ServerID     string         `json:"serverId"`
	ServerName   string         `json:"serverName"`
	SchemaHash   string         `json:"schemaHash"`
	Category     string         `json:"category"`
	Available    bool           `json:"available"`
	DiscoveredAt time.Time      `json:"discoveredAt"`
	LastUpdated  time.Time      `json:"lastUpdated"`

	UsageCount  int64         `json:"usageCount"`
	SuccessRate float64       `json:"successRate"`
	AvgDuration time.Duration `json:"avgDuration"`
	LastUsed    time.Time     `json:"lastUsed,omitempty"`
}

// QualifiedName returns the record's globally unique name in the form
// serverID_toolName, with characters outside [a-zA-Z0-9_-] mapped to
// underscores.
func (r ToolRecord) QualifiedName() string {
	return sanitizeName(r.ServerID) + "_" + sanitizeName(r.Name)
}

// toolCategories maps keywords found in a tool's name or description to
// a coarse category label, checked in order.
var toolCategories = []struct {
	category string
	keywords []string
}{
	{"filesystem", []string{"file", "directory", "folder", "path"}},
	{"database", []string{"database", "sql", "query", "table"}},
	{"web", []string{"http", "url", "web", "fetch", "browse"}},
	{"search", []string{"search", "find", "lookup", "grep"}},
	{"execution", []string{"exec", "run", "command", "shell", "script"}},
	{"communication", []string{"mail", "message", "slack", "notify"}},
}

func inferCategory(name, description string) string {
	text := strings.ToLower(name + " " + description)
	for _, c := range toolCategories {
		for _, kw := range c.keywords {
			if strings.Contains(text, kw) {
				return c.category
			}
		}
	}
	return "general"
}

func sanitizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// DiscoveryEvent describes how one server's tool set changed in a
// completed discovery. Updated lists tools whose schema hash moved.
type DiscoveryEvent struct {
	ServerID string
	Added    []ToolRecord
	Removed  []ToolRecord
	Updated  []ToolRecord
}

// DiscoveryListener observes completed discoveries. Listeners run
// synchronously in registration order.
type DiscoveryListener func(ev DiscoveryEvent)

// toolSource is the slice of Server that discovery needs. It exists so
// tests can discover against a fake.
type toolSource interface {
	ID() string
	Name() string
	listToolsLive(ctx context.Context) ([]ToolDef, error)
	connectionAlive() bool
}

// serverCache holds one server's cached tool set with its expiry.
type serverCache struct {
	tools     map[string]*ToolRecord
	expiresAt time.Time
}

type inflightDiscovery struct {
	done    chan struct{}
	records []ToolRecord
	err     error
}

// DiscoveryOptions configures a ToolDiscovery.
type DiscoveryOptions struct {
	Logger *slog.Logger
	// TTL bounds cache freshness; defaultToolTTL when zero.
	TTL time.Duration
}

// ToolDiscovery caches tool sets per server with a TTL and deduplicates
// concurrent discoveries for the same server into one live fetch. It is
// the single authority on the fleet's tool catalogue.
type ToolDiscovery struct {
	logger *slog.Logger
	ttl    time.Duration

	mu       sync.Mutex
	cache    map[string]*serverCache
	inflight map[string]*inflightDiscovery

	emitMu    sync.Mutex
	listeners []DiscoveryListener

	now func() time.Time
}

// NewToolDiscovery builds an empty discovery cache.
func NewToolDiscovery(opts DiscoveryOptions) *ToolDiscovery {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultToolTTL
	}
	return &ToolDiscovery{
		logger:   logger,
		ttl:      ttl,
		cache:    make(map[string]*serverCache),
		inflight: make(map[string]*inflightDiscovery),
		now:      time.Now,
	}
}

// OnDiscovery registers a listener for completed discoveries.
func (d *ToolDiscovery) OnDiscovery(l DiscoveryListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// DiscoverTools returns the server's tool set, served from cache while
// fresh. Concurrent callers for the same server share one live fetch.
func (d *ToolDiscovery) DiscoverTools(ctx context.Context, src toolSource) ([]ToolRecord, error) {
	id := src.ID()

	d.mu.Lock()
	if sc, ok := d.cache[id]; ok && d.now().Before(sc.expiresAt) {
		records := snapshotRecords(sc.tools)
		d.mu.Unlock()
		return records, nil
	}
	if fl, ok := d.inflight[id]; ok {
		d.mu.Unlock()
		select {
		case <-fl.done:
			return append([]ToolRecord(nil), fl.records...), fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflightDiscovery{done: make(chan struct{})}
	d.inflight[id] = fl
	d.mu.Unlock()

	records, err := d.fetch(ctx, src)
	fl.records, fl.err = records, err

	d.mu.Lock()
	delete(d.inflight, id)
	d.mu.Unlock()
	close(fl.done)

	if err != nil {
		return nil, err
	}
	return append([]ToolRecord(nil), records...), nil
}

// RefreshTools bypasses the cache and forces a live fetch.
func (d *ToolDiscovery) RefreshTools(ctx context.Context, src toolSource) ([]ToolRecord, error) {
	d.mu.Lock()
	if sc, ok := d.cache[src.ID()]; ok {
		sc.expiresAt = time.Time{}
	}
	d.mu.Unlock()
	return d.DiscoverTools(ctx, src)
}

// fetch performs the live tools/list, merges the result into the cache
// preserving usage statistics, and emits the diff. Results arriving
// after the server's connection went away are discarded uncached.
func (d *ToolDiscovery) fetch(ctx context.Context, src toolSource) ([]ToolRecord, error) {
	defs, err := src.listToolsLive(ctx)
	if err != nil {
		return nil, err
	}
	if !src.connectionAlive() {
		return nil, &ServerNotRunningError{ID: src.ID(), Status: StatusStopped}
	}

	id, name := src.ID(), src.Name()
	now := d.now()

	d.mu.Lock()
	sc := d.cache[id]
	if sc == nil {
		sc = &serverCache{tools: make(map[string]*ToolRecord)}
		d.cache[id] = sc
	}

	var ev DiscoveryEvent
	ev.ServerID = id
	seen := make(map[string]bool, len(defs))
	for _, def := range defs {
		seen[def.Name] = true
		hash := schemaHash(def.InputSchema)
		if prev, ok := sc.tools[def.Name]; ok {
			changed := prev.SchemaHash != hash || prev.Description != def.Description
			prev.Description = def.Description
			prev.InputSchema = def.InputSchema
			prev.SchemaHash = hash
			prev.Category = inferCategory(def.Name, def.Description)
			prev.ServerName = name
			prev.Available = true
			prev.LastUpdated = now
			if changed {
				ev.Updated = append(ev.Updated, *prev)
			}
			continue
		}
		rec := &ToolRecord{
			Name:         def.Name,
			Description:  def.Description,
			InputSchema:  def.InputSchema,
			ServerID:     id,
			ServerName:   name,
			SchemaHash:   hash,
			Category:     inferCategory(def.Name, def.Description),
			Available:    true,
			DiscoveredAt: now,
			LastUpdated:  now,
			SuccessRate:  1,
		}
		sc.tools[def.Name] = rec
		ev.Added = append(ev.Added, *rec)
	}
	for toolName, rec := range sc.tools {
		if !seen[toolName] {
			ev.Removed = append(ev.Removed, *rec)
			delete(sc.tools, toolName)
		}
	}
	sc.expiresAt = now.Add(d.ttl)
	records := snapshotRecords(sc.tools)
	listeners := append([]DiscoveryListener(nil), d.listeners...)
	d.mu.Unlock()

	if len(ev.Added)+len(ev.Removed)+len(ev.Updated) > 0 {
		d.logger.Debug("tool set changed",
			"mcp_server", id,
			"added", len(ev.Added), "removed", len(ev.Removed), "updated", len(ev.Updated))
		d.emitMu.Lock()
		for _, l := range listeners {
			l(ev)
		}
		d.emitMu.Unlock()
	}
	return records, nil
}

// GetTools returns the cached tool set for one server. Expired entries
// are unreachable; they linger internally only so the next discovery can
// carry their usage statistics forward.
func (d *ToolDiscovery) GetTools(serverID string) []ToolRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.cache[serverID]
	if !ok || !d.now().Before(sc.expiresAt) {
		return nil
	}
	return snapshotRecords(sc.tools)
}

// GetAllTools returns every unexpired cached tool across the fleet,
// ordered by server id then tool name.
func (d *ToolDiscovery) GetAllTools() []ToolRecord {
	return d.freshRecords()
}

// FindTool looks up one unexpired cached tool.
func (d *ToolDiscovery) FindTool(serverID, tool string) (ToolRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.cache[serverID]
	if !ok || !d.now().Before(sc.expiresAt) {
		return ToolRecord{}, false
	}
	rec, ok := sc.tools[tool]
	if !ok {
		return ToolRecord{}, false
	}
	return *rec, true
}

// freshRecords returns every record from cache entries that have not
// expired, ordered by server id then tool name.
func (d *ToolDiscovery) freshRecords() []ToolRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var out []ToolRecord
	for _, sc := range d.cache {
		if !now.Before(sc.expiresAt) {
			continue
		}
		for _, rec := range sc.tools {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SearchTools returns unexpired tools whose name or description contains
// the query, case-insensitively. An empty query matches everything.
func (d *ToolDiscovery) SearchTools(query string) []ToolRecord {
	query = strings.ToLower(query)
	all := d.freshRecords()
	if query == "" {
		return all
	}
	out := all[:0]
	for _, rec := range all {
		if strings.Contains(strings.ToLower(rec.Name), query) ||
			strings.Contains(strings.ToLower(rec.Description), query) {
			out = append(out, rec)
		}
	}
	return out
}

// ToolsByCategory returns unexpired tools carrying the given category.
func (d *ToolDiscovery) ToolsByCategory(category string) []ToolRecord {
	all := d.freshRecords()
	out := all[:0]
	for _, rec := range all {
		if rec.Category == category {
			out = append(out, rec)
		}
	}
	return out
}

// UpdateToolStats records the outcome of one tool call. Success rate and
// average duration are running averages over UsageCount.
func (d *ToolDiscovery) UpdateToolStats(serverID, tool string, success bool, duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.cache[serverID]
	if !ok {
		return
	}
	rec, ok := sc.tools[tool]
	if !ok {
		return
	}
	rec.UsageCount++
	n := float64(rec.UsageCount)
	x := 0.0
	if success {
		x = 1.0
	}
	rec.SuccessRate += (x - rec.SuccessRate) / n
	rec.AvgDuration += time.Duration((float64(duration) - float64(rec.AvgDuration)) / n)
	rec.LastUsed = d.now()
}

// MarkUnavailable flags every cached tool of a server as unavailable.
// The records stay visible until their normal expiry so callers can see
// what a stopped server offered; a reconnect refetches them live.
func (d *ToolDiscovery) MarkUnavailable(serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sc, ok := d.cache[serverID]
	if !ok {
		return
	}
	for _, rec := range sc.tools {
		rec.Available = false
	}
}

// RemoveServer drops a server's cache entirely.
func (d *ToolDiscovery) RemoveServer(serverID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, serverID)
}

func snapshotRecords(tools map[string]*ToolRecord) []ToolRecord {
	out := make([]ToolRecord, 0, len(tools))
	for _, rec := range tools {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// schemaHash fingerprints a tool's input schema. Map keys marshal in
// sorted order, so equal schemas hash equally.
func schemaHash(schema map[string]any) string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
