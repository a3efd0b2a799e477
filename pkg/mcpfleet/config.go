package mcpfleet

import (
	"fmt"
	"net/url"
	"time"
)

// TransportKind identifies the transport family used by a ServerConfig.
type TransportKind string

const (
	// TransportStdio launches the server as a local subprocess and speaks
	// newline-delimited JSON-RPC over its stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportSocket connects to a server over a persistent websocket,
	// one JSON document per message frame.
	TransportSocket TransportKind = "socket"

	// transportSSEAlias is accepted for configs written by older clients
	// that labelled the url-based transport "sse". It normalizes to
	// TransportSocket during validation.
	transportSSEAlias TransportKind = "sse"
)

// HealthCheckConfig controls the periodic liveness probe for one server.
type HealthCheckConfig struct {
	// Interval is how often the probe runs while the server is running.
	Interval time.Duration `json:"interval" yaml:"interval"`
	// Timeout bounds each individual probe.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	// FailureThreshold is the number of consecutive probe failures that
	// flip health to unhealthy and engage the restart policy.
	FailureThreshold int `json:"failureThreshold" yaml:"failure_threshold"`
}

// ServerConfig describes one managed MCP server. The ID is the registry
// key and is immutable after creation. A config is validated as a unit
// before any process is spawned; invalid configs are rejected atomically.
type ServerConfig struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Transport TransportKind `json:"transport" yaml:"transport"`

	// Stdio transport settings.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     string            `json:"dir,omitempty" yaml:"dir,omitempty"`

	// Socket transport settings.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	AutoRestart     bool          `json:"autoRestart" yaml:"auto_restart"`
	MaxRestarts     int           `json:"maxRestarts" yaml:"max_restarts"`
	StartupTimeout  time.Duration `json:"startupTimeout" yaml:"startup_timeout"`
	ShutdownTimeout time.Duration `json:"shutdownTimeout" yaml:"shutdown_timeout"`

	HealthCheck HealthCheckConfig `json:"healthCheck" yaml:"health_check"`

	Tags    []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
}

// DefaultServerConfig returns the defaults applied to a new server before
// caller-supplied fields are laid on top. Callers still must provide an
// ID and transport settings; defaults never make a config valid on their
// own.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport:       TransportStdio,
		AutoRestart:     true,
		MaxRestarts:     3,
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		HealthCheck: HealthCheckConfig{
			Interval:         30 * time.Second,
			Timeout:          10 * time.Second,
			FailureThreshold: 3,
		},
		Enabled: true,
	}
}

// Validate checks the config as a single unit and returns a
// *ValidationError listing every problem found, or nil when the config is
// usable. It also normalizes the legacy "sse" transport label.
func (c *ServerConfig) Validate() error {
	var problems []string

	if c.ID == "" {
		problems = append(problems, "id is required")
	}
	if c.Transport == transportSSEAlias {
		c.Transport = TransportSocket
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			problems = append(problems, "stdio transport requires a command")
		}
	case TransportSocket:
		if c.URL == "" {
			problems = append(problems, "socket transport requires a url")
		} else if u, err := url.Parse(c.URL); err != nil {
			problems = append(problems, fmt.Sprintf("url is not parseable: %v", err))
		} else {
			switch u.Scheme {
			case "ws", "wss", "http", "https":
			default:
				problems = append(problems, fmt.Sprintf("url scheme %q is not supported", u.Scheme))
			}
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Transport))
	}
	if c.MaxRestarts < 0 {
		problems = append(problems, "maxRestarts must not be negative")
	}
	if c.StartupTimeout < 0 {
		problems = append(problems, "startupTimeout must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		problems = append(problems, "shutdownTimeout must not be negative")
	}
	if c.HealthCheck.Interval < 0 {
		problems = append(problems, "healthCheck.interval must not be negative")
	}
	if c.HealthCheck.FailureThreshold < 0 {
		problems = append(problems, "healthCheck.failureThreshold must not be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Clone returns a deep copy so callers can inspect or mutate a config
// without affecting the registered one.
func (c ServerConfig) Clone() ServerConfig {
	out := c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Tags != nil {
		out.Tags = append([]string(nil), c.Tags...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	return out
}

// displayName returns the configured name, falling back to the id.
func (c *ServerConfig) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// ServerConfigPatch carries a partial configuration update. Nil fields
// are left unchanged; the patched result is re-validated as a unit before
// it replaces the previous config. The ID cannot be patched.
type ServerConfigPatch struct {
	Name      *string        `json:"name,omitempty" yaml:"name,omitempty"`
	Transport *TransportKind `json:"transport,omitempty" yaml:"transport,omitempty"`

	Command *string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    *[]string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     *map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir     *string            `json:"dir,omitempty" yaml:"dir,omitempty"`
	URL     *string            `json:"url,omitempty" yaml:"url,omitempty"`

	AutoRestart     *bool          `json:"autoRestart,omitempty" yaml:"auto_restart,omitempty"`
	MaxRestarts     *int           `json:"maxRestarts,omitempty" yaml:"max_restarts,omitempty"`
	StartupTimeout  *time.Duration `json:"startupTimeout,omitempty" yaml:"startup_timeout,omitempty"`
	ShutdownTimeout *time.Duration `json:"shutdownTimeout,omitempty" yaml:"shutdown_timeout,omitempty"`

	HealthCheck *HealthCheckConfig `json:"healthCheck,omitempty" yaml:"health_check,omitempty"`

	Tags    *[]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Enabled *bool     `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// Apply lays the patch over a base config and returns the result. The
// base is not modified.
func (p *ServerConfigPatch) Apply(base ServerConfig) ServerConfig {
	out := base.Clone()
	if p == nil {
		return out
	}
	if p.Name != nil {
		out.Name = *p.Name
	}
	if p.Transport != nil {
		out.Transport = *p.Transport
	}
	if p.Command != nil {
		out.Command = *p.Command
	}
	if p.Args != nil {
		out.Args = append([]string(nil), (*p.Args)...)
	}
	if p.Env != nil {
		out.Env = make(map[string]string, len(*p.Env))
		for k, v := range *p.Env {
			out.Env[k] = v
		}
	}
	if p.Dir != nil {
		out.Dir = *p.Dir
	}
	if p.URL != nil {
		out.URL = *p.URL
	}
	if p.AutoRestart != nil {
		out.AutoRestart = *p.AutoRestart
	}
	if p.MaxRestarts != nil {
		out.MaxRestarts = *p.MaxRestarts
	}
	if p.StartupTimeout != nil {
		out.StartupTimeout = *p.StartupTimeout
	}
	if p.ShutdownTimeout != nil {
		out.ShutdownTimeout = *p.ShutdownTimeout
	}
	if p.HealthCheck != nil {
		out.HealthCheck = *p.HealthCheck
	}
	if p.Tags != nil {
		out.Tags = append([]string(nil), (*p.Tags)...)
	}
	if p.Enabled != nil {
		out.Enabled = *p.Enabled
	}
	return out
}
