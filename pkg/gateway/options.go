package gateway

import (
	"log/slog"
	"time"
)

// Options configures the admin gateway.
type Options struct {
	// Addr is the listen address. Defaults to ":8090".
	Addr string
	// Logger receives request and lifecycle diagnostics.
	Logger *slog.Logger
	// AllowedOrigins is the CORS allow-list. Empty means same-origin
	// only.
	AllowedOrigins []string
	// ReadTimeout/WriteTimeout guard the HTTP server. Write defaults
	// generously because tool calls proxy to live servers.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = ":8090"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Minute
	}
	return o
}
