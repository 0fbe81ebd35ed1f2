// Package sws provides a static web server built on a single-threaded event
// loop. Each connection reads one request line, resolves its target against
// a document root and answers with a canned response before closing.
package sws

import (
	"errors"

	"github.com/albertbausili/sws/internal/parser"
	"github.com/albertbausili/sws/internal/resolve"
	"go.uber.org/zap"
)

// Config holds the server configuration. It is fixed once the server starts.
type Config struct {
	Addr           string           // Address to bind to, host:port
	Backlog        int              // Listen backlog
	Multicore      bool             // Run several event loops instead of one
	NumEventLoop   int              // Number of event loops when Multicore is set (0 for auto-detect)
	ReusePort      bool             // Enable SO_REUSEPORT
	MaxConnections uint32           // Maximum live connections (0 for unlimited)
	Root           string           // Document root request targets are resolved against
	Index          string           // File resolved for directory targets
	ResolveWorkers int              // Resolver worker pool size (0 for auto-detect)
	MaxRequestLine int              // Maximum request line length in bytes
	MetricsAddr    string           // Admin listener for /metrics and /debug/connections, empty to disable
	TracerName     string           // OpenTelemetry tracer name
	Logger         *zap.Logger      // Logger for server and connection events
	Resolver       resolve.Resolver // Replaces the filesystem resolver; Root, Index and ResolveWorkers are then unused
}

// DefaultConfig returns a Config listening on port 3000 of every IPv4
// interface with a backlog of 128.
func DefaultConfig() Config {
	return Config{
		Addr:           "0.0.0.0:3000",
		Backlog:        128,
		Multicore:      false, // one loop, callbacks run serially
		NumEventLoop:   0,
		ReusePort:      false,
		Root:           ".",
		Index:          "index.html",
		ResolveWorkers: 0,
		MaxRequestLine: parser.DefaultMaxLine,
		TracerName:     "sws",
		Logger:         zap.NewNop(),
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		c.Addr = "0.0.0.0:3000"
	}
	if c.Backlog <= 0 {
		c.Backlog = 128
	}
	if c.NumEventLoop < 0 {
		return errors.New("sws: NumEventLoop must not be negative")
	}
	if c.ResolveWorkers < 0 {
		return errors.New("sws: ResolveWorkers must not be negative")
	}
	if c.MaxRequestLine <= 0 {
		c.MaxRequestLine = parser.DefaultMaxLine
	}
	if c.Resolver == nil && c.Root == "" {
		c.Root = "."
	}
	if c.TracerName == "" {
		c.TracerName = "sws"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}
