package sws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/albertbausili/sws/internal/admin"
	"github.com/albertbausili/sws/internal/conn"
	"github.com/albertbausili/sws/internal/resolve"
	"github.com/albertbausili/sws/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var (
	errNotServing = errors.New("sws: server is not serving")
	errStarted    = errors.New("sws: server already started")
)

// Stats is a point-in-time view of the connection counters.
type Stats struct {
	Accepted uint64 // Sockets accepted, i.e. connection ids handed out
	Rejected uint64 // Sockets closed at accept time
	Opened   uint64 // Connection contexts created
	Released uint64 // Connection contexts released after close
}

// Live is the number of connection contexts not yet released.
func (s Stats) Live() int64 { return int64(s.Opened) - int64(s.Released) }

// Server is one listener instance together with its resolver, metrics
// registry and admin endpoint. Independent servers share no state.
type Server struct {
	config    Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	observer  *observer
	transport *transport.Server

	mu       sync.Mutex
	connOpts conn.Options
	started  bool
	serving  bool
	fs       *resolve.FS
	admin    *admin.Server
	stopOnce sync.Once
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	s := &Server{
		config:   config,
		logger:   config.Logger,
		registry: prometheus.NewRegistry(),
	}
	s.transport = transport.NewServer(transport.Config{
		Addr:           config.Addr,
		Backlog:        config.Backlog,
		Multicore:      config.Multicore,
		NumEventLoop:   config.NumEventLoop,
		ReusePort:      config.ReusePort,
		MaxConnections: config.MaxConnections,
		Logger:         config.Logger,
	}, s.spawn)
	s.observer = newObserver(newMetrics(s.registry, func() float64 {
		return float64(s.transport.Rejected())
	}))
	return s
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// ListenAndServe starts the resolver and the admin endpoint, then binds the
// listener and serves until Stop. Any failure to start is returned.
func (s *Server) ListenAndServe() error {
	if err := s.open(); err != nil {
		if !errors.Is(err, errStarted) {
			s.closeResources(context.Background())
		}
		return err
	}

	if err := s.transport.Serve(); err != nil {
		s.closeResources(context.Background())
		return err
	}
	return nil
}

func (s *Server) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errStarted
	}
	s.started = true

	resolver := s.config.Resolver
	if resolver == nil {
		fs, err := resolve.NewFS(resolve.Config{
			Root:    s.config.Root,
			Index:   s.config.Index,
			Workers: s.config.ResolveWorkers,
			Logger:  s.logger,
		})
		if err != nil {
			return fmt.Errorf("sws: init resolver: %w", err)
		}
		s.fs = fs
		resolver = fs
		s.logger.Info("serving directory", zap.String("root", fs.Root()))
	}

	if s.config.MetricsAddr != "" {
		h := admin.NewHandler(s.registry, func() any { return s.observer.snapshot() }, s.logger)
		a, err := admin.Listen(s.config.MetricsAddr, h, s.logger)
		if err != nil {
			return fmt.Errorf("sws: init admin: %w", err)
		}
		s.admin = a
	}

	s.connOpts = conn.Options{
		Resolver:       resolver,
		Logger:         s.logger,
		Observer:       s.observer,
		Tracer:         otel.Tracer(s.config.TracerName),
		MaxRequestLine: s.config.MaxRequestLine,
	}
	s.serving = true
	return nil
}

// spawn is called by the listener on every accepted socket.
func (s *Server) spawn(id uint64, ep conn.Endpoint) (*conn.Conn, error) {
	s.mu.Lock()
	opts, serving := s.connOpts, s.serving
	s.mu.Unlock()

	if !serving {
		return nil, errNotServing
	}
	return conn.New(id, ep, opts), nil
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.transport.Ready()
}

// Stop shuts the listener down, closing every connection, then stops the
// resolver and the admin endpoint.
func (s *Server) Stop(ctx context.Context) error {
	err := s.transport.Stop(ctx)
	s.closeResources(ctx)
	return err
}

func (s *Server) closeResources(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		fs, a := s.fs, s.admin
		s.serving = false
		s.mu.Unlock()

		if fs != nil {
			if err := fs.Close(); err != nil {
				s.logger.Warn("stopping resolver", zap.Error(err))
			}
		}
		if a != nil {
			if err := a.Shutdown(ctx); err != nil {
				s.logger.Warn("stopping admin server", zap.Error(err))
			}
		}
	})
}

// Stats returns the connection counters.
func (s *Server) Stats() Stats {
	return Stats{
		Accepted: s.transport.Accepted(),
		Rejected: s.transport.Rejected(),
		Opened:   s.observer.opened.Load(),
		Released: s.observer.released.Load(),
	}
}

// Connections returns the live connections ordered by id.
func (s *Server) Connections() []ConnInfo {
	return s.observer.snapshot()
}

// Registry exposes the server's metrics registry.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// AdminAddr is the bound admin address, empty when disabled or not started.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}
