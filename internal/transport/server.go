// Package transport provides the TCP listener, built on gnet. It accepts
// sockets, spawns one connection context per socket and feeds it the
// socket's read and close events from the event loop.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/albertbausili/sws/internal/conn"
	"github.com/panjf2000/gnet/v2"
	"go.uber.org/zap"
)

// ErrConnLimit is reported when an accepted socket exceeds MaxConnections.
var ErrConnLimit = errors.New("transport: too many connections")

// Config defines the listener options. None of them change at runtime.
type Config struct {
	Addr           string
	Backlog        int
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	MaxConnections uint32
	Logger         *zap.Logger
}

// SpawnFunc builds the connection context for an accepted socket.
type SpawnFunc func(id uint64, ep conn.Endpoint) (*conn.Conn, error)

// Server implements gnet.EventHandler.
type Server struct {
	gnet.BuiltinEventEngine
	cfg    Config
	spawn  SpawnFunc
	logger *zap.Logger

	nextID   atomic.Uint64
	active   atomic.Int64
	rejected atomic.Uint64

	engine gnet.Engine
	ready  chan struct{}
}

// NewServer creates a listener that hands accepted sockets to spawn.
func NewServer(cfg Config, spawn SpawnFunc) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		spawn:  spawn,
		logger: cfg.Logger,
		ready:  make(chan struct{}),
	}
}

// Serve binds the address and runs the event loops until Stop. A bind or
// listen failure is returned immediately.
func (s *Server) Serve() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.cfg.Multicore),
		gnet.WithReusePort(s.cfg.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.logger.Sugar()),
	}
	if s.cfg.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.cfg.NumEventLoop))
	}

	if err := gnet.Run(s, "tcp://"+s.cfg.Addr, options...); err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Stop shuts the event loops down. It is a no-op before the server is ready.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.ready:
	default:
		return nil
	}
	return s.engine.Stop(ctx)
}

// Accepted is the number of sockets accepted so far, including rejected ones.
func (s *Server) Accepted() uint64 { return s.nextID.Load() }

// Active is the number of connection contexts not yet closed.
func (s *Server) Active() int64 { return s.active.Load() }

// Rejected is the number of sockets closed at accept time.
func (s *Server) Rejected() uint64 { return s.rejected.Load() }

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info("listening on",
		zap.String("url", localURL(s.cfg.Addr)),
		zap.Int("backlog", s.cfg.Backlog),
		zap.Bool("multicore", s.cfg.Multicore))
	close(s.ready)
	return gnet.None
}

// localURL turns a bind address into the URL a local client would use.
func localURL(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	return "http://localhost:" + port
}

// OnShutdown is called when the event loops have stopped.
func (s *Server) OnShutdown(_ gnet.Engine) {
	s.logger.Info("listener stopped", zap.Int64("active", s.active.Load()))
}

// OnOpen is the accept callback.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	id := s.nextID.Add(1) - 1

	if s.cfg.MaxConnections > 0 && s.active.Load() >= int64(s.cfg.MaxConnections) {
		s.rejected.Add(1)
		s.logger.Warn("error accepting connection",
			zap.Uint64("conn", id), zap.Stringer("remote", c.RemoteAddr()), zap.Error(ErrConnLimit))
		return nil, gnet.Close
	}

	cc, err := s.spawn(id, &endpoint{c: c})
	if err != nil {
		s.rejected.Add(1)
		s.logger.Error("error accepting connection", zap.Uint64("conn", id), zap.Error(err))
		return nil, gnet.Close
	}

	s.active.Add(1)
	c.SetContext(cc)
	cc.Start()
	return nil, gnet.None
}

// OnTraffic delivers request bytes to connections that are reading. Bytes
// arriving in any other state stay buffered in gnet and are never read.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	cc, ok := c.Context().(*conn.Conn)
	if !ok {
		s.logger.Warn("traffic on connection without context", zap.Stringer("remote", c.RemoteAddr()))
		return gnet.Close
	}

	if !cc.Reading() {
		if cc.State() >= conn.StateClosing {
			_, _ = c.Discard(-1)
		}
		return gnet.None
	}

	buf, err := c.Next(-1)
	if err != nil {
		cc.Dispatch(conn.Event{Kind: conn.EventReadError, Err: err})
		return gnet.None
	}
	if len(buf) == 0 {
		return gnet.None
	}

	cc.Dispatch(conn.Event{Kind: conn.EventRead, Data: buf})
	return gnet.None
}

// OnClose is the close completion; it is the only place a connection
// context is released.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	cc, ok := c.Context().(*conn.Conn)
	if !ok {
		s.logger.Debug("closed socket had no context", zap.Error(err))
		return gnet.None
	}

	c.SetContext(nil)
	s.active.Add(-1)
	cc.Dispatch(conn.Event{Kind: conn.EventClosed, Err: err})
	return gnet.None
}
