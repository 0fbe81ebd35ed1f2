// Package conn implements the per-connection lifecycle as an explicit state
// machine: accept, read, parse, resolve, write, close.
//
// A Conn is driven entirely by Dispatch, which must be called from the
// connection's event loop. Each asynchronous request issued by a Conn (a
// resolution, a write) carries a direct pointer back to it, and its completion
// is delivered through Dispatch as well, so the Conn never runs concurrently
// with itself.
package conn

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/albertbausili/sws/internal/parser"
	"github.com/albertbausili/sws/internal/resolve"
	"github.com/albertbausili/sws/internal/response"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Endpoint is the socket side of a connection.
type Endpoint interface {
	// Write queues buf and calls done on the event loop once it is written.
	// If Write returns an error, done is never called.
	Write(buf []byte, done func(err error)) error
	// Close requests an asynchronous close; completion arrives as EventClosed.
	Close() error
	// Post runs fn on the connection's event loop. Safe from any goroutine.
	Post(fn func()) error
	RemoteAddr() net.Addr
}

// Observer is notified of lifecycle changes, on the event loop.
type Observer interface {
	Opened(c *Conn)
	Transition(c *Conn, from, to State)
	// Released is called exactly once per Conn, after its socket is closed.
	Released(c *Conn)
}

// Options are shared by every connection of a server.
type Options struct {
	Resolver       resolve.Resolver
	Logger         *zap.Logger
	Observer       Observer
	Tracer         trace.Tracer
	MaxRequestLine int
}

var errAborted = errors.New("conn: socket closed before response was written")

// Conn is the connection context. It owns its endpoint from accept until the
// close completion.
type Conn struct {
	id       uint64
	state    State
	ep       Endpoint
	remote   string
	parser   parser.Parser
	req      parser.Request
	resolver resolve.Resolver
	logger   *zap.Logger
	obs      Observer
	span     trace.Span
	opened   time.Time

	status int
	reason Reason
	err    error
}

// New creates a connection in StateAccepted with an initialised parser.
func New(id uint64, ep Endpoint, opts Options) *Conn {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("")
	}

	remote := ""
	if addr := ep.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	c := &Conn{
		id:       id,
		state:    StateAccepted,
		ep:       ep,
		remote:   remote,
		resolver: opts.Resolver,
		logger:   opts.Logger.With(zap.Uint64("conn", id)),
		obs:      opts.Observer,
		opened:   time.Now(),
	}
	c.parser.Init(opts.MaxRequestLine, c.onParseComplete)

	_, c.span = opts.Tracer.Start(context.Background(), "sws.connection",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64("sws.conn.id", int64(id)),
			attribute.String("net.peer.addr", remote),
		),
	)

	if c.obs != nil {
		c.obs.Opened(c)
	}
	return c
}

func (c *Conn) ID() uint64              { return c.id }
func (c *Conn) State() State            { return c.state }
func (c *Conn) RemoteAddr() string      { return c.remote }
func (c *Conn) Request() parser.Request { return c.req }
func (c *Conn) Opened() time.Time       { return c.opened }

// Status is the status code of the response written, 0 if none was.
func (c *Conn) Status() int { return c.status }

// Reason reports why the connection closed.
func (c *Conn) Reason() Reason { return c.reason }

// Err is the error that closed the connection, if any.
func (c *Conn) Err() error { return c.err }

// Start moves a freshly accepted connection into StateReading.
func (c *Conn) Start() {
	if c.state != StateAccepted {
		return
	}
	c.setState(StateReading)
}

// Dispatch is the transition function. It must only be called on the
// connection's event loop.
func (c *Conn) Dispatch(ev Event) {
	switch ev.Kind {
	case EventRead:
		c.onRead(ev.Data)
	case EventEOF:
		c.onEOF()
	case EventReadError:
		c.onReadError(ev.Err)
	case EventResolved:
		c.onResolved(ev.Resource)
	case EventWritten:
		c.onWritten(ev.Err)
	case EventClosed:
		c.onClosed(ev.Err)
	default:
		c.logger.Warn("unknown event", zap.Stringer("event", ev.Kind))
	}
}

// Reading reports whether the connection wants request bytes.
func (c *Conn) Reading() bool { return c.state == StateReading }

func (c *Conn) onRead(data []byte) {
	if c.state != StateReading {
		c.logger.Warn("read outside reading state",
			zap.Stringer("state", c.state), zap.Int("len", len(data)))
		return
	}

	c.logger.Info("request", zap.Int("len", len(data)))

	n := c.parser.Execute(data)
	if n < len(data) {
		err := c.parser.Err()
		c.logger.Error("parsing http request",
			zap.Int("consumed", n), zap.Int("len", len(data)), zap.Error(err))
		c.close(ReasonParseError, err)
		return
	}
	if !c.parser.Done() {
		return
	}

	c.setState(StateParsed)
	c.resolve()
}

func (c *Conn) onParseComplete(req *parser.Request) {
	c.req = *req
	c.logger.Debug("request line parsed", zap.Stringer("request", req))
}

func (c *Conn) onEOF() {
	switch c.state {
	case StateClosing, StateClosed:
	case StateReading:
		c.logger.Debug("closed request connection due to unexpected EOF")
		c.close(ReasonPeerEOF, io.ErrUnexpectedEOF)
	default:
		c.close(ReasonAborted, errAborted)
	}
}

func (c *Conn) onReadError(err error) {
	if c.state >= StateClosing {
		return
	}
	c.logger.Error("reading request", zap.Error(err))
	c.close(ReasonReadError, err)
}

func (c *Conn) resolve() {
	c.setState(StateResolving)

	rr := &resolveRequest{conn: c, ep: c.ep, started: time.Now()}
	if err := c.resolver.Resolve(c.req.URL, rr.complete); err != nil {
		c.logger.Error("resolve resource", zap.String("url", c.req.URL), zap.Error(err))
		c.setState(StateResolved)
		c.write(response.InternalError)
	}
}

// onResolved owns res and releases it on every branch.
func (c *Conn) onResolved(res *resolve.Resource) {
	defer res.Release()

	if c.state != StateResolving {
		c.logger.Debug("resolution finished after teardown",
			zap.Stringer("state", c.state), zap.String("url", res.URL))
		return
	}
	c.setState(StateResolved)

	if res.Err != nil {
		c.logger.Error("resolve resource", zap.String("url", res.URL), zap.Error(res.Err))
		c.write(response.ForError(res.Err))
		return
	}

	c.logger.Debug("resolved", zap.Stringer("resource", res))
	c.write(response.OK)
}

func (c *Conn) write(buf []byte) {
	c.setState(StateWriting)
	c.status = response.Status(buf)

	wr := &writeRequest{conn: c, buf: buf}
	if err := c.ep.Write(buf, wr.complete); err != nil {
		c.logger.Error("writing response", zap.Error(err))
		c.close(ReasonWriteError, err)
	}
}

func (c *Conn) onWritten(err error) {
	if c.state != StateWriting {
		c.logger.Debug("write finished after teardown", zap.Stringer("state", c.state))
		return
	}
	if err != nil {
		c.logger.Error("on response write", zap.Error(err))
		c.close(ReasonWriteError, err)
		return
	}
	c.close(ReasonDone, nil)
}

// close requests the socket close. The Conn is released by onClosed.
func (c *Conn) close(reason Reason, err error) {
	if c.state >= StateClosing {
		return
	}
	c.reason, c.err = reason, err
	c.setState(StateClosing)

	if cerr := c.ep.Close(); cerr != nil {
		// no completion will follow
		c.logger.Error("closing connection", zap.Error(cerr))
		c.release()
	}
}

func (c *Conn) onClosed(err error) {
	switch c.state {
	case StateClosed:
		c.logger.Warn("duplicate close completion", zap.Error(err))
		return
	case StateClosing:
	case StateAccepted, StateReading:
		c.reason, c.err = ReasonPeerEOF, err
		c.setState(StateClosing)
	default:
		if err == nil {
			err = errAborted
		}
		c.reason, c.err = ReasonAborted, err
		c.setState(StateClosing)
	}
	c.release()
}

// release is the single cleanup point of the lifecycle.
func (c *Conn) release() {
	c.parser.Reset()
	c.setState(StateClosed)
	c.ep = nil

	c.logger.Info("connection closed",
		zap.Stringer("reason", c.reason),
		zap.Int("status", c.status),
		zap.Duration("lifetime", time.Since(c.opened)))

	c.span.SetAttributes(
		attribute.String("sws.close_reason", c.reason.String()),
		attribute.Int("http.status_code", c.status),
	)
	if c.req.URL != "" {
		c.span.SetAttributes(
			attribute.String("http.method", c.req.Method),
			attribute.String("http.target", c.req.URL),
		)
	}
	if c.reason == ReasonDone {
		c.span.SetStatus(codes.Ok, "")
	} else {
		if c.err != nil {
			c.span.RecordError(c.err)
		}
		c.span.SetStatus(codes.Error, c.reason.String())
	}
	c.span.End()

	if c.obs != nil {
		c.obs.Released(c)
	}
}

func (c *Conn) setState(to State) {
	from := c.state
	c.state = to
	c.span.AddEvent(to.String())
	if c.obs != nil {
		c.obs.Transition(c, from, to)
	}
}
