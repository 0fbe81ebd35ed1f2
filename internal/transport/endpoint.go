package transport

import (
	"net"

	"github.com/panjf2000/gnet/v2"
)

// endpoint adapts a gnet.Conn to conn.Endpoint. gnet runs write and wake
// callbacks on the connection's own event loop.
type endpoint struct {
	c gnet.Conn
}

func (e *endpoint) Write(buf []byte, done func(error)) error {
	return e.c.AsyncWrite(buf, func(_ gnet.Conn, err error) error {
		done(err)
		return nil
	})
}

func (e *endpoint) Close() error {
	return e.c.Close()
}

// Post wakes the connection's loop and runs fn there.
func (e *endpoint) Post(fn func()) error {
	return e.c.Wake(func(_ gnet.Conn, _ error) error {
		fn()
		return nil
	})
}

func (e *endpoint) RemoteAddr() net.Addr {
	return e.c.RemoteAddr()
}
