package conn

import (
	"errors"
	"net"

	"github.com/albertbausili/sws/internal/resolve"
)

var errFake = errors.New("fake failure")

// fakeEndpoint records the asynchronous requests of a Conn so tests can
// complete them by hand.
type fakeEndpoint struct {
	writes    [][]byte
	writeDone []func(error)
	closes    int
	posted    []func()

	writeErr error
	closeErr error
	postErr  error
}

func (e *fakeEndpoint) Write(buf []byte, done func(error)) error {
	if e.writeErr != nil {
		return e.writeErr
	}
	e.writes = append(e.writes, buf)
	e.writeDone = append(e.writeDone, done)
	return nil
}

func (e *fakeEndpoint) Close() error {
	e.closes++
	return e.closeErr
}

func (e *fakeEndpoint) Post(fn func()) error {
	if e.postErr != nil {
		return e.postErr
	}
	e.posted = append(e.posted, fn)
	return nil
}

func (e *fakeEndpoint) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

// finishWrite completes the oldest pending write.
func (e *fakeEndpoint) finishWrite(err error) {
	done := e.writeDone[0]
	e.writeDone = e.writeDone[1:]
	done(err)
}

// runPosted drains the loop queue.
func (e *fakeEndpoint) runPosted() {
	for len(e.posted) > 0 {
		fn := e.posted[0]
		e.posted = e.posted[1:]
		fn()
	}
}

type pendingResolve struct {
	url  string
	done func(*resolve.Resource)
}

// fakeResolver holds resolutions until the test finishes them.
type fakeResolver struct {
	resolve.Pool
	calls   []string
	pending []pendingResolve
	err     error
}

func (r *fakeResolver) Resolve(url string, done func(*resolve.Resource)) error {
	r.calls = append(r.calls, url)
	if r.err != nil {
		return r.err
	}
	r.pending = append(r.pending, pendingResolve{url: url, done: done})
	return nil
}

// finish completes the oldest pending resolution with the given result code.
func (r *fakeResolver) finish(err error) {
	p := r.pending[0]
	r.pending = r.pending[1:]
	res := r.Acquire(p.url)
	res.Err = err
	p.done(res)
}

// recorder is an Observer counting lifecycle notifications.
type recorder struct {
	opened      int
	released    int
	transitions []State
}

func (r *recorder) Opened(*Conn) { r.opened++ }

func (r *recorder) Transition(_ *Conn, _, to State) {
	r.transitions = append(r.transitions, to)
}

func (r *recorder) Released(*Conn) { r.released++ }
