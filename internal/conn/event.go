package conn

import (
	"time"

	"github.com/albertbausili/sws/internal/resolve"
	"go.uber.org/zap"
)

// Event is a completion delivered to Dispatch.
type Event struct {
	Kind EventKind
	// Data is valid for EventRead, and only for the duration of Dispatch.
	Data []byte
	// Err is the status of EventReadError, EventWritten and EventClosed.
	Err error
	// Resource is owned by the Conn once EventResolved is dispatched.
	Resource *resolve.Resource
}

// resolveRequest is the in-flight resolution of one connection. The resolver
// calls complete on its own goroutine; the result is posted back to the loop.
type resolveRequest struct {
	conn    *Conn
	ep      Endpoint
	started time.Time
}

func (r *resolveRequest) complete(res *resolve.Resource) {
	c := r.conn
	err := r.ep.Post(func() {
		c.logger.Debug("resolution completed", zap.Duration("took", time.Since(r.started)))
		c.Dispatch(Event{Kind: EventResolved, Resource: res})
	})
	if err != nil {
		c.logger.Error("delivering resolution", zap.Error(err))
		res.Release()
		// the completion of this close is still delivered as EventClosed
		if cerr := r.ep.Close(); cerr != nil {
			c.logger.Error("closing connection", zap.Error(cerr))
		}
	}
}

// writeRequest is the in-flight response write of one connection.
type writeRequest struct {
	conn *Conn
	buf  []byte
}

func (w *writeRequest) complete(err error) {
	if err == nil {
		w.conn.logger.Debug("response written", zap.Int("len", len(w.buf)))
	}
	w.conn.Dispatch(Event{Kind: EventWritten, Err: err})
}
