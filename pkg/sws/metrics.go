package sws

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/sws/internal/conn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	accepted    prometheus.Counter
	live        prometheus.Gauge
	closed      *prometheus.CounterVec
	responses   *prometheus.CounterVec
	transitions *prometheus.CounterVec
	resolve     prometheus.Histogram
	lifetime    prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer, rejected func() float64) *metrics {
	f := promauto.With(reg)
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "sws_connections_rejected_total",
		Help: "Sockets closed at accept time",
	}, rejected)

	return &metrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "sws_connections_opened_total",
			Help: "Connection contexts created",
		}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Name: "sws_connections_live",
			Help: "Connection contexts created and not yet released",
		}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sws_connections_closed_total",
			Help: "Connection contexts released, by close reason",
		}, []string{"reason"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sws_responses_total",
			Help: "Responses written, by status code",
		}, []string{"status"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sws_state_transitions_total",
			Help: "Connection state transitions, by target state",
		}, []string{"state"}),
		resolve: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sws_resolve_duration_seconds",
			Help:    "Time from starting a resolution to handling its completion",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		lifetime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sws_connection_duration_seconds",
			Help:    "Time from accept to release",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ConnInfo describes a live connection.
type ConnInfo struct {
	ID     uint64    `json:"id"`
	Remote string    `json:"remote"`
	State  string    `json:"state"`
	URL    string    `json:"url,omitempty"`
	Opened time.Time `json:"opened"`
	Since  time.Time `json:"since"`
}

// observer implements conn.Observer. Its callbacks run on the event loops;
// the live table is read from admin requests, hence the mutex.
type observer struct {
	metrics  *metrics
	opened   atomic.Uint64
	released atomic.Uint64

	mu   sync.Mutex
	live map[uint64]*ConnInfo
}

func newObserver(m *metrics) *observer {
	return &observer{
		metrics: m,
		live:    make(map[uint64]*ConnInfo),
	}
}

func (o *observer) Opened(c *conn.Conn) {
	o.opened.Add(1)
	o.metrics.accepted.Inc()
	o.metrics.live.Inc()

	o.mu.Lock()
	o.live[c.ID()] = &ConnInfo{
		ID:     c.ID(),
		Remote: c.RemoteAddr(),
		State:  c.State().String(),
		Opened: c.Opened(),
		Since:  c.Opened(),
	}
	o.mu.Unlock()
}

func (o *observer) Transition(c *conn.Conn, _, to conn.State) {
	o.metrics.transitions.WithLabelValues(to.String()).Inc()

	now := time.Now()
	o.mu.Lock()
	info, ok := o.live[c.ID()]
	if ok {
		if to == conn.StateResolved {
			o.metrics.resolve.Observe(now.Sub(info.Since).Seconds())
		}
		if to == conn.StateParsed {
			info.URL = c.Request().URL
		}
		info.State = to.String()
		info.Since = now
	}
	o.mu.Unlock()
}

func (o *observer) Released(c *conn.Conn) {
	o.released.Add(1)
	o.metrics.live.Dec()
	o.metrics.closed.WithLabelValues(c.Reason().String()).Inc()
	if status := c.Status(); status != 0 {
		o.metrics.responses.WithLabelValues(strconv.Itoa(status)).Inc()
	}
	o.metrics.lifetime.Observe(time.Since(c.Opened()).Seconds())

	o.mu.Lock()
	delete(o.live, c.ID())
	o.mu.Unlock()
}

// snapshot returns the live connections ordered by id.
func (o *observer) snapshot() []ConnInfo {
	o.mu.Lock()
	out := make([]ConnInfo, 0, len(o.live))
	for _, info := range o.live {
		out = append(out, *info)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
