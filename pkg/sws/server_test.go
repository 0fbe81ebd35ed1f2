package sws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albertbausili/sws/internal/resolve"
	"github.com/albertbausili/sws/internal/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const cannedOK = "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: 12\r\n\r\nhello world\n"

var testPortCounter uint32

func getTestAddr() string {
	// Use atomic counter to ensure unique ports across tests
	port := 23000 + atomic.AddUint32(&testPortCounter, 1)
	return fmt.Sprintf("127.0.0.1:%d", port)
}

// startServer runs a server on a fresh port and stops it when the test ends.
func startServer(t *testing.T, config Config) *Server {
	t.Helper()

	config.Addr = getTestAddr()
	if config.Root == "" && config.Resolver == nil {
		config.Root = t.TempDir()
	}
	config.Logger = zap.NewNop()

	s := New(config)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ListenAndServe() }()

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("Server error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
		<-errCh
	})
	return s
}

// exchange sends payload on a new connection and returns everything the
// server writes before closing. It is safe to call from any goroutine.
func exchange(addr, payload string) (string, error) {
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return "", err
	}
	defer c.Close()

	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(c, payload); err != nil {
		return "", err
	}

	data, _ := io.ReadAll(c)
	return string(data), nil
}

func roundTrip(t *testing.T, addr, payload string) string {
	t.Helper()

	got, err := exchange(addr, payload)
	require.NoError(t, err)
	return got
}

func waitReleased(t *testing.T, s *Server, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Stats()
		return st.Released == n && st.Live() == 0
	}, 5*time.Second, 10*time.Millisecond, "stats: %+v", s.Stats())
}

func TestServer_CannedResponse(t *testing.T) {
	s := startServer(t, Config{})

	got := roundTrip(t, s.config.Addr, "GET / HTTP/1.1\r\n\r\n")

	assert.Equal(t, cannedOK, got)
	waitReleased(t, s, 1)
}

func TestServer_NotFound(t *testing.T) {
	s := startServer(t, Config{})

	got := roundTrip(t, s.config.Addr, "GET /missing.txt HTTP/1.1\r\nHost: x\r\n\r\n")

	assert.Equal(t, string(response.NotFound), got)
	waitReleased(t, s, 1)
}

func TestServer_ExistingFileStillGetsCannedResponse(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "page.html"), []byte("<p>real content</p>"), 0o644))
	s := startServer(t, Config{Root: root})

	got := roundTrip(t, s.config.Addr, "GET /page.html HTTP/1.1\r\n\r\n")

	assert.Equal(t, cannedOK, got)
}

func TestServer_PartialRequestThenDisconnect(t *testing.T) {
	s := startServer(t, Config{})

	c, err := net.Dial("tcp", s.config.Addr)
	require.NoError(t, err)
	_, err = io.WriteString(c, "GET /")
	require.NoError(t, err)
	require.NoError(t, c.(*net.TCPConn).CloseWrite())

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(c)
	_ = c.Close()
	assert.Empty(t, data, "no bytes are written for an incomplete request")

	waitReleased(t, s, 1)
	assert.Equal(t, uint64(1), s.Stats().Accepted)

	assert.Equal(t, cannedOK, roundTrip(t, s.config.Addr, "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, uint64(2), s.Stats().Accepted, "id counter advances for the next connection")
	waitReleased(t, s, 2)
}

func TestServer_MalformedRequest(t *testing.T) {
	s := startServer(t, Config{})

	got := roundTrip(t, s.config.Addr, "\x16\x03\x01\x00\xa5\x01\x00\x00")

	assert.Empty(t, got)
	waitReleased(t, s, 1)
}

func TestServer_ChunkedRequest(t *testing.T) {
	s := startServer(t, Config{})

	c, err := net.Dial("tcp", s.config.Addr)
	require.NoError(t, err)
	defer c.Close()

	for _, part := range []string{"GE", "T /", " HTTP/1", ".1\r", "\n\r\n"} {
		_, err = io.WriteString(c, part)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(c)
	assert.Equal(t, cannedOK, string(data))
}

// gateResolver holds resolutions of "/slow" until the gate opens.
type gateResolver struct {
	resolve.Pool
	gate chan struct{}
}

func (r *gateResolver) Resolve(url string, done func(*resolve.Resource)) error {
	res := r.Acquire(url)
	go func() {
		if url == "/slow" {
			<-r.gate
		}
		done(res)
	}()
	return nil
}

func TestServer_IndependentConnections(t *testing.T) {
	resolver := &gateResolver{gate: make(chan struct{})}
	s := startServer(t, Config{Resolver: resolver})

	slow, err := net.Dial("tcp", s.config.Addr)
	require.NoError(t, err)
	defer slow.Close()
	_, err = io.WriteString(slow, "GET /slow HTTP/1.1\r\n\r\n")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		conns := s.Connections()
		return len(conns) == 1 && conns[0].State == "resolving"
	}, 5*time.Second, 10*time.Millisecond)
	slowID := s.Connections()[0].ID

	// the fast connection completes while the slow one is parked
	assert.Equal(t, cannedOK, roundTrip(t, s.config.Addr, "GET /fast HTTP/1.1\r\n\r\n"))
	waitReleasedCount(t, s, 1)

	conns := s.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, slowID, conns[0].ID)
	assert.Equal(t, "resolving", conns[0].State)
	assert.Equal(t, "/slow", conns[0].URL)

	close(resolver.gate)

	_ = slow.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(slow)
	assert.Equal(t, cannedOK, string(data))

	waitReleased(t, s, 2)
	assert.Zero(t, resolver.Outstanding())
}

func waitReleasedCount(t *testing.T, s *Server, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Stats().Released == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServer_ReleaseReturnsToBaseline(t *testing.T) {
	s := startServer(t, Config{})

	payloads := []string{
		"GET / HTTP/1.1\r\n\r\n",
		"GET /nope HTTP/1.1\r\n\r\n",
		"NOT A REQUEST\x00\r\n",
		"GET / HTTP/1.0\n\n",
	}

	var wg sync.WaitGroup
	errs := make(chan error, 5*len(payloads))
	for i := 0; i < 5; i++ {
		for _, p := range payloads {
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				_, err := exchange(s.config.Addr, p)
				errs <- err
			}(p)
		}
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	total := uint64(5 * len(payloads))
	waitReleased(t, s, total)

	st := s.Stats()
	assert.Equal(t, total, st.Accepted)
	assert.Equal(t, total, st.Opened)
	assert.Empty(t, s.Connections())
}

func TestServer_ConnectionLimit(t *testing.T) {
	s := startServer(t, Config{MaxConnections: 1})

	held, err := net.Dial("tcp", s.config.Addr)
	require.NoError(t, err)
	defer held.Close()
	_, err = io.WriteString(held, "GET /")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Stats().Opened == 1 }, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, roundTrip(t, s.config.Addr, "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, uint64(1), s.Stats().Rejected)

	// the listener keeps serving the accepted connection
	_, err = io.WriteString(held, " HTTP/1.1\r\n\r\n")
	require.NoError(t, err)
	_ = held.SetReadDeadline(time.Now().Add(5 * time.Second))
	data, _ := io.ReadAll(held)
	assert.Equal(t, cannedOK, string(data))
}

func TestServer_AdminEndpoints(t *testing.T) {
	s := startServer(t, Config{MetricsAddr: "127.0.0.1:0"})
	require.NotEmpty(t, s.AdminAddr())

	assert.Equal(t, cannedOK, roundTrip(t, s.config.Addr, "GET / HTTP/1.1\r\n\r\n"))
	waitReleased(t, s, 1)

	resp, err := http.Get("http://" + s.AdminAddr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Contains(t, string(body), `sws_responses_total{status="200"} 1`)
	assert.Contains(t, string(body), `sws_connections_closed_total{reason="done"} 1`)
	assert.Contains(t, string(body), "sws_connections_live 0")

	resp, err = http.Get("http://" + s.AdminAddr() + "/debug/connections")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_IndependentInstances(t *testing.T) {
	a := startServer(t, Config{})
	b := startServer(t, Config{})

	assert.Equal(t, cannedOK, roundTrip(t, a.config.Addr, "GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, cannedOK, roundTrip(t, b.config.Addr, "GET / HTTP/1.1\r\n\r\n"))

	waitReleased(t, a, 1)
	waitReleased(t, b, 1)
	assert.Equal(t, uint64(1), a.Stats().Accepted)
	assert.Equal(t, uint64(1), b.Stats().Accepted)
}

func TestListenAndServe_BindFailure(t *testing.T) {
	a := startServer(t, Config{})

	config := DefaultConfig()
	config.Addr = a.config.Addr
	config.Root = t.TempDir()
	b := New(config)

	done := make(chan error, 1)
	go func() { done <- b.ListenAndServe() }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		_ = b.Stop(context.Background())
		t.Fatal("expected bind failure")
	}
}

func TestListenAndServe_BadRoot(t *testing.T) {
	config := DefaultConfig()
	config.Addr = getTestAddr()
	config.Root = filepath.Join(t.TempDir(), "missing")

	err := New(config).ListenAndServe()
	assert.ErrorContains(t, err, "init resolver")
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := NewWithDefaults()
	assert.NoError(t, s.Stop(context.Background()))
}
