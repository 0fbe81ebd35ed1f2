// Package main ramps up concurrent clients against an sws server and reports
// throughput, status codes and connections closed without a response.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/sws/internal/response"
	"github.com/albertbausili/sws/pkg/sws"
	"golang.org/x/sync/errgroup"
)

// LoadTestConfig defines the configuration for a ramp-up load test
type LoadTestConfig struct {
	ServerAddr     string // Target address; empty starts an in-process server
	Path           string
	RampUpInterval time.Duration // Time between adding new clients
	ClientsPerStep int           // Number of clients to add each step
	TestDuration   time.Duration
	RequestTimeout time.Duration
	RequestDelay   time.Duration // Delay between requests per client
}

// StepResult contains the results for a single step
type StepResult struct {
	StepNumber        int
	ClientCount       int
	Requests          int64
	Dropped           int64
	RequestsPerSecond float64
}

// LoadTestRunner manages the load test
type LoadTestRunner struct {
	config LoadTestConfig
	server *sws.Server

	requests atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64

	mu          sync.Mutex
	statusCodes map[int]int64
	steps       []StepResult
}

// NewLoadTestRunner creates a new load test runner
func NewLoadTestRunner(config LoadTestConfig) *LoadTestRunner {
	return &LoadTestRunner{
		config:      config,
		statusCodes: make(map[int]int64),
	}
}

// StartServer starts an in-process server when no target address is given.
func (r *LoadTestRunner) StartServer() error {
	if r.config.ServerAddr != "" {
		return nil
	}

	config := sws.DefaultConfig()
	config.Addr = "127.0.0.1:18090"
	config.Root = os.TempDir()
	r.server = sws.New(config)
	r.config.ServerAddr = config.Addr

	errCh := make(chan error, 1)
	go func() { errCh <- r.server.ListenAndServe() }()

	select {
	case <-r.server.Ready():
		return nil
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server at %s did not start", config.Addr)
	}
}

// StopServer stops the in-process server, if any.
func (r *LoadTestRunner) StopServer() error {
	if r.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.server.Stop(ctx)
}

// Run adds clients step by step until the test duration elapses.
func (r *LoadTestRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.config.TestDuration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(r.config.RampUpInterval)
	defer ticker.Stop()

	clients := 0
	step := 0
	last := int64(0)
	lastAt := time.Now()

	for {
		for i := 0; i < r.config.ClientsPerStep; i++ {
			clients++
			g.Go(func() error {
				r.runClient(ctx)
				return nil
			})
		}

		select {
		case <-ctx.Done():
			return g.Wait()
		case now := <-ticker.C:
			step++
			total := r.requests.Load()
			r.mu.Lock()
			r.steps = append(r.steps, StepResult{
				StepNumber:        step,
				ClientCount:       clients,
				Requests:          total - last,
				Dropped:           r.dropped.Load(),
				RequestsPerSecond: float64(total-last) / now.Sub(lastAt).Seconds(),
			})
			r.mu.Unlock()
			last, lastAt = total, now
		}
	}
}

func (r *LoadTestRunner) runClient(ctx context.Context) {
	payload := "GET " + r.config.Path + " HTTP/1.1\r\nHost: " + r.config.ServerAddr + "\r\n\r\n"

	for ctx.Err() == nil {
		r.requests.Add(1)
		status, err := r.doRequest(payload)
		switch {
		case err != nil:
			r.failed.Add(1)
		case status == 0:
			r.dropped.Add(1)
		default:
			r.mu.Lock()
			r.statusCodes[status]++
			r.mu.Unlock()
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.config.RequestDelay):
		}
	}
}

// doRequest sends one request line on a fresh connection. A zero status with
// a nil error means the server closed the connection without answering.
func (r *LoadTestRunner) doRequest(payload string) (int, error) {
	c, err := net.DialTimeout("tcp", r.config.ServerAddr, r.config.RequestTimeout)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	_ = c.SetDeadline(time.Now().Add(r.config.RequestTimeout))
	if _, err := io.WriteString(c, payload); err != nil {
		return 0, err
	}
	data, err := io.ReadAll(c)
	if err != nil && len(data) == 0 {
		return 0, err
	}
	return response.Status(data), nil
}

// PrintResults prints the aggregated results
func (r *LoadTestRunner) PrintResults() {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Printf("\n=== Load Test Results ===\n")
	fmt.Printf("Target: %s%s\n", r.config.ServerAddr, r.config.Path)
	fmt.Printf("Total Requests: %d\n", r.requests.Load())
	fmt.Printf("Failed Requests: %d\n", r.failed.Load())
	fmt.Printf("Dropped Connections: %d\n", r.dropped.Load())

	var best StepResult
	for _, s := range r.steps {
		if s.RequestsPerSecond > best.RequestsPerSecond {
			best = s
		}
	}
	fmt.Printf("Max RPS: %.0f (at %d clients)\n", best.RequestsPerSecond, best.ClientCount)

	fmt.Printf("\n=== Status Code Distribution ===\n")
	codes := make([]int, 0, len(r.statusCodes))
	for code := range r.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, r.statusCodes[code])
	}

	if r.server != nil {
		st := r.server.Stats()
		fmt.Printf("\n=== Server ===\n")
		fmt.Printf("Accepted: %d, Released: %d, Live: %d\n", st.Accepted, st.Released, st.Live())
	}
}

func main() {
	var config LoadTestConfig
	flag.StringVar(&config.ServerAddr, "addr", "", "server address (empty starts an in-process server)")
	flag.StringVar(&config.Path, "path", "/", "request target")
	flag.DurationVar(&config.RampUpInterval, "interval", 250*time.Millisecond, "time between steps")
	flag.IntVar(&config.ClientsPerStep, "step", 1, "clients added per step")
	flag.DurationVar(&config.TestDuration, "duration", 10*time.Second, "test duration")
	flag.DurationVar(&config.RequestTimeout, "timeout", 3*time.Second, "request timeout")
	flag.DurationVar(&config.RequestDelay, "delay", 2*time.Millisecond, "delay between requests per client")
	flag.Parse()

	if config.ClientsPerStep <= 0 || config.RampUpInterval <= 0 {
		log.Fatal("step and interval must be positive")
	}

	runner := NewLoadTestRunner(config)
	if err := runner.StartServer(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	if err := runner.Run(context.Background()); err != nil {
		log.Printf("Load test failed: %v", err)
	}
	runner.PrintResults()

	if err := runner.StopServer(); err != nil {
		log.Printf("Failed to stop server: %v", err)
	}
}
