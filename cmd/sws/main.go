// Package main runs the static web server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/albertbausili/sws/internal/logging"
	"github.com/albertbausili/sws/pkg/sws"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	config := sws.DefaultConfig()
	var logOpts logging.Options

	flag.StringVar(&config.Addr, "addr", config.Addr, "address to listen on")
	flag.IntVar(&config.Backlog, "backlog", config.Backlog, "listen backlog")
	flag.BoolVar(&config.Multicore, "multicore", config.Multicore, "run one event loop per CPU")
	flag.IntVar(&config.NumEventLoop, "loops", config.NumEventLoop, "number of event loops with -multicore (0 for auto)")
	flag.BoolVar(&config.ReusePort, "reuseport", config.ReusePort, "enable SO_REUSEPORT")
	flag.Func("max-conns", "maximum live connections (0 for unlimited)", func(v string) error {
		var n uint32
		if _, err := fmt.Sscan(v, &n); err != nil {
			return err
		}
		config.MaxConnections = n
		return nil
	})
	flag.StringVar(&config.Root, "root", config.Root, "document root")
	flag.StringVar(&config.Index, "index", config.Index, "file served for directories")
	flag.IntVar(&config.ResolveWorkers, "workers", config.ResolveWorkers, "resolver pool size (0 for auto)")
	flag.IntVar(&config.MaxRequestLine, "max-line", config.MaxRequestLine, "maximum request line length")
	flag.StringVar(&config.MetricsAddr, "metrics", "", "admin listen address for /metrics, empty to disable")
	flag.StringVar(&logOpts.Level, "log-level", "info", "debug, info, warn or error")
	flag.StringVar(&logOpts.Encoding, "log-format", "console", "console or json")
	flag.StringVar(&logOpts.File, "log-file", "", "write logs to a rotated file instead of stderr")
	flag.IntVar(&logOpts.MaxSizeMB, "log-max-size", 100, "log file size in megabytes before rotation")
	flag.IntVar(&logOpts.MaxBackups, "log-max-backups", 3, "rotated log files to keep")
	flag.Parse()

	logger, err := logging.New(logOpts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	config.Logger = logger
	if err := config.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}

	if err := run(config, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(config sws.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := sws.New(config)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil {
			return err
		}
		stop()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	return g.Wait()
}
