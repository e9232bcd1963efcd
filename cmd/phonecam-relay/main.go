package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/phonecam/relay/internal/certstore"
	"github.com/phonecam/relay/internal/config"
	"github.com/phonecam/relay/internal/httpserver"
	"github.com/phonecam/relay/internal/metrics"
	"github.com/phonecam/relay/internal/relay"
	"github.com/phonecam/relay/internal/sink"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Load the TLS pair before anything else so a missing or corrupt file is a
	// clear startup diagnostic naming the path, not a late accept error.
	cert, err := certstore.Load(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		logger.Error("failed to load tls key pair", "err", err,
			"hint", "generate one with: openssl req -x509 -newkey ec -pkeyopt ec_paramgen_curve:prime256v1 -keyout key.pem -out cert.pem -days 365 -nodes -subj /CN=phonecam")
		os.Exit(2)
	}

	pages, err := httpserver.NewPageCache(cfg.AssetDir, logger)
	if err != nil {
		logger.Error("failed to load capture page", "err", err)
		os.Exit(2)
	}
	defer pages.Close()

	camSink, err := sink.NewSharedMemorySink(cfg.SinkPath)
	if err != nil {
		logger.Error("failed to open virtual camera sink", "err", err)
		os.Exit(2)
	}

	logger.Info("starting phonecam-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"asset_dir", cfg.AssetDir,
		"sink_path", cfg.SinkPath,
		"producer_policy", cfg.ProducerPolicy,
		"no_signal_mode", cfg.NoSignalMode,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"max_frame_bytes", cfg.MaxFrameBytes,
	)

	logStartupSecurityWarnings(logger, cfg)

	reg := metrics.New()
	manager := relay.NewManager(cfg, logger, reg, nil)
	frameRelay := relay.NewFrameRelay(cfg, manager, logger, reg)
	stream := relay.NewStreamServer(cfg, manager, frameRelay, logger)
	pacer := sink.NewPacer(cfg, frameRelay.SinkQueue(), camSink,
		func() bool { return manager.Producer() != nil }, logger, reg)

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, pages, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.Mux().Handle("GET /stream", stream)

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(reg))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "addr", cfg.ListenAddr, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ServeTLS(ln, cert); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("https server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return manager.RunSweeper(gctx)
	})
	g.Go(func() error {
		return pacer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		manager.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
			_ = srv.Close()
		}
		return nil
	})

	err = g.Wait()

	if closeErr := camSink.Close(); closeErr != nil {
		logger.Warn("sink close failed", "err", closeErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exiting on error", "err", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func resolveBuildInfo(commit, built string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if built == "" {
					built = s.Value
				}
			}
		}
	}

	return commit, built
}
