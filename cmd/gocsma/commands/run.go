package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gocsma/internal/config"
	csmametrics "github.com/dantte-lp/gocsma/internal/metrics"
	"github.com/dantte-lp/gocsma/internal/sim"
	appversion "github.com/dantte-lp/gocsma/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections.
const shutdownTimeout = 10 * time.Second

func runCmd(opts *rootOptions) *cobra.Command {
	var (
		configPath string
		linger     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation scenario",
		Long: "Run the scenario described by a YAML configuration file and print a " +
			"per-node report. GOCSMA_* environment variables override file values.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			logLevel := new(slog.LevelVar)
			logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
			logger := newLoggerWithLevel(cfg.Log, logLevel, cmd.ErrOrStderr())

			logger.Info("gocsma starting",
				slog.String("version", appversion.Version),
				slog.String("config", configPath),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			report, err := runSimulation(ctx, cfg, logger, linger, nil)
			if err != nil {
				return err
			}

			out, err := formatReport(report, opts.format)
			if err != nil {
				return fmt.Errorf("format report: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (YAML)")
	cmd.Flags().BoolVar(&linger, "linger", false,
		"keep serving metrics after the run until interrupted")

	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// runSimulation executes the configured scenario and, when enabled, serves
// its metrics for the duration of the run (or until ctx ends with linger).
// An interrupted run yields the partial report. If ready is non-nil it
// receives the metrics listener address once the server is listening.
func runSimulation(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	linger bool,
	ready chan<- net.Addr,
) (*sim.Report, error) {
	sc, err := cfg.Scenario()
	if err != nil {
		return nil, fmt.Errorf("build scenario: %w", err)
	}

	reg := prometheus.NewRegistry()
	collector := csmametrics.NewCollector(reg)

	s, err := sim.New(sc, logger, sim.WithMetrics(collector))
	if err != nil {
		return nil, fmt.Errorf("build simulation: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// srvCtx ends the metrics server: at the end of the run, or on
	// interruption when lingering.
	srvCtx, stopServer := context.WithCancel(gCtx)
	defer stopServer()

	if cfg.Metrics.Enabled {
		if err := startMetricsServer(srvCtx, g, cfg.Metrics, reg, logger, ready); err != nil {
			return nil, err
		}
	} else if linger {
		logger.Warn("--linger has no effect with metrics disabled")
		linger = false
	}

	var report *sim.Report
	g.Go(func() error {
		if !linger {
			defer stopServer()
		}

		r, err := s.Run(gCtx)
		report = r
		collector.ObserveReport(r)

		if errors.Is(err, context.Canceled) {
			logger.Warn("simulation interrupted",
				slog.Duration("simulated", r.Duration),
			)
			return nil
		}
		if err != nil {
			return fmt.Errorf("run simulation: %w", err)
		}

		if linger {
			logger.Info("simulation complete, serving metrics until interrupted",
				slog.String("addr", cfg.Metrics.Addr),
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("run: %w", err)
	}
	return report, nil
}

// startMetricsServer binds the metrics listener and registers the serve and
// shutdown goroutines on g. The listener is bound before returning so that
// address errors surface immediately.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
	ready chan<- net.Addr,
) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	srv := newMetricsServer(cfg, reg)

	logger.Info("metrics server listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", cfg.Path),
	)
	if ready != nil {
		ready <- ln.Addr()
	}

	g.Go(func() error {
		return serve(srv, ln)
	})

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	return nil
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// serve handles HTTP requests on ln until the server is shut down.
func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", ln.Addr(), err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newLoggerWithLevel creates a structured logger writing to w using a shared
// LevelVar.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
