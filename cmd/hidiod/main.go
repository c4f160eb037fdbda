// hidiod -- HID-IO host daemon. Speaks the HID-IO framing protocol to
// connected input devices over hidraw.
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
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/hid-io/gohidio/internal/config"
	"github.com/hid-io/gohidio/internal/engine"
	"github.com/hid-io/gohidio/internal/hidio"
	hidiometrics "github.com/hid-io/gohidio/internal/metrics"
	"github.com/hid-io/gohidio/internal/transport"
	appversion "github.com/hid-io/gohidio/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("hidiod"))
		return 0
	}

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)
	slog.SetDefault(logger)

	logger.Info("hidiod starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("devices", len(cfg.Devices)),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := hidiometrics.NewCollector(reg)

	// 5. Run device engines and the metrics server.
	if err := runDaemon(cfg, reg, collector, logger, *configPath, logLevel); err != nil {
		logger.Error("hidiod exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("hidiod stopped")
	return 0
}

// loadConfig loads the configuration file, falling back to defaults when
// no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

// newLoggerWithLevel builds the slog logger from the log configuration.
func newLoggerWithLevel(lc config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runDaemon sets up and runs the device engines and metrics HTTP server
// using an errgroup with signal-aware context for graceful shutdown.
func runDaemon(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *hidiometrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	startEngines(gCtx, g, cfg, collector, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		notifyStopping(logger)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startEngines opens each configured device and registers its engine
// goroutine. A device that cannot be opened is logged and skipped; the
// daemon serves the remaining devices.
func startEngines(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	collector *hidiometrics.Collector,
	logger *slog.Logger,
) {
	for _, dc := range cfg.Devices {
		mtu := dc.EffectiveMTU(cfg.Protocol)

		var opts []transport.HidrawOption
		if dc.NumberedReports {
			opts = append(opts, transport.WithNumberedReports(0))
		}

		tr, err := transport.OpenHidraw(dc.Path, mtu, opts...)
		if err != nil {
			logger.Error("skipping device",
				slog.String("device", dc.Label()),
				slog.String("error", err.Error()),
			)
			continue
		}

		info := tr.Info()
		logger.Info("device opened",
			slog.String("device", dc.Label()),
			slog.String("name", info.Name),
			slog.String("vendor", fmt.Sprintf("%04x", info.Vendor)),
			slog.String("product", fmt.Sprintf("%04x", info.Product)),
		)

		e := engine.New(dc.Label(), tr, newHostHandler(logger),
			[]engine.Option{
				engine.WithLogger(logger),
				engine.WithCollector(collector),
				engine.WithContinuationTimeout(cfg.Protocol.ContinuationTimeout),
			},
			hidio.WithQueueDepths(cfg.Protocol.RxQueueDepth, cfg.Protocol.TxQueueDepth),
			hidio.WithPayloadCapacity(cfg.Protocol.PayloadCapacity),
			hidio.WithMaxIDs(cfg.Protocol.MaxIDs),
		)

		g.Go(func() error {
			defer tr.Close()
			return e.Run(ctx)
		})
	}
}

// startDaemonGoroutines registers the watchdog and SIGHUP reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, logger)
		return nil
	})
}

// handleSIGHUP reloads the log level from the configuration file on each
// SIGHUP. Device topology changes require a restart.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			cfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("SIGHUP reload failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
			logger.Info("configuration reloaded",
				slog.String("log_level", cfg.Log.Level),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Metrics HTTP Server
// -------------------------------------------------------------------------

// newMetricsServer builds the metrics HTTP server. h2c allows HTTP/2
// without TLS for scrapers that prefer it.
func newMetricsServer(mc config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// listenAndServe serves srv on addr until the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog pets the systemd watchdog at half the configured interval.
// Returns immediately when the watchdog is not enabled.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("query systemd watchdog: %w", err)
	}
	if interval == 0 {
		return nil
	}

	logger.Info("systemd watchdog enabled",
		slog.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to pet systemd watchdog",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
