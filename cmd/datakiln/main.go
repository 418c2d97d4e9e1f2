package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/datakiln/internal/agents"
	"github.com/basket/datakiln/internal/audit"
	"github.com/basket/datakiln/internal/billing"
	"github.com/basket/datakiln/internal/bus"
	"github.com/basket/datakiln/internal/config"
	"github.com/basket/datakiln/internal/gateway"
	otelPkg "github.com/basket/datakiln/internal/otel"
	"github.com/basket/datakiln/internal/persistence"
	"github.com/basket/datakiln/internal/runner"
	"github.com/basket/datakiln/internal/staging"
	"github.com/basket/datakiln/internal/sweeper"
	"github.com/basket/datakiln/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the orchestrator daemon
  %s status                   Show daemon health (/healthz)
  %s doctor [-json]           Run local diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DATAKILN_HOME           Data directory (default: ~/.datakiln)
  DATAKILN_BIND_ADDR      Listen address override
  DATAKILN_API_TOKEN      Bearer token for the "default" owner
`)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only (no stdout mirror)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "serve":
			// Daemon is the default; fall through.
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser requests will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	var metrics *otelPkg.Metrics
	if cfg.OTel.Enabled {
		metrics, err = otelPkg.NewMetrics(otelProvider.Meter)
		if err != nil {
			fatalStartup(logger, "E_METRICS_INIT", err)
		}
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "datakiln.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	store.SetMetrics(metrics)
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Tasks that were PROCESSING when the previous process died cannot
	// resume; their runs are gone. Fail them before accepting traffic.
	recovered, err := store.RecoverInterrupted(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_completed", "recovered", recovered)

	blobRoot := cfg.Staging.RootDir
	if blobRoot == "" {
		blobRoot = filepath.Join(cfg.HomeDir, "blobs")
	}
	fs, err := staging.NewFSStore(blobRoot)
	if err != nil {
		fatalStartup(logger, "E_STAGING_INIT", err)
	}
	gw, err := staging.NewGateway(fs, cfg.Staging.SigningSecret,
		time.Duration(cfg.Staging.UploadGrantTTLMin)*time.Minute,
		time.Duration(cfg.Staging.DownloadGrantTTLMin)*time.Minute,
		cfg.Staging.MaxUploadBytes)
	if err != nil {
		fatalStartup(logger, "E_STAGING_INIT", err)
	}

	ledger := billing.New(store.DB())
	for _, owner := range cfg.APITokens {
		if err := ledger.EnsureOwner(ctx, owner, cfg.InitialCredits); err != nil {
			fatalStartup(logger, "E_LEDGER_SEED", err)
		}
	}

	registry := agents.NewRegistry()
	run := runner.New(store, gw, registry, logger, metrics, cfg.Runner)

	sweep, err := sweeper.New(store, gw, eventBus, logger, metrics, cfg.Sweeper)
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweep.Start(ctx)
	defer sweep.Stop()
	logger.Info("startup phase", "phase", "sweeper_started", "schedule", cfg.Sweeper.Schedule)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				logger.Info("config changed on disk; restart to apply", "path", ev.Path)
			}
		}()
	}

	srv := gateway.New(&cfg, store, ledger, gw, agents.NewParamsValidator(), run, logger, metrics)
	srv.RateLimiter().StartEviction(ctx, 10*time.Minute, time.Hour)

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("datakiln %s listening on %s (home: %s)\n", Version, cfg.BindAddr, cfg.HomeDir)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in-flight runs with a bounded wait.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout(cfg))
	defer cancelDrain()
	if err := run.Drain(drainCtx); err != nil {
		logger.Warn("drain timed out; interrupted runs will be failed on next start", "error", err)
	}
	sweep.Stop()
	logger.Info("shutdown complete")
}

func drainTimeout(cfg config.Config) time.Duration {
	if cfg.DrainTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(cfg.DrainTimeoutSeconds) * time.Second
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
