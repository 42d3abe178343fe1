// Wankr keeps each user's recent chats recallable, archives finished
// conversations worth keeping, and derives training data from them in
// the background through an external annotation service.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	wankr serve              Start the API server, sweeper, and publishers
//	wankr sweep              Run one stale sweep of the active chat store
//	wankr status             Show per-category storage usage
//	wankr init [dir]         Write an example config and data layout
//	wankr version            Print version and build information
//	wankr -o json status     Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gitNoodler/wankr-sub000/internal/active"
	"github.com/gitNoodler/wankr-sub000/internal/annotate"
	"github.com/gitNoodler/wankr-sub000/internal/api"
	"github.com/gitNoodler/wankr-sub000/internal/archive"
	"github.com/gitNoodler/wankr-sub000/internal/buildinfo"
	"github.com/gitNoodler/wankr-sub000/internal/config"
	"github.com/gitNoodler/wankr-sub000/internal/httpkit"
	"github.com/gitNoodler/wankr-sub000/internal/metrics"
	"github.com/gitNoodler/wankr-sub000/internal/mqtt"
	"github.com/gitNoodler/wankr-sub000/internal/opstate"
	"github.com/gitNoodler/wankr-sub000/internal/paths"
	"github.com/gitNoodler/wankr-sub000/internal/sweeper"
)

// stateDB is the operational state database under the data dir.
const stateDB = "wankr.db"

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather
// than with the flag package so that run has no global state and can
// be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "sweep":
		return runSweep(stdout, stderr, configPath, outputFmt)
	case "status":
		return runStatus(stdout, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Wankr - chat archive and training data pipeline")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wankr [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  sweep        Remove stale, low-value active chats once")
	fmt.Fprintln(w, "  status       Show storage usage per category")
	fmt.Fprintln(w, "  init [dir]   Write an example config and data layout (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Wankr", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"annotation_provider", cfg.Annotation.Provider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	layout := paths.New(cfg.DataDir, cfg.Storage)
	if err := os.MkdirAll(layout.Root(), 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", layout.Root(), err)
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.New(reg)

	// --- Operational state ---
	dbPath := filepath.Join(layout.Root(), stateDB)
	state, err := opstate.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer state.Close()

	// --- Core ---
	store := newActiveStore(cfg, layout, logger, rec)
	annotator := newAnnotator(cfg, logger)
	pipeline := archive.New(layout, archive.Config{
		MinExchanges:  cfg.Archive.MinExchanges,
		BufferCap:     cfg.Archive.BufferCap,
		MaxConcurrent: cfg.Annotation.MaxConcurrent,
		Roles:         cfg.Roles,
	}, annotator, logger, rec)

	sweep := sweeper.New(store, state, logger, sweeper.Config{Interval: cfg.Active.SweepInterval})
	sweep.Start(ctx)
	defer sweep.Stop()

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, store, pipeline, logger)
	server.SetDefaultCredential(cfg.Annotation.APIKey)
	if cfg.Metrics.Enabled {
		server.SetMetricsHandler(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	// --- MQTT ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(layout.Root())
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, &statsAdapter{metrics: rec, store: store}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	var stopMQTT func(context.Context) error
	if mqttPub != nil {
		stopMQTT = mqttPub.Stop
	}
	shutdownDone := shutdownOnDone(ctx, logger, 30*time.Second, server, pipeline, stopMQTT)

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Start returns as soon as Shutdown begins; handlers may still be
	// writing and annotations may still be running.
	<-shutdownDone

	logger.Info("Wankr stopped")
	return nil
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type drainer interface {
	Wait(ctx context.Context) error
}

// shutdownOnDone stops the server once ctx is done, then drains the
// pipeline and runs stop if set. No request may start archive work
// once the drain begins. The returned channel closes when every step
// has finished or timeout has passed.
func shutdownOnDone(ctx context.Context, logger *slog.Logger, timeout time.Duration, server shutdowner, pipeline drainer, stop func(context.Context) error) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown incomplete", "error", err)
		}
		if err := pipeline.Wait(shutdownCtx); err != nil {
			logger.Warn("annotation tasks still running at shutdown", "error", err)
		}
		if stop != nil {
			if err := stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()
	return done
}

// runSweep performs one sweep for external schedulers (cron, systemd
// timers). Logs go to stderr so stdout carries only the report.
func runSweep(stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := newLogger(stderr, level, cfg.LogFormat)

	layout := paths.New(cfg.DataDir, cfg.Storage)
	if err := os.MkdirAll(layout.Root(), 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", layout.Root(), err)
	}
	state, err := opstate.Open(filepath.Join(layout.Root(), stateDB))
	if err != nil {
		return err
	}
	defer state.Close()

	store := newActiveStore(cfg, layout, logger, nil)
	report, err := sweeper.New(store, state, logger, sweeper.Config{Interval: cfg.Active.SweepInterval}).RunOnce()
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		return writeJSON(stdout, report)
	}
	fmt.Fprintf(stdout, "swept %d users: scanned %d chats, removed %d, skipped %d users\n",
		report.Users, report.Scanned, report.Removed, report.Skipped)
	return nil
}

func newActiveStore(cfg *config.Config, layout *paths.Layout, logger *slog.Logger, rec *metrics.Recorder) *active.Store {
	return active.NewStore(layout.Dir(paths.Active), active.Config{
		MaxChats:     cfg.Active.MaxChats,
		StaleAfter:   cfg.Active.StaleAfter,
		MinExchanges: cfg.Active.MinExchanges,
		Roles:        cfg.Roles,
	}, logger, rec)
}

// newAnnotator builds the configured annotation client. Both share one
// HTTP client carrying the configured timeout.
func newAnnotator(cfg *config.Config, logger *slog.Logger) annotate.Annotator {
	httpClient := httpkit.NewClient(httpkit.WithTimeout(cfg.Annotation.Timeout))
	if cfg.Annotation.Provider == "openai" {
		logger.Info("annotation via chat completions", "base_url", cfg.Annotation.BaseURL, "model", cfg.Annotation.Model)
		return annotate.NewChatClient(cfg.Annotation.BaseURL, cfg.Annotation.Model, httpClient, logger)
	}
	logger.Info("annotation via http service", "url", cfg.Annotation.URL)
	return annotate.NewHTTPClient(cfg.Annotation.URL, httpClient, logger)
}

// newLogger creates a structured logger that writes to w at the given
// level. Format "json" selects the JSON handler; anything else is text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. Returns
// the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statsAdapter feeds the MQTT publisher from build info, the metrics
// recorder, and the active store.
type statsAdapter struct {
	metrics *metrics.Recorder
	store   *active.Store
}

func (a *statsAdapter) Uptime() time.Duration { return buildinfo.Uptime() }
func (a *statsAdapter) Version() string { return buildinfo.Version }
func (a *statsAdapter) Metrics() metrics.Snapshot { return a.metrics.Snapshot() }
func (a *statsAdapter) ActiveChats() int { return a.store.Count() }
