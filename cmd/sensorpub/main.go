// Sensorpub simulates a ten-floor building's telemetry: power meters,
// water meters and air-quality sensors publishing JSON readings to an
// MQTT broker (or Kafka). A background producer replays historical
// baselines for every sensor; operators take over individual sensors
// with manual producers through the control API.
//
// Usage:
//
//	sensorpub serve              Start the simulator and control API
//	sensorpub init [dir]         Write a starter config and sample baselines
//	sensorpub version            Print version and build information
//	sensorpub -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nugget/sensorpub/internal/archive"
	"github.com/nugget/sensorpub/internal/baseline"
	"github.com/nugget/sensorpub/internal/buildinfo"
	"github.com/nugget/sensorpub/internal/config"
	"github.com/nugget/sensorpub/internal/connwatch"
	"github.com/nugget/sensorpub/internal/control"
	"github.com/nugget/sensorpub/internal/kafkasink"
	"github.com/nugget/sensorpub/internal/logfunnel"
	"github.com/nugget/sensorpub/internal/metrics"
	"github.com/nugget/sensorpub/internal/mqtt"
	"github.com/nugget/sensorpub/internal/orchestrator"
	"github.com/nugget/sensorpub/internal/producer"
	"github.com/nugget/sensorpub/internal/sink"
	"github.com/nugget/sensorpub/internal/telemetry"
)

// shutdownTimeout bounds the whole teardown after a signal.
const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so run has no package-level state and can be
// called from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
		return runServe(ctx, stdout, stderr, configPath)
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
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "sensorpub - building telemetry simulator")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: sensorpub [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the simulator and control API")
	fmt.Fprintln(w, "  init [dir]   Write config.yaml and sample baselines (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	for _, p := range config.DefaultSearchPaths() {
		fmt.Fprintf(w, "  %s\n", p)
	}
	return nil
}

// runServe loads the config, connects the sink, starts the producers
// and the control API, and blocks until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The control API stops accepting requests
//  3. The orchestrator stops the default and manual producers, closes
//     the sink and drains the operator log
//  4. Broker watchers stop via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting sensorpub", "build", buildinfo.Info())

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.Transport == "" {
		cfg.Transport = config.TransportMQTT
	}
	logger = newLogger(stdout, cfg.Level(), cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"transport", cfg.Transport,
		"base_topic", cfg.MQTT.BaseTopic,
		"baseline_dir", cfg.Baseline.DataDir,
		"port", cfg.Control.Port,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// Connection hooks can fire before the orchestrator exists; until
	// brokerLog is set they only reach slog.
	var brokerLog atomic.Pointer[logfunnel.Reporter]

	primary, probe, err := newSink(ctx, cfg, logger, brokerLog.Load)
	if err != nil {
		return err
	}

	out := primary
	if cfg.Archive.Enabled {
		store, err := archive.NewStore(cfg.Archive.Path)
		if err != nil {
			_ = primary.Close(context.Background())
			return fmt.Errorf("open archive %s: %w", cfg.Archive.Path, err)
		}
		logger.Info("archive enabled", "path", cfg.Archive.Path)
		out = sink.NewFanout(logger, primary, store)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Target: producer.Target{
			Sink:      out,
			BaseTopic: cfg.MQTT.BaseTopic,
			QoS:       cfg.MQTT.QoS,
			Retain:    cfg.MQTT.Retain,
		},
		Source:          baseline.NewCSVSource(cfg.Baseline.DataDir),
		Model:           telemetry.NewModel(cfg.Tuning, nil),
		DefaultsEnabled: cfg.Defaults.Enabled,
		DefaultPeriod:   time.Duration(cfg.Defaults.PeriodMS) * time.Millisecond,
		JoinTimeout:     time.Duration(cfg.Manual.JoinTimeoutMS) * time.Millisecond,
		Funnel: logfunnel.Config{
			DisplayCap: cfg.Funnel.DisplayCap,
			TrimTo:     cfg.Funnel.TrimTo,
			BacklogCap: cfg.Funnel.BacklogCap,
		},
		DrainEvery: time.Duration(cfg.Funnel.DrainMS) * time.Millisecond,
		LogDir:     cfg.LogDir,
		Observer:   m,
		Logger:     logger,
	})
	if err != nil {
		_ = out.Close(context.Background())
		return err
	}
	brokerLog.Store(orch.Reporter(cfg.Transport))
	m.FunnelGauges(orch.Funnel().Pending, orch.Funnel().Dropped)

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    cfg.Transport,
		Probe:   probe,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() { m.SetServiceUp(cfg.Transport, true) },
		OnDown:  func(error) { m.SetServiceUp(cfg.Transport, false) },
		Logger:  logger,
	})

	if err := orch.Start(ctx); err != nil {
		_ = orch.Shutdown(context.Background())
		return err
	}

	server := control.NewServer(cfg.Control.Address, cfg.Control.Port, orch, connMgr, orch.Funnel(), m, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("control server shutdown", "error", err)
		}
	}()

	serveErr := server.Start(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("control server failed: %w", serveErr)
	}
	logger.Info("sensorpub stopped")
	return nil
}

// newSink builds the configured transport and returns it with a health
// probe for the broker watcher. Connection changes are written to the
// reporter returned by rep, once it is non-nil.
func newSink(ctx context.Context, cfg *config.Config, logger *slog.Logger, rep func() *logfunnel.Reporter) (sink.Sink, func(context.Context) error, error) {
	switch cfg.Transport {
	case config.TransportKafka:
		ks := kafkasink.New(cfg.Kafka, logger)
		logger.Info("kafka transport", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		return ks, ks.Probe, nil

	default:
		pub := mqtt.New(cfg.MQTT, mqtt.Hooks{
			OnUp: func() {
				if r := rep(); r != nil {
					r.Infof("connected to %s", cfg.MQTT.Broker)
				}
			},
			OnDown: func(err error) {
				if r := rep(); r != nil {
					r.Warnf("connection to %s lost: %v", cfg.MQTT.Broker, err)
				}
			},
		}, logger)
		if err := pub.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return pub, pub.AwaitConnection, nil
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := config.HandlerOptions(level)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration
// file. If explicit is non-empty, that exact path is used (and must
// exist). Otherwise, [config.FindConfig] searches the default
// locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
