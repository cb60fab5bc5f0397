// Mqttagent is a device telemetry agent.
//
// It publishes simulated sensor telemetry to an MQTT broker on a fixed
// interval, optionally over TLS with client certificates, and mirrors
// its connection state on a local status server (JSON, Prometheus
// metrics, and a WebSocket screen feed). Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]); persisted device settings in the data
// directory override the file.
//
// Usage:
//
//	mqttagent run                    Start the agent
//	mqttagent init [dir]             Initialize a working directory with defaults
//	mqttagent settings list          List persisted device settings
//	mqttagent settings get <key>     Print one persisted setting
//	mqttagent settings set <k> <v>   Persist a device setting
//	mqttagent settings delete <key>  Remove a persisted setting
//	mqttagent version                Print version and build information
//	mqttagent -o json version        Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/howardginsburg/mqttagent/internal/api"
	"github.com/howardginsburg/mqttagent/internal/broker"
	"github.com/howardginsburg/mqttagent/internal/buildinfo"
	"github.com/howardginsburg/mqttagent/internal/config"
	"github.com/howardginsburg/mqttagent/internal/loop"
	"github.com/howardginsburg/mqttagent/internal/metrics"
	"github.com/howardginsburg/mqttagent/internal/netwatch"
	"github.com/howardginsburg/mqttagent/internal/sensors"
	"github.com/howardginsburg/mqttagent/internal/settings"
	"github.com/howardginsburg/mqttagent/internal/status"
	"github.com/howardginsburg/mqttagent/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mqttagent command. All OS-level
// dependencies are injected as parameters: ctx controls the process
// lifetime, stdout and stderr receive all output, and args is
// os.Args[1:]. Arguments are parsed by hand because the flag package
// relies on package-level globals (flag.CommandLine), which makes it
// impossible to call run() concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
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
	case "run":
		return runAgent(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "settings":
		return runSettings(stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// mqttagent is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mqttagent - MQTT device telemetry agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mqttagent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run            Start the agent")
	fmt.Fprintln(w, "  init [dir]     Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  settings       Inspect or persist device settings (list/get/set/delete)")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mqttagent/config.yaml,")
	fmt.Fprintln(w, "  /usr/local/etc/mqttagent/config.yaml, /etc/mqttagent/config.yaml")
	return nil
}

// runAgent handles the "mqttagent run" subcommand: the full agent
// lifecycle from config load through graceful shutdown.
func runAgent(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text", config.LogFileConfig{})
	logger.Info("starting mqttagent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level, format, and
	// file sink are known. The initial Info-level text logger covers
	// only the startup banner and config load message.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// Already validated by config.Validate(), so this error
			// path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = config.NewLogger(stdout, level, cfg.LogFormat, cfg.LogFile)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Broker.URL,
		"topic", cfg.Topics.Publish,
		"interval", cfg.PublishInterval(),
	)

	// All persistent state (settings database, instance ID, certificate
	// material from the settings store) lives under the data directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Persisted settings override the YAML file, the way values stored
	// in the DevKit's EEPROM took precedence over compiled-in defaults.
	store, err := settings.Open(filepath.Join(cfg.DataDir, "settings.db"))
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	defer store.Close()
	if err := store.ApplyTo(cfg, filepath.Join(cfg.DataDir, "certs")); err != nil {
		return fmt.Errorf("apply persisted settings: %w", err)
	}

	if cfg.Device.ID == "" {
		id, err := settings.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		cfg.Device.ID = id
		logger.Info("using persisted instance ID", "device_id", id)
	}

	// Validate after the settings overlay, since the store may supply
	// values the file omits (broker URL, credentials).
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	creds, err := broker.Resolve(cfg.Auth)
	if err != nil {
		return fmt.Errorf("resolve credentials: %w", err)
	}

	probeAddr, err := netwatch.ProbeAddress(cfg.Broker.URL)
	if err != nil {
		return fmt.Errorf("broker address: %w", err)
	}

	screen := status.NewScreen(logger)
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	watcher := netwatch.New(netwatch.Config{
		Name:   "network",
		Probe:  netwatch.DialProbe(probeAddr),
		Logger: logger,
	})

	keepAlive := uint16(cfg.Broker.KeepAliveSec)
	if cfg.Broker.DisableKeepalive {
		keepAlive = 0
	}

	var ctrl *loop.Controller
	client := broker.New(broker.Options{
		URL:            cfg.Broker.URL,
		ClientID:       cfg.Device.ID,
		Credentials:    creds,
		KeepAlive:      keepAlive,
		ConnectTimeout: time.Duration(cfg.Broker.ConnectTimeoutSec) * time.Second,
		PublishTimeout: time.Duration(cfg.Broker.PublishTimeoutSec) * time.Second,
		SubscribeTopic: cfg.Topics.Subscribe,
		QoS:            cfg.Topics.QoS,
		OnMessage: func(topic string, payload []byte) {
			ctrl.OnMessage(topic, payload)
		},
		Logger: logger,
	})

	reader := sensors.NewSimulated(cfg.Telemetry.Seed, cfg.Telemetry.IncludePressure)
	encoder := telemetry.NewEncoder(cfg.Telemetry.PayloadLimit)

	ctrl = loop.New(loop.Config{
		DeviceID:     cfg.Device.ID,
		PublishTopic: cfg.Topics.Publish,
		BrokerHost:   probeAddr,
		Interval:     cfg.PublishInterval(),
	}, client, watcher, reader, encoder, screen, m, logger, nil)

	// Signal handling wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Network first. The probe budget is bounded; exhausting it is
	// fatal so a supervisor can restart the agent from scratch.
	screen.Show(status.Disconnected, status.ColorRed, "Network", "Connecting...")
	if err := watcher.StartupProbe(ctx); err != nil {
		screen.Show(status.Disconnected, status.ColorRed, "Network", "Unreachable")
		return fmt.Errorf("network startup: %w", err)
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	// Broker next, with the same bounded-budget policy.
	screen.Show(status.NetworkOnly, status.ColorYellow, "MQTT", "Connecting...")
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start mqtt client: %w", err)
	}
	defer func() {
		discCtx, discCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer discCancel()
		if err := client.Disconnect(discCtx); err != nil {
			logger.Debug("mqtt disconnect", "error", err)
		}
	}()

	if err := awaitBroker(ctx, cfg, client, logger); err != nil {
		screen.Show(status.NetworkOnly, status.ColorYellow, "MQTT", "Unreachable")
		return err
	}
	logger.Info("connected to broker", "broker", probeAddr, "client_id", cfg.Device.ID)

	go ctrl.Run(ctx)

	if !cfg.Listen.Enabled {
		<-ctx.Done()
		logger.Info("mqttagent stopped")
		return nil
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, ctrl, watcher, screen, registry, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down via context cancellation or
	// fatal error.
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("status server failed: %w", err)
		}
	}

	logger.Info("mqttagent stopped")
	return nil
}

// awaitBroker waits for the first broker session using the bounded
// startup budget from the config. Each attempt is bounded by the
// connect timeout; attempts are separated by the fixed retry delay.
func awaitBroker(ctx context.Context, cfg *config.Config, client *broker.Client, logger *slog.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.Broker.StartupAttempts; attempt++ {
		err := client.AwaitConnection(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("broker connect attempt failed",
			"attempt", attempt,
			"of", cfg.Broker.StartupAttempts,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.RetryDelay()):
		}
	}
	return fmt.Errorf("broker unreachable after %d attempts: %w", cfg.Broker.StartupAttempts, lastErr)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
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
