// Command fmq-device runs a single FMQ device.
//
// The device runs one of three built-in tasks (sampler, sink or proxy)
// and is driven through its lifecycle by the control plugin. Channels
// come from a YAML file, the FMQ_CHANNEL_CONFIG environment variable and
// -channel-config flags; later sources win.
//
// Usage:
//
//	fmq-device [flags]
//
// Flags:
//
//	-role string            Task: sampler, sink, proxy (default "proxy")
//	-config string          YAML configuration file
//	-id string              Device id (default: random UUID)
//	-transport string       Default transport: socket, shmem
//	-session string         Shared-memory session name
//	-shm-dir string         Directory holding shared-memory segments
//	-rate float             ConditionalRun iterations per second (0 = unlimited)
//	-control string         Control mode: static, interactive (default "static")
//	-channel-config value   Channel sub-options, repeatable
//	-in string              Input channel name (default "data-in")
//	-out string             Output channel name (default "data-out")
//	-msg-size int           Sampler message size in bytes (default 1000)
//	-max-iterations uint    Stop the task after this many messages (0 = unlimited)
//	-severity string        Log level: debug, info, warn, error (default "info")
//	-metrics-addr string    Serve Prometheus metrics on this address
//	-event-log string       Write device events to this file
//
// Examples:
//
//	# Sampler pushing to a bound TCP endpoint
//	fmq-device -role sampler -id sampler1 -rate 100 \
//	    -channel-config name=data-out,type=push,method=bind,address=tcp://*:5555
//
//	# Sink pulling from it, with an interactive prompt
//	fmq-device -role sink -id sink1 -control interactive \
//	    -channel-config name=data-in,type=pull,method=connect,address=tcp://localhost:5555
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fmq-go/fmq/pkg/config"
	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/fsm"
	fmqlog "github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/metrics"
	"github.com/fmq-go/fmq/pkg/plugin"
	"github.com/fmq-go/fmq/pkg/plugin/control"
	"github.com/fmq-go/fmq/pkg/property"
)

// stringSlice is a repeatable string flag.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, " ") }

func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Options holds the command line.
type Options struct {
	Role          string
	ConfigFile    string
	ID            string
	Transport     string
	Session       string
	ShmDir        string
	Rate          float64
	Control       string
	ChannelConfig stringSlice
	In            string
	Out           string
	MsgSize       int
	MaxIterations uint64
	Severity      string
	MetricsAddr   string
	EventLog      string
}

func newFlagSet(opts *Options) *flag.FlagSet {
	fs := flag.NewFlagSet("fmq-device", flag.ContinueOnError)
	fs.StringVar(&opts.Role, "role", RoleProxy, "Task: sampler, sink, proxy")
	fs.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	fs.StringVar(&opts.ID, "id", "", "Device id (default: random UUID)")
	fs.StringVar(&opts.Transport, "transport", "", "Default transport: socket, shmem")
	fs.StringVar(&opts.Session, "session", "", "Shared-memory session name")
	fs.StringVar(&opts.ShmDir, "shm-dir", "", "Directory holding shared-memory segments")
	fs.Float64Var(&opts.Rate, "rate", 0, "ConditionalRun iterations per second (0 = unlimited)")
	fs.StringVar(&opts.Control, "control", "", "Control mode: static, interactive")
	fs.Var(&opts.ChannelConfig, "channel-config", "Channel sub-options, repeatable")
	fs.StringVar(&opts.In, "in", "data-in", "Input channel name")
	fs.StringVar(&opts.Out, "out", "data-out", "Output channel name")
	fs.IntVar(&opts.MsgSize, "msg-size", 1000, "Sampler message size in bytes")
	fs.Uint64Var(&opts.MaxIterations, "max-iterations", 0, "Stop the task after this many messages (0 = unlimited)")
	fs.StringVar(&opts.Severity, "severity", "", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&opts.EventLog, "event-log", "", "Write device events to this file")
	return fs
}

// flagProperties returns the device properties given on the command line.
// Only flags that were set are included so they do not mask other sources.
func flagProperties(fs *flag.FlagSet, opts *Options) (map[string]any, error) {
	out := make(map[string]any)
	var err error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			out[device.KeyID] = opts.ID
		case "transport":
			out[device.KeyTransport] = opts.Transport
		case "session":
			out[device.KeySession] = opts.Session
		case "shm-dir":
			out[device.KeyShmDir] = opts.ShmDir
		case "rate":
			out[device.KeyRate] = opts.Rate
		case "control":
			out[control.KeyControl] = opts.Control
		case "severity":
			out[keySeverity] = opts.Severity
		case "channel-config":
			var chans map[string]any
			if chans, err = config.ParseChannelConfigs(opts.ChannelConfig); err != nil {
				return
			}
			for k, v := range chans {
				out[k] = v
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("-channel-config: %w", err)
	}
	return out, nil
}

// keySeverity is the log level property.
const keySeverity = "severity"

// loadProperties merges the YAML file, FMQ_* variables and flags.
func loadProperties(fs *flag.FlagSet, opts *Options) (*property.Store, error) {
	var sources []map[string]any
	if opts.ConfigFile != "" {
		props, err := config.LoadYAML(opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		sources = append(sources, props)
	}

	env, err := config.LoadEnv()
	if err != nil {
		return nil, err
	}
	envProps, err := env.Properties()
	if err != nil {
		return nil, err
	}
	sources = append(sources, envProps)

	flagProps, err := flagProperties(fs, opts)
	if err != nil {
		return nil, err
	}
	sources = append(sources, flagProps)

	store := property.NewStore(nil)
	config.ApplyTo(store, sources...)
	return store, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown severity %q", s)
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts Options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	props, err := loadProperties(fs, &opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	level, err := parseLevel(props.GetAsString(keySeverity))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Set up event logging if requested
	var eventLogger fmqlog.Logger
	var fileLogger *fmqlog.FileLogger
	if opts.EventLog != "" {
		fileLogger, err = fmqlog.NewFileLogger(opts.EventLog)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create event logger: %v\n", err)
			return 1
		}
		defer fileLogger.Close()
		eventLogger = fileLogger
		if level <= slog.LevelDebug {
			eventLogger = fmqlog.NewMultiLogger(fileLogger, fmqlog.NewSlogAdapter(logger))
		}
		logger.Info("event logging enabled", "path", opts.EventLog)
	}

	task, err := newTask(opts.Role, opts.In, opts.Out, opts.MsgSize, opts.MaxIterations, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	cfg := device.DefaultConfig()
	cfg.Properties = props
	cfg.Logger = logger
	cfg.EventLogger = eventLogger
	dev, err := device.New(task, cfg)
	if err != nil {
		logger.Error("failed to create device", "error", err)
		return 1
	}
	defer dev.Close()

	logger.Info("device created", "id", dev.ID(), "role", opts.Role)

	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           metrics.Handler(dev.Registry()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", opts.MetricsAddr)
	}

	svc := plugin.NewServices(dev, logger, eventLogger)
	registry := plugin.NewRegistry()
	if err := registry.Register(control.Name, control.Constructor(control.Config{Logger: logger})); err != nil {
		logger.Error("failed to register plugin", "error", err)
		return 1
	}
	mgr := plugin.NewManager(svc, registry, logger)

	dev.Start()
	if err := mgr.Instantiate(); err != nil {
		logger.Error("failed to start plugins", "error", err)
		_ = dev.Shutdown(device.DefaultShutdownTimeout)
		return 1
	}

	// Wait for the device to finish or a shutdown signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-dev.Machine().Done():
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	}

	if err := mgr.Shutdown(); err != nil {
		logger.Warn("plugin shutdown", "error", err)
	}
	if s := dev.State(); !s.Terminal() {
		if err := dev.Shutdown(device.DefaultShutdownTimeout); err != nil {
			logger.Warn("device shutdown", "error", err)
		}
	}

	if fileLogger != nil {
		if n := fileLogger.Dropped(); n > 0 {
			logger.Warn("events dropped", "count", n)
		}
	}

	if dev.State() == fsm.Error {
		logger.Error("device failed", "error", dev.Err())
		return 1
	}
	logger.Info("device exited")
	return 0
}
