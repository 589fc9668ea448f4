package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/adapter/device"
	"github.com/rupa/seamstress/adapter/input"
	"github.com/rupa/seamstress/adapter/osc"
	"github.com/rupa/seamstress/adapter/scriptwatch"
	"github.com/rupa/seamstress/config"
	"github.com/rupa/seamstress/spindle"
	"github.com/rupa/seamstress/telemetry"

	// Registered producers built from the config file.
	_ "github.com/rupa/seamstress/adapter/redisstream"
	_ "github.com/rupa/seamstress/adapter/timer"
)

// RunOptions holds flags for running a script.
type RunOptions struct {
	*RootOptions
	Version string

	Script      string
	LocalPort   int
	RemotePort  int
	MetricsAddr string
	Watch       bool
	NoInput     bool
	NoDevices   bool
}

// NewRunCommand is the explicit form of the root command's default action.
func NewRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a script (the default)",
		Example: `  seamstress run -s grid.lua
  seamstress run -c studio.toml --metrics-addr :9100`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeamstress(cmd, opts)
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

func addRunFlags(cmd *cobra.Command, opts *RunOptions) {
	d := config.Defaults()
	f := cmd.Flags()
	f.StringVarP(&opts.Script, "script", "s", d.Script, "Lua script to run")
	f.IntVarP(&opts.LocalPort, "local-port", "l", d.LocalPort, "UDP port to receive OSC on")
	f.IntVarP(&opts.RemotePort, "remote-port", "b", d.RemotePort, "port scripts send OSC to")
	f.StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address")
	f.BoolVarP(&opts.Watch, "watch", "w", false, "reload the script when it changes")
	f.BoolVar(&opts.NoInput, "no-input", false, "do not read Lua from stdin")
	f.BoolVar(&opts.NoDevices, "no-devices", false, "do not scan or watch for devices")
}

// resolveConfig layers defaults, the config file, the environment and the
// flags the user actually set, in that order of precedence from low to high.
func resolveConfig(cmd *cobra.Command, opts *RunOptions) (config.Config, error) {
	var cfg config.Config
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg = cfg.Merge(config.Defaults())
	cfg, err := cfg.ApplyEnv(os.Getenv)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("script") {
		cfg.Script = opts.Script
	}
	if flags.Changed("local-port") {
		cfg.LocalPort = opts.LocalPort
	}
	if flags.Changed("remote-port") {
		cfg.RemotePort = opts.RemotePort
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if flags.Changed("watch") {
		cfg.Watch = opts.Watch
	}
	if flags.Changed("no-input") {
		cfg.NoInput = opts.NoInput
	}
	if flags.Changed("no-devices") {
		cfg.NoDevices = opts.NoDevices
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.Quiet {
		cfg.Quiet = true
	}
	return cfg, cfg.Validate()
}

func runSeamstress(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := resolveConfig(cmd, opts)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())

	out := cmd.OutOrStdout()
	if !cfg.Quiet {
		fmt.Fprintln(out, "SEAMSTRESS")
		fmt.Fprintf(out, "seamstress version: %s\n", opts.Version)
	}

	rt, err := buildRuntime(cfg, opts.Version, logger)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rt.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("seamstress: startup failed")
		code := 1
		if errors.Is(err, seamstress.ErrInitFailure) {
			code = exitInit
		}
		return &exitError{code: code, err: err}
	}
	if !cfg.Quiet {
		fmt.Fprintln(out, "Bye!")
	}
	return nil
}

// buildRuntime wires the engine and every producer the config asks for.
func buildRuntime(cfg config.Config, version string, logger *xlog.Logger) (*seamstress.Runtime, error) {
	engine := spindle.New(spindle.Config{
		Script:     cfg.Script,
		Version:    version,
		LocalPort:  cfg.LocalPort,
		RemotePort: cfg.RemotePort,
	}, logger)

	b := seamstress.NewRuntimeBuilder().
		WithLogger(logger).
		WithEngine(engine).
		WithQueueCapacity(cfg.QueueCapacity).
		WithProducer(osc.New(osc.Config{Port: cfg.LocalPort}, logger))

	if d := cfg.StopGraceDuration(); d > 0 {
		b.WithStopGrace(d)
	}
	if d := cfg.SlowHandlerDuration(); d > 0 {
		b.WithSlowHandler(d)
	}
	if !cfg.NoDevices {
		b.WithProducer(device.New(device.Config{Patterns: device.PatternsByKind(cfg.Devices)}, logger))
	}
	if !cfg.NoInput {
		b.WithProducer(input.New(input.Config{Prompt: input.DefaultPrompt, QuitOnEOF: true}, logger))
	}
	if cfg.Watch {
		b.WithProducer(scriptwatch.New(scriptwatch.Config{Script: cfg.Script}, logger))
	}
	for _, spec := range cfg.Producers() {
		b.WithProducerNamed(spec.Name, spec.Config)
	}

	var server *telemetry.Server
	if cfg.MetricsAddr != "" {
		metrics := telemetry.NewMetrics()
		server = telemetry.NewServer(cfg.MetricsAddr, metrics, logger)
		b.WithObserver(metrics).WithCollaborator(server)
	}

	rt, err := b.Build()
	if err != nil {
		return nil, err
	}
	if server != nil {
		server.SetSource(rt)
	}
	return rt, nil
}
