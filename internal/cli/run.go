package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/roach88/lockstep/internal/config"
	"github.com/roach88/lockstep/internal/loop"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/refengine"
	"github.com/roach88/lockstep/internal/server"
	"github.com/roach88/lockstep/internal/simerr"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transceiver"

	// Registers the shipped transceiver functions.
	_ "github.com/roach88/lockstep/internal/tfs"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database    string
	Cycles      int64
	MetricsAddr string
	Timeout     time.Duration

	// RunIDs allows overriding the run id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs loop.RunIDGenerator
}

// RunSummary is the result of a run as printed by the run command.
type RunSummary struct {
	RunID     string           `json:"run_id"`
	Name      string           `json:"name"`
	Status    string           `json:"status"`
	Cycles    int64            `json:"cycles"`
	SimTimeNS int64            `json:"sim_time_ns"`
	Hash      string           `json:"snapshot_hash,omitempty"`
	Engines   []EngineSummary  `json:"engines"`
	Failures  []FailureSummary `json:"failures"`
	Error     string           `json:"error,omitempty"`
}

// EngineSummary is the terminal state of one engine.
type EngineSummary struct {
	Name         string `json:"name"`
	Endpoint     string `json:"endpoint"`
	Status       string `json:"status"`
	Steps        int64  `json:"steps"`
	EngineTimeNS int64  `json:"engine_time_ns"`
	Devices      int    `json:"devices"`
	Error        string `json:"error,omitempty"`
}

// FailureSummary is one failure reported during a run.
type FailureSummary struct {
	Step     int64  `json:"step"`
	Code     string `json:"code"`
	Engine   string `json:"engine,omitempty"`
	Function string `json:"function,omitempty"`
	Device   string `json:"device,omitempty"`
	Message  string `json:"message"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <sim-dir>",
		Short: "Run a simulation",
		Long: `Run the simulation described by the CUE files in a directory.

Engines with a type are started in-process; engines with an address are
reached over WebSocket (see "lockstep serve"). The loop runs until
max_cycles is reached, every engine has failed, or the process receives
SIGINT/SIGTERM, in which case the current cycle finishes first.

With --db every step is recorded in a SQLite run log that "lockstep report"
reads. With --metrics-addr Prometheus metrics are served at /metrics.

Exit codes:
  0 - Run completed or was stopped
  1 - Run failed
  2 - Command error (invalid description, unreachable engine, etc.)

Example:
  lockstep run ./sim
  lockstep run ./sim --db ./runs.db --cycles 500 --metrics-addr :9090`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(cmd, opts.EnvFile)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load settings", err)
			}
			opts.Database = s.String("db")
			opts.Cycles = s.Int64("cycles")
			opts.MetricsAddr = s.String("metrics-addr")
			opts.Timeout = s.Duration("timeout")
			return runSimulation(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")
	cmd.Flags().Int64Var(&opts.Cycles, "cycles", 0, "override simulation.max_cycles (0 keeps the configured value)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "override simulation.timeout for engine commands")

	return cmd
}

func runSimulation(opts *RunOptions, simDir string, cmd *cobra.Command) error {
	logger := newLogger(opts.Verbose, cmd.ErrOrStderr())
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	sim, err := loadSimulation(simDir)
	if err != nil {
		return err
	}
	logger.Info("simulation loaded", "name", sim.Name, "engines", len(sim.Engines), "functions", len(sim.Functions), "hash", sim.Hash)

	if opts.Cycles > 0 {
		sim.MaxCycles = opts.Cycles
	}
	if opts.Timeout > 0 {
		sim.Timeout = opts.Timeout
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	bindings, err := transceiver.Default().Select(sim.Functions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to select functions", err)
	}
	rt, err := transceiver.NewRuntime(bindings, transceiver.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create function runtime", err)
	}

	specs, err := connectEngines(ctx, sim, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect engines", err)
	}

	loopOpts := []loop.Option{loop.WithLogger(logger)}
	if opts.RunIDs != nil {
		loopOpts = append(loopOpts, loop.WithRunIDGenerator(opts.RunIDs))
	}

	if opts.Database != "" {
		logger.Info("opening database", "path", opts.Database)
		st, err := store.Open(opts.Database)
		if err != nil {
			shutdownEngines(specs, logger)
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing database", "error", closeErr)
			}
		}()
		loopOpts = append(loopOpts, loop.WithStore(st))
	}

	if opts.MetricsAddr != "" {
		m, err := serveMetrics(ctx, opts.MetricsAddr, logger)
		if err != nil {
			shutdownEngines(specs, logger)
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		loopOpts = append(loopOpts, loop.WithMetrics(m))
	}

	l, err := loop.New(loop.Config{
		Name:                 sim.Name,
		Timestep:             sim.Timestep,
		MaxCycles:            sim.MaxCycles,
		CommandTimeout:       sim.Timeout,
		AbortOnEngineFailure: sim.AbortOnEngineFailure,
		ConfigHash:           sim.Hash,
	}, specs, rt, loopOpts...)
	if err != nil {
		shutdownEngines(specs, logger)
		return WrapExitError(ExitCommandError, "failed to create loop", err)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping after the current cycle", "signal", sig)
			l.Stop()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	report, runErr := l.Run(ctx)

	summary := summarize(sim.Name, report, runErr)
	if err := outputRunSummary(formatter, summary, runErr); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "simulation failed", runErr)
	}
	logger.Info("simulation finished", "run_id", report.RunID, "status", report.Status, "cycles", report.Cycles)
	return nil
}

// loadSimulation loads simDir and checks it against the engine types and
// functions this binary provides.
func loadSimulation(simDir string) (*config.Simulation, error) {
	sim, errs := config.Load(simDir, config.LoadModeFailFast)
	if len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "failed to load simulation", errs[0])
	}
	if errs := sim.Check(refengine.Types(), transceiver.Default().Names()); len(errs) > 0 {
		return nil, WrapExitError(ExitCommandError, "invalid simulation", errors.Join(errs...))
	}
	return sim, nil
}

// connectEngines starts the in-process engines and dials the remote ones,
// in declaration order. On error the engines already connected are shut
// down.
func connectEngines(ctx context.Context, sim *config.Simulation, logger *slog.Logger) ([]loop.EngineSpec, error) {
	specs := make([]loop.EngineSpec, 0, len(sim.Engines))
	for _, e := range sim.Engines {
		spec := loop.EngineSpec{
			Config:     e.Config,
			Resolution: e.Resolution,
		}
		if e.Remote() {
			logger.Debug("dialing engine", "engine", e.Name, "address", e.Address)
			c, err := protocol.Dial(ctx, e.Address, e.Name)
			if err != nil {
				shutdownEngines(specs, logger)
				return nil, fmt.Errorf("engine %s: %w", e.Name, err)
			}
			spec.Client = c
			spec.Endpoint = e.Address
		} else {
			eng, err := refengine.New(e.Type, e.Name)
			if err != nil {
				shutdownEngines(specs, logger)
				return nil, fmt.Errorf("engine %s: %w", e.Name, err)
			}
			spec.Client = server.New(e.Name, eng, server.WithLogger(logger))
			spec.Endpoint = "inproc:" + e.Type
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// shutdownEngines releases engines that never reached the loop.
func shutdownEngines(specs []loop.EngineSpec, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range specs {
		if err := s.Client.Shutdown(ctx); err != nil {
			logger.Warn("engine shutdown failed", "engine", s.Client.Name(), "error", err)
		}
	}
}

// serveMetrics registers the loop metrics on a fresh registry and serves
// it on addr until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) (*metrics.Metrics, error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	logger.Info("serving metrics", "addr", ln.Addr().String())
	go func() {
		if err := metrics.Serve(ctx, ln, reg); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return m, nil
}

func summarize(name string, report *loop.Report, runErr error) RunSummary {
	s := RunSummary{
		RunID:     report.RunID,
		Name:      name,
		Status:    string(report.Status),
		Cycles:    report.Cycles,
		SimTimeNS: report.SimTime.Nanoseconds(),
		Engines:   make([]EngineSummary, 0, len(report.Engines)),
		Failures:  make([]FailureSummary, 0, len(report.Failures)),
	}
	if report.Snapshot != nil {
		if h, err := report.Snapshot.Hash(); err == nil {
			s.Hash = h
		}
	}
	if runErr != nil {
		s.Error = runErr.Error()
	}
	for _, e := range report.Engines {
		s.Engines = append(s.Engines, EngineSummary{
			Name:         e.Name,
			Endpoint:     e.Endpoint,
			Status:       string(e.Status),
			Steps:        e.Steps,
			EngineTimeNS: e.EngineTime.Nanoseconds(),
			Devices:      len(e.Devices),
			Error:        e.Error,
		})
	}
	for _, f := range report.Failures {
		s.Failures = append(s.Failures, failureSummary(f))
	}
	return s
}

func failureSummary(f *simerr.Error) FailureSummary {
	fs := FailureSummary{
		Step:     f.Step,
		Code:     string(f.Code),
		Engine:   f.Engine,
		Function: f.Function,
		Message:  f.Message,
	}
	if !f.Device.IsZero() {
		fs.Device = f.Device.String()
	}
	return fs
}

// outputRunSummary prints the summary. In JSON mode a failed run is still a
// full response carrying the summary plus the error.
func outputRunSummary(formatter *OutputFormatter, s RunSummary, runErr error) error {
	if formatter.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: s, RunID: s.RunID}
		if runErr != nil {
			resp.Status = "error"
			resp.Error = &CLIError{Code: string(simerr.CodeOf(runErr)), Message: runErr.Error()}
		}
		return formatter.Respond(resp)
	}

	w := formatter.Writer
	mark := "✓"
	if runErr != nil {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s Run %s %s: %d cycles, sim time %s\n", mark, s.RunID, s.Status, s.Cycles, time.Duration(s.SimTimeNS))
	for _, e := range s.Engines {
		fmt.Fprintf(w, "  %-12s %-12s steps=%d time=%s devices=%d\n", e.Name, e.Status, e.Steps, time.Duration(e.EngineTimeNS), e.Devices)
		if e.Error != "" {
			fmt.Fprintf(w, "    %s\n", e.Error)
		}
	}
	if len(s.Failures) > 0 {
		fmt.Fprintf(w, "Failures (%d):\n", len(s.Failures))
		for _, f := range s.Failures {
			fmt.Fprintf(w, "  step %d %s %s\n", f.Step, f.Code, f.Message)
		}
	}
	if s.Hash != "" {
		formatter.VerboseLog("final snapshot %s", s.Hash)
	}
	return nil
}
