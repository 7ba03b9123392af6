package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/loop"
	"github.com/roach88/lockstep/internal/refengine"
	"github.com/roach88/lockstep/internal/server"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/testutil"
	"github.com/roach88/lockstep/internal/transceiver"

	// Registers the shipped transceiver functions scenarios refer to.
	_ "github.com/roach88/lockstep/internal/tfs"
)

// defaultTimeout bounds engine commands when a scenario sets no timeout.
const defaultTimeout = 5 * time.Second

// epoch is the start of the harness clock.
var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Run executes a scenario and returns the result.
//
// Each scenario runs the real synchronization loop against in-process
// reference engines, with a fresh in-memory run log, a fixed run id and a
// manual clock, so two runs of the same scenario record identical traces.
//
// Execution flow:
//  1. Create engines and their servers
//  2. Activate the named transceiver functions
//  3. Run the loop for the scenario's cycles
//  4. Read the trace back from the run log
//  5. Evaluate assertions
//
// An error is returned only when the scenario cannot be executed at all.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	result := NewResult()

	specs := make([]loop.EngineSpec, 0, len(scenario.Engines))
	for i, e := range scenario.Engines {
		spec, srv, err := newEngine(e, logger)
		if err != nil {
			return nil, fmt.Errorf("engines[%d]: %w", i, err)
		}
		specs = append(specs, spec)
		result.servers[e.Name] = srv
	}

	bindings, err := transceiver.Default().Select(scenario.Functions)
	if err != nil {
		return nil, fmt.Errorf("functions: %w", err)
	}
	rt, err := transceiver.NewRuntime(bindings, transceiver.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("functions: %w", err)
	}

	timestep, _ := time.ParseDuration(scenario.Timestep)
	timeout := defaultTimeout
	if scenario.Timeout != "" {
		timeout, _ = time.ParseDuration(scenario.Timeout)
	}
	runID := scenario.RunID
	if runID == "" {
		runID = DefaultRunID
	}

	l, err := loop.New(loop.Config{
		Name:                 scenario.Name,
		Timestep:             timestep,
		MaxCycles:            scenario.Cycles,
		CommandTimeout:       timeout,
		AbortOnEngineFailure: scenario.AbortOnEngineFailure,
	}, specs, rt,
		loop.WithStore(st),
		loop.WithLogger(logger),
		loop.WithRunIDGenerator(testutil.NewFixedRunIDGenerator(runID)),
		loop.WithClock(testutil.NewManualClock(epoch, time.Millisecond)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create loop: %w", err)
	}

	report, runErr := l.Run(ctx)
	if runErr != nil {
		result.RunError = runErr.Error()
	}
	result.Report = report
	result.RunID = report.RunID
	result.Status = string(report.Status)
	result.Cycles = report.Cycles

	if err := readTrace(ctx, st, result); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// newEngine starts a reference engine behind its own server.
func newEngine(e EngineSpec, logger *slog.Logger) (loop.EngineSpec, *server.Server, error) {
	eng, err := refengine.New(e.Type, e.Name)
	if err != nil {
		return loop.EngineSpec{}, nil, err
	}
	cfg, err := convertConfig(e.Config)
	if err != nil {
		return loop.EngineSpec{}, nil, fmt.Errorf("config: %w", err)
	}
	var resolution time.Duration
	if e.Resolution != "" {
		resolution, _ = time.ParseDuration(e.Resolution)
	}

	srv := server.New(e.Name, eng, server.WithLogger(logger))
	return loop.EngineSpec{
		Client:     srv,
		Config:     cfg,
		Resolution: resolution,
		Endpoint:   "inproc:" + e.Type,
	}, srv, nil
}

// readTrace fills the result's steps and failures from the run log.
func readTrace(ctx context.Context, st *store.Store, result *Result) error {
	steps, err := st.ReadSteps(ctx, result.RunID)
	if err != nil {
		return fmt.Errorf("failed to read steps: %w", err)
	}
	for _, s := range steps {
		result.Steps = append(result.Steps, StepTrace{
			Step:         s.Step,
			SimTimeNS:    s.SimTime.Nanoseconds(),
			SnapshotHash: s.SnapshotHash,
			Devices:      s.Devices,
		})
	}

	failures, err := st.ReadFailures(ctx, result.RunID)
	if err != nil {
		return fmt.Errorf("failed to read failures: %w", err)
	}
	for _, f := range failures {
		ft := FailureTrace{
			Step:     f.Step,
			Code:     string(f.Code),
			Engine:   f.Engine,
			Function: f.Function,
		}
		if !f.Device.IsZero() {
			ft.Device = f.Device.String()
		}
		result.Failures = append(result.Failures, ft)
	}
	return nil
}

// convertConfig converts a YAML-decoded engine config to an IRObject.
func convertConfig(cfg map[string]any) (ir.IRObject, error) {
	if cfg == nil {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromGo(cfg)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("expected object, got %s", ir.KindOf(v))
	}
	return obj, nil
}
