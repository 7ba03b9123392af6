package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/simerr"
	"github.com/roach88/lockstep/internal/store"
	"github.com/roach88/lockstep/internal/transceiver"
)

// DefaultCommandTimeout bounds every engine command when Config does not.
const DefaultCommandTimeout = 30 * time.Second

// Config holds the run parameters.
type Config struct {
	// Name identifies the simulation in the run log.
	Name string

	// Timestep is the global time added per cycle.
	Timestep time.Duration

	// MaxCycles ends the run after this many cycles. Zero runs until
	// stopped or until no engine is left.
	MaxCycles int64

	// CommandTimeout bounds each engine command.
	CommandTimeout time.Duration

	// AbortOnEngineFailure ends the run at the first engine failure instead
	// of continuing with the remaining engines.
	AbortOnEngineFailure bool

	// ConfigHash is recorded with the run.
	ConfigHash string
}

// Loop drives a set of engines in lockstep.
type Loop struct {
	cfg     Config
	conns   []*Connection
	byName  map[string]*Connection
	runtime *transceiver.Runtime

	store   *store.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	runIDs  RunIDGenerator
	clock   Clock

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithStore records the run in s.
func WithStore(s *store.Store) Option {
	return func(l *Loop) {
		l.store = s
	}
}

// WithMetrics reports loop metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// WithRunIDGenerator replaces the UUIDv7 run id generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(l *Loop) {
		l.runIDs = g
	}
}

// WithClock replaces the wall clock used for run records and durations.
func WithClock(c Clock) Option {
	return func(l *Loop) {
		l.clock = c
	}
}

// New creates a loop over engines, in registration order. rt may be nil
// when no functions are active.
func New(cfg Config, engines []EngineSpec, rt *transceiver.Runtime, opts ...Option) (*Loop, error) {
	if cfg.Timestep <= 0 {
		return nil, fmt.Errorf("timestep must be positive, got %s", cfg.Timestep)
	}
	if cfg.MaxCycles < 0 {
		return nil, fmt.Errorf("max cycles must not be negative, got %d", cfg.MaxCycles)
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if len(engines) == 0 {
		return nil, errors.New("at least one engine is required")
	}
	if rt == nil {
		var err error
		if rt, err = transceiver.NewRuntime(nil); err != nil {
			return nil, err
		}
	}

	l := &Loop{
		cfg:     cfg,
		byName:  make(map[string]*Connection, len(engines)),
		runtime: rt,
		logger:  slog.Default(),
		runIDs:  UUIDv7Generator{},
		clock:   systemClock{},
		stopCh:  make(chan struct{}),
	}
	for _, spec := range engines {
		if spec.Client == nil {
			return nil, errors.New("engine client is nil")
		}
		if spec.Resolution < 0 {
			return nil, fmt.Errorf("engine %s: resolution must not be negative", spec.Client.Name())
		}
		c := newConnection(spec)
		if c.Name == "" {
			return nil, errors.New("engine name is required")
		}
		if _, dup := l.byName[c.Name]; dup {
			return nil, fmt.Errorf("engine %s registered twice", c.Name)
		}
		l.conns = append(l.conns, c)
		l.byName[c.Name] = c
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Connections returns the per-engine state in registration order. Only
// safe to inspect once Run has returned.
func (l *Loop) Connections() []*Connection {
	return l.conns
}

// Stop asks a running loop to finish after the current cycle.
// Safe to call from any goroutine, any number of times.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *Loop) stopRequested(ctx context.Context) bool {
	select {
	case <-l.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Run initializes every engine, runs cycles until MaxCycles, a stop
// request, or a fatal failure, and shuts every engine down exactly once.
//
// Cancelling ctx is a stop request: the current cycle completes and Run
// returns the report with Stopped set and a nil error. The returned report
// is never nil, also when err is not.
func (l *Loop) Run(ctx context.Context) (*Report, error) {
	if !l.started.CompareAndSwap(false, true) {
		return nil, errors.New("loop has already run")
	}

	r := &run{
		Loop:    l,
		ctx:     ctx,
		persist: context.WithoutCancel(ctx),
		report:  &Report{RunID: l.runIDs.Generate()},
	}
	r.logger = l.logger.With("run_id", r.report.RunID)
	return r.execute()
}

// run is the state of one Run call.
type run struct {
	*Loop
	ctx     context.Context
	persist context.Context
	logger  *slog.Logger
	report  *Report
	snap    *ir.Snapshot
	simTime time.Duration

	// recorded is set once the run exists in the store.
	recorded bool
}

func (r *run) execute() (rep *Report, err error) {
	started := r.clock.Now()
	r.logger.Info("simulation starting",
		"name", r.cfg.Name,
		"engines", len(r.conns),
		"timestep", r.cfg.Timestep,
		"max_cycles", r.cfg.MaxCycles,
	)

	defer func() {
		r.shutdown()
		r.finish(err)
		rep = r.report
	}()

	if err := r.beginRun(started); err != nil {
		return nil, err
	}
	if err := r.initialize(); err != nil {
		return nil, err
	}
	return nil, r.cycles()
}

func (r *run) beginRun(started time.Time) error {
	if r.store == nil {
		return nil
	}
	engines := make([]store.RunEngine, 0, len(r.conns))
	for _, c := range r.conns {
		engines = append(engines, store.RunEngine{Name: c.Name, Endpoint: c.Endpoint, Status: string(c.Status)})
	}
	err := r.store.BeginRun(r.persist, store.Run{
		ID:              r.report.RunID,
		Name:            r.cfg.Name,
		ConfigHash:      r.cfg.ConfigHash,
		Timestep:        r.cfg.Timestep,
		StartedAt:       started,
		EngineVersion:   ir.Version,
		ProtocolVersion: ir.ProtocolVersion,
		Engines:         engines,
	})
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	r.recorded = true
	return nil
}

// initialize brings every engine up in registration order and records the
// step 0 snapshot. The first failure ends the run.
func (r *run) initialize() error {
	for _, c := range r.conns {
		if r.stopRequested(r.ctx) {
			r.report.Stopped = true
			return nil
		}

		r.logger.Info("initializing engine", "engine", c.Name, "endpoint", c.Endpoint)
		devices, err := call(r.ctx, r.cfg.CommandTimeout, c.Name, "initialize", func(ctx context.Context) ([]ir.Device, error) {
			return c.client.Initialize(ctx, c.config)
		})
		if err == nil {
			err = c.catalogue(devices)
		}
		if err != nil {
			se := simerr.Wrap(simerr.CodeInitialization, c.Name, err)
			if se.Code != simerr.CodeInitialization && se.Code != simerr.CodeSynchronizationTimeout {
				se = simerr.NewInitializationError(c.Name, err)
			}
			r.markFailed(c, se)
			r.report.Failures = append(r.report.Failures, se)
			if err := r.recordFailures(0, []*simerr.Error{se}); err != nil {
				return err
			}
			return se
		}
		r.setStatus(c, StatusConnected)
		r.logger.Info("engine initialized", "engine", c.Name, "devices", len(devices))
	}

	r.snap = r.buildSnapshot(0)
	return r.recordStep(nil)
}

// cycles runs the cycle loop until a stop condition.
func (r *run) cycles() error {
	if r.report.Stopped {
		return nil
	}
	for cycle := int64(1); r.cfg.MaxCycles == 0 || cycle <= r.cfg.MaxCycles; cycle++ {
		if r.stopRequested(r.ctx) {
			r.logger.Info("simulation stopping", "cycle", cycle-1)
			r.report.Stopped = true
			return nil
		}

		failed, err := r.cycle(cycle)
		if err != nil {
			return err
		}
		if len(failed) > 0 && r.cfg.AbortOnEngineFailure {
			return fmt.Errorf("aborting after engine failure: %w", failed[0])
		}
		if r.liveCount() == 0 {
			return fmt.Errorf("no engines left after cycle %d: %w", cycle, r.lastFailure())
		}
	}
	return nil
}

// stepOutcome is what one engine's goroutine reports to the barrier.
type stepOutcome struct {
	devices    []ir.Device
	engineTime time.Duration
	stepped    bool
	duration   time.Duration
	failures   []*simerr.Error
	fatal      *simerr.Error
}

// cycle executes one cycle and returns the errors of engines that failed
// in it.
func (r *run) cycle(cycle int64) ([]*simerr.Error, error) {
	start := r.clock.Now()
	target := time.Duration(cycle) * r.cfg.Timestep

	// res.Snapshot adds this step's preprocessed devices to r.snap. They are
	// recomputed every cycle, so the recorded snapshot below is built from
	// engine outputs only.
	res := r.runtime.Execute(cycle, r.snap, r.validateOutput)
	failures := append([]*simerr.Error(nil), res.Failures...)
	for _, f := range res.Failures {
		r.metrics.FunctionFailed(f.Function, string(f.Code))
	}

	outcomes := make([]stepOutcome, len(r.conns))
	var g errgroup.Group
	for i, c := range r.conns {
		i, c := i, c
		if !c.Live() {
			continue
		}
		r.setStatus(c, StatusStepping)
		inputs := res.Outputs[c.Name]
		g.Go(func() error {
			outcomes[i] = r.stepEngine(c, cycle, inputs, target)
			return nil
		})
	}
	_ = g.Wait()

	var failed []*simerr.Error
	for i, c := range r.conns {
		if c.Status != StatusStepping {
			continue
		}
		out := outcomes[i]
		failures = append(failures, out.failures...)
		r.metrics.ObserveEngineStep(c.Name, out.duration)
		if out.fatal != nil {
			r.markFailed(c, out.fatal)
			failures = append(failures, out.fatal)
			failed = append(failed, out.fatal)
			continue
		}
		if out.stepped {
			c.Step++
			c.EngineTime = out.engineTime
			c.Last = out.devices
		}
		r.setStatus(c, StatusConnected)
	}

	r.simTime = target
	r.snap = r.buildSnapshot(cycle)
	r.report.Cycles = cycle
	r.report.SimTime = target
	if err := r.recordStep(failures); err != nil {
		return failed, err
	}

	r.metrics.ObserveCycle(r.clock.Now().Sub(start), target)
	r.logger.Debug("cycle complete",
		"cycle", cycle,
		"sim_time", target,
		"failures", len(failures),
		"live_engines", r.liveCount(),
	)
	return failed, nil
}

// stepEngine applies inputs to c and then steps it. It runs on its own
// goroutine and must not touch loop state; the barrier applies the outcome.
func (r *run) stepEngine(c *Connection, cycle int64, inputs []ir.Device, target time.Duration) (out stepOutcome) {
	start := time.Now()
	defer func() { out.duration = time.Since(start) }()

	if len(inputs) > 0 {
		err := callErr(r.ctx, r.cfg.CommandTimeout, c.Name, string(protocol.OpSetInputs), func(ctx context.Context) error {
			return c.client.ApplyInputs(ctx, inputs)
		})
		if err != nil {
			se := simerr.Wrap(simerr.CodeEngineStep, c.Name, err).WithStep(cycle)
			if !se.Fatal() && inputFailureRecoverable(se.Code) {
				out.failures = append(out.failures, se)
			} else {
				out.fatal = fatalStepError(c.Name, se)
				return out
			}
		}
	}

	d := c.stepDuration(target)
	if d == 0 {
		return out
	}

	result, err := call(r.ctx, r.cfg.CommandTimeout, c.Name, string(protocol.OpStep), func(ctx context.Context) (protocol.StepResult, error) {
		return c.client.Step(ctx, d)
	})
	if err != nil {
		out.fatal = fatalStepError(c.Name, simerr.Wrap(simerr.CodeEngineStep, c.Name, err).WithStep(cycle))
		return out
	}
	if result.EngineTime < c.EngineTime {
		out.fatal = simerr.NewEngineStepError(c.Name,
			fmt.Sprintf("engine time went backwards from %s to %s", c.EngineTime, result.EngineTime), nil).WithStep(cycle)
		return out
	}
	if err := c.checkOutput(result.Devices); err != nil {
		out.fatal = simerr.NewEngineStepError(c.Name, "invalid step output", err).WithStep(cycle)
		return out
	}

	out.stepped = true
	out.engineTime = result.EngineTime
	out.devices = result.Devices
	return out
}

// inputFailureRecoverable reports whether a rejected ApplyInputs leaves the
// engine usable. The server validates inputs before touching the engine, so
// these codes mean nothing was applied.
func inputFailureRecoverable(code simerr.Code) bool {
	switch code {
	case simerr.CodeUnknownDevice, simerr.CodeSchemaMismatch, simerr.CodeMalformedPayload:
		return true
	}
	return false
}

// fatalStepError keeps taxonomy codes that are fatal on their own and
// reports everything else as an engine step failure.
func fatalStepError(engine string, se *simerr.Error) *simerr.Error {
	if se.Fatal() {
		return se
	}
	return &simerr.Error{
		Code:    simerr.CodeEngineStep,
		Message: "engine rejected command",
		Engine:  engine,
		Step:    se.Step,
		Err:     se,
	}
}

// validateOutput is the transceiver output check: the device must address
// a live engine and be one of its to-engine devices.
func (r *run) validateOutput(d ir.Device) error {
	c, ok := r.byName[d.ID.EngineName]
	if !ok {
		return fmt.Errorf("unknown engine %q", d.ID.EngineName)
	}
	return c.accepts(d)
}

// buildSnapshot collects the last devices of every live engine in
// registration order. Failed engines drop out, so functions reading their
// devices report a missing input instead of acting on stale data.
func (r *run) buildSnapshot(step int64) *ir.Snapshot {
	var devices []ir.Device
	for _, c := range r.conns {
		if c.Live() {
			devices = append(devices, c.Last...)
		}
	}
	return ir.NewSnapshot(step, devices)
}

func (r *run) liveCount() int {
	n := 0
	for _, c := range r.conns {
		if c.Live() {
			n++
		}
	}
	return n
}

func (r *run) lastFailure() error {
	for i := len(r.conns) - 1; i >= 0; i-- {
		if r.conns[i].Err != nil {
			return r.conns[i].Err
		}
	}
	return errors.New("no engine failure recorded")
}

func (r *run) setStatus(c *Connection, s Status) {
	c.Status = s
	r.metrics.SetEngineStatus(c.Name, s.metric())
}

func (r *run) markFailed(c *Connection, err *simerr.Error) {
	c.Err = err
	r.setStatus(c, StatusFailed)
	r.logger.Error("engine failed",
		"engine", c.Name,
		"code", err.Code,
		"step", err.Step,
		"error", err,
	)
}

// shutdown releases every engine in reverse registration order. Each
// engine is shut down at most once; failures are reported, not fatal.
func (r *run) shutdown() {
	for i := len(r.conns) - 1; i >= 0; i-- {
		c := r.conns[i]
		if c.shutdown {
			continue
		}
		c.shutdown = true

		err := callErr(r.ctx, r.cfg.CommandTimeout, c.Name, string(protocol.OpShutdown), func(ctx context.Context) error {
			return c.client.Shutdown(ctx)
		})
		if err != nil {
			se := simerr.Wrap(simerr.CodeEngineStep, c.Name, err)
			r.logger.Warn("engine shutdown failed", "engine", c.Name, "error", se)
			r.report.Failures = append(r.report.Failures, se)
			if err := r.recordFailures(r.report.Cycles, []*simerr.Error{se}); err != nil {
				r.logger.Error("record shutdown failure", "engine", c.Name, "error", err)
			}
		}
		if c.Status != StatusFailed {
			r.setStatus(c, StatusDisconnected)
		}
		r.logger.Info("engine shut down", "engine", c.Name, "status", c.Status)
	}
}

// finish fills in the engine reports and ends the run record.
func (r *run) finish(runErr error) {
	rep := r.report
	rep.Snapshot = r.snap
	for _, c := range r.conns {
		er := EngineReport{
			Name:       c.Name,
			Endpoint:   c.Endpoint,
			Status:     c.Status,
			Steps:      c.Step,
			EngineTime: c.EngineTime,
			Devices:    ir.CloneDevices(c.Last),
		}
		if c.Err != nil {
			er.Error = c.Err.Error()
		}
		rep.Engines = append(rep.Engines, er)
	}

	status := store.RunCompleted
	switch {
	case runErr != nil:
		status = store.RunFailed
	case rep.Stopped:
		status = store.RunStopped
	}
	rep.Status = status

	if runErr != nil {
		r.logger.Error("simulation failed", "cycles", rep.Cycles, "error", runErr)
	} else {
		r.logger.Info("simulation finished", "status", status, "cycles", rep.Cycles, "sim_time", rep.SimTime)
	}

	if !r.recorded {
		return
	}
	end := store.RunEnd{Status: status, EndedAt: r.clock.Now()}
	if runErr != nil {
		end.Error = runErr.Error()
	}
	for _, er := range rep.Engines {
		end.Engines = append(end.Engines, store.RunEngine{
			Name:       er.Name,
			Status:     string(er.Status),
			Steps:      er.Steps,
			EngineTime: er.EngineTime,
			Error:      er.Error,
		})
	}
	if err := r.store.EndRun(r.persist, rep.RunID, end); err != nil {
		r.logger.Error("record run end", "error", err)
	}
}

func (r *run) recordStep(failures []*simerr.Error) error {
	r.report.Failures = append(r.report.Failures, failures...)
	if !r.recorded {
		return nil
	}
	if err := r.store.WriteStep(r.persist, r.report.RunID, r.snap, r.simTime, failures); err != nil {
		return fmt.Errorf("record step %d: %w", r.snap.Step(), err)
	}
	return nil
}

func (r *run) recordFailures(step int64, failures []*simerr.Error) error {
	if !r.recorded {
		return nil
	}
	if err := r.store.WriteFailures(r.persist, r.report.RunID, step, failures); err != nil {
		return fmt.Errorf("record failures: %w", err)
	}
	return nil
}
