// Package server wraps one simulation engine and exposes it through the
// protocol.Engine contract.
//
// A Server owns the engine's device registry and enforces the lifecycle
//
//	Uninitialized -> Ready -> Stepping -> Ready ... -> ShuttingDown -> Stopped
//
// Any unrecoverable engine error moves the server to Failed, which is
// terminal: only Shutdown is accepted afterwards.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/registry"
	"github.com/roach88/lockstep/internal/simerr"
)

// Engine is the capability a simulator must provide to be served.
// Implementations are driven by a single Server and need not be safe for
// concurrent use: the Server never overlaps two calls, Shutdown included.
type Engine interface {
	// Initialize starts the simulator and declares its devices. From-engine
	// devices may carry initial data; to-engine devices usually do not.
	Initialize(ctx context.Context, config ir.IRObject) ([]ir.Device, error)

	// Advance runs the simulator for d and returns its simulated time.
	Advance(ctx context.Context, d time.Duration) (time.Duration, error)

	// ReadDevice returns the current data of a from-engine device.
	ReadDevice(id ir.DeviceID) (ir.IRObject, error)

	// WriteDevice delivers data to a to-engine device.
	WriteDevice(id ir.DeviceID, data ir.IRObject) error

	// Shutdown releases the simulator's resources.
	Shutdown(ctx context.Context) error
}

// Server serves one Engine. It implements protocol.Engine.
type Server struct {
	name   string
	engine Engine
	reg    *registry.Registry
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	started    bool // engine.Initialize was called
	engineTime time.Duration
	steps      int64
	failure    error

	// engineMu is held for every sequence of engine calls. inflight
	// cancels the context of the sequence holding it.
	engineMu sync.Mutex
	inflight context.CancelFunc

	shutdownOnce sync.Once
	shutdownErr  error
}

var _ protocol.Engine = (*Server)(nil)

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithDynamicSchemas lets devices change shape between steps.
func WithDynamicSchemas() Option {
	return func(s *Server) {
		s.reg = registry.New(s.name, registry.WithDynamicSchemas())
	}
}

// New creates a Server named name around engine.
func New(name string, engine Engine, opts ...Option) *Server {
	s := &Server{
		name:   name,
		engine: engine,
		reg:    registry.New(name),
		logger: slog.Default(),
		state:  StateUninitialized,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("engine", name)
	return s
}

// Name returns the engine name.
func (s *Server) Name() string {
	return s.name
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry returns the server's device registry for read access.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// EngineTime returns the engine time reported by the last step.
func (s *Server) EngineTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineTime
}

// Failure returns the error that moved the server to Failed, if any.
func (s *Server) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Initialize implements protocol.Engine.
func (s *Server) Initialize(ctx context.Context, config ir.IRObject) ([]ir.Device, error) {
	if err := s.transition("initialize", StateUninitialized, StateStepping); err != nil {
		return nil, err
	}
	ctx, done, err := s.acquire(ctx, "initialize")
	if err != nil {
		return nil, err
	}
	defer done()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("initializing engine")
	declared, err := s.engine.Initialize(ctx, config)
	if err != nil {
		return nil, s.fail(simerr.NewInitializationError(s.name, err))
	}

	for _, d := range declared {
		if err := s.reg.Register(d.ID, d.Kind); err != nil {
			return nil, s.fail(simerr.NewInitializationError(s.name, err))
		}
		if len(d.Data) > 0 {
			if err := s.reg.Set(d.ID, d.Data); err != nil {
				return nil, s.fail(simerr.NewInitializationError(s.name, err))
			}
		}
	}

	s.release()
	s.logger.Info("engine ready", "devices", s.reg.Len())
	return s.reg.List(), nil
}

// Step implements protocol.Engine.
func (s *Server) Step(ctx context.Context, d time.Duration) (protocol.StepResult, error) {
	if d < 0 {
		return protocol.StepResult{}, simerr.NewMalformedPayloadError(fmt.Sprintf("negative step duration %s", d), nil)
	}
	if err := s.transition("step", StateReady, StateStepping); err != nil {
		return protocol.StepResult{}, err
	}
	ctx, done, err := s.acquire(ctx, "step")
	if err != nil {
		return protocol.StepResult{}, err
	}
	defer done()

	engineTime, err := s.engine.Advance(ctx, d)
	if err != nil {
		return protocol.StepResult{}, s.fail(simerr.NewEngineStepError(s.name, "advance failed", err))
	}

	s.mu.Lock()
	prev := s.engineTime
	s.mu.Unlock()
	if engineTime < 0 {
		return protocol.StepResult{}, s.fail(simerr.NewEngineStepError(s.name,
			fmt.Sprintf("engine reported negative time %s", engineTime), nil))
	}
	if engineTime < prev {
		return protocol.StepResult{}, s.fail(simerr.NewEngineStepError(s.name,
			fmt.Sprintf("engine time went backwards from %s to %s", prev, engineTime), nil))
	}

	for _, dev := range s.reg.List(ir.FromEngine) {
		data, err := s.engine.ReadDevice(dev.ID)
		if err != nil {
			return protocol.StepResult{}, s.fail(simerr.NewEngineStepError(s.name,
				fmt.Sprintf("read device %s", dev.ID), err))
		}
		if err := s.reg.Set(dev.ID, data); err != nil {
			return protocol.StepResult{}, s.fail(simerr.NewEngineStepError(s.name,
				fmt.Sprintf("engine produced invalid data for %s", dev.ID), err))
		}
	}

	s.mu.Lock()
	s.engineTime = engineTime
	s.steps++
	steps := s.steps
	s.mu.Unlock()
	s.release()

	s.logger.Debug("engine stepped", "step", steps, "duration", d, "engine_time", engineTime)
	return protocol.StepResult{
		Devices:    s.reg.List(ir.FromEngine),
		EngineTime: engineTime,
	}, nil
}

// ApplyInputs implements protocol.Engine.
func (s *Server) ApplyInputs(ctx context.Context, devices []ir.Device) error {
	if err := s.transition("apply inputs", StateReady, StateStepping); err != nil {
		return err
	}
	_, done, err := s.acquire(ctx, "apply inputs")
	if err != nil {
		return err
	}
	defer done()

	for _, d := range devices {
		kind, ok := s.reg.Kind(d.ID)
		if !ok {
			s.release()
			return simerr.NewUnknownDeviceError(d.ID)
		}
		if kind != ir.ToEngine {
			s.release()
			err := simerr.NewUnknownDeviceError(d.ID)
			err.Message = "device is not a to-engine device"
			return err
		}
	}
	if err := s.reg.SetAll(devices); err != nil {
		s.release()
		return err
	}

	for _, d := range devices {
		if err := s.engine.WriteDevice(d.ID, d.Data); err != nil {
			return s.fail(simerr.NewEngineStepError(s.name, fmt.Sprintf("write device %s", d.ID), err))
		}
	}

	s.release()
	if len(devices) > 0 {
		s.logger.Debug("inputs applied", "devices", len(devices))
	}
	return nil
}

// Shutdown implements protocol.Engine. The engine is released at most once,
// whatever state the server is in; later calls return the first result.
// An engine call still in flight has its context cancelled and is waited
// for before the engine is released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.state = StateShuttingDown
		cancel := s.inflight
		s.mu.Unlock()

		if cancel != nil {
			s.logger.Debug("waiting for engine call in flight")
			cancel()
		}
		s.engineMu.Lock()
		defer s.engineMu.Unlock()

		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			s.logger.Info("shutting down engine")
			// The wait above may have outlived ctx; the release still happens.
			if err := s.engine.Shutdown(context.WithoutCancel(ctx)); err != nil {
				s.shutdownErr = fmt.Errorf("shutdown engine %s: %w", s.name, err)
				s.logger.Error("engine shutdown failed", "error", err)
			}
		}
		s.setState(StateStopped)
	})
	return s.shutdownErr
}

// acquire takes exclusive use of the engine for op. It fails if Shutdown
// started since the state transition; otherwise done must be called when
// the engine calls are over.
func (s *Server) acquire(ctx context.Context, op string) (context.Context, func(), error) {
	s.engineMu.Lock()
	s.mu.Lock()
	if s.state == StateShuttingDown || s.state == StateStopped {
		state := s.state
		s.mu.Unlock()
		s.engineMu.Unlock()
		return nil, nil, simerr.NewInvalidStateError(s.name, op, state.String())
	}
	ctx, cancel := context.WithCancel(ctx)
	s.inflight = cancel
	s.mu.Unlock()

	return ctx, func() {
		s.mu.Lock()
		s.inflight = nil
		s.mu.Unlock()
		cancel()
		s.engineMu.Unlock()
	}, nil
}

// transition moves from "from" to "to" or reports an invalid state error.
func (s *Server) transition(op string, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != from {
		if s.state == StateFailed && op == "step" {
			return simerr.NewEngineStepError(s.name, "engine has failed", s.failure)
		}
		return simerr.NewInvalidStateError(s.name, op, s.state.String())
	}
	s.state = to
	return nil
}

func (s *Server) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// release returns a Stepping server to Ready. A server that was shut down
// while an engine call was in flight stays where Shutdown put it.
func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStepping {
		s.state = StateReady
	}
}

// fail moves the server to Failed and returns err. The failure is recorded
// even if the server is already shutting down.
func (s *Server) fail(err *simerr.Error) error {
	s.mu.Lock()
	if s.state == StateStepping || s.state == StateReady {
		s.state = StateFailed
	}
	s.failure = err
	s.mu.Unlock()

	s.logger.Error("engine failed", "code", err.Code, "error", err)
	return err
}
