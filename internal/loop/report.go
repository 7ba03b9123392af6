package loop

import (
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
	"github.com/roach88/lockstep/internal/store"
)

// Report summarizes a finished run.
type Report struct {
	RunID   string
	Status  store.RunStatus
	Cycles  int64
	SimTime time.Duration

	// Stopped is set when the run ended on a stop request.
	Stopped bool

	// Engines in registration order with their terminal status.
	Engines []EngineReport

	// Failures lists every error reported during the run in the order it
	// was observed.
	Failures []*simerr.Error

	// Snapshot is the last completed step. Nil if initialization failed.
	Snapshot *ir.Snapshot
}

// EngineReport is the terminal state of one engine.
type EngineReport struct {
	Name       string
	Endpoint   string
	Status     Status
	Steps      int64
	EngineTime time.Duration
	Error      string

	// Devices are the engine's last known from-engine devices.
	Devices []ir.Device
}

// Engine returns the report of the named engine.
func (r *Report) Engine(name string) (EngineReport, bool) {
	for _, e := range r.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return EngineReport{}, false
}

// FailureCodes returns the code of every failure, in order.
func (r *Report) FailureCodes() []simerr.Code {
	codes := make([]simerr.Code, 0, len(r.Failures))
	for _, f := range r.Failures {
		codes = append(codes, f.Code)
	}
	return codes
}
