// Package protocol defines how the synchronization loop talks to engine
// servers.
//
// Engine is the transport-agnostic contract. An in-process *server.Server
// satisfies it directly; a *Client satisfies it over a WebSocket connection
// to a Handler running next to a remote engine. Both sides exchange JSON
// text frames: one Request, then exactly one Response with the same id.
package protocol

import (
	"context"
	"encoding/json"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// StepResult is what an engine reports after advancing.
type StepResult struct {
	// Devices are the engine's from-engine devices after the step.
	Devices []ir.Device

	// EngineTime is the engine's simulated time after the step.
	EngineTime time.Duration
}

// Engine is the set of operations the synchronization loop performs on one
// engine server.
type Engine interface {
	// Name returns the engine name all of its devices are scoped to.
	Name() string

	// Initialize prepares the engine and returns its full device catalogue:
	// from-engine devices with their initial data and to-engine devices.
	Initialize(ctx context.Context, config ir.IRObject) ([]ir.Device, error)

	// Step advances the engine by d and returns its from-engine devices.
	Step(ctx context.Context, d time.Duration) (StepResult, error)

	// ApplyInputs writes to-engine devices. Either all are applied or none.
	ApplyInputs(ctx context.Context, devices []ir.Device) error

	// Shutdown releases the engine. Calling it again is a no-op.
	Shutdown(ctx context.Context) error
}

// Op names a protocol operation.
type Op string

const (
	OpInitialize Op = "initialize"
	OpStep       Op = "step"
	OpSetInputs  Op = "set_inputs"
	OpShutdown   Op = "shutdown"
)

// Request is a single call from the loop to an engine server.
type Request struct {
	ID         int64             `json:"id"`
	Op         Op                `json:"op"`
	Config     json.RawMessage   `json:"config,omitempty"`
	DurationNS int64             `json:"duration_ns,omitempty"`
	Devices    []json.RawMessage `json:"devices,omitempty"`
}

// Response answers the Request with the same ID.
type Response struct {
	ID           int64             `json:"id"`
	OK           bool              `json:"ok"`
	Error        *ErrorBody        `json:"error,omitempty"`
	Devices      []json.RawMessage `json:"devices,omitempty"`
	EngineTimeNS int64             `json:"engine_time_ns,omitempty"`
}

// ErrorBody carries a simerr.Error across the wire.
type ErrorBody struct {
	Code     simerr.Code  `json:"code"`
	Message  string       `json:"message"`
	Engine   string       `json:"engine,omitempty"`
	Device   *ir.DeviceID `json:"device,omitempty"`
	Function string       `json:"function,omitempty"`
	Step     int64        `json:"step,omitempty"`
}

// NewErrorBody converts err for transmission. Errors outside the taxonomy
// are reported as engine step failures.
func NewErrorBody(engine string, err error) *ErrorBody {
	se := simerr.Wrap(simerr.CodeEngineStep, engine, err)
	body := &ErrorBody{
		Code:     se.Code,
		Message:  se.Message,
		Engine:   se.Engine,
		Function: se.Function,
		Step:     se.Step,
	}
	if se.Err != nil && se.Err.Error() != se.Message {
		body.Message = se.Message + ": " + se.Err.Error()
	}
	if !se.Device.IsZero() {
		id := se.Device
		body.Device = &id
	}
	return body
}

// Err rebuilds the error on the receiving side.
func (b *ErrorBody) Err() *simerr.Error {
	se := &simerr.Error{
		Code:     b.Code,
		Message:  b.Message,
		Engine:   b.Engine,
		Function: b.Function,
		Step:     b.Step,
	}
	if b.Device != nil {
		se.Device = *b.Device
	}
	return se
}
