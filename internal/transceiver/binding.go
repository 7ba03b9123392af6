// Package transceiver runs the user functions that move data between
// engines once per simulation step.
//
// Functions are registered statically, usually from init, and bound to the
// devices they read. Each step the Runtime resolves those inputs from the
// previous step's snapshot, calls every active function once, validates the
// devices they return and partitions them by target engine.
package transceiver

import (
	"fmt"

	"github.com/roach88/lockstep/internal/ir"
)

// Kind says where a function's outputs go.
type Kind string

const (
	// KindTransceiver outputs are to-engine devices delivered to engines.
	KindTransceiver Kind = "transceiver"

	// KindPreprocessing outputs are from-engine devices of the function's
	// own engine. They are merged into the snapshot before transceiver
	// functions run and are never sent to an engine. They live for one step
	// only: recorded snapshots hold engine outputs alone.
	KindPreprocessing Kind = "preprocessing"
)

// Func is the body of a transceiver function.
type Func func(call Call) ([]ir.Device, error)

// Call is what a function sees for one step.
type Call struct {
	// Step is the simulation iteration the outputs are computed for.
	Step int64

	// Inputs holds the declared input devices in declaration order.
	Inputs []ir.Device
}

// Input returns the input device name on engine.
func (c Call) Input(name, engine string) (ir.Device, bool) {
	id := ir.NewDeviceID(name, engine)
	for _, d := range c.Inputs {
		if d.ID == id {
			return d, true
		}
	}
	return ir.Device{}, false
}

// Binding associates a function with the devices it reads.
type Binding struct {
	Name string

	// Engine owns the function. Required for preprocessing functions, which
	// may only produce devices of this engine.
	Engine string

	Inputs []ir.DeviceID
	Kind   Kind
	Fn     Func
}

// Validate checks that the binding can be registered.
func (b Binding) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("binding: name is required")
	}
	if b.Fn == nil {
		return fmt.Errorf("binding %s: function is nil", b.Name)
	}
	switch b.kind() {
	case KindTransceiver:
	case KindPreprocessing:
		if b.Engine == "" {
			return fmt.Errorf("binding %s: preprocessing functions need an engine", b.Name)
		}
	default:
		return fmt.Errorf("binding %s: unknown kind %q", b.Name, b.Kind)
	}
	seen := make(map[ir.DeviceID]bool, len(b.Inputs))
	for _, id := range b.Inputs {
		if err := id.Validate(); err != nil {
			return fmt.Errorf("binding %s: %w", b.Name, err)
		}
		if seen[id] {
			return fmt.Errorf("binding %s: input %s declared twice", b.Name, id)
		}
		seen[id] = true
	}
	return nil
}

// kind defaults an unset Kind to KindTransceiver.
func (b Binding) kind() Kind {
	if b.Kind == "" {
		return KindTransceiver
	}
	return b.Kind
}
