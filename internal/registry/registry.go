// Package registry holds the devices of a single engine.
//
// A Registry is owned by one engine server, which is its only writer.
// Readers may call Get and List concurrently; both return deep copies.
package registry

import (
	"fmt"
	"sync"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// Registry maps device ids to devices for one engine.
type Registry struct {
	engine  string
	dynamic bool

	mu      sync.RWMutex
	order   []ir.DeviceID
	devices map[ir.DeviceID]*ir.Device
	// schemas holds each device's established shape; nil until the device
	// first carries data.
	schemas map[ir.DeviceID]*ir.Schema
}

// Option configures a Registry.
type Option func(*Registry)

// WithDynamicSchemas disables the schema stability check, so a device may
// change shape between updates.
func WithDynamicSchemas() Option {
	return func(r *Registry) {
		r.dynamic = true
	}
}

// New creates an empty registry for engine.
func New(engine string, opts ...Option) *Registry {
	r := &Registry{
		engine:  engine,
		devices: make(map[ir.DeviceID]*ir.Device),
		schemas: make(map[ir.DeviceID]*ir.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Engine returns the engine name this registry belongs to.
func (r *Registry) Engine() string {
	return r.engine
}

// Register adds a device with empty data.
// Fails with a duplicate device error if id is already present, and with an
// unknown device error if id belongs to another engine.
func (r *Registry) Register(id ir.DeviceID, kind ir.DeviceKind) error {
	if err := id.Validate(); err != nil {
		return simerr.NewMalformedPayloadError("invalid device id", err)
	}
	if id.EngineName != r.engine {
		return r.foreign(id)
	}
	if !kind.Valid() {
		return simerr.NewMalformedPayloadError(fmt.Sprintf("device %s: invalid kind %q", id, kind), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; ok {
		return simerr.NewDuplicateDeviceError(id)
	}
	r.devices[id] = &ir.Device{ID: id, Kind: kind}
	r.order = append(r.order, id)
	return nil
}

// Get returns a copy of the device with the given id.
func (r *Registry) Get(id ir.DeviceID) (ir.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return ir.Device{}, simerr.NewUnknownDeviceError(id)
	}
	return d.Clone(), nil
}

// Kind returns the kind of a registered device.
func (r *Registry) Kind(id ir.DeviceID) (ir.DeviceKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[id]
	if !ok {
		return "", false
	}
	return d.Kind, true
}

// Set replaces the data of a registered device.
// In strict mode the new data must keep the device's established schema.
func (r *Registry) Set(id ir.DeviceID, data ir.IRObject) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.check(id, data)
	if err != nil {
		return err
	}
	r.write(d, data)
	return nil
}

// SetAll replaces the data of several devices atomically: every device is
// validated first and nothing is written unless all of them pass.
func (r *Registry) SetAll(devices []ir.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make([]*ir.Device, len(devices))
	for i, in := range devices {
		d, err := r.check(in.ID, in.Data)
		if err != nil {
			return err
		}
		targets[i] = d
	}
	for i, d := range targets {
		r.write(d, devices[i].Data)
	}
	return nil
}

// List returns copies of the registered devices in registration order.
// When kinds are given, only devices of those kinds are returned.
func (r *Registry) List(kinds ...ir.DeviceKind) []ir.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ir.Device, 0, len(r.order))
	for _, id := range r.order {
		d := r.devices[id]
		if len(kinds) > 0 && !containsKind(kinds, d.Kind) {
			continue
		}
		out = append(out, d.Clone())
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// check validates an update against the registered device. Caller holds mu.
func (r *Registry) check(id ir.DeviceID, data ir.IRObject) (*ir.Device, error) {
	if id.EngineName != r.engine {
		return nil, r.foreign(id)
	}
	d, ok := r.devices[id]
	if !ok {
		return nil, simerr.NewUnknownDeviceError(id)
	}
	if !r.dynamic {
		if diffs := r.schemas[id].Diff(data); len(diffs) > 0 {
			return nil, simerr.NewSchemaMismatchError(id, diffs)
		}
	}
	return d, nil
}

// write stores data and records the shape it establishes. Caller holds mu.
func (r *Registry) write(d *ir.Device, data ir.IRObject) {
	d.Data = data.Clone()
	if s := r.schemas[d.ID]; s != nil {
		s.Refine(data)
		return
	}
	r.schemas[d.ID] = ir.NewSchema(data)
}

func (r *Registry) foreign(id ir.DeviceID) *simerr.Error {
	err := simerr.NewUnknownDeviceError(id)
	err.Message = fmt.Sprintf("device belongs to engine %q, not %q", id.EngineName, r.engine)
	return err
}

func containsKind(kinds []ir.DeviceKind, k ir.DeviceKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
