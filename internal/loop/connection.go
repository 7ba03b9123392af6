package loop

import (
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/metrics"
	"github.com/roach88/lockstep/internal/protocol"
	"github.com/roach88/lockstep/internal/simerr"
)

// Status is the loop's view of one engine.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusStepping     Status = "stepping"
	StatusFailed       Status = "failed"
	StatusDisconnected Status = "disconnected"
)

func (s Status) metric() int {
	switch s {
	case StatusConnected:
		return metrics.StatusConnected
	case StatusStepping:
		return metrics.StatusStepping
	case StatusFailed:
		return metrics.StatusFailed
	default:
		return metrics.StatusDisconnected
	}
}

// EngineSpec registers one engine with the loop.
type EngineSpec struct {
	Client protocol.Engine

	// Config is passed to Initialize.
	Config ir.IRObject

	// Resolution is the smallest time step the engine can take. Step
	// durations are rounded down to a multiple of it. Zero means any
	// duration.
	Resolution time.Duration

	// Endpoint describes where the engine runs, for the run log.
	Endpoint string
}

// Connection is the loop's per-engine state.
type Connection struct {
	Name       string
	Endpoint   string
	Resolution time.Duration

	Status     Status
	Step       int64
	EngineTime time.Duration

	// Last holds the engine's from-engine devices after its latest step.
	Last []ir.Device

	// Catalog maps every device declared at initialization to its kind.
	Catalog map[ir.DeviceID]ir.DeviceKind

	Err *simerr.Error

	client   protocol.Engine
	config   ir.IRObject
	shutdown bool
}

func newConnection(spec EngineSpec) *Connection {
	return &Connection{
		Name:       spec.Client.Name(),
		Endpoint:   spec.Endpoint,
		Resolution: spec.Resolution,
		Status:     StatusConnected,
		Catalog:    make(map[ir.DeviceID]ir.DeviceKind),
		client:     spec.Client,
		config:     spec.Config,
	}
}

// Live reports whether the engine still takes part in cycles.
func (c *Connection) Live() bool {
	return c.Status == StatusConnected || c.Status == StatusStepping
}

// stepDuration returns how far the engine must advance to reach target,
// rounded down to its resolution. Zero means the engine sits this cycle out.
func (c *Connection) stepDuration(target time.Duration) time.Duration {
	d := target - c.EngineTime
	if d <= 0 {
		return 0
	}
	if c.Resolution > 0 {
		d -= d % c.Resolution
	}
	return d
}

// catalogue records the devices returned by Initialize and keeps the
// from-engine ones as the engine's first output.
func (c *Connection) catalogue(devices []ir.Device) error {
	c.Last = c.Last[:0]
	for _, d := range devices {
		if d.ID.EngineName != c.Name {
			return fmt.Errorf("engine %s declared device %s of another engine", c.Name, d.ID)
		}
		if !d.Kind.Valid() {
			return fmt.Errorf("engine %s declared device %s with invalid kind %q", c.Name, d.ID, d.Kind)
		}
		if _, dup := c.Catalog[d.ID]; dup {
			return simerr.NewDuplicateDeviceError(d.ID)
		}
		c.Catalog[d.ID] = d.Kind
		if d.Kind == ir.FromEngine {
			c.Last = append(c.Last, d.Clone())
		}
	}
	return nil
}

// checkOutput verifies that devices returned by a step were declared as
// from-engine devices of this engine.
func (c *Connection) checkOutput(devices []ir.Device) error {
	for _, d := range devices {
		kind, ok := c.Catalog[d.ID]
		if !ok {
			return fmt.Errorf("undeclared device %s", d.ID)
		}
		if kind != ir.FromEngine {
			return fmt.Errorf("device %s is not a from-engine device", d.ID)
		}
	}
	return nil
}

// accepts is the transceiver output check for devices addressed to this
// engine.
func (c *Connection) accepts(d ir.Device) error {
	if !c.Live() {
		return fmt.Errorf("engine %s is %s", c.Name, c.Status)
	}
	kind, ok := c.Catalog[d.ID]
	if !ok {
		return fmt.Errorf("device %s is not declared by engine %s", d.ID, c.Name)
	}
	if kind != ir.ToEngine {
		return fmt.Errorf("device %s is not a to-engine device", d.ID)
	}
	return nil
}
