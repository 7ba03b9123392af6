package refengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// TableType is the registered type name of the table engine.
const TableType = "table"

// tableConfig is the engine config accepted by Table.Initialize.
type tableConfig struct {
	Devices []struct {
		Name string      `json:"name"`
		Kind string      `json:"kind"`
		Data ir.IRObject `json:"data"`
	} `json:"devices"`

	// Links copy a to-engine field into a from-engine field on every
	// advance. Both ends are "device.field".
	Links []struct {
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"links"`

	// Counters are "device.field" paths incremented by one per advance.
	Counters []string `json:"counters"`

	// ClockField receives the engine time in seconds after each advance.
	ClockField string `json:"clock_field"`

	// FailAtStep makes the given advance (1-based) return an error.
	FailAtStep int64 `json:"fail_at_step"`

	// FailOnInit makes Initialize return an error.
	FailOnInit bool `json:"fail_on_init"`

	// StepDelay is slept on every advance, e.g. "50ms".
	StepDelay string `json:"step_delay"`
}

type fieldRef struct {
	device string
	field  string
}

func parseFieldRef(s string) (fieldRef, error) {
	device, field, ok := strings.Cut(s, ".")
	if !ok || device == "" || field == "" {
		return fieldRef{}, fmt.Errorf("field reference %q must be \"device.field\"", s)
	}
	return fieldRef{device: device, field: field}, nil
}

type link struct {
	from fieldRef
	to   fieldRef
}

// Table is a deterministic engine whose devices are plain records.
//
// Devices and their initial data come from the config. Advancing the engine
// copies linked to-engine fields into from-engine fields, increments
// counters, and stamps the clock field. It can also be told to fail or to be
// slow, which makes it useful for exercising failure handling.
type Table struct {
	name string

	mu sync.Mutex

	kinds    map[string]ir.DeviceKind
	data     map[string]ir.IRObject
	links    []link
	counters []fieldRef
	clock    *fieldRef

	failAt int64
	delay  time.Duration

	steps  int64
	now    time.Duration
	closed bool
}

// NewTable creates an uninitialized table engine served as name.
func NewTable(name string) *Table {
	return &Table{
		name:  name,
		kinds: make(map[string]ir.DeviceKind),
		data:  make(map[string]ir.IRObject),
	}
}

// Initialize implements server.Engine.
func (t *Table) Initialize(_ context.Context, config ir.IRObject) ([]ir.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cfg, err := decodeTableConfig(config)
	if err != nil {
		return nil, err
	}
	if cfg.FailOnInit {
		return nil, fmt.Errorf("table %s: configured to fail on initialize", t.name)
	}

	devices := make([]ir.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		kind := ir.DeviceKind(d.Kind)
		if !kind.Valid() {
			return nil, fmt.Errorf("table %s: device %q has invalid kind %q", t.name, d.Name, d.Kind)
		}
		t.kinds[d.Name] = kind
		t.data[d.Name] = d.Data.Clone()
		devices = append(devices, ir.Device{
			ID:   ir.NewDeviceID(d.Name, t.name),
			Kind: kind,
			Data: d.Data.Clone(),
		})
	}

	for _, l := range cfg.Links {
		from, err := parseFieldRef(l.From)
		if err != nil {
			return nil, err
		}
		to, err := parseFieldRef(l.To)
		if err != nil {
			return nil, err
		}
		if t.kinds[from.device] != ir.ToEngine || t.kinds[to.device] != ir.FromEngine {
			return nil, fmt.Errorf("table %s: link %s -> %s must go from a to_engine to a from_engine device", t.name, l.From, l.To)
		}
		t.links = append(t.links, link{from: from, to: to})
	}
	for _, c := range cfg.Counters {
		ref, err := t.fromEngineRef(c)
		if err != nil {
			return nil, err
		}
		t.counters = append(t.counters, ref)
	}
	if cfg.ClockField != "" {
		ref, err := t.fromEngineRef(cfg.ClockField)
		if err != nil {
			return nil, err
		}
		t.clock = &ref
	}

	t.failAt = cfg.FailAtStep
	if cfg.StepDelay != "" {
		t.delay, err = time.ParseDuration(cfg.StepDelay)
		if err != nil {
			return nil, fmt.Errorf("table %s: step_delay: %w", t.name, err)
		}
	}
	return devices, nil
}

func (t *Table) fromEngineRef(s string) (fieldRef, error) {
	ref, err := parseFieldRef(s)
	if err != nil {
		return fieldRef{}, err
	}
	if t.kinds[ref.device] != ir.FromEngine {
		return fieldRef{}, fmt.Errorf("table %s: %s must name a from_engine device", t.name, s)
	}
	return ref, nil
}

// Advance implements server.Engine.
func (t *Table) Advance(ctx context.Context, d time.Duration) (time.Duration, error) {
	t.mu.Lock()
	delay := t.delay
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return t.now, fmt.Errorf("table %s: engine is shut down", t.name)
	}

	t.steps++
	if t.failAt > 0 && t.steps == t.failAt {
		return t.now, fmt.Errorf("table %s: configured failure at step %d", t.name, t.steps)
	}
	t.now += d

	for _, l := range t.links {
		if v, ok := t.data[l.from.device][l.from.field]; ok {
			t.set(l.to, ir.Clone(v))
		}
	}
	for _, c := range t.counters {
		n, _ := t.data[c.device][c.field].(ir.IRInt)
		t.set(c, n+1)
	}
	if t.clock != nil {
		t.set(*t.clock, ir.IRFloat(t.now.Seconds()))
	}
	return t.now, nil
}

func (t *Table) set(ref fieldRef, v ir.IRValue) {
	obj := t.data[ref.device]
	if obj == nil {
		obj = ir.IRObject{}
		t.data[ref.device] = obj
	}
	obj[ref.field] = v
}

// ReadDevice implements server.Engine.
func (t *Table) ReadDevice(id ir.DeviceID) (ir.IRObject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.kinds[id.Name]; !ok || id.EngineName != t.name {
		return nil, fmt.Errorf("table %s: no device %s", t.name, id)
	}
	return t.data[id.Name].Clone(), nil
}

// WriteDevice implements server.Engine.
func (t *Table) WriteDevice(id ir.DeviceID, data ir.IRObject) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.kinds[id.Name] != ir.ToEngine || id.EngineName != t.name {
		return fmt.Errorf("table %s: no to_engine device %s", t.name, id)
	}
	t.data[id.Name] = data.Clone()
	return nil
}

// Shutdown implements server.Engine.
func (t *Table) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Steps returns the number of advances attempted so far.
func (t *Table) Steps() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.steps
}

func decodeTableConfig(config ir.IRObject) (tableConfig, error) {
	var cfg tableConfig
	if len(config) == 0 {
		return cfg, nil
	}
	raw, err := ir.MarshalCanonical(config)
	if err != nil {
		return cfg, fmt.Errorf("table config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("table config: %w", err)
	}
	return cfg, nil
}
