package transceiver

import (
	"fmt"
	"log/slog"

	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/simerr"
)

// Validator checks that an output device may be delivered. The loop uses it
// to reject devices of failed engines and devices outside an engine's
// catalogue.
type Validator func(d ir.Device) error

// Result is the outcome of one Execute call.
type Result struct {
	// Outputs holds the validated to-engine devices keyed by engine name.
	// Within an engine, devices keep the order they were first produced.
	Outputs map[string][]ir.Device

	// Snapshot is the input snapshot with preprocessing results merged in.
	// It is the view functions saw for this step and is not kept after it.
	Snapshot *ir.Snapshot

	// Failures lists every function, input and output error of the step
	// in the order they occurred.
	Failures []*simerr.Error
}

// Runtime executes a fixed set of bindings.
type Runtime struct {
	pre    []Binding
	trans  []Binding
	logger *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithLogger sets the logger used for function failures.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.logger = l
	}
}

// NewRuntime creates a runtime for bindings. Preprocessing bindings run
// first, each group in the given order.
func NewRuntime(bindings []Binding, opts ...RuntimeOption) (*Runtime, error) {
	r := &Runtime{logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}

	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("binding %s: listed twice", b.Name)
		}
		seen[b.Name] = true
		b.Kind = b.kind()
		if b.Kind == KindPreprocessing {
			r.pre = append(r.pre, b)
		} else {
			r.trans = append(r.trans, b)
		}
	}
	return r, nil
}

// Len returns the number of bindings.
func (r *Runtime) Len() int {
	return len(r.pre) + len(r.trans)
}

// Execute runs every binding once for step against snap. A failing
// function never stops the others; its error is recorded in the result.
// validate may be nil, in which case only the device kind is checked.
func (r *Runtime) Execute(step int64, snap *ir.Snapshot, validate Validator) Result {
	res := Result{Outputs: make(map[string][]ir.Device)}

	var merged []ir.Device
	for _, b := range r.pre {
		outputs, ok := r.invoke(b, step, snap, &res)
		if !ok {
			continue
		}
		for _, d := range outputs {
			if d.Kind == "" {
				d.Kind = ir.FromEngine
			}
			switch {
			case d.ID.Validate() != nil:
				res.fail(r.logger, simerr.NewInvalidOutputError(b.Name, d.ID, step, "invalid device id"))
			case d.Kind != ir.FromEngine:
				res.fail(r.logger, simerr.NewInvalidOutputError(b.Name, d.ID, step, "preprocessing output must be a from-engine device"))
			case d.ID.EngineName != b.Engine:
				res.fail(r.logger, simerr.NewInvalidOutputError(b.Name, d.ID, step,
					fmt.Sprintf("preprocessing output must belong to engine %s", b.Engine)))
			default:
				merged = append(merged, d)
			}
		}
	}
	if len(merged) > 0 {
		snap = snap.With(merged)
	}
	res.Snapshot = snap

	index := make(map[ir.DeviceID]int)
	for _, b := range r.trans {
		outputs, ok := r.invoke(b, step, snap, &res)
		if !ok {
			continue
		}
		for _, d := range outputs {
			if d.Kind == "" {
				d.Kind = ir.ToEngine
			}
			if err := checkOutput(d, validate); err != nil {
				res.fail(r.logger, simerr.NewInvalidOutputError(b.Name, d.ID, step, err.Error()))
				continue
			}
			engine := d.ID.EngineName
			if i, dup := index[d.ID]; dup {
				res.Outputs[engine][i] = d
				continue
			}
			index[d.ID] = len(res.Outputs[engine])
			res.Outputs[engine] = append(res.Outputs[engine], d)
		}
	}
	return res
}

func checkOutput(d ir.Device, validate Validator) error {
	if err := d.ID.Validate(); err != nil {
		return err
	}
	if d.Kind != ir.ToEngine {
		return fmt.Errorf("output must be a to-engine device, got %s", d.Kind)
	}
	if validate != nil {
		return validate(d)
	}
	return nil
}

// invoke resolves the inputs of b and calls it. The returned devices are
// copies owned by the caller.
func (r *Runtime) invoke(b Binding, step int64, snap *ir.Snapshot, res *Result) ([]ir.Device, bool) {
	inputs := make([]ir.Device, 0, len(b.Inputs))
	for _, id := range b.Inputs {
		d, ok := snap.Get(id)
		if !ok {
			res.fail(r.logger, simerr.NewMissingInputError(b.Name, id, step))
			return nil, false
		}
		inputs = append(inputs, d)
	}

	outputs, err := call(b, Call{Step: step, Inputs: inputs})
	if err != nil {
		res.fail(r.logger, simerr.NewFunctionError(b.Name, step, err))
		return nil, false
	}
	return ir.CloneDevices(outputs), true
}

func call(b Binding, c Call) (outputs []ir.Device, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return b.Fn(c)
}

func (res *Result) fail(logger *slog.Logger, err *simerr.Error) {
	logger.Warn("transceiver function failed",
		"function", err.Function,
		"code", err.Code,
		"step", err.Step,
		"error", err)
	res.Failures = append(res.Failures, err)
}
