package harness

import (
	"github.com/roach88/lockstep/internal/ir"
	"github.com/roach88/lockstep/internal/loop"
	"github.com/roach88/lockstep/internal/server"
)

// StepTrace is one recorded step of a run.
type StepTrace struct {
	Step         int64  `json:"step"`
	SimTimeNS    int64  `json:"sim_time_ns"`
	SnapshotHash string `json:"hash"`
	Devices      int    `json:"devices"`
}

// FailureTrace is one recorded failure of a run.
type FailureTrace struct {
	Step     int64  `json:"step"`
	Code     string `json:"code"`
	Engine   string `json:"engine,omitempty"`
	Function string `json:"function,omitempty"`
	Device   string `json:"device,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall scenario success.
	// True if every assertion held.
	Pass bool `json:"pass"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	RunID  string `json:"run_id"`
	Status string `json:"status"`
	Cycles int64  `json:"cycles"`

	// RunError is the error the loop returned, if any. A failed run is not
	// a failed scenario; assertions decide that.
	RunError string `json:"run_error,omitempty"`

	// Steps and Failures are read back from the run log.
	Steps    []StepTrace    `json:"steps"`
	Failures []FailureTrace `json:"failures"`

	// Report is the loop's own summary of the run.
	Report *loop.Report `json:"-"`

	// servers hold the final device registries for final_device assertions.
	servers map[string]*server.Server
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Errors:   []string{},
		Steps:    []StepTrace{},
		Failures: []FailureTrace{},
		servers:  make(map[string]*server.Server),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// FailureCodes returns the code of every recorded failure, in order.
func (r *Result) FailureCodes() []string {
	codes := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		codes = append(codes, f.Code)
	}
	return codes
}

// traceObject is the canonical form compared against golden files.
func (r *Result) traceObject(scenario string) ir.IRObject {
	steps := make(ir.IRArray, 0, len(r.Steps))
	for _, s := range r.Steps {
		steps = append(steps, ir.IRObject{
			"step":        ir.IRInt(s.Step),
			"sim_time_ns": ir.IRInt(s.SimTimeNS),
			"hash":        ir.IRString(s.SnapshotHash),
			"devices":     ir.IRInt(s.Devices),
		})
	}
	failures := make(ir.IRArray, 0, len(r.Failures))
	for _, f := range r.Failures {
		obj := ir.IRObject{
			"step": ir.IRInt(f.Step),
			"code": ir.IRString(f.Code),
		}
		if f.Engine != "" {
			obj["engine"] = ir.IRString(f.Engine)
		}
		if f.Function != "" {
			obj["function"] = ir.IRString(f.Function)
		}
		if f.Device != "" {
			obj["device"] = ir.IRString(f.Device)
		}
		failures = append(failures, obj)
	}
	return ir.IRObject{
		"scenario": ir.IRString(scenario),
		"status":   ir.IRString(r.Status),
		"cycles":   ir.IRInt(r.Cycles),
		"steps":    steps,
		"failures": failures,
	}
}
