// Package config loads simulation descriptions written in CUE.
//
// A simulation directory holds one or more .cue files of a single package.
// They are unified with an embedded schema and must describe:
//
//	simulation: {
//		name:                    "closed-loop"
//		timestep:                "20ms"
//		max_cycles:              100
//		timeout:                 "30s"
//		abort_on_engine_failure: false
//	}
//
//	engine: nest: {
//		type:       "table"
//		resolution: "10ms"
//		config: devices: [{name: "voltage", kind: "from_engine", data: events: []}]
//	}
//
//	engine: gazebo: address: "ws://127.0.0.1:9001/engine"
//
//	functions: ["voltage_to_noise"]
//
// Engines are kept in declaration order, which is also the order the
// synchronization loop initializes them in.
package config

import (
	"fmt"
	"time"

	"github.com/roach88/lockstep/internal/ir"
)

// Simulation is a loaded and validated simulation description.
type Simulation struct {
	Name                 string
	Timestep             time.Duration
	MaxCycles            int64
	Timeout              time.Duration
	AbortOnEngineFailure bool
	Engines              []Engine
	Functions            []string

	// Hash is the content hash of the description, recorded with each run.
	Hash string

	// FileCount is the number of .cue files that were loaded.
	FileCount int
}

// Engine describes one engine of the simulation. Exactly one of Type and
// Address is set: Type names a reference engine run in-process, Address is
// the WebSocket URL of a remote engine server.
type Engine struct {
	Name       string
	Type       string
	Address    string
	Resolution time.Duration
	Config     ir.IRObject
}

// Remote reports whether the engine is reached over the network.
func (e Engine) Remote() bool {
	return e.Address != ""
}

// Engine returns the engine named name.
func (s *Simulation) Engine(name string) (Engine, bool) {
	for _, e := range s.Engines {
		if e.Name == name {
			return e, true
		}
	}
	return Engine{}, false
}

// Check validates the description against what the running binary
// provides: the reference engine types it can start and the transceiver
// functions it has registered.
func (s *Simulation) Check(engineTypes, functions []string) []error {
	knownTypes := make(map[string]bool, len(engineTypes))
	for _, t := range engineTypes {
		knownTypes[t] = true
	}
	knownFuncs := make(map[string]bool, len(functions))
	for _, f := range functions {
		knownFuncs[f] = true
	}

	var errs []error
	for _, e := range s.Engines {
		if e.Type != "" && !knownTypes[e.Type] {
			errs = append(errs, &LoadError{
				Code:    ErrCodeUnknownType,
				Message: fmt.Sprintf("engine.%s: unknown engine type %q", e.Name, e.Type),
			})
		}
	}
	for _, f := range s.Functions {
		if !knownFuncs[f] {
			errs = append(errs, &LoadError{
				Code:    ErrCodeUnknownFunction,
				Message: fmt.Sprintf("functions: unknown transceiver function %q", f),
			})
		}
	}
	return errs
}

// hashObject is the canonical form the simulation hash is computed over.
func (s *Simulation) hashObject() ir.IRObject {
	engines := make(ir.IRArray, 0, len(s.Engines))
	for _, e := range s.Engines {
		cfg := e.Config
		if cfg == nil {
			cfg = ir.IRObject{}
		}
		engines = append(engines, ir.IRObject{
			"name":          ir.IRString(e.Name),
			"type":          ir.IRString(e.Type),
			"address":       ir.IRString(e.Address),
			"resolution_ns": ir.IRInt(e.Resolution.Nanoseconds()),
			"config":        cfg,
		})
	}
	functions := make(ir.IRArray, 0, len(s.Functions))
	for _, f := range s.Functions {
		functions = append(functions, ir.IRString(f))
	}
	return ir.IRObject{
		"name":                    ir.IRString(s.Name),
		"timestep_ns":             ir.IRInt(s.Timestep.Nanoseconds()),
		"max_cycles":              ir.IRInt(s.MaxCycles),
		"timeout_ns":              ir.IRInt(s.Timeout.Nanoseconds()),
		"abort_on_engine_failure": ir.IRBool(s.AbortOnEngineFailure),
		"engines":                 engines,
		"functions":               functions,
	}
}
