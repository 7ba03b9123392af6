package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/roach88/lockstep/internal/ir"
)

//go:embed schema.cue
var schemaSource []byte

// LoadMode controls how errors are handled while loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadError is an error found while loading a simulation directory.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes, shared with the CLI.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeScanError   = "E002" // Directory scan error
	ErrCodeNoFiles     = "E003" // No CUE files found
	ErrCodeLoadFailed  = "E004" // CUE load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE build failed
	ErrCodeSchema      = "E010" // Value does not match the simulation schema

	// Simulation errors
	ErrCodeTimestep = "E101" // Missing or non-positive timestep
	ErrCodeDuration = "E102" // Unparsable or negative duration
	ErrCodeNoEngine = "E103" // No engines declared

	// Engine errors
	ErrCodeEngineTarget = "E110" // Neither or both of type and address
	ErrCodeUnknownType  = "E111" // Unknown reference engine type
	ErrCodeEngineConfig = "E112" // Engine config is not a JSON object

	// Function errors
	ErrCodeUnknownFunction   = "E120" // Function is not registered
	ErrCodeDuplicateFunction = "E121" // Function listed twice
)

// collector accumulates load errors and tells the caller when to stop.
type collector struct {
	mode LoadMode
	errs []error
}

// add records err and reports whether loading should stop.
func (c *collector) add(code, msg string, pos token.Pos) bool {
	c.errs = append(c.errs, &LoadError{Code: code, Message: msg, Pos: pos})
	return c.mode == LoadModeFailFast
}

// Load reads the simulation description in dir.
// If mode is LoadModeFailFast, it returns on the first error.
// If mode is LoadModeCollectAll, it collects all errors it can find.
func Load(dir string, mode LoadMode) (*Simulation, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("simulation directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing simulation directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, []error{&LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("loading CUE files: %v", inst.Err)}}
	}

	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeBuildFailed, Message: fmt.Sprintf("building CUE value: %v", err)}}
	}

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("compiling schema: %v", err)}}
	}

	unified := schema.Unify(value)
	if err := unified.Validate(); err != nil {
		return nil, schemaErrors(err)
	}

	c := &collector{mode: mode}
	sim := decode(unified, c)
	sim.FileCount = len(cueFiles)
	if len(c.errs) > 0 {
		return sim, c.errs
	}

	hash, err := ir.ConfigHash(sim.hashObject())
	if err != nil {
		return sim, []error{&LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("hashing simulation: %v", err)}}
	}
	sim.Hash = hash
	return sim, nil
}

// FindCUEFiles returns the .cue files directly inside dir, sorted.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// schemaErrors converts CUE validation errors to load errors with positions.
func schemaErrors(err error) []error {
	var out []error
	for _, e := range cueerrors.Errors(err) {
		var pos token.Pos
		if positions := e.InputPositions(); len(positions) > 0 {
			pos = positions[0]
		} else {
			pos = e.Position()
		}
		out = append(out, &LoadError{Code: ErrCodeSchema, Message: e.Error(), Pos: pos})
	}
	if len(out) == 0 {
		out = append(out, &LoadError{Code: ErrCodeSchema, Message: err.Error()})
	}
	return out
}

// decode extracts a Simulation from a value that passed the schema.
// Problems are added to c; the returned simulation holds whatever could be
// decoded.
func decode(v cue.Value, c *collector) *Simulation {
	sim := &Simulation{}
	simVal := v.LookupPath(cue.ParsePath("simulation"))

	sim.Name, _ = simVal.LookupPath(cue.ParsePath("name")).String()
	sim.MaxCycles, _ = simVal.LookupPath(cue.ParsePath("max_cycles")).Int64()
	sim.AbortOnEngineFailure, _ = simVal.LookupPath(cue.ParsePath("abort_on_engine_failure")).Bool()

	tsVal := simVal.LookupPath(cue.ParsePath("timestep"))
	ts, err := tsVal.String()
	switch {
	case err != nil:
		if c.add(ErrCodeTimestep, "simulation.timestep is required", simVal.Pos()) {
			return sim
		}
	default:
		d, perr := time.ParseDuration(ts)
		if perr != nil || d <= 0 {
			if c.add(ErrCodeTimestep, fmt.Sprintf("simulation.timestep: %q is not a positive duration", ts), tsVal.Pos()) {
				return sim
			}
		}
		sim.Timestep = d
	}

	timeout, err := duration(simVal, "timeout")
	if err == nil && timeout == 0 {
		err = fmt.Errorf("timeout must be positive")
	}
	if err != nil {
		if c.add(ErrCodeDuration, "simulation."+err.Error(), simVal.LookupPath(cue.ParsePath("timeout")).Pos()) {
			return sim
		}
	}
	sim.Timeout = timeout

	if stop := decodeEngines(v, sim, c); stop {
		return sim
	}
	decodeFunctions(v, sim, c)
	return sim
}

func decodeEngines(v cue.Value, sim *Simulation, c *collector) bool {
	enginesVal := v.LookupPath(cue.ParsePath("engine"))
	iter, err := enginesVal.Fields()
	if err != nil {
		return c.add(ErrCodeGeneric, fmt.Sprintf("iterating engines: %v", err), enginesVal.Pos())
	}
	for iter.Next() {
		e, stop := decodeEngine(iter.Label(), iter.Value(), c)
		if stop {
			return true
		}
		sim.Engines = append(sim.Engines, e)
	}
	if len(sim.Engines) == 0 {
		return c.add(ErrCodeNoEngine, "at least one engine is required", v.Pos())
	}
	return false
}

func decodeEngine(name string, v cue.Value, c *collector) (Engine, bool) {
	e := Engine{Name: name}
	prefix := "engine." + name

	if tv := v.LookupPath(cue.ParsePath("type")); tv.Exists() {
		e.Type, _ = tv.String()
	}
	if av := v.LookupPath(cue.ParsePath("address")); av.Exists() {
		e.Address, _ = av.String()
	}
	if (e.Type == "") == (e.Address == "") {
		if c.add(ErrCodeEngineTarget, prefix+": exactly one of type and address is required", v.Pos()) {
			return e, true
		}
	}

	var err error
	if e.Resolution, err = duration(v, "resolution"); err != nil {
		if c.add(ErrCodeDuration, prefix+"."+err.Error(), v.LookupPath(cue.ParsePath("resolution")).Pos()) {
			return e, true
		}
	}

	cfgVal := v.LookupPath(cue.ParsePath("config"))
	raw, err := cfgVal.MarshalJSON()
	if err != nil {
		return e, c.add(ErrCodeEngineConfig, fmt.Sprintf("%s.config: %v", prefix, err), cfgVal.Pos())
	}
	cfg, err := ir.UnmarshalIRValue(raw)
	if err != nil {
		return e, c.add(ErrCodeEngineConfig, fmt.Sprintf("%s.config: %v", prefix, err), cfgVal.Pos())
	}
	obj, ok := cfg.(ir.IRObject)
	if !ok {
		return e, c.add(ErrCodeEngineConfig, prefix+".config must be an object", cfgVal.Pos())
	}
	e.Config = obj
	return e, false
}

func decodeFunctions(v cue.Value, sim *Simulation, c *collector) {
	fnVal := v.LookupPath(cue.ParsePath("functions"))
	iter, err := fnVal.List()
	if err != nil {
		c.add(ErrCodeGeneric, fmt.Sprintf("iterating functions: %v", err), fnVal.Pos())
		return
	}
	seen := make(map[string]bool)
	for iter.Next() {
		name, err := iter.Value().String()
		if err != nil {
			if c.add(ErrCodeSchema, fmt.Sprintf("functions: %v", err), iter.Value().Pos()) {
				return
			}
			continue
		}
		if seen[name] {
			if c.add(ErrCodeDuplicateFunction, fmt.Sprintf("functions: %q is listed more than once", name), iter.Value().Pos()) {
				return
			}
			continue
		}
		seen[name] = true
		sim.Functions = append(sim.Functions, name)
	}
}

// duration reads the duration string at field of v. Negative durations are
// rejected.
func duration(v cue.Value, field string) (time.Duration, error) {
	s, err := v.LookupPath(cue.ParsePath(field)).String()
	if err != nil {
		return 0, fmt.Errorf("%s: %v", field, err)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", field, s)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %q is negative", field, s)
	}
	return d, nil
}
