package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/lockstep/internal/refengine"
)

// Scenario describes one simulation run and what it must produce.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Timestep is the simulation timestep, e.g. "10ms".
	Timestep string `yaml:"timestep"`

	// Cycles is the number of cycles to run. Must be positive.
	Cycles int64 `yaml:"cycles"`

	// Timeout bounds every engine command. Defaults to 5s.
	Timeout string `yaml:"timeout,omitempty"`

	// AbortOnEngineFailure ends the run at the first engine failure.
	AbortOnEngineFailure bool `yaml:"abort_on_engine_failure,omitempty"`

	// Engines are started in-process from reference engine types, in order.
	Engines []EngineSpec `yaml:"engines"`

	// Functions names the registered transceiver functions to activate.
	Functions []string `yaml:"functions,omitempty"`

	// Assertions validate the outcome of the run.
	Assertions []Assertion `yaml:"assertions"`

	// RunID is an optional fixed run id. If empty, defaults to
	// "scenario-run" so traces compare equal across runs.
	RunID string `yaml:"run_id,omitempty"`
}

// EngineSpec declares one in-process engine.
type EngineSpec struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Resolution string         `yaml:"resolution,omitempty"`
	Config     map[string]any `yaml:"config,omitempty"`
}

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "run_status": the run ended with Status (and Cycles, if set)
	// - "engine_status": Engine ended with Status
	// - "final_device": Device of Engine holds Expect (subset match)
	// - "failure_codes": the run reported exactly Codes, in order
	// - "failure_count": Code was reported exactly Count times
	Type string `yaml:"type"`

	Engine string         `yaml:"engine,omitempty"`
	Device string         `yaml:"device,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Status string         `yaml:"status,omitempty"`
	Cycles *int64         `yaml:"cycles,omitempty"`
	Codes  []string       `yaml:"codes,omitempty"`
	Code   string         `yaml:"code,omitempty"`
	Count  int            `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRunStatus    = "run_status"
	AssertEngineStatus = "engine_status"
	AssertFinalDevice  = "final_device"
	AssertFailureCodes = "failure_codes"
	AssertFailureCount = "failure_count"
)

// DefaultRunID is the run id used when a scenario does not set one.
const DefaultRunID = "scenario-run"

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if d, err := time.ParseDuration(s.Timestep); err != nil || d <= 0 {
		return fmt.Errorf("timestep %q must be a positive duration", s.Timestep)
	}
	if s.Cycles <= 0 {
		return fmt.Errorf("cycles must be positive")
	}
	if s.Timeout != "" {
		if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
			return fmt.Errorf("timeout %q must be a positive duration", s.Timeout)
		}
	}

	if len(s.Engines) == 0 {
		return fmt.Errorf("engines list is required and must be non-empty")
	}
	seen := make(map[string]bool, len(s.Engines))
	for i, e := range s.Engines {
		if e.Name == "" {
			return fmt.Errorf("engines[%d]: name is required", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("engines[%d]: duplicate engine %q", i, e.Name)
		}
		seen[e.Name] = true
		if e.Type == "" {
			return fmt.Errorf("engines[%d]: type is required", i)
		}
		if !contains(refengine.Types(), e.Type) {
			return fmt.Errorf("engines[%d]: unknown engine type %q", i, e.Type)
		}
		if e.Resolution != "" {
			if d, err := time.ParseDuration(e.Resolution); err != nil || d < 0 {
				return fmt.Errorf("engines[%d]: resolution %q must be a non-negative duration", i, e.Resolution)
			}
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertRunStatus:
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for run_status", index)
		}
	case AssertEngineStatus:
		if a.Engine == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: engine and status are required for engine_status", index)
		}
	case AssertFinalDevice:
		if a.Engine == "" || a.Device == "" {
			return fmt.Errorf("assertions[%d]: engine and device are required for final_device", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_device", index)
		}
	case AssertFailureCodes:
		// An empty list asserts that nothing failed.
	case AssertFailureCount:
		if a.Code == "" {
			return fmt.Errorf("assertions[%d]: code is required for failure_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for failure_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
