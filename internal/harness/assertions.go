package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string         // Assertion type for categorization
	Expected string         // Human-readable expected outcome
	Actual   string         // Human-readable actual outcome
	Failures []FailureTrace // Recorded failures for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Failures) > 0 {
		fmt.Fprintf(&buf, "\nRecorded failures:\n")
		for i, f := range e.Failures {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s\n", i+1, f.Step, f.Code, f.Engine)
		}
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against result and returns the
// messages of those that failed.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertRunStatus:
		return assertRunStatus(result, a)
	case AssertEngineStatus:
		return assertEngineStatus(result, a)
	case AssertFinalDevice:
		return assertFinalDevice(result, a)
	case AssertFailureCodes:
		return assertFailureCodes(result, a)
	case AssertFailureCount:
		return assertFailureCount(result, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertRunStatus(result *Result, a Assertion) error {
	if result.Status != a.Status {
		return &AssertionError{
			Type:     AssertRunStatus,
			Expected: fmt.Sprintf("status %s", a.Status),
			Actual:   fmt.Sprintf("status %s (%s)", result.Status, result.RunError),
			Failures: result.Failures,
		}
	}
	if a.Cycles != nil && result.Cycles != *a.Cycles {
		return &AssertionError{
			Type:     AssertRunStatus,
			Expected: fmt.Sprintf("%d cycles", *a.Cycles),
			Actual:   fmt.Sprintf("%d cycles", result.Cycles),
			Failures: result.Failures,
		}
	}
	return nil
}

func assertEngineStatus(result *Result, a Assertion) error {
	if result.Report == nil {
		return fmt.Errorf("no report")
	}
	er, ok := result.Report.Engine(a.Engine)
	if !ok {
		return &AssertionError{
			Type:     AssertEngineStatus,
			Expected: fmt.Sprintf("engine %s", a.Engine),
			Actual:   "no such engine",
		}
	}
	if string(er.Status) != a.Status {
		return &AssertionError{
			Type:     AssertEngineStatus,
			Expected: fmt.Sprintf("engine %s %s", a.Engine, a.Status),
			Actual:   fmt.Sprintf("engine %s %s", a.Engine, er.Status),
			Failures: result.Failures,
		}
	}
	return nil
}

// assertFinalDevice compares the device as held by its engine's registry
// after the run. Only the fields named in Expect are compared.
func assertFinalDevice(result *Result, a Assertion) error {
	srv, ok := result.servers[a.Engine]
	if !ok {
		return &AssertionError{
			Type:     AssertFinalDevice,
			Expected: fmt.Sprintf("engine %s", a.Engine),
			Actual:   "no such engine",
		}
	}
	id := ir.NewDeviceID(a.Device, a.Engine)
	d, err := srv.Registry().Get(id)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalDevice,
			Expected: fmt.Sprintf("device %s", id),
			Actual:   err.Error(),
		}
	}

	expected, err := convertConfig(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	for _, k := range expected.SortedKeys() {
		got, ok := d.Data[k]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalDevice,
				Expected: fmt.Sprintf("%s.%s = %s", id, k, render(expected[k])),
				Actual:   "field missing",
			}
		}
		if !valuesEqual(got, expected[k]) {
			return &AssertionError{
				Type:     AssertFinalDevice,
				Expected: fmt.Sprintf("%s.%s = %s", id, k, render(expected[k])),
				Actual:   render(got),
			}
		}
	}
	return nil
}

func assertFailureCodes(result *Result, a Assertion) error {
	got := result.FailureCodes()
	want := a.Codes
	if want == nil {
		want = []string{}
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		return &AssertionError{
			Type:     AssertFailureCodes,
			Expected: fmt.Sprintf("%v", want),
			Actual:   fmt.Sprintf("%v", got),
			Failures: result.Failures,
		}
	}
	return nil
}

func assertFailureCount(result *Result, a Assertion) error {
	n := 0
	for _, f := range result.Failures {
		if f.Code == a.Code {
			n++
		}
	}
	if n != a.Count {
		return &AssertionError{
			Type:     AssertFailureCount,
			Expected: fmt.Sprintf("%d x %s", a.Count, a.Code),
			Actual:   fmt.Sprintf("%d x %s", n, a.Code),
			Failures: result.Failures,
		}
	}
	return nil
}

// valuesEqual compares IR values treating IRInt and IRFloat of the same
// magnitude as equal, since YAML does not preserve the distinction.
func valuesEqual(actual, expected ir.IRValue) bool {
	if ir.Equal(actual, expected) {
		return true
	}
	an, aok := asNumber(actual)
	en, eok := asNumber(expected)
	if aok && eok {
		return an == en
	}
	switch e := expected.(type) {
	case ir.IRObject:
		ao, ok := actual.(ir.IRObject)
		if !ok || len(ao) != len(e) {
			return false
		}
		for k, v := range e {
			if !valuesEqual(ao[k], v) {
				return false
			}
		}
		return true
	case ir.IRArray:
		aa, ok := actual.(ir.IRArray)
		if !ok || len(aa) != len(e) {
			return false
		}
		for i := range e {
			if !valuesEqual(aa[i], e[i]) {
				return false
			}
		}
		return true
	}
	return false
}

func asNumber(v ir.IRValue) (float64, bool) {
	switch n := v.(type) {
	case ir.IRInt:
		return float64(n), true
	case ir.IRFloat:
		return float64(n), true
	}
	return 0, false
}

func render(v ir.IRValue) string {
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
