// Package simerr defines the error taxonomy shared by the registry, codec,
// engine server, transceiver runtime, and synchronization loop.
package simerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
)

// Code categorizes simulation errors.
type Code string

const (
	// CodeInitialization indicates an engine failed to initialize.
	CodeInitialization Code = "INITIALIZATION"

	// CodeEngineStep indicates an engine failed while advancing or while
	// exchanging device data. The engine is unusable afterwards.
	CodeEngineStep Code = "ENGINE_STEP"

	// CodeUnknownDevice indicates an operation addressed an unregistered device.
	CodeUnknownDevice Code = "UNKNOWN_DEVICE"

	// CodeDuplicateDevice indicates a device id was registered twice.
	CodeDuplicateDevice Code = "DUPLICATE_DEVICE"

	// CodeSchemaMismatch indicates device data changed shape.
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"

	// CodeMalformedPayload indicates invalid JSON or envelope shape.
	CodeMalformedPayload Code = "MALFORMED_PAYLOAD"

	// CodeMissingInput indicates a function's declared input was absent
	// from the step snapshot.
	CodeMissingInput Code = "MISSING_INPUT"

	// CodeInvalidOutput indicates a function returned a device that cannot
	// be delivered.
	CodeInvalidOutput Code = "INVALID_OUTPUT"

	// CodeFunctionFailed indicates a function returned an error or panicked.
	CodeFunctionFailed Code = "FUNCTION_FAILED"

	// CodeSynchronizationTimeout indicates an engine call exceeded its deadline.
	CodeSynchronizationTimeout Code = "SYNCHRONIZATION_TIMEOUT"

	// CodeInvalidState indicates an operation was called in the wrong
	// lifecycle state.
	CodeInvalidState Code = "INVALID_STATE"
)

// Error is the structured error returned by every lockstep component.
// Fields that do not apply are left zero.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Engine names the engine involved, if any.
	Engine string

	// Device identifies the device involved, if any.
	Device ir.DeviceID

	// Function names the transceiver function involved, if any.
	Function string

	// Step is the loop step index. Zero means initialization or unknown.
	Step int64

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)

	var ctx []string
	if e.Engine != "" {
		ctx = append(ctx, "engine="+e.Engine)
	}
	if !e.Device.IsZero() {
		ctx = append(ctx, "device="+e.Device.String())
	}
	if e.Function != "" {
		ctx = append(ctx, "function="+e.Function)
	}
	if e.Step > 0 {
		ctx = append(ctx, fmt.Sprintf("step=%d", e.Step))
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error leaves its engine unusable.
func (e *Error) Fatal() bool {
	switch e.Code {
	case CodeInitialization, CodeEngineStep, CodeSynchronizationTimeout:
		return true
	}
	return false
}

// WithStep returns a copy of e stamped with step.
func (e *Error) WithStep(step int64) *Error {
	cp := *e
	cp.Step = step
	return &cp
}

// WithEngine returns a copy of e stamped with engine, unless it already
// names one.
func (e *Error) WithEngine(engine string) *Error {
	cp := *e
	if cp.Engine == "" {
		cp.Engine = engine
	}
	return &cp
}

// As extracts an *Error from err.
// Uses errors.As to handle wrapped errors.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	if se, ok := As(err); ok {
		return se.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsFatal reports whether err leaves its engine unusable.
func IsFatal(err error) bool {
	se, ok := As(err)
	return ok && se.Fatal()
}

// Wrap converts err into an *Error with code, keeping an existing *Error
// untouched.
func Wrap(code Code, engine string, err error) *Error {
	if err == nil {
		return nil
	}
	if se, ok := As(err); ok {
		return se.WithEngine(engine)
	}
	return &Error{Code: code, Message: err.Error(), Engine: engine, Err: err}
}
