package simerr

import (
	"fmt"
	"strings"

	"github.com/roach88/lockstep/internal/ir"
)

// NewInitializationError reports that engine could not initialize.
func NewInitializationError(engine string, cause error) *Error {
	return &Error{
		Code:    CodeInitialization,
		Message: "engine initialization failed",
		Engine:  engine,
		Err:     cause,
	}
}

// NewEngineStepError reports that engine failed to advance or exchange data.
func NewEngineStepError(engine, message string, cause error) *Error {
	return &Error{
		Code:    CodeEngineStep,
		Message: message,
		Engine:  engine,
		Err:     cause,
	}
}

// NewUnknownDeviceError reports that id is not registered.
func NewUnknownDeviceError(id ir.DeviceID) *Error {
	return &Error{
		Code:    CodeUnknownDevice,
		Message: "device is not registered",
		Engine:  id.EngineName,
		Device:  id,
	}
}

// NewDuplicateDeviceError reports that id is already registered.
func NewDuplicateDeviceError(id ir.DeviceID) *Error {
	return &Error{
		Code:    CodeDuplicateDevice,
		Message: "device is already registered",
		Engine:  id.EngineName,
		Device:  id,
	}
}

// NewSchemaMismatchError reports that data for id changed shape.
func NewSchemaMismatchError(id ir.DeviceID, diffs []string) *Error {
	return &Error{
		Code:    CodeSchemaMismatch,
		Message: "device schema changed: " + strings.Join(diffs, "; "),
		Engine:  id.EngineName,
		Device:  id,
	}
}

// NewMalformedPayloadError reports a payload that failed to decode.
func NewMalformedPayloadError(message string, cause error) *Error {
	return &Error{
		Code:    CodeMalformedPayload,
		Message: message,
		Err:     cause,
	}
}

// NewMissingInputError reports that function's input id was absent at step.
func NewMissingInputError(function string, id ir.DeviceID, step int64) *Error {
	return &Error{
		Code:     CodeMissingInput,
		Message:  "declared input not present in step snapshot",
		Engine:   id.EngineName,
		Device:   id,
		Function: function,
		Step:     step,
	}
}

// NewInvalidOutputError reports that function returned an undeliverable device.
func NewInvalidOutputError(function string, id ir.DeviceID, step int64, reason string) *Error {
	return &Error{
		Code:     CodeInvalidOutput,
		Message:  reason,
		Engine:   id.EngineName,
		Device:   id,
		Function: function,
		Step:     step,
	}
}

// NewFunctionError reports that function failed at step.
func NewFunctionError(function string, step int64, cause error) *Error {
	return &Error{
		Code:     CodeFunctionFailed,
		Message:  "transceiver function failed",
		Function: function,
		Step:     step,
		Err:      cause,
	}
}

// NewTimeoutError reports that op on engine did not finish in time.
func NewTimeoutError(engine, op string, cause error) *Error {
	return &Error{
		Code:    CodeSynchronizationTimeout,
		Message: fmt.Sprintf("%s did not complete in time", op),
		Engine:  engine,
		Err:     cause,
	}
}

// NewInvalidStateError reports that op is not allowed in state.
func NewInvalidStateError(engine, op, state string) *Error {
	return &Error{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("%s not allowed in state %s", op, state),
		Engine:  engine,
	}
}
