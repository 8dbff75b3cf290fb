package inverter

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDevice is returned by New when no device address is supplied.
	ErrNoDevice = errors.New("a device to communicate by must be supplied, e.g. /dev/ttyUSB0")
	// ErrExecutionFailed matches every ExecutionError.
	ErrExecutionFailed = errors.New("command execution failed")
	// ErrEmptyResponse means the inverter never answered.
	ErrEmptyResponse = errors.New("empty response")
	// ErrInvalidResponse means the inverter answered, but not with a valid response.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrNoSerialNumber means the identification response carried no serial number.
	ErrNoSerialNumber = errors.New("no serial number in response")
)

// ExecutionError is returned once every attempt of a command has been used up. Raw holds the last response
// received, for diagnostics.
type ExecutionError struct {
	Command  string
	Attempts int
	Raw      []byte
	Err      error // the reason the last attempt failed
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: failed after %d attempts: %v (last response %q)", e.Command, e.Attempts, e.Err, e.Raw)
}

func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecutionFailed}
	}
	return []error{ErrExecutionFailed, e.Err}
}
