package session

import (
	"errors"
	"fmt"

	"github.com/quanlan-server/quanlan-server/internal/device"
)

// Error kinds returned by hard operations
var (
	ErrDeviceConnection = errors.New("device connection error")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrOperation        = errors.New("operation error")
)

var (
	ErrNotConnected   = errors.New("device not connected")
	ErrDeviceNotFound = device.ErrNotFound
)

// OpError is a failed hard operation. errors.Is matches both Kind and Err.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op string, kind, err error) *OpError {
	return &OpError{Op: op, Kind: kind, Err: err}
}

// Kind returns the error kind of err, or nil if err carries none
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDeviceConnection):
		return ErrDeviceConnection
	case errors.Is(err, ErrInvalidParameter):
		return ErrInvalidParameter
	case errors.Is(err, ErrOperation):
		return ErrOperation
	default:
		return nil
	}
}
