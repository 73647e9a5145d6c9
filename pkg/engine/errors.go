package engine

import (
	"errors"
	"fmt"

	"github.com/psantana5/airbag/pkg/signals"
)

// Sentinels for errors.Is. The typed errors below carry the detail.
var (
	ErrAlreadyRegistered = errors.New("signal already registered")
	ErrUnsupportedSignal = signals.ErrUnsupported
	ErrAllocation        = errors.New("capture buffer allocation failed")
	ErrEmptySignalSet    = errors.New("signal set is empty")
	ErrInvalidConfig     = errors.New("invalid capture config")
	ErrNotRegistered     = errors.New("token is not registered")
	ErrRaiseTimeout      = errors.New("timed out waiting for capture")
)

// AlreadyRegisteredError is returned when a signal in the config already has
// an installed handler. The existing registration is left intact.
type AlreadyRegisteredError struct {
	Signal signals.Signal
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadyRegistered, e.Signal)
}

// Is reports whether target is ErrAlreadyRegistered.
func (e *AlreadyRegisteredError) Is(target error) bool {
	return target == ErrAlreadyRegistered
}

// UnsupportedSignalError is returned for a value outside the capturable set.
type UnsupportedSignalError struct {
	Value string
}

func (e *UnsupportedSignalError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnsupportedSignal, e.Value)
}

// Is reports whether target is ErrUnsupportedSignal.
func (e *UnsupportedSignalError) Is(target error) bool {
	return target == ErrUnsupportedSignal
}

// AllocationError is returned when a capture buffer cannot be reserved.
type AllocationError struct {
	Size int
	Err  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("%s (%d bytes): %v", ErrAllocation, e.Size, e.Err)
}

// Unwrap returns the underlying mmap error.
func (e *AllocationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrAllocation.
func (e *AllocationError) Is(target error) bool {
	return target == ErrAllocation
}

func unsupported(sig signals.Signal) error {
	return &UnsupportedSignalError{Value: sig.String()}
}
