package study

import (
	"errors"
	"fmt"
)

// ErrProtocolMismatch is returned when an operation requires a protocol
// variant the study was not created with
var ErrProtocolMismatch = errors.New("operation does not match the study protocol")

// ErrUnknownSlot is returned when a snapshot names a slot that does not exist
var ErrUnknownSlot = errors.New("unknown slot")

// MissingInputError reports a required slot that was empty
type MissingInputError struct {
	// Operation is the scenario or action that needed the slot
	Operation string

	// Slot is the first empty slot found
	Slot Slot
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("%s: missing input %s", e.Operation, e.Slot)
}

// ExternalComputationError wraps a failure reported by a registration,
// reslice or image math collaborator
type ExternalComputationError struct {
	Operation string
	Err       error
}

func (e *ExternalComputationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *ExternalComputationError) Unwrap() error {
	return e.Err
}
