package adapters

import (
	"errors"
	"fmt"
)

// ErrNotPopulated is returned by operations that need the records read by
// Populate first.
var ErrNotPopulated = errors.New("adapters not populated")

// ErrDuplicateName is returned for an enabled adapter whose guest interface
// name is already taken by a lower slot.
var ErrDuplicateName = errors.New("interface name used by another adapter")

// FieldError reports one adapter field that could not be applied. Save
// collects one per failed field and keeps going.
type FieldError struct {
	Slot  uint32
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("slot %d %s: %v", e.Slot, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}
