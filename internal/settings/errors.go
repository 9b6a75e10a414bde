package settings

import "errors"

var (
	// ErrUnknownHeader is returned when the magic, version or variant byte
	// of a blob is not recognized.
	ErrUnknownHeader = errors.New("unknown settings header")

	// ErrUnimplementedVariant is returned for a variant byte that is
	// recognized but not supported by this build.
	ErrUnimplementedVariant = errors.New("settings variant not implemented")

	// ErrCorrupt is returned when lengths, record sizes or checksums do not
	// add up.
	ErrCorrupt = errors.New("corrupt settings blob")

	// ErrFieldTooLong is returned by Encode when a string does not fit its
	// fixed-size field.
	ErrFieldTooLong = errors.New("field too long")

	// ErrInvalidField is returned by Encode for a string holding a NUL byte,
	// which the fixed-size fields use as terminator.
	ErrInvalidField = errors.New("invalid field")

	// ErrTooManyMachines is returned by Encode for more than 255 entries.
	ErrTooManyMachines = errors.New("too many machines")
)
