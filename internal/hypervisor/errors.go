package hypervisor

import "errors"

var (
	// ErrMachineNotFound is returned when no machine matches a name or UUID.
	ErrMachineNotFound = errors.New("machine not found")

	// ErrNoSuchSlot is returned by Machine.NetworkAdapter for a slot outside
	// the chipset's adapter range.
	ErrNoSuchSlot = errors.New("no such network adapter slot")

	// ErrNotMutable is returned when a setter is called on a machine handle
	// that was not obtained through a locked session.
	ErrNotMutable = errors.New("machine handle is not mutable")

	// ErrLocked is returned when a machine is already locked by another
	// session.
	ErrLocked = errors.New("machine is locked by another session")

	// ErrSessionNotLocked is returned when an operation needs a locked
	// session.
	ErrSessionNotLocked = errors.New("session is not locked")

	// ErrNotRunning is returned by console operations on a machine that is
	// not running.
	ErrNotRunning = errors.New("machine is not running")

	// ErrUnknownAttachment is returned for an attachment type outside the
	// known range.
	ErrUnknownAttachment = errors.New("unknown attachment type")

	// ErrNotRuntimeChangeable is returned when a setting that cannot be
	// hot-plugged is changed through a live machine handle.
	ErrNotRuntimeChangeable = errors.New("setting cannot be changed while the machine runs")
)
