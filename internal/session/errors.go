package session

import "errors"

var (
	// ErrStateConflict is returned when the machine's state does not allow
	// the requested lock or lifecycle change.
	ErrStateConflict = errors.New("machine state does not allow this operation")

	// ErrNotLocked is returned when LockMachine reported success but the
	// session did not end up locked.
	ErrNotLocked = errors.New("session did not reach the locked state")

	// ErrLaunchFailed is returned when the machine process could not be
	// started.
	ErrLaunchFailed = errors.New("machine launch failed")

	// ErrNoSession is returned by console operations when no session is
	// held.
	ErrNoSession = errors.New("no session held for machine")
)
