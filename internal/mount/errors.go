package mount

import (
	"errors"
	"fmt"
)

var (
	// ErrHelperFailed is matched by every *HelperError.
	ErrHelperFailed = errors.New("mount helper failed")

	// ErrNotMounted is returned when unmounting a partition that is not in
	// the active set.
	ErrNotMounted = errors.New("partition is not mounted")
)

// HelperError reports a helper invocation that exited nonzero or could not
// be spawned (Code -1).
type HelperError struct {
	Verb string
	Code int
}

func (e *HelperError) Error() string {
	return fmt.Sprintf("mount helper %s: exit code %d", e.Verb, e.Code)
}

// Is makes errors.Is(err, ErrHelperFailed) true.
func (e *HelperError) Is(target error) bool {
	return target == ErrHelperFailed
}
