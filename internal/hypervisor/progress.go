package hypervisor

import (
	"fmt"
	"time"

	"github.com/containerd/log"
)

// DefaultPollInterval is the interval used by WaitForCompletion when none
// is given.
const DefaultPollInterval = 100 * time.Millisecond

// Progress tracks a long-running hypervisor operation.
type Progress interface {
	Completed() bool
	// Percent is the completion percentage, 0..100.
	Percent() int
	// ResultCode is zero on success. Only meaningful once Completed.
	ResultCode() int32
	// Err describes a failed operation, nil on success.
	Err() error
}

// ProgressError is returned by WaitForCompletion when an operation finished
// with a nonzero result code.
type ProgressError struct {
	Code int32
	Err  error
}

func (e *ProgressError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("operation failed with result code %#x: %v", uint32(e.Code), e.Err)
	}
	return fmt.Sprintf("operation failed with result code %#x", uint32(e.Code))
}

func (e *ProgressError) Unwrap() error {
	return e.Err
}

// WaitForCompletion polls p until it reports completion. There is no
// deadline: the hypervisor is trusted to finish or fail the operation.
func WaitForCompletion(p Progress, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	last := -1
	for !p.Completed() {
		if pct := p.Percent(); pct != last {
			log.L.WithField("percent", pct).Debug("waiting for hypervisor operation")
			last = pct
		}
		time.Sleep(interval)
	}

	if code := p.ResultCode(); code != 0 {
		return &ProgressError{Code: code, Err: p.Err()}
	}
	return nil
}

// Done returns an already completed Progress. A nil err yields result code
// zero, any other error a generic failure code.
func Done(err error) Progress {
	return doneProgress{err: err}
}

type doneProgress struct {
	err error
}

func (doneProgress) Completed() bool { return true }
func (doneProgress) Percent() int    { return 100 }

func (p doneProgress) ResultCode() int32 {
	if p.err != nil {
		return resultCodeFailed
	}
	return 0
}

func (p doneProgress) Err() error { return p.err }

// resultCodeFailed mirrors the generic COM failure code E_FAIL.
const resultCodeFailed int32 = -2147467259
