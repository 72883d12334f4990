package locking

import (
	"errors"
	"fmt"
)

// ErrAcquireLockTimeout matches every AcquireLockTimeoutError with errors.Is.
var ErrAcquireLockTimeout = errors.New("acquire lock timeout")

// ErrLocksClosed is returned by clients of a closed lock manager.
var ErrLocksClosed = errors.New("lock manager closed")

// AcquireLockTimeoutError means a lock could not be granted. Callers may
// retry the whole operation, possibly against another member.
type AcquireLockTimeoutError struct {
	Msg   string
	Cause error
}

func (e *AcquireLockTimeoutError) Error() string {
	if e.Cause == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
}

func (e *AcquireLockTimeoutError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAcquireLockTimeout}
	}
	return []error{ErrAcquireLockTimeout, e.Cause}
}
