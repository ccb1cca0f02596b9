package scheduling

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidScheduleTime is returned when a due time is not in the future
	ErrInvalidScheduleTime = errors.New("schedule time must be in the future")
	// ErrAlreadyCompleted is returned when rescheduling a job that already fired
	ErrAlreadyCompleted = errors.New("job already completed")
	// ErrInFlight is returned when rescheduling a job a worker is processing
	ErrInFlight = errors.New("job is in flight")
)

// BackendError wraps a failure of the backing job store
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("scheduler backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendError(op string, err error) error {
	return &BackendError{Op: op, Err: err}
}
