package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrNoJob is returned by Claim when nothing is waiting
	ErrNoJob = errors.New("no job available")

	// ErrJobNotFound is returned when a job id is unknown
	ErrJobNotFound = errors.New("job not found")

	// ErrLeaseLost is returned when a job was reclaimed or settled by someone else
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobNotDead is returned when replaying a job that is not dead-lettered
	ErrJobNotDead = errors.New("job is not in dead state")

	// ErrQueueStarted is returned when registering a handler after Start
	ErrQueueStarted = errors.New("queue client already started")
)

// Reason classifies a job failure for logs, metrics and inspection
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonNoMatch   Reason = "no-match"
	ReasonTransport Reason = "transport-error"
	ReasonConflict  Reason = "conflict"
	ReasonContract  Reason = "contract"
	ReasonNotFound  Reason = "not-found"
	ReasonStalled   Reason = "stalled"
	ReasonUnknown   Reason = "unknown"
)

// RetryableError tags a handler failure with its reason. Every handler error
// is retried; the reason only changes how it is reported.
type RetryableError struct {
	Reason Reason
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable wraps err with reason
func Retryable(reason Reason, err error) error {
	return &RetryableError{Reason: reason, Err: err}
}

// ReasonOf extracts the failure reason, ReasonUnknown for untagged errors
func ReasonOf(err error) Reason {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}
