// Package queue is a durable job queue on Redis: deduplicated enqueue,
// exclusive leased claims, retries with backoff and a dead-letter state that
// stays inspectable until an operator replays it.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle position of a job
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// States lists every state in lifecycle order
var States = []State{StateWaiting, StateActive, StateRetrying, StateCompleted, StateDead}

// ParseState validates a state name
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// BackoffStrategy selects how retry delays grow
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffFixed       BackoffStrategy = "fixed"
)

// Job is a unit of work stored in a queue
type Job struct {
	ID              string
	Queue           string
	Payload         json.RawMessage
	State           State
	Attempts        int
	MaxAttempts     int
	BackoffStrategy BackoffStrategy
	BackoffDelay    time.Duration
	CreatedAt       time.Time
	UpdatedAt       time.Time
	RunAt           time.Time
	FinishedAt      time.Time
	LeaseUntil      time.Time
	LastError       string
	Reason          Reason

	// Token identifies the current lease; settlement is rejected when it no
	// longer matches the stored one
	Token string
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.ID, err)
	}
	return nil
}

// JobHandle is returned by Enqueue. Created is false when a job with the same
// id already existed.
type JobHandle struct {
	ID      string
	Queue   string
	Created bool
}

// Stats counts jobs per state for one queue
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Retrying  int64 `json:"retrying"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}
