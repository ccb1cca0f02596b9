package queue

import (
	"errors"
	"strconv"
	"time"
)

// State is the lifecycle position of a job in the queue
type State string

const (
	StateDelayed   State = "delayed"
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// String returns the string representation of the state
func (s State) String() string {
	return string(s)
}

var (
	// ErrJobNotFound is returned when no record exists for a job id
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned by Add when a record with the same id exists
	ErrJobExists = errors.New("job already exists")
	// ErrJobLocked is returned by Remove while a worker holds the job
	ErrJobLocked = errors.New("job is locked by a worker")
	// ErrStaleDelivery is returned by Activate when a delivery no longer
	// matches a waiting job (removed, re-added or already taken)
	ErrStaleDelivery = errors.New("delivery does not match a waiting job")
	// ErrLockLost is returned when a worker no longer owns an active job
	ErrLockLost = errors.New("job lock lost")
)

// Job is a snapshot of a job record
type Job struct {
	ID           string
	Name         string
	Payload      string
	Token        string
	State        State
	AttemptsMade int
	MaxAttempts  int
	Backoff      time.Duration
	DueAt        time.Time
	CreatedAt    time.Time
	ProcessedAt  time.Time
	FinishedAt   time.Time
	FailedReason string
}

// Delivery is the body published to the broker when a job becomes due
type Delivery struct {
	JobID string `json:"job_id"`
	Token string `json:"token"`
}

func jobFromHash(fields map[string]string) *Job {
	return &Job{
		ID:           fields["id"],
		Name:         fields["name"],
		Payload:      fields["payload"],
		Token:        fields["token"],
		State:        State(fields["state"]),
		AttemptsMade: atoi(fields["attempts_made"]),
		MaxAttempts:  atoi(fields["max_attempts"]),
		Backoff:      time.Duration(atoi64(fields["backoff_ms"])) * time.Millisecond,
		DueAt:        fromMillis(fields["due_at"]),
		CreatedAt:    fromMillis(fields["created_at"]),
		ProcessedAt:  fromMillis(fields["processed_at"]),
		FinishedAt:   fromMillis(fields["finished_at"]),
		FailedReason: fields["failed_reason"],
	}
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func fromMillis(s string) time.Time {
	ms := atoi64(s)
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
