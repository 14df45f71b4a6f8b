package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// State is the lifecycle of a queued job
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Policy decides what happens when a job with the same key already exists
type Policy int

const (
	// KeepExisting leaves pending or running work untouched
	KeepExisting Policy = iota
	// Replace resets the job, cancelling a running attempt
	Replace
)

// String returns the string representation of the policy
func (p Policy) String() string {
	if p == Replace {
		return "replace"
	}
	return "keep"
}

// MaxBackoff caps retry delays
const MaxBackoff = 5 * time.Hour

// Backoff is an exponential retry schedule
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given attempt number is retried (attempt >= 1)
func (b Backoff) Delay(attempt int) time.Duration {
	limit := b.Max
	if limit <= 0 {
		limit = MaxBackoff
	}
	d := b.Initial
	if d <= 0 {
		return 0
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Job is a persisted unit of work
type Job struct {
	Key             string    `json:"key" gorm:"column:job_key;primaryKey;size:191"`
	Kind            string    `json:"kind" gorm:"column:kind;not null;size:64;index"`
	Payload         []byte    `json:"-" gorm:"column:payload"`
	State           State     `json:"state" gorm:"column:state;not null;size:16;index"`
	Attempts        int       `json:"attempts" gorm:"column:attempts;not null;default:0"`
	Generation      int       `json:"generation" gorm:"column:generation;not null;default:0"`
	RequiresNetwork bool      `json:"requires_network" gorm:"column:requires_network"`
	BackoffInitial  int64     `json:"-" gorm:"column:backoff_initial_ms"`
	BackoffMax      int64     `json:"-" gorm:"column:backoff_max_ms"`
	NextRunAt       time.Time `json:"next_run_at" gorm:"column:next_run_at;index"`
	LastError       *string   `json:"last_error,omitempty" gorm:"column:last_error"`
	CreatedAt       time.Time `json:"created_at" gorm:"column:created_at"`
	UpdatedAt       time.Time `json:"updated_at" gorm:"column:updated_at"`
}

// TableName sets the table name for GORM
func (Job) TableName() string {
	return "queue_jobs"
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of job %s: %w", j.Key, err)
	}
	return nil
}

// Backoff returns the retry schedule stored with the job
func (j *Job) Backoff() Backoff {
	return Backoff{
		Initial: time.Duration(j.BackoffInitial) * time.Millisecond,
		Max:     time.Duration(j.BackoffMax) * time.Millisecond,
	}
}

// Request describes work to enqueue
type Request struct {
	Key             string
	Kind            string
	Payload         any
	Policy          Policy
	Backoff         Backoff
	RequiresNetwork bool
}

// Handler executes one attempt of a job. Return nil on success, Retry(err)
// to reschedule with backoff, or any other error to fail the job.
type Handler func(ctx context.Context, job *Job) error

// ErrUnknownKind is recorded for jobs without a registered handler
var ErrUnknownKind = errors.New("no handler registered for job kind")

type retryError struct {
	err error
}

func (r *retryError) Error() string { return "retry: " + r.err.Error() }
func (r *retryError) Unwrap() error { return r.err }

// Retry marks err as transient so the job is rescheduled
func Retry(err error) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	return &retryError{err: err}
}

// IsRetry reports whether err was produced by Retry
func IsRetry(err error) bool {
	var r *retryError
	return errors.As(err, &r)
}

// NetworkChecker reports connectivity for jobs that require network
type NetworkChecker interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline treats the network as permanently available
type AlwaysOnline struct{}

// Online always returns true
func (AlwaysOnline) Online(context.Context) bool { return true }

// DialChecker considers the network online when a TCP dial to Address succeeds
type DialChecker struct {
	Address string
	Timeout time.Duration
}

// Online dials Address
func (d DialChecker) Online(ctx context.Context) bool {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Observer receives job lifecycle notifications, e.g. for metrics
type Observer interface {
	JobEnqueued(kind string)
	JobFinished(kind, outcome string, duration time.Duration)
}

// Job outcomes reported to observers
const (
	OutcomeSuccess     = "success"
	OutcomeRetry       = "retry"
	OutcomeFailure     = "failure"
	OutcomeInterrupted = "interrupted"
)
