// Package bargetype holds the data types shared between the barge client,
// its internal services, and any bargedriver.Executor implementation. It
// exists to break the import cycle that would otherwise form between the
// root package and its drivers.
package bargetype

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a job row.
type JobState string

const (
	JobStateAvailable JobState = "available"
	JobStateScheduled JobState = "scheduled"
	JobStateExecuting JobState = "executing"
	JobStateRetryable JobState = "retryable"
	JobStateCompleted JobState = "completed"
	JobStateDiscarded JobState = "discarded"
	JobStateCancelled JobState = "cancelled"
)

// AttemptError is a single recorded failure of a job attempt.
type AttemptError struct {
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	Trace   string    `json:"trace,omitempty"`
}

// JobRow is the raw, untyped representation of a persisted job. It mirrors
// the barge_job table columns directly; the generic Job[T] wrapper in the
// root package decodes Args into a caller-supplied JobArgs type on top of
// this.
type JobRow struct {
	ID           int64
	State        JobState
	Queue        string
	Worker       string
	Args         json.RawMessage
	Meta         json.RawMessage
	Tags         []string
	Attempt      int
	MaxAttempts  int
	Priority     int
	Errors       []AttemptError
	AttemptedBy  []string
	InsertedAt   time.Time
	ScheduledAt  time.Time
	AttemptedAt  *time.Time
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	DiscardedAt  *time.Time
}

// ProducerRow is the registry row for a single running queue producer.
type ProducerRow struct {
	UUID      string
	Name      string
	Node      string
	Queue     string
	Meta      json.RawMessage
	UpdatedAt time.Time
}

// PeerRow is the leader-election row for a single instance name.
type PeerRow struct {
	Name      string
	Node      string
	UUID      string
	ExpiresAt time.Time
}
