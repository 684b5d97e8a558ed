// Package bargedriver declares the abstract storage interface the barge
// core runs against. The core depends only on Executor; it never imports
// a concrete SQL driver. This mirrors spec.md's explicit carve-out of the
// storage engine as an external collaborator reached only through "an
// abstract connection provider that yields a transactional session."
package bargedriver

import (
	"context"
	"time"

	"github.com/riverstage/barge/bargetype"
)

// InsertJobsParams is a single job to insert, pre-validated and
// pre-normalized by the caller (the root package's Insert/InsertMany).
type InsertJobsParams struct {
	Queue       string
	Worker      string
	Args        []byte
	Meta        []byte
	Tags        []string
	MaxAttempts int
	Priority    int
	ScheduledAt time.Time // zero value means "now"
	UniqueKey   *string   // non-nil enables the ON CONFLICT DO NOTHING dedup guard
}

// FetchJobsParams selects and locks up to Demand available rows for Queue.
type FetchJobsParams struct {
	Queue        string
	Demand       int
	Node         string
	ProducerUUID string
}

// ErrorJobParams records a failed attempt and either reschedules the job
// (state=retryable) or discards it, depending on attempt vs max attempts.
type ErrorJobParams struct {
	JobID          int64
	Error          bargetype.AttemptError
	BackoffSeconds int
}

// StageJobsParams bounds how many rows a single staging tick will flip.
type StageJobsParams struct {
	Limit int
}

// PruneJobsParams bounds the pruner's age threshold and per-tick row cap.
type PruneJobsParams struct {
	MaxAge time.Duration
	Limit  int
}

// InsertProducerParams registers a running producer.
type InsertProducerParams struct {
	UUID  string
	Name  string
	Node  string
	Queue string
	Meta  []byte
}

// AcquireLeaderParams attempts to claim (or renew) the leadership lease for
// Name.
type AcquireLeaderParams struct {
	Name string
	Node string
	UUID string
	TTL  time.Duration
}

// Executor is the full set of storage operations the barge core needs.
// Every concrete driver (bargepgx, bargesql) implements this against its
// own SQL dialect. Each operation is documented in spec.md section 4.2;
// the doc comments here describe only driver-contract details (atomicity,
// return shape) that a new driver implementation must preserve.
type Executor interface {
	// InsertJobs bulk inserts jobs, setting InsertedAt to now and deriving
	// State/ScheduledAt per job (available+now, or scheduled+given time).
	InsertJobs(ctx context.Context, params []*InsertJobsParams) ([]*bargetype.JobRow, error)

	// InsertJobsFast is InsertJobs over a COPY-based bulk path with no
	// per-row return value (the identifiers aren't needed for fire-and-forget
	// high-throughput enqueues). Implementations may alias this to InsertJobs.
	InsertJobsFast(ctx context.Context, params []*InsertJobsParams) (int64, error)

	// FetchJobs atomically selects up to Demand available rows ordered by
	// (priority, scheduled_at, id), locks them FOR UPDATE SKIP LOCKED, and
	// transitions them to executing in the same round trip.
	FetchJobs(ctx context.Context, params *FetchJobsParams) ([]*bargetype.JobRow, error)

	CompleteJob(ctx context.Context, jobID int64) (*bargetype.JobRow, error)
	CancelJob(ctx context.Context, jobID int64, reason string) (*bargetype.JobRow, error)
	SnoozeJob(ctx context.Context, jobID int64, seconds int) (*bargetype.JobRow, error)
	ErrorJob(ctx context.Context, params *ErrorJobParams) (*bargetype.JobRow, error)

	// StageJobs flips scheduled/retryable rows whose scheduled_at has
	// arrived to available, bounded by Limit, and returns the distinct set
	// of queues that gained at least one row.
	StageJobs(ctx context.Context, params *StageJobsParams) ([]string, error)

	// RescueJobs resets executing rows whose owning producer is missing or
	// stale back to available, bumping meta.rescued, and returns the count
	// rescued.
	RescueJobs(ctx context.Context) (int, error)

	// PruneJobs deletes up to Limit terminal rows older than MaxAge and
	// returns the count deleted.
	PruneJobs(ctx context.Context, params *PruneJobsParams) (int, error)

	InsertProducer(ctx context.Context, params *InsertProducerParams) error
	DeleteProducer(ctx context.Context, uuid string) error
	HeartbeatProducer(ctx context.Context, uuid string) error

	// AcquireLeader performs the conditional INSERT ... ON CONFLICT DO
	// UPDATE WHERE expires_at < now election. ok is false if another node
	// currently holds a live lease.
	AcquireLeader(ctx context.Context, params *AcquireLeaderParams) (ok bool, err error)
	ExtendLeader(ctx context.Context, params *AcquireLeaderParams) (ok bool, err error)
	ReleaseLeader(ctx context.Context, name, uuid string) error

	// Listen subscribes to the given channel and returns a receive-only
	// notification channel plus a close function. Drivers that can't
	// support LISTEN/NOTIFY (e.g. a lowest-common-denominator database/sql
	// backend without it) may return a channel that's never written to;
	// every caller of Listen must keep working off ticker-driven polling
	// as its correctness baseline, matching spec.md section 4.5's "notify
	// is best-effort" guarantee.
	Listen(ctx context.Context, channel string) (notifications <-chan string, closeFunc func(), err error)
	Notify(ctx context.Context, channel, payload string) error

	// Close releases the underlying connection or pool.
	Close(ctx context.Context) error
}

// TransientClassifier is an optional capability a driver may implement to
// distinguish a retryable storage error (serialization failure, deadlock,
// a momentary connection blip) from one worth surfacing loudly. Callers
// type-assert an Executor against this interface rather than requiring
// it, since not every driver dialect can classify errors this precisely.
type TransientClassifier interface {
	IsTransient(err error) bool
}
