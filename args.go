package barge

import "time"

// JobArgs is implemented by every type that can be enqueued. Kind must be
// a stable string identifying the worker that handles this argument type;
// it's what gets persisted to barge_job.worker and looked up against the
// Registry on fetch.
type JobArgs interface {
	Kind() string
}

// JobArgsWithInsertOpts is an optional interface a JobArgs type can
// implement to supply per-kind defaults (queue, priority, tags, and so
// on) the way the original's @worker(...) decorator carries overrides.
// Opts returned here are layered under any options explicitly passed to
// Insert/InsertMany, which always win.
type JobArgsWithInsertOpts interface {
	JobArgs
	InsertOpts() InsertOpts
}

// InsertOpts customizes how a single job is persisted. Zero values mean
// "use the package default" (DefaultQueue, DefaultMaxAttempts, no tags,
// schedule now), except Priority: since 0 is
// itself a valid (and the highest) priority per spec.md section 3, a nil
// Priority means "unset" and a non-nil Priority of 0 is a deliberate
// choice, not an oversight. Use the Priority helper to build one inline.
type InsertOpts struct {
	Queue       string
	Priority    *int
	MaxAttempts int
	Tags        []string
	ScheduledAt time.Time

	// UniqueKey, if non-empty, enables the ON CONFLICT DO NOTHING dedup
	// guard: at most one job row with this key exists at a time, whatever
	// its state, until that row is pruned or deleted.
	// The cron scheduler uses this internally; callers may also set it
	// directly to dedup their own inserts.
	UniqueKey string
}

const (
	DefaultQueue       = "default"
	DefaultPriority    = 1
	DefaultMaxAttempts = 20
)

// Priority returns a pointer to p, for populating InsertOpts.Priority
// inline (including with the highest-priority value, 0).
func Priority(p int) *int { return &p }

// resolveInsertOpts layers, in increasing priority, the package defaults,
// the JobArgs type's own InsertOpts (if any), and the opts explicitly
// passed to Insert.
func resolveInsertOpts(args JobArgs, explicit InsertOpts) InsertOpts {
	defaultPriority := DefaultPriority
	resolved := InsertOpts{Queue: DefaultQueue, Priority: &defaultPriority, MaxAttempts: DefaultMaxAttempts}

	if withOpts, ok := args.(JobArgsWithInsertOpts); ok {
		merge(&resolved, withOpts.InsertOpts())
	}
	merge(&resolved, explicit)

	return resolved
}

func merge(into *InsertOpts, from InsertOpts) {
	if from.Queue != "" {
		into.Queue = from.Queue
	}
	if from.Priority != nil {
		into.Priority = from.Priority
	}
	if from.MaxAttempts != 0 {
		into.MaxAttempts = from.MaxAttempts
	}
	if len(from.Tags) > 0 {
		into.Tags = from.Tags
	}
	if !from.ScheduledAt.IsZero() {
		into.ScheduledAt = from.ScheduledAt
	}
	if from.UniqueKey != "" {
		into.UniqueKey = from.UniqueKey
	}
}
