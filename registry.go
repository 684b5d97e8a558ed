package barge

import (
	"context"
	"fmt"
	"sync"

	"github.com/riverstage/barge/bargetype"
	"github.com/riverstage/barge/internal/workunit"
)

// Registry maps worker kinds to the typed handler that runs them. It
// implements workunit.Resolver so internal/jobexecutor can run jobs
// without ever importing this package or knowing about generics.
type Registry struct {
	mu       sync.RWMutex
	resolver map[string]func(row *bargetype.JobRow) (workunit.Unit, error)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{resolver: make(map[string]func(row *bargetype.JobRow) (workunit.Unit, error))}
}

// AddWorker registers worker for the job kind identified by a zero-valued
// T's Kind(). It's a free function, not a Registry method, because Go
// methods can't carry their own type parameters.
func AddWorker[T JobArgs](registry *Registry, worker Worker[T]) {
	var zero T
	kind := zero.Kind()

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.resolver[kind] = func(row *bargetype.JobRow) (workunit.Unit, error) {
		job, err := JobFromRow[T](row)
		if err != nil {
			return nil, err
		}
		return workerUnit[T]{worker: worker, job: job}, nil
	}
}

// Resolve implements workunit.Resolver.
func (r *Registry) Resolve(row *bargetype.JobRow) (workunit.Unit, error) {
	r.mu.RLock()
	build, ok := r.resolver[row.Worker]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("barge: resolving worker %q: %w", row.Worker, bargetype.ErrWorkerNotFound)
	}

	return build(row)
}

// workerUnit adapts a typed Worker[T] invocation into the untyped
// workunit.Unit the executor drives, translating the handler's natural
// Go return (nil, error, *snoozeError, *cancelError) into a tagged
// workunit.Result.
type workerUnit[T JobArgs] struct {
	worker Worker[T]
	job    *Job[T]
}

func (u workerUnit[T]) Work(ctx context.Context) workunit.Result {
	err := u.worker.Work(ctx, u.job)

	switch e := err.(type) {
	case nil:
		return workunit.Result{Outcome: workunit.OutcomeComplete}

	case *snoozeError:
		return workunit.Result{Outcome: workunit.OutcomeSnooze, SnoozeSeconds: e.seconds}

	case *cancelError:
		return workunit.Result{Outcome: workunit.OutcomeCancel, CancelReason: e.reason}

	default:
		result := workunit.Result{Outcome: workunit.OutcomeError, Err: err}

		if backoffer, ok := u.worker.(Backoffer[T]); ok {
			delay := backoffer.Backoff(u.job)
			result.BackoffOverride = &delay
		}

		return result
	}
}
