package bargetype

import "errors"

// Sentinel errors returned by validation and resolution paths. Components
// wrap these with fmt.Errorf("...: %w", ErrX) so callers can errors.Is
// against a stable value regardless of the surrounding message.
var (
	ErrInvalidQueue       = errors.New("bargetype: queue name must be between 1 and 128 characters")
	ErrInvalidWorker      = errors.New("bargetype: worker name must be between 1 and 128 characters")
	ErrInvalidPriority    = errors.New("bargetype: priority must be between 0 and 9")
	ErrInvalidMaxAttempts = errors.New("bargetype: max attempts must be positive")
	ErrUnknownQueue       = errors.New("bargetype: job references a queue the client was not configured with")
	ErrWorkerNotFound     = errors.New("bargetype: no worker registered for job kind")
	ErrNotLeader          = errors.New("bargetype: operation requires leadership")
)
