package barge

import "github.com/riverstage/barge/bargetype"

// Sentinel errors re-exported from bargetype so callers never need to
// import that package directly just to errors.Is against a validation
// failure.
var (
	ErrInvalidQueue       = bargetype.ErrInvalidQueue
	ErrInvalidWorker      = bargetype.ErrInvalidWorker
	ErrInvalidPriority    = bargetype.ErrInvalidPriority
	ErrInvalidMaxAttempts = bargetype.ErrInvalidMaxAttempts
	ErrUnknownQueue       = bargetype.ErrUnknownQueue
	ErrWorkerNotFound     = bargetype.ErrWorkerNotFound
	ErrNotLeader          = bargetype.ErrNotLeader
)
