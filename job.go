package barge

import (
	"encoding/json"
	"fmt"

	"github.com/riverstage/barge/bargetype"
)

// Job is the typed convenience wrapper a Worker[T] receives, pairing the
// raw persisted JobRow with its Args already decoded into T. Keeping
// JobRow non-generic lets the query layer, executor, and maintenance
// loops operate on it directly without reflection.
type Job[T JobArgs] struct {
	*bargetype.JobRow
	Args T
}

// JobFromRow decodes row.Args into a T and wraps it. It's exported so a
// Resolver implementation (Registry) outside this file's package-private
// generic instantiation machinery can still reach it via type parameters
// supplied at the AddWorker call site.
func JobFromRow[T JobArgs](row *bargetype.JobRow) (*Job[T], error) {
	var args T
	if err := json.Unmarshal(row.Args, &args); err != nil {
		return nil, fmt.Errorf("barge: decoding args for job %d (worker %q): %w", row.ID, row.Worker, err)
	}
	return &Job[T]{JobRow: row, Args: args}, nil
}
