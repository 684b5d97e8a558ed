// Package barge is a durable, Postgres-backed background job processing
// platform. Clients enqueue jobs addressed to named workers; a Client
// persists, schedules, dispatches, retries with backoff, and rescues
// orphaned or stale jobs through a leader-elected maintenance process.
package barge
