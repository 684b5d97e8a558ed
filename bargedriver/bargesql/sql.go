// Package bargesql is a second bargedriver.Executor backend built on
// database/sql and github.com/lib/pq, demonstrating that the abstract
// connection-provider boundary from spec.md section 1 is real: a barge
// Client can run against either this or bargepgx without any change to
// the core engine. Grounded on the teacher's riverdriver/riverdatabasesql
// driver, which exists for exactly this reason.
package bargesql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
)

// Driver wraps a *sql.DB opened with the "postgres" (lib/pq) driver name.
type Driver struct {
	db          *sql.DB
	databaseURL string // retained only so Listen can open a dedicated pq.Listener connection
}

// New wraps an already-opened *sql.DB. The caller must have opened it with
// database/sql using the lib/pq "postgres" driver name. Listen will be
// unavailable since New has no connection string to hand pq.Listener;
// use Open when LISTEN/NOTIFY support is needed.
func New(db *sql.DB) *Driver {
	return &Driver{db: db}
}

// Open is a convenience constructor around sql.Open("postgres", ...).
func Open(databaseURL string) (*Driver, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bargesql: opening database: %w", err)
	}
	return &Driver{db: db, databaseURL: databaseURL}, nil
}

func (d *Driver) Close(ctx context.Context) error {
	return d.db.Close()
}

const jobColumns = `id, state, queue, worker, args, meta, tags, errors, attempted_by,
	attempt, max_attempts, priority, inserted_at, scheduled_at, attempted_at,
	completed_at, cancelled_at, discarded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJobRow(row scanner) (*bargetype.JobRow, error) {
	var (
		j           bargetype.JobRow
		errorsJSON  []byte
		tags        pq.StringArray
		attemptedBy pq.StringArray
	)

	if err := row.Scan(
		&j.ID, &j.State, &j.Queue, &j.Worker, &j.Args, &j.Meta, &tags, &errorsJSON,
		&attemptedBy, &j.Attempt, &j.MaxAttempts, &j.Priority, &j.InsertedAt,
		&j.ScheduledAt, &j.AttemptedAt, &j.CompletedAt, &j.CancelledAt, &j.DiscardedAt,
	); err != nil {
		return nil, err
	}

	j.Tags = []string(tags)
	j.AttemptedBy = []string(attemptedBy)

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
			return nil, fmt.Errorf("bargesql: decoding errors column: %w", err)
		}
	}

	return &j, nil
}

func stateAndScheduleFor(scheduledAt time.Time) (bargetype.JobState, time.Time) {
	now := time.Now().UTC()
	if scheduledAt.IsZero() || !scheduledAt.After(now) {
		return bargetype.JobStateAvailable, now
	}
	return bargetype.JobStateScheduled, scheduledAt.UTC()
}

func jsonOrEmptyObject(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

func (d *Driver) InsertJobs(ctx context.Context, params []*bargedriver.InsertJobsParams) ([]*bargetype.JobRow, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `
INSERT INTO barge_job
	(queue, worker, args, meta, tags, max_attempts, priority, state, scheduled_at, unique_key)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (unique_key) WHERE unique_key IS NOT NULL DO NOTHING
RETURNING ` + jobColumns

	rows := make([]*bargetype.JobRow, 0, len(params))

	for _, p := range params {
		state, scheduledAt := stateAndScheduleFor(p.ScheduledAt)

		row := tx.QueryRowContext(ctx, query,
			p.Queue, p.Worker, jsonOrEmptyObject(p.Args), jsonOrEmptyObject(p.Meta),
			pq.Array(p.Tags), p.MaxAttempts, p.Priority, state, scheduledAt, p.UniqueKey)

		job, err := scanJobRow(row)
		if err != nil {
			if err == sql.ErrNoRows {
				continue
			}
			return nil, fmt.Errorf("bargesql: inserting job: %w", err)
		}

		rows = append(rows, job)
	}

	return rows, tx.Commit()
}

// InsertJobsFast bulk-loads params with lib/pq's CopyIn, the same
// COPY-based protocol pgx.CopyFrom uses on the primary driver. It can't
// return the inserted rows the way InsertJobs does, so it's for callers on
// the high-throughput path who only need the count.
func (d *Driver) InsertJobsFast(ctx context.Context, params []*bargedriver.InsertJobsParams) (int64, error) {
	if len(params) == 0 {
		return 0, nil
	}

	txn, err := d.db.Begin()
	if err != nil {
		return 0, err
	}
	defer txn.Rollback() //nolint:errcheck

	stmt, err := txn.Prepare(pq.CopyIn("barge_job",
		"queue", "worker", "args", "meta", "tags", "max_attempts", "priority", "state", "scheduled_at"))
	if err != nil {
		return 0, fmt.Errorf("bargesql: preparing copy-in: %w", err)
	}

	for _, p := range params {
		state, scheduledAt := stateAndScheduleFor(p.ScheduledAt)

		if _, err := stmt.Exec(p.Queue, p.Worker, jsonOrEmptyObject(p.Args), jsonOrEmptyObject(p.Meta),
			pq.Array(p.Tags), p.MaxAttempts, p.Priority, string(state), scheduledAt); err != nil {
			return 0, fmt.Errorf("bargesql: queuing copy-in row: %w", err)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		return 0, fmt.Errorf("bargesql: flushing copy-in: %w", err)
	}

	if err := stmt.Close(); err != nil {
		return 0, err
	}

	return int64(len(params)), txn.Commit()
}

func (d *Driver) FetchJobs(ctx context.Context, params *bargedriver.FetchJobsParams) ([]*bargetype.JobRow, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `
WITH locked AS (
	SELECT id
	FROM barge_job
	WHERE state = $1 AND queue = $2
	ORDER BY priority ASC, scheduled_at ASC, id ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE barge_job
SET state = $4,
	attempt = barge_job.attempt + 1,
	attempted_at = $5,
	attempted_by = array_append(barge_job.attempted_by, $6)
FROM locked
WHERE barge_job.id = locked.id
RETURNING ` + jobColumns

	attemptedBy := params.Node + ":" + params.ProducerUUID

	rows, err := tx.QueryContext(ctx, query,
		bargetype.JobStateAvailable, params.Queue, params.Demand,
		bargetype.JobStateExecuting, time.Now().UTC(), attemptedBy)
	if err != nil {
		return nil, fmt.Errorf("bargesql: fetching jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*bargetype.JobRow
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return jobs, tx.Commit()
}

func (d *Driver) CompleteJob(ctx context.Context, jobID int64) (*bargetype.JobRow, error) {
	const query = `
UPDATE barge_job SET state = $2, completed_at = $3 WHERE id = $1
RETURNING ` + jobColumns

	row := d.db.QueryRowContext(ctx, query, jobID, bargetype.JobStateCompleted, time.Now().UTC())
	return scanJobRow(row)
}

func (d *Driver) CancelJob(ctx context.Context, jobID int64, reason string) (*bargetype.JobRow, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if err := appendError(ctx, tx, jobID, bargetype.AttemptError{At: time.Now().UTC(), Error: reason}); err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
UPDATE barge_job SET state = $2, cancelled_at = $3 WHERE id = $1
RETURNING `+jobColumns, jobID, bargetype.JobStateCancelled, time.Now().UTC())

	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit()
}

func (d *Driver) SnoozeJob(ctx context.Context, jobID int64, seconds int) (*bargetype.JobRow, error) {
	scheduledAt := time.Now().UTC().Add(time.Duration(seconds) * time.Second)

	row := d.db.QueryRowContext(ctx, `
UPDATE barge_job SET state = $2, scheduled_at = $3, attempt = attempt - 1 WHERE id = $1
RETURNING `+jobColumns, jobID, bargetype.JobStateScheduled, scheduledAt)

	return scanJobRow(row)
}

func (d *Driver) ErrorJob(ctx context.Context, params *bargedriver.ErrorJobParams) (*bargetype.JobRow, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	var attempt, maxAttempts int
	if err := tx.QueryRowContext(ctx, `SELECT attempt, max_attempts FROM barge_job WHERE id = $1 FOR UPDATE`, params.JobID).
		Scan(&attempt, &maxAttempts); err != nil {
		return nil, fmt.Errorf("bargesql: loading job for error_job: %w", err)
	}

	if err := appendError(ctx, tx, params.JobID, params.Error); err != nil {
		return nil, err
	}

	var row *sql.Row
	if attempt >= maxAttempts {
		row = tx.QueryRowContext(ctx, `
UPDATE barge_job SET state = $2, discarded_at = $3 WHERE id = $1 RETURNING `+jobColumns,
			params.JobID, bargetype.JobStateDiscarded, time.Now().UTC())
	} else {
		scheduledAt := time.Now().UTC().Add(time.Duration(params.BackoffSeconds) * time.Second)
		row = tx.QueryRowContext(ctx, `
UPDATE barge_job SET state = $2, scheduled_at = $3 WHERE id = $1 RETURNING `+jobColumns,
			params.JobID, bargetype.JobStateRetryable, scheduledAt)
	}

	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit()
}

func appendError(ctx context.Context, tx *sql.Tx, jobID int64, attemptErr bargetype.AttemptError) error {
	var currentErrors []byte
	if err := tx.QueryRowContext(ctx, `SELECT errors FROM barge_job WHERE id = $1`, jobID).Scan(&currentErrors); err != nil {
		return fmt.Errorf("bargesql: loading errors column: %w", err)
	}
	if len(currentErrors) == 0 {
		currentErrors = []byte("[]")
	}

	entry, err := json.Marshal(attemptErr)
	if err != nil {
		return err
	}

	updated, err := sjson.SetRawBytes(currentErrors, "-1", entry)
	if err != nil {
		return fmt.Errorf("bargesql: appending error entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE barge_job SET errors = $2 WHERE id = $1`, jobID, updated)
	return err
}

func (d *Driver) StageJobs(ctx context.Context, params *bargedriver.StageJobsParams) ([]string, error) {
	const query = `
WITH staged AS (
	UPDATE barge_job
	SET state = $1
	WHERE id IN (
		SELECT id FROM barge_job
		WHERE state IN ($2, $3) AND scheduled_at <= timezone('UTC', now())
		ORDER BY id
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	)
	RETURNING queue
)
SELECT DISTINCT queue FROM staged`

	rows, err := d.db.QueryContext(ctx, query,
		bargetype.JobStateAvailable, bargetype.JobStateScheduled, bargetype.JobStateRetryable, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("bargesql: staging jobs: %w", err)
	}
	defer rows.Close()

	var queues []string
	for rows.Next() {
		var queue string
		if err := rows.Scan(&queue); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}

	return queues, rows.Err()
}

func (d *Driver) RescueJobs(ctx context.Context) (int, error) {
	const query = `
WITH stale_producers AS (
	SELECT uuid FROM barge_producer WHERE updated_at < timezone('UTC', now()) - interval '1 minute'
),
orphaned AS (
	SELECT j.id, j.meta
	FROM barge_job j
	WHERE j.state = $1
		AND (
			cardinality(j.attempted_by) = 0
			OR split_part(j.attempted_by[cardinality(j.attempted_by)], ':', 2) NOT IN (
				SELECT uuid FROM barge_producer UNION SELECT uuid FROM stale_producers
			)
			OR split_part(j.attempted_by[cardinality(j.attempted_by)], ':', 2) IN (SELECT uuid FROM stale_producers)
		)
	FOR UPDATE OF j SKIP LOCKED
)
UPDATE barge_job
SET state = $2
FROM orphaned
WHERE barge_job.id = orphaned.id
RETURNING barge_job.id`

	rows, err := d.db.QueryContext(ctx, query, bargetype.JobStateExecuting, bargetype.JobStateAvailable)
	if err != nil {
		return 0, fmt.Errorf("bargesql: rescuing jobs: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if err := bumpRescuedMeta(ctx, d.db, id); err != nil {
			return 0, err
		}
	}

	return len(ids), nil
}

func bumpRescuedMeta(ctx context.Context, db *sql.DB, jobID int64) error {
	var currentMeta []byte
	if err := db.QueryRowContext(ctx, `SELECT meta FROM barge_job WHERE id = $1`, jobID).Scan(&currentMeta); err != nil {
		return fmt.Errorf("bargesql: loading meta for rescue: %w", err)
	}
	if len(currentMeta) == 0 {
		currentMeta = []byte("{}")
	}

	current := gjson.GetBytes(currentMeta, "rescued").Int()

	updated, err := sjson.SetBytes(currentMeta, "rescued", current+1)
	if err != nil {
		return fmt.Errorf("bargesql: bumping meta.rescued: %w", err)
	}

	_, err = db.ExecContext(ctx, `UPDATE barge_job SET meta = $2 WHERE id = $1`, jobID, updated)
	return err
}

func (d *Driver) PruneJobs(ctx context.Context, params *bargedriver.PruneJobsParams) (int, error) {
	const query = `
WITH victims AS (
	SELECT id FROM barge_job
	WHERE state IN ($1, $2, $3)
		AND coalesce(completed_at, cancelled_at, discarded_at) < $4
	ORDER BY id
	LIMIT $5
	FOR UPDATE SKIP LOCKED
)
DELETE FROM barge_job USING victims WHERE barge_job.id = victims.id RETURNING barge_job.id`

	cutoff := time.Now().UTC().Add(-params.MaxAge)

	rows, err := d.db.QueryContext(ctx, query,
		bargetype.JobStateCompleted, bargetype.JobStateCancelled, bargetype.JobStateDiscarded,
		cutoff, params.Limit)
	if err != nil {
		return 0, fmt.Errorf("bargesql: pruning jobs: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}

	return count, rows.Err()
}

func (d *Driver) InsertProducer(ctx context.Context, params *bargedriver.InsertProducerParams) error {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO barge_producer (uuid, name, node, queue, meta, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		params.UUID, params.Name, params.Node, params.Queue, jsonOrEmptyObject(params.Meta), time.Now().UTC())
	return err
}

func (d *Driver) DeleteProducer(ctx context.Context, uuid string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM barge_producer WHERE uuid = $1`, uuid)
	return err
}

func (d *Driver) HeartbeatProducer(ctx context.Context, uuid string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE barge_producer SET updated_at = $2 WHERE uuid = $1`, uuid, time.Now().UTC())
	return err
}

func (d *Driver) AcquireLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	var name string
	err := d.db.QueryRowContext(ctx, `
INSERT INTO barge_peer (name, node, uuid, expires_at) VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE SET node = $2, uuid = $3, expires_at = $4
WHERE barge_peer.expires_at < timezone('UTC', now())
RETURNING name`, params.Name, params.Node, params.UUID, time.Now().UTC().Add(params.TTL)).Scan(&name)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bargesql: acquiring leader: %w", err)
	}
	return true, nil
}

func (d *Driver) ExtendLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	var name string
	err := d.db.QueryRowContext(ctx, `
UPDATE barge_peer SET expires_at = $4 WHERE name = $1 AND node = $2 AND uuid = $3
RETURNING name`, params.Name, params.Node, params.UUID, time.Now().UTC().Add(params.TTL)).Scan(&name)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bargesql: extending leader lease: %w", err)
	}
	return true, nil
}

func (d *Driver) ReleaseLeader(ctx context.Context, name, uuid string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM barge_peer WHERE name = $1 AND uuid = $2`, name, uuid)
	return err
}

// Listen uses pq.Listener, lib/pq's dedicated LISTEN/NOTIFY type, rather
// than holding a raw connection out of the pool the way bargepgx does.
func (d *Driver) Listen(ctx context.Context, channel string) (<-chan string, func(), error) {
	if d.databaseURL == "" {
		return nil, nil, fmt.Errorf("bargesql: Listen requires a Driver built with Open, not New")
	}

	listener := pq.NewListener(d.databaseURL, 2*time.Second, time.Minute, nil)

	if err := listener.Listen(channel); err != nil {
		listener.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("bargesql: issuing listen: %w", err)
	}

	notifications := make(chan string, 16)

	go func() {
		defer close(notifications)

		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					continue
				}
				select {
				case notifications <- n.Extra:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return notifications, func() { listener.Close() }, nil //nolint:errcheck
}

func (d *Driver) Notify(ctx context.Context, channel, payload string) error {
	_, err := d.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

var _ bargedriver.Executor = (*Driver)(nil)
