// Package bargepgx is barge's primary bargedriver.Executor implementation,
// built on pgx/v5 and pgxpool. It is grounded on the teacher's own
// riverdriver/riverpgxv5 driver: a pgxpool.Pool for general work, a
// dedicated connection held open for LISTEN, and pgerrcode to classify
// Postgres errors the maintenance loops need to tell apart from
// programmer error.
package bargepgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/riverstage/barge/bargedriver"
	"github.com/riverstage/barge/bargetype"
)

// Driver wraps a pgxpool.Pool and implements bargedriver.Executor.
type Driver struct {
	pool *pgxpool.Pool
}

// New builds a Driver around an already-configured pool. The caller owns
// the pool's lifecycle except that Driver.Close will close it.
func New(pool *pgxpool.Pool) *Driver {
	return &Driver{pool: pool}
}

// Open is a convenience constructor that parses databaseURL and opens a
// pool with pgxpool's default sizing, unless databaseURL itself sets pool
// parameters such as pool_max_conns.
func Open(ctx context.Context, databaseURL string) (*Driver, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("bargepgx: parsing database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bargepgx: opening pool: %w", err)
	}

	return New(pool), nil
}

func (d *Driver) Close(ctx context.Context) error {
	d.pool.Close()
	return nil
}

const jobColumns = `id, state, queue, worker, args, meta, tags, errors, attempted_by,
	attempt, max_attempts, priority, inserted_at, scheduled_at, attempted_at,
	completed_at, cancelled_at, discarded_at`

func scanJobRow(row pgx.Row) (*bargetype.JobRow, error) {
	var (
		j          bargetype.JobRow
		errorsJSON []byte
	)

	if err := row.Scan(
		&j.ID, &j.State, &j.Queue, &j.Worker, &j.Args, &j.Meta, &j.Tags, &errorsJSON,
		&j.AttemptedBy, &j.Attempt, &j.MaxAttempts, &j.Priority, &j.InsertedAt,
		&j.ScheduledAt, &j.AttemptedAt, &j.CompletedAt, &j.CancelledAt, &j.DiscardedAt,
	); err != nil {
		return nil, err
	}

	if len(errorsJSON) > 0 {
		if err := json.Unmarshal(errorsJSON, &j.Errors); err != nil {
			return nil, fmt.Errorf("bargepgx: decoding errors column: %w", err)
		}
	}

	return &j, nil
}

func (d *Driver) InsertJobs(ctx context.Context, params []*bargedriver.InsertJobsParams) ([]*bargetype.JobRow, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows := make([]*bargetype.JobRow, 0, len(params))

	const query = `
INSERT INTO barge_job
	(queue, worker, args, meta, tags, max_attempts, priority, state, scheduled_at, unique_key)
VALUES
	($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (unique_key) WHERE unique_key IS NOT NULL DO NOTHING
RETURNING ` + jobColumns

	for _, p := range params {
		state, scheduledAt := stateAndScheduleFor(p.ScheduledAt)

		row := tx.QueryRow(ctx, query,
			p.Queue, p.Worker, jsonOrEmptyObject(p.Args), jsonOrEmptyObject(p.Meta), p.Tags,
			p.MaxAttempts, p.Priority, state, scheduledAt, p.UniqueKey)

		job, err := scanJobRow(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// Unique-key conflict: the cron dedup guard suppressed this
				// insert. Skip it rather than failing the whole batch.
				continue
			}
			return nil, fmt.Errorf("bargepgx: inserting job: %w", err)
		}

		rows = append(rows, job)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return rows, nil
}

// InsertJobsFast uses pgx.CopyFrom for the high-throughput bulk path,
// grounded on the teacher's own JobInsertFastManyCopyFrom. It doesn't
// support the unique-key dedup guard (COPY can't express ON CONFLICT),
// matching River's own fast-path trade-off.
func (d *Driver) InsertJobsFast(ctx context.Context, params []*bargedriver.InsertJobsParams) (int64, error) {
	rows := make([][]any, len(params))

	for i, p := range params {
		state, scheduledAt := stateAndScheduleFor(p.ScheduledAt)
		rows[i] = []any{
			p.Queue, p.Worker, jsonOrEmptyObject(p.Args), jsonOrEmptyObject(p.Meta),
			p.Tags, p.MaxAttempts, p.Priority, state, scheduledAt,
		}
	}

	return d.pool.CopyFrom(ctx,
		pgx.Identifier{"barge_job"},
		[]string{"queue", "worker", "args", "meta", "tags", "max_attempts", "priority", "state", "scheduled_at"},
		pgx.CopyFromRows(rows))
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

func (d *Driver) FetchJobs(ctx context.Context, params *bargedriver.FetchJobsParams) ([]*bargetype.JobRow, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

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

	rows, err := tx.Query(ctx, query,
		bargetype.JobStateAvailable, params.Queue, params.Demand,
		bargetype.JobStateExecuting, time.Now().UTC(), attemptedBy)
	if err != nil {
		return nil, fmt.Errorf("bargepgx: fetching jobs: %w", err)
	}

	jobs, err := collectJobRows(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return jobs, nil
}

func collectJobRows(rows pgx.Rows) ([]*bargetype.JobRow, error) {
	defer rows.Close()

	var jobs []*bargetype.JobRow
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (d *Driver) CompleteJob(ctx context.Context, jobID int64) (*bargetype.JobRow, error) {
	const query = `
UPDATE barge_job
SET state = $2, completed_at = $3
WHERE id = $1
RETURNING ` + jobColumns

	row := d.pool.QueryRow(ctx, query, jobID, bargetype.JobStateCompleted, time.Now().UTC())
	return scanJobRow(row)
}

func (d *Driver) CancelJob(ctx context.Context, jobID int64, reason string) (*bargetype.JobRow, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := appendError(ctx, tx, jobID, bargetype.AttemptError{
		At: time.Now().UTC(), Error: reason,
	}); err != nil {
		return nil, err
	}

	const query = `
UPDATE barge_job
SET state = $2, cancelled_at = $3
WHERE id = $1
RETURNING ` + jobColumns

	row := tx.QueryRow(ctx, query, jobID, bargetype.JobStateCancelled, time.Now().UTC())
	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit(ctx)
}

func (d *Driver) SnoozeJob(ctx context.Context, jobID int64, seconds int) (*bargetype.JobRow, error) {
	const query = `
UPDATE barge_job
SET state = $2, scheduled_at = $3, attempt = attempt - 1
WHERE id = $1
RETURNING ` + jobColumns

	scheduledAt := time.Now().UTC().Add(time.Duration(seconds) * time.Second)

	row := d.pool.QueryRow(ctx, query, jobID, bargetype.JobStateScheduled, scheduledAt)
	return scanJobRow(row)
}

func (d *Driver) ErrorJob(ctx context.Context, params *bargedriver.ErrorJobParams) (*bargetype.JobRow, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var attempt, maxAttempts int
	if err := tx.QueryRow(ctx, `SELECT attempt, max_attempts FROM barge_job WHERE id = $1 FOR UPDATE`, params.JobID).
		Scan(&attempt, &maxAttempts); err != nil {
		return nil, fmt.Errorf("bargepgx: loading job for error_job: %w", err)
	}

	if err := appendError(ctx, tx, params.JobID, params.Error); err != nil {
		return nil, err
	}

	var row pgx.Row
	if attempt >= maxAttempts {
		row = tx.QueryRow(ctx, `
UPDATE barge_job SET state = $2, discarded_at = $3 WHERE id = $1 RETURNING `+jobColumns,
			params.JobID, bargetype.JobStateDiscarded, time.Now().UTC())
	} else {
		scheduledAt := time.Now().UTC().Add(time.Duration(params.BackoffSeconds) * time.Second)
		row = tx.QueryRow(ctx, `
UPDATE barge_job SET state = $2, scheduled_at = $3 WHERE id = $1 RETURNING `+jobColumns,
			params.JobID, bargetype.JobStateRetryable, scheduledAt)
	}

	job, err := scanJobRow(row)
	if err != nil {
		return nil, err
	}

	return job, tx.Commit(ctx)
}

// appendError merges a new AttemptError onto the job's errors JSONB column
// using sjson, avoiding an unmarshal/remarshal of the whole array.
func appendError(ctx context.Context, tx pgx.Tx, jobID int64, attemptErr bargetype.AttemptError) error {
	var currentErrors []byte
	if err := tx.QueryRow(ctx, `SELECT errors FROM barge_job WHERE id = $1`, jobID).Scan(&currentErrors); err != nil {
		return fmt.Errorf("bargepgx: loading errors column: %w", err)
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
		return fmt.Errorf("bargepgx: appending error entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE barge_job SET errors = $2 WHERE id = $1`, jobID, updated); err != nil {
		return fmt.Errorf("bargepgx: saving errors column: %w", err)
	}

	return nil
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

	rows, err := d.pool.Query(ctx, query,
		bargetype.JobStateAvailable, bargetype.JobStateScheduled, bargetype.JobStateRetryable, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("bargepgx: staging jobs: %w", err)
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
	SELECT uuid FROM barge_producer
	WHERE updated_at < timezone('UTC', now()) - interval '1 minute'
),
orphaned AS (
	SELECT j.id, j.meta
	FROM barge_job j
	WHERE j.state = $1
		AND (
			cardinality(j.attempted_by) = 0
			OR split_part(j.attempted_by[cardinality(j.attempted_by)], ':', 2) NOT IN (
				SELECT uuid FROM barge_producer
				UNION
				SELECT uuid FROM stale_producers
			)
			OR split_part(j.attempted_by[cardinality(j.attempted_by)], ':', 2) IN (SELECT uuid FROM stale_producers)
		)
	FOR UPDATE OF j SKIP LOCKED
)
UPDATE barge_job
SET state = $2, meta = orphaned.meta
FROM orphaned
WHERE barge_job.id = orphaned.id
RETURNING barge_job.id`

	rows, err := d.pool.Query(ctx, query, bargetype.JobStateExecuting, bargetype.JobStateAvailable)
	if err != nil {
		return 0, fmt.Errorf("bargepgx: rescuing jobs: %w", err)
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
		if err := bumpRescuedMeta(ctx, d.pool, id); err != nil {
			return 0, err
		}
	}

	return len(ids), nil
}

func bumpRescuedMeta(ctx context.Context, pool *pgxpool.Pool, jobID int64) error {
	var currentMeta []byte
	if err := pool.QueryRow(ctx, `SELECT meta FROM barge_job WHERE id = $1`, jobID).Scan(&currentMeta); err != nil {
		return fmt.Errorf("bargepgx: loading meta for rescue: %w", err)
	}

	if len(currentMeta) == 0 {
		currentMeta = []byte("{}")
	}

	current := gjson.GetBytes(currentMeta, "rescued").Int()

	updated, err := sjson.SetBytes(currentMeta, "rescued", current+1)
	if err != nil {
		return fmt.Errorf("bargepgx: bumping meta.rescued: %w", err)
	}

	_, err = pool.Exec(ctx, `UPDATE barge_job SET meta = $2 WHERE id = $1`, jobID, updated)
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
DELETE FROM barge_job
USING victims
WHERE barge_job.id = victims.id
RETURNING barge_job.id`

	cutoff := time.Now().UTC().Add(-params.MaxAge)

	rows, err := d.pool.Query(ctx, query,
		bargetype.JobStateCompleted, bargetype.JobStateCancelled, bargetype.JobStateDiscarded,
		cutoff, params.Limit)
	if err != nil {
		return 0, fmt.Errorf("bargepgx: pruning jobs: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		count++
	}

	return count, rows.Err()
}

func (d *Driver) InsertProducer(ctx context.Context, params *bargedriver.InsertProducerParams) error {
	const query = `
INSERT INTO barge_producer (uuid, name, node, queue, meta, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := d.pool.Exec(ctx, query, params.UUID, params.Name, params.Node, params.Queue,
		jsonOrEmptyObject(params.Meta), time.Now().UTC())
	return err
}

func (d *Driver) DeleteProducer(ctx context.Context, uuid string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM barge_producer WHERE uuid = $1`, uuid)
	return err
}

func (d *Driver) HeartbeatProducer(ctx context.Context, uuid string) error {
	_, err := d.pool.Exec(ctx, `UPDATE barge_producer SET updated_at = $2 WHERE uuid = $1`,
		uuid, time.Now().UTC())
	return err
}

func (d *Driver) AcquireLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	const query = `
INSERT INTO barge_peer (name, node, uuid, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO UPDATE
SET node = $2, uuid = $3, expires_at = $4
WHERE barge_peer.expires_at < timezone('UTC', now())
RETURNING name`

	var name string
	err := d.pool.QueryRow(ctx, query, params.Name, params.Node, params.UUID,
		time.Now().UTC().Add(params.TTL)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bargepgx: acquiring leader: %w", err)
	}

	return true, nil
}

func (d *Driver) ExtendLeader(ctx context.Context, params *bargedriver.AcquireLeaderParams) (bool, error) {
	const query = `
UPDATE barge_peer
SET expires_at = $4
WHERE name = $1 AND node = $2 AND uuid = $3
RETURNING name`

	var name string
	err := d.pool.QueryRow(ctx, query, params.Name, params.Node, params.UUID,
		time.Now().UTC().Add(params.TTL)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bargepgx: extending leader lease: %w", err)
	}

	return true, nil
}

func (d *Driver) ReleaseLeader(ctx context.Context, name, uuid string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM barge_peer WHERE name = $1 AND uuid = $2`, name, uuid)
	return err
}

func (d *Driver) Listen(ctx context.Context, channel string) (<-chan string, func(), error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("bargepgx: acquiring listen connection: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN \""+channel+"\""); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("bargepgx: issuing listen: %w", err)
	}

	notifications := make(chan string, 16)
	done := make(chan struct{})

	go func() {
		defer close(notifications)

		for {
			notification, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}

			select {
			case notifications <- notification.Payload:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	closeFunc := func() {
		close(done)
		conn.Release()
	}

	return notifications, closeFunc, nil
}

func (d *Driver) Notify(ctx context.Context, channel, payload string) error {
	_, err := d.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return err
}

// IsTransient classifies a Postgres error as safe to retry on the next
// maintenance loop tick (serialization failures, lock timeouts) versus a
// programmer error (bad SQL, constraint violation on a non-dedup
// constraint) that's worth surfacing loudly. Grounded on the teacher's use
// of github.com/jackc/pgerrcode in riverdriver for the same purpose.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}

	switch pgErr.Code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable,
		pgerrcode.TooManyConnections,
		pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure:
		return true
	default:
		return false
	}
}

// IsTransient implements bargedriver.TransientClassifier so maintenance
// loops can log a quieter level for errors this driver recognizes as
// self-clearing.
func (d *Driver) IsTransient(err error) bool { return IsTransient(err) }

var _ bargedriver.TransientClassifier = (*Driver)(nil)

var _ bargedriver.Executor = (*Driver)(nil)
