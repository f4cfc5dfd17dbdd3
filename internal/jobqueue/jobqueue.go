// Package jobqueue implements the durable, Postgres-backed job queue (§4.7):
// enqueue, SKIP LOCKED claim, LISTEN/NOTIFY wakeup, and retry/backoff
// bookkeeping against a `jobs` table. Grounded on the teacher's repo_pg.go
// queryable/advisory-lock idiom (internal/domain/*/repo_pg.go) for the
// connection-acceptance shape, on db.RunInTx (itself grounded on the same
// teacher idiom, see internal/resourcestore) for transaction handling, and
// on pgx/v5's native LISTEN/NOTIFY support
// (`pgxpool.Conn.Conn().WaitForNotification`) for the wakeup stream — the
// teacher itself has no job queue, so this component is new, built in its
// idiom rather than adapted from one of its files.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/platform/db"
)

// Status mirrors the jobs.status column.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a single queued unit of work.
type Job struct {
	ID              uuid.UUID
	Type            string
	Params          []byte // raw JSON
	Priority        int
	Status          Status
	ScheduledAt     time.Time
	CreatedAt       time.Time
	StartedAt       *time.Time
	WorkerID        string
	RetryCount      int
	MaxRetries      int
	CancelRequested bool
	LastError       string
	Processed       int
	Total           int
}

var ErrNoJob = errors.New("jobqueue: no job available")

// RetryPolicy computes the exponential-backoff-with-cap delay applied
// between job attempts (§4.7 "Retry").
type RetryPolicy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

var DefaultRetryPolicy = RetryPolicy{Initial: time.Second, Multiplier: 2, Max: 5 * time.Minute}

func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// Queue is the Postgres-backed implementation of the job queue.
type Queue struct {
	pool  *pgxpool.Pool
	log   zerolog.Logger
	retry RetryPolicy
}

func NewQueue(pool *pgxpool.Pool, log zerolog.Logger) *Queue {
	return &Queue{pool: pool, log: log.With().Str("component", "jobqueue").Logger(), retry: DefaultRetryPolicy}
}

// Enqueue inserts a new pending job, NOTIFYing listeners on its job type
// channel so an idle worker can pick it up immediately.
func (q *Queue) Enqueue(ctx context.Context, jobType string, params []byte, priority int, scheduledAt time.Time) (uuid.UUID, error) {
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}
	id := uuid.New()
	_, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, params, priority, status, scheduled_at, created_at, max_retries)
		VALUES ($1, $2, $3, $4, 'pending', $5, now(), $6)`,
		id, jobType, params, priority, scheduledAt, 5)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job type %s: %w", jobType, err)
	}
	if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channelName(jobType), id.String()); err != nil {
		q.log.Warn().Err(err).Str("job_type", jobType).Msg("notify after enqueue failed")
	}
	return id, nil
}

func channelName(jobType string) string { return "jobqueue_" + jobType }

// Dequeue atomically claims the highest-priority eligible job of one of
// jobTypes via SELECT ... FOR UPDATE SKIP LOCKED, ordered by
// priority DESC, created_at ASC (§4.7).
func (q *Queue) Dequeue(ctx context.Context, workerID string, jobTypes []string) (*Job, error) {
	var job *Job
	err := db.RunInTx(ctx, q.pool, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, job_type, params, priority, status, scheduled_at, created_at,
			       started_at, worker_id, retry_count, max_retries, cancel_requested,
			       last_error, processed, total
			FROM jobs
			WHERE job_type = ANY($1)
			  AND status = 'pending'
			  AND scheduled_at <= now()
			  AND cancel_requested = false
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, jobTypes)
		j, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNoJob
			}
			return fmt.Errorf("dequeue: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE jobs SET status = 'running', started_at = now(), worker_id = $2
			WHERE id = $1`, j.ID, workerID); err != nil {
			return fmt.Errorf("claim job %s: %w", j.ID, err)
		}
		j.Status = StatusRunning
		j.WorkerID = workerID
		job = &j
		return nil
	})
	if errors.Is(err, ErrNoJob) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks a job as finished successfully.
func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `UPDATE jobs SET status = 'completed' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failure; if the job has retries remaining it is
// rescheduled with exponential backoff + jitter, otherwise it is marked
// terminally failed (§4.7 "Retry").
func (q *Queue) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	return db.RunInTx(ctx, q.pool, func(ctx context.Context, tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT retry_count, max_retries FROM jobs WHERE id = $1 FOR UPDATE`, id)
		var retryCount, maxRetries int
		if err := row.Scan(&retryCount, &maxRetries); err != nil {
			return fmt.Errorf("load retry state for job %s: %w", id, err)
		}

		message := ""
		if cause != nil {
			message = cause.Error()
		}

		if retryCount >= maxRetries {
			_, err := tx.Exec(ctx, `UPDATE jobs SET status = 'failed', last_error = $2 WHERE id = $1`, id, message)
			return err
		}

		delay := jitter(q.retry.Delay(retryCount), 0.2)
		_, err := tx.Exec(ctx, `
			UPDATE jobs
			SET status = 'pending', scheduled_at = now() + $2::interval, retry_count = retry_count + 1, last_error = $3
			WHERE id = $1`, id, delay.String(), message)
		return err
	})
}

// Retry forcibly reschedules a job after delay, independent of the normal
// failure path.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', scheduled_at = now() + $2::interval WHERE id = $1`,
		id, delay.String())
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	return nil
}

// Cancel requests cancellation; a pending job is skipped by the next
// Dequeue, a running job must observe CancelRequested itself.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) error {
	_, err := q.pool.Exec(ctx, `UPDATE jobs SET cancel_requested = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", id, err)
	}
	return nil
}

// Progress records incremental progress for long-running jobs.
func (q *Queue) Progress(ctx context.Context, id uuid.UUID, processed, total int) error {
	_, err := q.pool.Exec(ctx, `UPDATE jobs SET processed = $2, total = $3 WHERE id = $1`, id, processed, total)
	if err != nil {
		return fmt.Errorf("update progress for job %s: %w", id, err)
	}
	return nil
}

// CancelRequested reports whether id's cancel flag has been set, so a
// running handler can check it between units of work.
func (q *Queue) CancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var cancelled bool
	err := q.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, id).Scan(&cancelled)
	if err != nil {
		return false, fmt.Errorf("check cancel flag for job %s: %w", id, err)
	}
	return cancelled, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Type, &j.Params, &j.Priority, &j.Status, &j.ScheduledAt, &j.CreatedAt,
		&j.StartedAt, &j.WorkerID, &j.RetryCount, &j.MaxRetries, &j.CancelRequested,
		&j.LastError, &j.Processed, &j.Total)
	return j, err
}

// jitter applies +/- ratio randomness to a base delay (§4.8 "reconnect_delay
// ± jitter_ratio").
func jitter(base time.Duration, ratio float64) time.Duration {
	if ratio <= 0 {
		return base
	}
	delta := float64(base) * ratio
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}
