package jobqueue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Handler processes one job's params synchronously.
type Handler func(ctx context.Context, job *Job) error

// InlineJobQueue runs enqueued jobs synchronously against a registered
// Handler, skipping the database entirely. It exists for deterministic
// tests of components that depend on job submission (§4.7) without
// bringing up Postgres or a worker loop.
type InlineJobQueue struct {
	handlers map[string]Handler
	jobs     []*Job
}

func NewInlineJobQueue() *InlineJobQueue {
	return &InlineJobQueue{handlers: map[string]Handler{}}
}

// Register binds a Handler to a job type; Enqueue calls it inline.
func (q *InlineJobQueue) Register(jobType string, h Handler) {
	q.handlers[jobType] = h
}

// Enqueue runs the registered handler for jobType immediately and
// returns its error, if any, rather than deferring to a worker.
func (q *InlineJobQueue) Enqueue(ctx context.Context, jobType string, params []byte, priority int, scheduledAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	job := &Job{
		ID:          id,
		Type:        jobType,
		Params:      params,
		Priority:    priority,
		Status:      StatusRunning,
		ScheduledAt: scheduledAt,
		CreatedAt:   scheduledAt,
	}
	q.jobs = append(q.jobs, job)

	h, ok := q.handlers[jobType]
	if !ok {
		job.Status = StatusFailed
		job.LastError = "jobqueue: no handler registered for " + jobType
		return id, nil
	}

	if err := h(ctx, job); err != nil {
		job.Status = StatusFailed
		job.LastError = err.Error()
		return id, err
	}
	job.Status = StatusCompleted
	return id, nil
}

// Jobs returns every job Enqueue has processed, in submission order —
// useful for asserting on side effects in tests.
func (q *InlineJobQueue) Jobs() []*Job { return q.jobs }
