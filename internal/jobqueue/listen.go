package jobqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Stream yields claimed jobs as they become available. It wraps a
// dedicated LISTEN connection: each NOTIFY on one of jobTypes' channels
// triggers a drain loop that calls Dequeue until it returns ErrNoJob.
// Closed (and must be recreated by the caller/Runner) whenever the
// underlying connection drops — reconnect-with-backoff is the Runner's
// responsibility (§4.8 step 2), not the Stream's.
type Stream struct {
	queue    *Queue
	workerID string
	jobTypes []string
	jobs     chan *Job
	errs     chan error
	cancel   context.CancelFunc
}

// Listen opens a LISTEN subscription on jobTypes' channels and begins
// yielding jobs claimed under workerID on the returned Stream.
func (q *Queue) Listen(ctx context.Context, workerID string, jobTypes []string) (*Stream, error) {
	conn, err := q.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}

	for _, jt := range jobTypes {
		if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q`, channelName(jt))); err != nil {
			conn.Release()
			return nil, fmt.Errorf("listen on %s: %w", channelName(jt), err)
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		queue:    q,
		workerID: workerID,
		jobTypes: jobTypes,
		jobs:     make(chan *Job),
		errs:     make(chan error, 1),
		cancel:   cancel,
	}

	go s.run(streamCtx, conn)
	return s, nil
}

func (s *Stream) run(ctx context.Context, conn *pgxpool.Conn) {
	// Drain whatever is already pending before waiting on the socket, so
	// jobs enqueued just before Listen started are not missed.
	s.drain(ctx)

	for {
		if err := conn.Conn().WaitForNotification(ctx); err != nil {
			select {
			case s.errs <- err:
			default:
			}
			close(s.jobs)
			conn.Release()
			return
		}
		s.drain(ctx)
	}
}

func (s *Stream) drain(ctx context.Context) {
	for {
		job, err := s.queue.Dequeue(ctx, s.workerID, s.jobTypes)
		if err != nil {
			return
		}
		select {
		case s.jobs <- job:
		case <-ctx.Done():
			return
		}
	}
}

// Jobs returns the channel of claimed jobs; it closes when the stream
// disconnects.
func (s *Stream) Jobs() <-chan *Job { return s.jobs }

// Err returns the error that closed the stream, if any.
func (s *Stream) Err() <-chan error { return s.errs }

func (s *Stream) Close() { s.cancel() }
