// Package worker implements the background job runner (§4.8): a named,
// long-running loop that listens on the job queue's NOTIFY channel,
// processes jobs serially, reconnects with jittered exponential backoff
// when the listen stream drops, and honors a shutdown signal between
// jobs. Grounded on the teacher's cmd/ehr-server/main.go signal-handling
// idiom (os/signal + context timeout) generalized from a one-shot HTTP
// shutdown into a reusable per-worker loop, since the teacher has no
// background worker of its own.
package worker

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/fhirserver/internal/jobqueue"
)

// ProcessFunc handles one claimed job. A returned error marks the job
// failed and lets the queue apply its retry policy; nil marks it
// complete.
type ProcessFunc func(ctx context.Context, job *jobqueue.Job) error

// Runner is a named worker bound to a set of job types.
type Runner struct {
	Name     string
	JobTypes []string
	Process  ProcessFunc

	// ReconnectInitial/ReconnectMax/JitterRatio control the backoff
	// applied between failed Listen attempts (§4.8 step 2). Zero values
	// fall back to the defaults New sets (1s, 30s, 0.2) in Run.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	JitterRatio      float64

	queue *jobqueue.Queue
	log   zerolog.Logger
}

// New builds a Runner that claims jobs of jobTypes from queue.
func New(name string, jobTypes []string, queue *jobqueue.Queue, process ProcessFunc, log zerolog.Logger) *Runner {
	return &Runner{
		Name:             name,
		JobTypes:         jobTypes,
		Process:          process,
		ReconnectInitial: time.Second,
		ReconnectMax:     30 * time.Second,
		JitterRatio:      0.2,
		queue:            queue,
		log:              log.With().Str("component", "worker").Str("worker", name).Logger(),
	}
}

// Run blocks until ctx is cancelled, processing jobs as they are
// claimed. On cancellation, Run returns only after the current job's
// Process call has returned; Process receives ctx, so a job that checks
// its context can stop early.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Strs("job_types", r.JobTypes).Msg("worker starting")

	if r.ReconnectInitial <= 0 {
		r.ReconnectInitial = time.Second
	}
	if r.ReconnectMax <= 0 {
		r.ReconnectMax = 30 * time.Second
	}
	if r.JitterRatio <= 0 {
		r.JitterRatio = 0.2
	}
	delay := r.ReconnectInitial
	for {
		if ctx.Err() != nil {
			r.log.Info().Msg("worker stopping")
			return nil
		}

		stream, err := r.queue.Listen(ctx, r.Name, r.JobTypes)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Dur("retry_in", delay).Msg("listen failed, backing off")
			if !r.sleep(ctx, jitter(delay, r.JitterRatio)) {
				return nil
			}
			delay = nextDelay(delay, r.ReconnectMax)
			continue
		}

		delay = r.ReconnectInitial
		stopped := r.drainStream(ctx, stream)
		stream.Close()
		if stopped {
			return nil
		}
		// Stream closed on its own (connection dropped) — loop and
		// reconnect with backoff starting from ReconnectInitial again.
	}
}

// drainStream consumes jobs from stream until ctx is cancelled or the
// stream closes. It returns true if the runner should stop entirely.
func (r *Runner) drainStream(ctx context.Context, stream *jobqueue.Stream) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case job, ok := <-stream.Jobs():
			if !ok {
				select {
				case err := <-stream.Err():
					r.log.Warn().Err(err).Msg("listen stream disconnected")
				default:
				}
				return false
			}
			r.runJob(ctx, job)
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job *jobqueue.Job) {
	log := r.log.With().Str("job_id", job.ID.String()).Str("job_type", job.Type).Logger()
	log.Debug().Msg("processing job")

	err := r.Process(ctx, job)
	if err != nil {
		log.Warn().Err(err).Msg("job failed")
		if failErr := r.queue.Fail(context.Background(), job.ID, err); failErr != nil {
			log.Error().Err(failErr).Msg("failed to record job failure")
		}
		return
	}
	if completeErr := r.queue.Complete(context.Background(), job.ID); completeErr != nil {
		log.Error().Err(completeErr).Msg("failed to mark job complete")
	}
}

// sleep waits for d or ctx cancellation, returning false if ctx was
// cancelled first.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// jitter applies +/- ratio randomness to base; a local copy of
// jobqueue's unexported helper since reconnect backoff is a worker
// concern, not a queue one.
func jitter(base time.Duration, ratio float64) time.Duration {
	if ratio <= 0 {
		return base
	}
	delta := float64(base) * ratio
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}
