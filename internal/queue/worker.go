package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// pollInterval is how long an idle worker sleeps between pops.
	pollInterval = 250 * time.Millisecond

	// maintenanceInterval paces delayed-job promotion and stall checks.
	maintenanceInterval = time.Second
)

// Handler processes one job end-to-end. A nil return completes the job; an
// error fails the attempt.
type Handler func(ctx context.Context, job *Job) error

// Worker pulls jobs from the queue on a pool of goroutines, distinct from
// the HTTP handlers. Retryability of handler errors is decided by the
// injected classifier, so the queue stays agnostic of provider error
// shapes.
type Worker struct {
	queue       *Queue
	handler     Handler
	isRetryable func(error) bool
	concurrency int
	gracePeriod time.Duration
	log         zerolog.Logger
}

// NewWorker creates a worker pool. concurrency defaults to 1; gracePeriod
// bounds how long in-flight jobs may run after shutdown begins.
func NewWorker(q *Queue, handler Handler, isRetryable func(error) bool, concurrency int, gracePeriod time.Duration, logger zerolog.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if isRetryable == nil {
		isRetryable = func(error) bool { return true }
	}
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		isRetryable: isRetryable,
		concurrency: concurrency,
		gracePeriod: gracePeriod,
		log:         logger,
	}
}

// Run polls until ctx is cancelled. In-flight jobs get the grace period to
// finish; jobs still running afterwards are failed with reason "shutdown".
func (w *Worker) Run(ctx context.Context) error {
	g, pollCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return w.maintenanceLoop(pollCtx) })
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.pollLoop(pollCtx) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return context.Canceled
	}
	return err
}

func (w *Worker) pollLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.queue.next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Warn().Err(err).Msg("Failed to pop job")
			sleep(ctx, pollInterval)
			continue
		}
		if job == nil {
			sleep(ctx, pollInterval)
			continue
		}

		w.process(ctx, job)
	}
}

// process runs one job attempt. The handler runs on a detached context so
// shutdown does not kill a half-finished fan-out mid-target; the grace
// period bounds it instead.
func (w *Worker) process(ctx context.Context, job *Job) {
	started := time.Now()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	// The grace period starts when ctx is cancelled, not when the job starts.
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(w.gracePeriod, cancel)
		<-jobCtx.Done()
		t.Stop()
	})
	defer stop()

	err := w.handler(jobCtx, job)
	elapsed := time.Since(started)
	if w.queue.m != nil {
		w.queue.m.JobDuration.Observe(elapsed.Seconds())
	}

	opCtx := context.WithoutCancel(ctx)
	if err == nil {
		if cErr := w.queue.Complete(opCtx, job.ID); cErr != nil {
			w.log.Error().Err(cErr).Str("job_id", job.ID).Msg("Failed to mark job completed")
		}
		return
	}

	reason := err.Error()
	if jobCtx.Err() != nil {
		reason = "shutdown"
	}
	if fErr := w.queue.Fail(opCtx, job.ID, reason, w.isRetryable(err) && jobCtx.Err() == nil); fErr != nil {
		w.log.Error().Err(fErr).Str("job_id", job.ID).Msg("Failed to mark job failed")
	}
}

func (w *Worker) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.queue.promoteDelayed(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn().Err(err).Msg("Failed to promote delayed jobs")
			}
			w.queue.checkStalled(ctx)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
