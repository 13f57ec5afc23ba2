package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunOpts holds runtime parameters for the worker pool.
type RunOpts struct {
	NumWorkers   int
	PollInterval time.Duration
}

// DefaultRunOpts returns production defaults.
func DefaultRunOpts() RunOpts {
	return RunOpts{
		NumWorkers:   2,
		PollInterval: 1 * time.Second,
	}
}

// Workers is the handle set returned by Run. Wait blocks until every worker
// goroutine has observed cancellation and exited.
type Workers struct {
	wg sync.WaitGroup
}

// Wait blocks until all workers have stopped.
func (w *Workers) Wait() {
	w.wg.Wait()
}

// Run spawns opts.NumWorkers long-lived worker goroutines sharing ctx as
// their cancellation signal and tags as their routing filter. The registry's
// handler map is snapshotted here, so registration must be finished first.
//
// A job whose name has no registered handler is logged and left in
// processing; the Requeue sweep returns it to the queue. This keeps a
// deployment that forgot to register a handler visible instead of burying it
// as a job failure.
func (r *Registry) Run(ctx context.Context, store *Store, opts RunOpts, tags []string) *Workers {
	handlers := r.snapshot()

	workers := &Workers{}
	for i := 0; i < opts.NumWorkers; i++ {
		workers.wg.Add(1)
		logger := r.logger.With("worker_id", i)
		go func() {
			defer workers.wg.Done()
			runWorker(ctx, store, handlers, tags, opts.PollInterval, logger)
		}()
	}
	r.logger.Info("job workers started",
		"workers", opts.NumWorkers, "poll_interval", opts.PollInterval, "tags", tags)
	return workers
}

func runWorker(ctx context.Context, store *Store, handlers map[string]Handler, tags []string, pollInterval time.Duration, logger *slog.Logger) {
	for {
		if ctx.Err() != nil {
			logger.Debug("cancellation received, stopping worker")
			return
		}

		job, err := store.Dequeue(ctx, tags)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Database trouble is not fatal to the worker; treat as no job
			// and retry after the poll interval.
			logger.Error("failed to fetch job from queue", "error", err)
			job = nil
		}

		if job != nil {
			processJob(ctx, store, handlers, job, logger)
			// Claim again immediately so a backlog drains at full speed.
			continue
		}

		// Idle: sleep one poll interval, aborting promptly on cancellation.
		if !sleepInterruptibly(ctx, pollInterval) {
			logger.Debug("cancellation received during sleep, stopping worker")
			return
		}
	}
}

func processJob(ctx context.Context, store *Store, handlers map[string]Handler, job *Job, logger *slog.Logger) {
	logger.Debug("processing job", "job_id", job.ID, "job_name", job.Name)

	handler, ok := handlers[job.Name]
	if !ok {
		logger.Error("no handler registered for job", "job_name", job.Name, "job_id", job.ID)
		return
	}

	// Once the claim is committed the job must reach a terminal transition
	// even if shutdown starts mid-handler, so the handler and the recording
	// calls run on a cancellation-free context.
	jobCtx := context.WithoutCancel(ctx)

	if err := handler(jobCtx, job.ID, job.Data); err != nil {
		if failErr := store.Fail(jobCtx, job.ID, err); failErr != nil {
			logger.Error("failed to mark job as failed",
				"job_id", job.ID, "job_name", job.Name, "error", failErr)
		} else {
			logger.Debug("job execution failed", "job_id", job.ID, "error", err)
		}
		return
	}

	if err := store.Complete(jobCtx, job.ID, job.Interval); err != nil {
		logger.Error("failed to mark job as completed",
			"job_id", job.ID, "job_name", job.Name, "error", err)
	} else {
		logger.Debug("job completed", "job_id", job.ID)
	}
}

// sleepInterruptibly waits for d or for cancellation, whichever comes first.
// Cancellation wins ties. Reports false when the sleep was aborted.
func sleepInterruptibly(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
