//go:build integration

package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skiplock/skiplock/internal/queue"
	"github.com/skiplock/skiplock/internal/testutil"
)

// waitFor polls cond until it reports true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWorkerProcessesJobs(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var processed atomic.Int32
	r := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, r.Register("count", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			processed.Add(1)
			return nil
		})))

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := store.Enqueue(ctx, "count", nil, time.Now(), queue.EnqueueOpts{})
		testutil.NoError(t, err)
		ids = append(ids, id)
	}

	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 2, PollInterval: 50 * time.Millisecond}, nil)
	waitFor(t, 10*time.Second, func() bool { return processed.Load() == 5 })
	cancel()
	workers.Wait()

	for _, id := range ids {
		testutil.Equal(t, queue.StatusCompleted, getJob(t, store, id).Status)
	}
}

func TestWorkerExactlyOnceUnderContention(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const jobCount = 20

	var mu sync.Mutex
	executions := make(map[string]int)

	r := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, r.Register("once", func(_ context.Context, jobID string, _ json.RawMessage) error {
		mu.Lock()
		executions[jobID]++
		mu.Unlock()
		return nil
	}))

	for i := 0; i < jobCount; i++ {
		_, err := store.Enqueue(ctx, "once", nil, time.Now(), queue.EnqueueOpts{})
		testutil.NoError(t, err)
	}

	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 4, PollInterval: 25 * time.Millisecond}, nil)
	waitFor(t, 15*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(executions) == jobCount
	})
	cancel()
	workers.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, n := range executions {
		testutil.Equal(t, 1, n)
	}
}

func TestWorkerPanicFailsJobNotWorker(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var survived atomic.Bool
	r := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, r.Register("panics", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			panic("intentional panic for testing")
		})))
	testutil.NoError(t, r.Register("after", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			survived.Store(true)
			return nil
		})))

	panicID, err := store.Enqueue(ctx, "panics", map[string]any{"user_id": 1}, time.Now(), queue.EnqueueOpts{})
	testutil.NoError(t, err)

	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 1, PollInterval: 25 * time.Millisecond}, nil)
	waitFor(t, 10*time.Second, func() bool {
		return getJob(t, store, panicID).Status == queue.StatusFailed
	})

	// The same single worker must still be alive to take the next job.
	afterID, err := store.Enqueue(ctx, "after", nil, time.Now(), queue.EnqueueOpts{})
	testutil.NoError(t, err)
	waitFor(t, 10*time.Second, func() bool { return survived.Load() })
	cancel()
	workers.Wait()

	failed := getJob(t, store, panicID)
	testutil.Equal(t, queue.StatusFailed, failed.Status)
	testutil.Contains(t, string(failed.Data), "intentional panic for testing")
	testutil.Equal(t, queue.StatusCompleted, getJob(t, store, afterID).Status)
}

func TestWorkerMissingHandlerLeavesProcessing(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := queue.NewRegistry(testutil.DiscardLogger())

	id, err := store.Enqueue(ctx, "unregistered", nil, time.Now(), queue.EnqueueOpts{})
	testutil.NoError(t, err)

	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 1, PollInterval: 25 * time.Millisecond}, nil)
	waitFor(t, 10*time.Second, func() bool {
		return getJob(t, store, id).Status == queue.StatusProcessing
	})
	cancel()
	workers.Wait()

	// The orphan stays visible in processing until a requeue sweep.
	testutil.Equal(t, queue.StatusProcessing, getJob(t, store, id).Status)
	n, err := store.Requeue(ctx, 0)
	testutil.NoError(t, err)
	testutil.Equal(t, int64(1), n)
	testutil.Equal(t, queue.StatusQueued, getJob(t, store, id).Status)
}

func TestWorkerFailedHandlerRecordsError(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, r.Register("flaky", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			return errors.New("upstream timed out")
		})))

	id, err := store.Enqueue(ctx, "flaky", map[string]any{"attempt": 1}, time.Now(), queue.EnqueueOpts{})
	testutil.NoError(t, err)

	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 1, PollInterval: 25 * time.Millisecond}, nil)
	waitFor(t, 10*time.Second, func() bool {
		return getJob(t, store, id).Status == queue.StatusFailed
	})
	cancel()
	workers.Wait()

	testutil.Contains(t, string(getJob(t, store, id).Data), "upstream timed out")
}

func TestWorkerPeriodicJobRequeues(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32
	r := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, r.Register("tick", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			runs.Add(1)
			return nil
		})))

	interval := 50 * time.Millisecond
	id, err := store.Enqueue(ctx, "tick", nil, time.Now(), queue.EnqueueOpts{Interval: &interval})
	testutil.NoError(t, err)

	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 1, PollInterval: 25 * time.Millisecond}, nil)
	waitFor(t, 15*time.Second, func() bool { return runs.Load() >= 3 })
	cancel()
	workers.Wait()

	job := getJob(t, store, id)
	testutil.True(t, job.Status == queue.StatusQueued || job.Status == queue.StatusProcessing,
		"periodic job should never reach a terminal status, got %s", job.Status)
	testutil.NotNil(t, job.Interval)
	testutil.Equal(t, int64(50), *job.Interval)
}

func TestWorkerTagRouting(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var emails, generics atomic.Int32
	emailReg := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, emailReg.Register("notify", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			emails.Add(1)
			return nil
		})))
	genericReg := queue.NewRegistry(testutil.DiscardLogger())
	testutil.NoError(t, genericReg.Register("notify", queue.NewHandler(
		func(_ context.Context, _ struct{}) error {
			generics.Add(1)
			return nil
		})))

	taggedID, err := store.Enqueue(ctx, "notify", nil, time.Now(),
		queue.EnqueueOpts{Tags: []string{"email"}})
	testutil.NoError(t, err)
	plainID, err := store.Enqueue(ctx, "notify", nil, time.Now(), queue.EnqueueOpts{})
	testutil.NoError(t, err)

	opts := queue.RunOpts{NumWorkers: 1, PollInterval: 25 * time.Millisecond}
	emailWorkers := emailReg.Run(ctx, store, opts, []string{"email"})
	genericWorkers := genericReg.Run(ctx, store, opts, nil)

	waitFor(t, 10*time.Second, func() bool {
		return emails.Load() == 1 && generics.Load() == 1
	})
	cancel()
	emailWorkers.Wait()
	genericWorkers.Wait()

	testutil.Equal(t, queue.StatusCompleted, getJob(t, store, taggedID).Status)
	testutil.Equal(t, queue.StatusCompleted, getJob(t, store, plainID).Status)
}

func TestWorkerStopsPromptlyOnCancel(t *testing.T) {
	store := setupStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	r := queue.NewRegistry(testutil.DiscardLogger())
	workers := r.Run(ctx, store, queue.RunOpts{NumWorkers: 3, PollInterval: 10 * time.Second}, nil)

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	cancel()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop after cancellation")
	}
	testutil.True(t, time.Since(start) < 2*time.Second, "shutdown should not wait out the poll interval")
}
