package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gatekit-chat/gatekit-server/internal/message"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts, nil, zerolog.Nop()), mr
}

func testJobData() message.JobData {
	return message.JobData{
		ProjectID:   uuid.New(),
		ProjectSlug: "acme",
		Request: message.SendRequest{
			Targets: []message.Target{{PlatformID: uuid.New(), Type: message.TargetChannel, ID: "C1"}},
			Content: message.Content{Text: "hello"},
		},
	}
}

func TestAddAndGetJob(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	id, err := q.Add(ctx, testJobData())
	if err != nil {
		t.Fatal(err)
	}
	if id != "1" {
		t.Fatalf("first job id = %q, want 1", id)
	}

	job, err := q.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateWaiting || job.AttemptsMade != 0 || job.MaxAttempts != 3 {
		t.Fatalf("job = %+v", job)
	}
	if job.Data.ProjectSlug != "acme" || job.Data.Request.Content.Text != "hello" {
		t.Fatalf("data = %+v", job.Data)
	}

	// Ids are monotonic.
	id2, _ := q.Add(ctx, testJobData())
	if id2 != "2" {
		t.Fatalf("second job id = %q, want 2", id2)
	}

	if _, err := q.GetJob(ctx, "999"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestNextActivatesAndCountsAttempt(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id, _ := q.Add(ctx, testJobData())

	job, err := q.next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != id {
		t.Fatalf("next = %+v", job)
	}
	if job.State != StateActive || job.AttemptsMade != 1 || job.ProcessedOn == nil {
		t.Fatalf("job = %+v", job)
	}

	// Queue drained.
	empty, err := q.next(ctx)
	if err != nil || empty != nil {
		t.Fatalf("next on empty = %+v, %v", empty, err)
	}
}

func TestCompleteLifecycle(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id, _ := q.Add(ctx, testJobData())
	_, _ = q.next(ctx)

	if err := q.Complete(ctx, id); err != nil {
		t.Fatal(err)
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if job.State != StateCompleted || job.FinishedOn == nil || job.Progress != 100 {
		t.Fatalf("job = %+v", job)
	}

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Completed != 1 || counts.Active != 0 || counts.Total != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestFailRetryableUsesExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	q, mr := newTestQueue(t, Options{MaxAttempts: 3, BackoffBase: base})
	ctx := context.Background()
	id, _ := q.Add(ctx, testJobData())

	// Attempt 1 fails: delayed by base.
	before := time.Now()
	_, _ = q.next(ctx)
	if err := q.Fail(ctx, id, "timeout", true); err != nil {
		t.Fatal(err)
	}
	job, _ := q.GetJob(ctx, id)
	if job.State != StateDelayed {
		t.Fatalf("state = %q, want delayed", job.State)
	}
	score, err := mr.ZScore(keyDelayed, id)
	if err != nil {
		t.Fatal(err)
	}
	delay := time.UnixMilli(int64(score)).Sub(before)
	if delay < base/2 || delay > 2*base {
		t.Fatalf("attempt 1 delay = %v, want ~%v", delay, base)
	}

	// Backoff not yet elapsed: nothing to promote.
	if err := q.promoteDelayed(ctx); err != nil {
		t.Fatal(err)
	}
	if job, _ := q.next(ctx); job != nil {
		t.Fatalf("job promoted before its backoff elapsed: %+v", job)
	}

	// Promote after the backoff, attempt 2 fails: delayed by 2x base.
	time.Sleep(base + 50*time.Millisecond)
	if err := q.promoteDelayed(ctx); err != nil {
		t.Fatal(err)
	}
	before = time.Now()
	if job, _ := q.next(ctx); job == nil || job.AttemptsMade != 2 {
		t.Fatalf("after promote, job = %+v", job)
	}
	_ = q.Fail(ctx, id, "timeout", true)
	score, _ = mr.ZScore(keyDelayed, id)
	delay = time.UnixMilli(int64(score)).Sub(before)
	if delay < base || delay > 4*base {
		t.Fatalf("attempt 2 delay = %v, want ~%v", delay, 2*base)
	}

	// Attempt 3 fails: attempts exhausted, job lands in failed.
	time.Sleep(2*base + 50*time.Millisecond)
	_ = q.promoteDelayed(ctx)
	_, _ = q.next(ctx)
	_ = q.Fail(ctx, id, "timeout", true)

	job, _ = q.GetJob(ctx, id)
	if job.State != StateFailed || job.FailedReason != "timeout" {
		t.Fatalf("job = %+v", job)
	}
}

func TestFailNonRetryableSkipsBackoff(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()
	id, _ := q.Add(ctx, testJobData())
	_, _ = q.next(ctx)

	if err := q.Fail(ctx, id, "unauthorized", false); err != nil {
		t.Fatal(err)
	}
	job, _ := q.GetJob(ctx, id)
	if job.State != StateFailed || job.AttemptsMade != 1 {
		t.Fatalf("non-retryable failure should fail immediately, job = %+v", job)
	}
}

func TestRetryOnlyFromFailed(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id, _ := q.Add(ctx, testJobData())

	if err := q.Retry(ctx, id); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("waiting job retry = %v, want ErrNotRetryable", err)
	}

	_, _ = q.next(ctx)
	_ = q.Fail(ctx, id, "boom", false)

	if err := q.Retry(ctx, id); err != nil {
		t.Fatal(err)
	}
	job, _ := q.GetJob(ctx, id)
	if job.State != StateWaiting || job.AttemptsMade != 0 || job.FailedReason != "" {
		t.Fatalf("retried job = %+v", job)
	}

	counts, _ := q.Counts(ctx)
	if counts.Failed != 0 || counts.Waiting != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestClean(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id, _ := q.Add(ctx, testJobData())
		_, _ = q.next(ctx)
		if i == 0 {
			_ = q.Fail(ctx, id, "x", false)
		} else {
			_ = q.Complete(ctx, id)
		}
	}

	removed, err := q.Clean(ctx, StateCompleted)
	if err != nil || removed != 2 {
		t.Fatalf("clean completed = %d, %v", removed, err)
	}
	removed, err = q.Clean(ctx, StateFailed)
	if err != nil || removed != 1 {
		t.Fatalf("clean failed = %d, %v", removed, err)
	}
	if _, err := q.Clean(ctx, StateActive); err == nil {
		t.Fatal("cleaning active should be rejected")
	}

	counts, _ := q.Counts(ctx)
	if counts.Total != 0 {
		t.Fatalf("counts after clean = %+v", counts)
	}
}

func TestWorkerProcessesJobs(t *testing.T) {
	q, _ := newTestQueue(t, Options{BackoffBase: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan string, 1)
	handler := func(_ context.Context, job *Job) error {
		done <- job.ID
		return nil
	}
	w := NewWorker(q, handler, nil, 2, time.Second, zerolog.Nop())
	go func() { _ = w.Run(ctx) }()

	id, _ := q.Add(ctx, testJobData())
	select {
	case got := <-done:
		if got != id {
			t.Fatalf("processed %q, want %q", got, id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not process the job in time")
	}

	// Wait for the completion write to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		job, err := q.GetJob(ctx, id)
		if err == nil && job.State == StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never completed: %+v, %v", job, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerFailsPermanentlyOnNonRetryable(t *testing.T) {
	q, _ := newTestQueue(t, Options{BackoffBase: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	permanent := errors.New("bad credentials")
	handler := func(_ context.Context, _ *Job) error { return permanent }
	isRetryable := func(err error) bool { return !errors.Is(err, permanent) }

	w := NewWorker(q, handler, isRetryable, 1, time.Second, zerolog.Nop())
	go func() { _ = w.Run(ctx) }()

	id, _ := q.Add(ctx, testJobData())

	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := q.GetJob(ctx, id)
		if err == nil && job.State == StateFailed {
			if job.AttemptsMade != 1 || job.FailedReason != "bad credentials" {
				t.Fatalf("job = %+v", job)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never failed: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
