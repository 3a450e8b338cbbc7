package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

func newTestTracker(t *testing.T, policies ...Policy) (*Tracker, *store.MemoryStore) {
	t.Helper()
	if len(policies) == 0 {
		policies = []Policy{testPolicy()}
	}
	st := store.NewMemoryStore()
	tracker, err := NewTracker(logger.NewNop(), st, policies)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tracker, st
}

func TestTrackerSubmitPersistsBeforeQueueing(t *testing.T) {
	ctx := context.Background()
	tracker, st := newTestTracker(t)

	if err := tracker.Submit(ctx, "job1", "owner-1", "image", map[string]string{"phone": "54911"}, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	job, err := tracker.GetState(ctx, "job1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if job.Status != types.JobStatusQueued {
		t.Fatalf("status: want=%s got=%s", types.JobStatusQueued, job.Status)
	}
	if job.Owner != "owner-1" {
		t.Fatalf("owner: want=%q got=%q", "owner-1", job.Owner)
	}
	if job.Metadata["phone"] != "54911" {
		t.Fatalf("metadata: want phone=54911 got=%v", job.Metadata)
	}
	if got := st.QueueLen(pollQueueKey("image")); got != 1 {
		t.Fatalf("queue length: want=1 got=%d", got)
	}
}

func TestTrackerSubmitDefaultDelayUsesPolicy(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.InitialDelay = 20 * time.Millisecond
	tracker, st := newTestTracker(t, policy)

	if err := tracker.Submit(ctx, "job1", "owner-1", "image", nil, -1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := st.QueueLen(pollQueueKey("image")); got != 0 {
		t.Fatalf("queued before initial delay: want=0 got=%d", got)
	}
	waitFor(t, 2*time.Second, func() bool {
		return st.QueueLen(pollQueueKey("image")) == 1
	})
}

func TestTrackerSubmitRejectsUnknownJobType(t *testing.T) {
	tracker, _ := newTestTracker(t)
	err := tracker.Submit(context.Background(), "job1", "owner-1", "hologram", nil, 0)
	if err == nil {
		t.Fatalf("Submit with unknown type: expected error, got nil")
	}
}

func TestTrackerIncrementAttemptIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t)
	if err := tracker.Submit(ctx, "job1", "owner-1", "image", nil, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for want := int64(1); want <= 4; want++ {
		n, err := tracker.IncrementAttempt(ctx, "job1")
		if err != nil {
			t.Fatalf("IncrementAttempt: %v", err)
		}
		if n != want {
			t.Fatalf("attempt: want=%d got=%d", want, n)
		}
	}
}

func TestTrackerCompleteDeletesTransientKeys(t *testing.T) {
	ctx := context.Background()
	tracker, st := newTestTracker(t)
	if err := tracker.Submit(ctx, "job1", "owner-1", "image", nil, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := tracker.IncrementAttempt(ctx, "job1"); err != nil {
		t.Fatalf("IncrementAttempt: %v", err)
	}
	job, err := tracker.GetState(ctx, "job1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	job.Attempts = 1
	// Completion runs while the caller holds the job lock; the lock itself
	// is released by the caller with its token, not deleted here.
	if err := st.Set(ctx, jobLockKey("job1"), "holder-token", time.Minute); err != nil {
		t.Fatalf("Set joblock: %v", err)
	}

	if err := tracker.Complete(ctx, job, types.JobStatusCompleted, "", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	for _, key := range []string{jobKey("job1"), attemptsKey("job1"), pollErrKey("job1")} {
		if _, err := st.Get(ctx, key); !errors.Is(err, errs.ErrNotFound) {
			t.Fatalf("key %s after Complete: want=ErrNotFound got=%v", key, err)
		}
	}
	if v, err := st.Get(ctx, jobLockKey("job1")); err != nil || v != "holder-token" {
		t.Fatalf("joblock after Complete: want=%q got=%q err=%v", "holder-token", v, err)
	}
	rec, err := tracker.Completion(ctx, "job1")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if rec.Status != types.JobStatusCompleted || rec.Attempts != 1 {
		t.Fatalf("completion record: got status=%s attempts=%d", rec.Status, rec.Attempts)
	}
}

func TestTrackerCompleteRejectsNonTerminalStatus(t *testing.T) {
	tracker, _ := newTestTracker(t)
	job := &types.AsyncJob{JobID: "job1", JobType: "image", Owner: "owner-1"}
	if err := tracker.Complete(context.Background(), job, types.JobStatusPolling, "", nil); err == nil {
		t.Fatalf("Complete with non-terminal status: expected error, got nil")
	}
}

func TestTrackerInspectFallsBackToCompletionRecord(t *testing.T) {
	ctx := context.Background()
	tracker, _ := newTestTracker(t)
	if err := tracker.Submit(ctx, "job1", "owner-1", "image", nil, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	live, err := tracker.Inspect(ctx, "job1")
	if err != nil {
		t.Fatalf("Inspect live: %v", err)
	}
	if live.Status != types.JobStatusQueued {
		t.Fatalf("live status: want=%s got=%s", types.JobStatusQueued, live.Status)
	}

	job, _ := tracker.GetState(ctx, "job1")
	if err := tracker.Complete(ctx, job, types.JobStatusFailed, "remote rejected", nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	done, err := tracker.Inspect(ctx, "job1")
	if err != nil {
		t.Fatalf("Inspect finished: %v", err)
	}
	if done.Status != types.JobStatusFailed {
		t.Fatalf("finished status: want=%s got=%s", types.JobStatusFailed, done.Status)
	}

	if _, err := tracker.Inspect(ctx, "never-existed"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("Inspect unknown job: want=ErrNotFound got=%v", err)
	}
}
