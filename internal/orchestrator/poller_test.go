package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

func testPolicy() Policy {
	return Policy{
		JobType:       "image",
		Timeout:       time.Minute,
		MaxAttempts:   5,
		InitialDelay:  0,
		LockTTL:       time.Minute,
		Schedule:      []ScheduleStep{{After: 0, Delay: 5 * time.Millisecond}},
		RetryBase:     time.Millisecond,
		RetryCap:      5 * time.Millisecond,
		MaxPollErrors: 2,
	}
}

// scriptedCheck returns its results in order, repeating the last one.
type scriptedCheck struct {
	mu      sync.Mutex
	results []StatusResult
	errs    []error
	calls   int
}

func (c *scriptedCheck) check(ctx context.Context, jobID string) (StatusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.results) {
		i = len(c.results) - 1
	}
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	return c.results[i], err
}

func (c *scriptedCheck) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type recordingDispatcher struct {
	mu        sync.Mutex
	successes []string
	failures  []string
	reasons   []string
	payloads  []json.RawMessage
}

func (d *recordingDispatcher) OnSuccess(ctx context.Context, job *types.AsyncJob, payload json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successes = append(d.successes, job.JobID)
	d.payloads = append(d.payloads, payload)
}

func (d *recordingDispatcher) OnFailure(ctx context.Context, job *types.AsyncJob, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, job.JobID)
	d.reasons = append(d.reasons, reason)
}

func (d *recordingDispatcher) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.successes), len(d.failures)
}

type pollerFixture struct {
	store      *store.MemoryStore
	tracker    *Tracker
	locker     *Locker
	poller     *Poller
	check      *scriptedCheck
	dispatcher *recordingDispatcher
}

func newPollerFixture(t *testing.T, policy Policy, check *scriptedCheck) *pollerFixture {
	t.Helper()
	st := store.NewMemoryStore()
	log := logger.NewNop()
	tracker, err := NewTracker(log, st, []Policy{policy})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	locker, err := NewLocker(log, st)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	dispatcher := &recordingDispatcher{}
	poller, err := NewPoller(log, st, tracker, locker, policy, check.check, dispatcher)
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return &pollerFixture{
		store:      st,
		tracker:    tracker,
		locker:     locker,
		poller:     poller,
		check:      check,
		dispatcher: dispatcher,
	}
}

func (f *pollerFixture) submit(t *testing.T, jobID string) {
	t.Helper()
	if err := f.tracker.Submit(context.Background(), jobID, "owner-1", f.poller.policy.JobType, nil, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestPollerCompletesJobExactlyOnce(t *testing.T) {
	ctx := context.Background()
	check := &scriptedCheck{results: []StatusResult{
		{Status: StatusProcessing},
		{Status: StatusProcessing},
		{Status: StatusCompleted, Payload: json.RawMessage(`{"output_url":"https://cdn/img.png"}`)},
	}}
	f := newPollerFixture(t, testPolicy(), check)
	f.submit(t, "job1")

	for i := 0; i < 3; i++ {
		f.poller.handle(ctx, "job1")
	}

	succ, fail := f.dispatcher.counts()
	if succ != 1 || fail != 0 {
		t.Fatalf("dispatch counts: want success=1 failure=0, got success=%d failure=%d", succ, fail)
	}
	if string(f.dispatcher.payloads[0]) != `{"output_url":"https://cdn/img.png"}` {
		t.Fatalf("payload: got=%s", f.dispatcher.payloads[0])
	}

	if _, err := f.tracker.GetState(ctx, "job1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("live record after completion: want=ErrNotFound got=%v", err)
	}
	rec, err := f.tracker.Completion(ctx, "job1")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if rec.Status != types.JobStatusCompleted {
		t.Fatalf("completion status: want=%s got=%s", types.JobStatusCompleted, rec.Status)
	}
	if rec.Attempts != 3 {
		t.Fatalf("completion attempts: want=3 got=%d", rec.Attempts)
	}

	// A stale queue entry for the finished job is dropped silently.
	f.poller.handle(ctx, "job1")
	succ, fail = f.dispatcher.counts()
	if succ != 1 || fail != 0 {
		t.Fatalf("handler fired again on finished job: success=%d failure=%d", succ, fail)
	}
}

func TestPollerTimesOutOverdueJob(t *testing.T) {
	ctx := context.Background()
	check := &scriptedCheck{results: []StatusResult{{Status: StatusProcessing}}}
	f := newPollerFixture(t, testPolicy(), check)
	f.submit(t, "job1")

	job, err := f.tracker.GetState(ctx, "job1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	job.StartedAt = time.Now().Add(-2 * f.poller.policy.Timeout)
	if err := f.tracker.saveState(ctx, job, time.Minute); err != nil {
		t.Fatalf("saveState: %v", err)
	}

	f.poller.handle(ctx, "job1")

	if got := check.callCount(); got != 0 {
		t.Fatalf("status checks on overdue job: want=0 got=%d", got)
	}
	succ, fail := f.dispatcher.counts()
	if succ != 0 || fail != 1 {
		t.Fatalf("dispatch counts: want failure=1, got success=%d failure=%d", succ, fail)
	}
	rec, err := f.tracker.Completion(ctx, "job1")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if rec.Status != types.JobStatusTimedOut {
		t.Fatalf("completion status: want=%s got=%s", types.JobStatusTimedOut, rec.Status)
	}
}

func TestPollerStopsAtMaxAttempts(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.MaxAttempts = 2
	check := &scriptedCheck{results: []StatusResult{{Status: StatusProcessing}}}
	f := newPollerFixture(t, policy, check)
	f.submit(t, "job1")

	for i := 0; i < 3; i++ {
		f.poller.handle(ctx, "job1")
	}

	// Attempt 3 exceeds the budget before the remote is consulted.
	if got := check.callCount(); got != 2 {
		t.Fatalf("status checks: want=2 got=%d", got)
	}
	succ, fail := f.dispatcher.counts()
	if succ != 0 || fail != 1 {
		t.Fatalf("dispatch counts: want failure=1, got success=%d failure=%d", succ, fail)
	}
	if !strings.Contains(f.dispatcher.reasons[0], "max poll attempts") {
		t.Fatalf("failure reason: got=%q", f.dispatcher.reasons[0])
	}
	rec, err := f.tracker.Completion(ctx, "job1")
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if rec.Status != types.JobStatusFailed {
		t.Fatalf("completion status: want=%s got=%s", types.JobStatusFailed, rec.Status)
	}
}

func TestPollerReportsRemoteFailure(t *testing.T) {
	ctx := context.Background()
	check := &scriptedCheck{results: []StatusResult{
		{Status: StatusFailed, Reason: "nsfw content rejected"},
	}}
	f := newPollerFixture(t, testPolicy(), check)
	f.submit(t, "job1")

	f.poller.handle(ctx, "job1")

	succ, fail := f.dispatcher.counts()
	if succ != 0 || fail != 1 {
		t.Fatalf("dispatch counts: want failure=1, got success=%d failure=%d", succ, fail)
	}
	if f.dispatcher.reasons[0] != "nsfw content rejected" {
		t.Fatalf("failure reason: want=%q got=%q", "nsfw content rejected", f.dispatcher.reasons[0])
	}
}

func TestPollerEscalatesAfterRepeatedPollErrors(t *testing.T) {
	ctx := context.Background()
	check := &scriptedCheck{
		results: []StatusResult{{}},
		errs:    []error{fmt.Errorf("connection refused")},
	}
	f := newPollerFixture(t, testPolicy(), check)
	f.submit(t, "job1")

	// MaxPollErrors is 2: two transient rounds back off, the third escalates.
	for i := 0; i < 3; i++ {
		f.poller.handle(ctx, "job1")
	}

	succ, fail := f.dispatcher.counts()
	if succ != 0 || fail != 1 {
		t.Fatalf("dispatch counts: want failure=1, got success=%d failure=%d", succ, fail)
	}
	if !strings.Contains(f.dispatcher.reasons[0], "status check failing") {
		t.Fatalf("failure reason: got=%q", f.dispatcher.reasons[0])
	}
}

func TestPollerSkipsLockedJob(t *testing.T) {
	ctx := context.Background()
	check := &scriptedCheck{results: []StatusResult{{Status: StatusProcessing}}}
	f := newPollerFixture(t, testPolicy(), check)
	f.submit(t, "job1")

	// Another worker owns the job right now.
	if _, ok, _ := f.locker.Acquire(ctx, jobLockKey("job1"), time.Minute); !ok {
		t.Fatalf("setup Acquire: want=true got=false")
	}

	f.poller.handle(ctx, "job1")

	if got := check.callCount(); got != 0 {
		t.Fatalf("status checks while locked: want=0 got=%d", got)
	}
	job, err := f.tracker.GetState(ctx, "job1")
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if job.Status != types.JobStatusQueued {
		t.Fatalf("status: want=%s got=%s", types.JobStatusQueued, job.Status)
	}
}

func TestPollerReleasesLockAfterNonTerminalRound(t *testing.T) {
	ctx := context.Background()
	check := &scriptedCheck{results: []StatusResult{{Status: StatusProcessing}}}
	f := newPollerFixture(t, testPolicy(), check)
	f.submit(t, "job1")

	f.poller.handle(ctx, "job1")

	held, err := f.locker.IsHeld(ctx, jobLockKey("job1"))
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if held {
		t.Fatalf("job lock still held after round: want=false got=true")
	}
}

func TestPollerOverlongRoundLeavesSuccessorLock(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.LockTTL = 20 * time.Millisecond
	st := store.NewMemoryStore()
	log := logger.NewNop()
	tracker, err := NewTracker(log, st, []Policy{policy})
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	locker, err := NewLocker(log, st)
	if err != nil {
		t.Fatalf("NewLocker: %v", err)
	}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	check := func(ctx context.Context, jobID string) (StatusResult, error) {
		close(entered)
		<-unblock
		return StatusResult{Status: StatusProcessing}, nil
	}
	poller, err := NewPoller(log, st, tracker, locker, policy, check, &recordingDispatcher{})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	if err := tracker.Submit(ctx, "job1", "owner-1", policy.JobType, nil, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := make(chan struct{})
	go func() {
		poller.handle(ctx, "job1")
		close(done)
	}()
	<-entered

	// The round stalls in the status check past its own lock TTL, letting a
	// second worker pick up a duplicate queue entry for the same job.
	time.Sleep(2 * policy.LockTTL)
	token, ok, err := locker.Acquire(ctx, jobLockKey("job1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("successor Acquire: ok=%v err=%v", ok, err)
	}

	close(unblock)
	<-done

	held, err := locker.IsHeld(ctx, jobLockKey("job1"))
	if err != nil {
		t.Fatalf("IsHeld: %v", err)
	}
	if !held {
		t.Fatalf("successor lock deleted by stale round's release")
	}
	if err := locker.Release(ctx, jobLockKey("job1"), token); err != nil {
		t.Fatalf("Release: %v", err)
	}
}
