package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

type runRecorder struct {
	mu   sync.Mutex
	runs [][]types.Item
}

func (r *runRecorder) record(items []types.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, items)
}

func (r *runRecorder) snapshot() [][]types.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]types.Item, len(r.runs))
	copy(out, r.runs)
	return out
}

func testQueueConfig() QueueConfig {
	return QueueConfig{
		Debounce:   30 * time.Millisecond,
		RunLockTTL: time.Minute,
		RetryDelay: 25 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within %s", timeout)
}

func item(id string) types.Item {
	return types.Item{ID: id, Kind: "text", Text: id, ReceivedAt: time.Now()}
}

func TestQueueDebounceCoalescesItems(t *testing.T) {
	locker, _ := newTestLocker(t)
	rec := &runRecorder{}
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		rec.record(items)
		return nil
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := q.Enqueue(ctx, "conv1", item(id)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	runs := rec.snapshot()
	if len(runs[0]) != 3 {
		t.Fatalf("batch size: want=3 got=%d", len(runs[0]))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if runs[0][i].ID != want {
			t.Fatalf("item %d: want=%q got=%q", i, want, runs[0][i].ID)
		}
	}
}

func TestQueueEnqueueExtendsDebounceWindow(t *testing.T) {
	locker, _ := newTestLocker(t)
	rec := &runRecorder{}
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		rec.record(items)
		return nil
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "conv1", item("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Keep feeding inside the quiet period; no run may start meanwhile.
	for i := 0; i < 4; i++ {
		time.Sleep(15 * time.Millisecond)
		if got := len(rec.snapshot()); got != 0 {
			t.Fatalf("run started during debounce window, runs=%d", got)
		}
		if err := q.Enqueue(ctx, "conv1", item(fmt.Sprintf("m%d", i+2))); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	if got := len(rec.snapshot()[0]); got != 5 {
		t.Fatalf("batch size: want=5 got=%d", got)
	}
}

func TestQueueNewInputAbortsActiveRun(t *testing.T) {
	locker, _ := newTestLocker(t)
	rec := &runRecorder{}
	started := make(chan struct{}, 4)
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		started <- struct{}{}
		if items[0].ID == "m1" {
			// First run: hold until the queue cancels us.
			<-ctx.Done()
			return ctx.Err()
		}
		rec.record(items)
		return nil
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "conv1", item("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started

	// The first run is in flight and aborted by this item. Since the run's
	// items are consumed, only m2 lands in the follow-up run.
	if err := q.Enqueue(ctx, "conv1", item("m2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	runs := rec.snapshot()
	if len(runs[0]) != 1 || runs[0][0].ID != "m2" {
		t.Fatalf("follow-up batch: want=[m2] got=%v", runs[0])
	}
}

func TestQueueRetriesAfterCallbackError(t *testing.T) {
	locker, _ := newTestLocker(t)
	rec := &runRecorder{}
	var mu sync.Mutex
	calls := 0
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			return fmt.Errorf("downstream unavailable")
		}
		rec.record(items)
		return nil
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "conv1", item("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})

	// Failed items are not replayed; the drain retry only delivers new input.
	if err := q.Enqueue(ctx, "conv1", item("m2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
	runs := rec.snapshot()
	if len(runs[0]) != 1 || runs[0][0].ID != "m2" {
		t.Fatalf("retry batch: want=[m2] got=%v", runs[0])
	}
}

func TestQueueBlockedBufferIsNotAdmitted(t *testing.T) {
	locker, _ := newTestLocker(t)
	rec := &runRecorder{}
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		rec.record(items)
		return nil
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	q.SetBlocked("conv1", true)
	if err := q.Enqueue(ctx, "conv1", item("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("blocked buffer admitted, runs=%d", got)
	}

	q.SetBlocked("conv1", false)
	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
}

func TestQueueRunLockContentionDefersAdmission(t *testing.T) {
	locker, _ := newTestLocker(t)
	rec := &runRecorder{}
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		rec.record(items)
		return nil
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	// Simulate another instance holding the conversation's run lock.
	token, ok, err := locker.Acquire(ctx, runLockKey("conv1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("setup Acquire: ok=%v err=%v", ok, err)
	}

	if err := q.Enqueue(ctx, "conv1", item("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("run admitted despite held lock, runs=%d", got)
	}

	if err := locker.Release(ctx, runLockKey("conv1"), token); err != nil {
		t.Fatalf("Release: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(rec.snapshot()) == 1 })
}

func TestQueueForceReleaseCancelsRun(t *testing.T) {
	locker, _ := newTestLocker(t)
	entered := make(chan struct{})
	done := make(chan error, 1)
	q, err := NewQueue(logger.NewNop(), locker, testQueueConfig(), func(ctx context.Context, convID string, items []types.Item) error {
		close(entered)
		<-ctx.Done()
		done <- ctx.Err()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "conv1", item("m1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-entered

	if err := q.ForceRelease(ctx, "conv1"); err != nil {
		t.Fatalf("ForceRelease: %v", err)
	}
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run ctx: want=context.Canceled got=%v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run not canceled by ForceRelease")
	}
}
