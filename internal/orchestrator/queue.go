package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/envutil"
	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

// Callback performs one conversation turn over the admitted item batch. It
// must honor ctx cancellation: the queue cancels a run when fresher input
// arrives for the same conversation.
type Callback func(ctx context.Context, conversationID string, items []types.Item) error

type QueueConfig struct {
	// Debounce is the quiet period after the last item before admission.
	Debounce time.Duration
	// RunLockTTL bounds how long a crashed holder blocks a conversation.
	RunLockTTL time.Duration
	// RetryDelay schedules the next admission attempt after contention or a
	// failed callback while items remain buffered.
	RetryDelay time.Duration
}

func QueueConfigFromEnv() QueueConfig {
	return QueueConfig{
		Debounce:   envutil.Duration("CONV_DEBOUNCE", 6*time.Second),
		RunLockTTL: envutil.Duration("CONV_RUN_LOCK_TTL", 5*time.Minute),
		RetryDelay: envutil.Duration("CONV_RETRY_DELAY", 2*time.Second),
	}
}

// Queue buffers inbound items per conversation and admits them as single
// coherent runs: debounced, under the distributed run lock, items snapshotted
// and cleared atomically so no item is ever visible to two runs. One instance
// per process; all cross-process coordination goes through the run lock.
type Queue struct {
	cfg    QueueConfig
	locker *Locker
	cb     Callback
	log    *logger.Logger

	mu      sync.Mutex
	buffers map[string]*convBuffer
	runs    map[string]context.CancelFunc
	closed  bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

type convBuffer struct {
	items    []types.Item
	blocked  bool
	timer    *time.Timer
	deadline time.Time
}

func NewQueue(baseLog *logger.Logger, locker *Locker, cfg QueueConfig, cb Callback) (*Queue, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	if cb == nil {
		return nil, fmt.Errorf("processing callback required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 6 * time.Second
	}
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = 5 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:        cfg,
		locker:     locker,
		cb:         cb,
		log:        baseLog.With("component", "ConversationQueue"),
		buffers:    make(map[string]*convBuffer),
		runs:       make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
	}, nil
}

// Enqueue appends item to the conversation's buffer and resets the debounce
// window. If a run is currently active for the conversation its context is
// canceled: the stale run aborts and this item lands in the next admitted run.
func (q *Queue) Enqueue(ctx context.Context, conversationID string, item types.Item) error {
	if conversationID == "" {
		return errs.ErrInvalidArgument
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("conversation queue closed")
	}
	b := q.bufferLocked(conversationID)
	b.items = append(b.items, item)
	b.deadline = time.Now().Add(q.cfg.Debounce)
	q.armTimerLocked(conversationID, b, q.cfg.Debounce)
	cancel := q.runs[conversationID]
	q.mu.Unlock()

	if cancel != nil {
		q.log.Info("New input aborts in-flight run", "conversation_id", conversationID)
		cancel()
	}
	return nil
}

// SetBlocked marks the buffer as not yet admissible, e.g. while an audio
// item is still being transcribed. Unblocking schedules a prompt retry when
// items are waiting.
func (q *Queue) SetBlocked(conversationID string, blocked bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	b := q.bufferLocked(conversationID)
	b.blocked = blocked
	if !blocked && len(b.items) > 0 {
		q.armTimerLocked(conversationID, b, q.cfg.RetryDelay)
	}
}

// TryAdmit attempts to hand the conversation's buffered items to the
// callback. Contention on the run lock is expected and just reschedules.
func (q *Queue) TryAdmit(conversationID string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	b := q.buffers[conversationID]
	if b == nil || len(b.items) == 0 {
		q.mu.Unlock()
		return
	}
	if b.blocked {
		q.armTimerLocked(conversationID, b, q.cfg.RetryDelay)
		q.mu.Unlock()
		return
	}
	if wait := time.Until(b.deadline); wait > 0 {
		// The debounce window was extended after this timer was armed.
		q.armTimerLocked(conversationID, b, wait)
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	lockCtx, cancelLock := context.WithTimeout(q.baseCtx, 10*time.Second)
	token, ok, err := q.locker.Acquire(lockCtx, runLockKey(conversationID), q.cfg.RunLockTTL)
	cancelLock()
	if err != nil {
		q.log.Warn("Run lock acquire failed", "conversation_id", conversationID, "error", err)
		q.scheduleRetry(conversationID)
		return
	}
	if !ok {
		// Another run is active somewhere; retry once it releases.
		q.scheduleRetry(conversationID)
		return
	}

	// Lock held: snapshot and clear atomically with respect to Enqueue.
	q.mu.Lock()
	b = q.buffers[conversationID]
	if q.closed || b == nil || len(b.items) == 0 {
		q.mu.Unlock()
		q.releaseRunLock(conversationID, token)
		return
	}
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	runCtx, cancelRun := context.WithCancel(q.baseCtx)
	q.runs[conversationID] = cancelRun
	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()
	err = q.invoke(runCtx, conversationID, items)

	q.mu.Lock()
	delete(q.runs, conversationID)
	q.mu.Unlock()
	cancelRun()
	q.releaseRunLock(conversationID, token)

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		q.log.Info("Run aborted, superseded by newer input",
			"conversation_id", conversationID,
			"items", len(items),
		)
	default:
		// Items are not replayed; the drain retry below picks up whatever
		// arrived meanwhile.
		q.log.Error("Processing run failed",
			"conversation_id", conversationID,
			"items", len(items),
			"error", err,
		)
	}

	q.scheduleRetry(conversationID)
}

// invoke shields the queue from a panicking callback.
func (q *Queue) invoke(ctx context.Context, conversationID string, items []types.Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Processing callback panic", "conversation_id", conversationID, "panic", r)
			err = fmt.Errorf("processing callback panic: %v", r)
		}
	}()
	return q.cb(ctx, conversationID, items)
}

// ForceRelease aborts any active run and drops the run lock. Admin escape
// hatch for a conversation stuck behind a crashed holder.
func (q *Queue) ForceRelease(ctx context.Context, conversationID string) error {
	q.mu.Lock()
	cancel := q.runs[conversationID]
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return q.locker.ForceRelease(ctx, runLockKey(conversationID))
}

// HasActiveRun reports whether any worker instance holds the conversation's
// run lock.
func (q *Queue) HasActiveRun(ctx context.Context, conversationID string) (bool, error) {
	return q.locker.IsHeld(ctx, runLockKey(conversationID))
}

// Close stops timers, cancels active runs and waits for them to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, b := range q.buffers {
		if b.timer != nil {
			b.timer.Stop()
		}
	}
	q.mu.Unlock()
	q.baseCancel()
	q.wg.Wait()
}

func (q *Queue) bufferLocked(conversationID string) *convBuffer {
	b := q.buffers[conversationID]
	if b == nil {
		b = &convBuffer{}
		q.buffers[conversationID] = b
	}
	return b
}

// armTimerLocked replaces the buffer's timer; each conversation has at most
// one pending admission timer.
func (q *Queue) armTimerLocked(conversationID string, b *convBuffer, d time.Duration) {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(d, func() { q.TryAdmit(conversationID) })
}

func (q *Queue) scheduleRetry(conversationID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	b := q.buffers[conversationID]
	if b == nil || len(b.items) == 0 {
		return
	}
	q.armTimerLocked(conversationID, b, q.cfg.RetryDelay)
}

func (q *Queue) releaseRunLock(conversationID, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.locker.Release(ctx, runLockKey(conversationID), token); err != nil {
		// The TTL caps the damage; the conversation unblocks on expiry.
		q.log.Warn("Run lock release failed", "conversation_id", conversationID, "error", err)
	}
}
