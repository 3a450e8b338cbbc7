package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/httpx"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

type StatusCode string

const (
	StatusCompleted  StatusCode = "completed"
	StatusFailed     StatusCode = "failed"
	StatusNotFound   StatusCode = "not_found"
	StatusProcessing StatusCode = "processing"
)

// StatusResult is the remote service's answer for one job.
type StatusResult struct {
	Status  StatusCode
	Payload json.RawMessage
	Reason  string
}

// StatusCheck queries the remote generation service for a job's state.
type StatusCheck func(ctx context.Context, jobID string) (StatusResult, error)

// Dispatcher delivers the terminal outcome to whoever owns the job. Fired
// at least once per terminal outcome; the job lock plus record deletion make
// a duplicate fire possible only across a crash mid-handoff.
type Dispatcher interface {
	OnSuccess(ctx context.Context, job *types.AsyncJob, payload json.RawMessage)
	OnFailure(ctx context.Context, job *types.AsyncJob, reason string)
}

// Poller drives jobs of one type from the persistent poll queue to a
// terminal state. Any number of instances (across processes) may share the
// queue; the per-job lock keeps them from double-handling a job.
type Poller struct {
	store      store.Store
	log        *logger.Logger
	tracker    *Tracker
	locker     *Locker
	policy     Policy
	check      StatusCheck
	dispatch   Dispatcher
	popTimeout time.Duration
}

func NewPoller(baseLog *logger.Logger, st store.Store, tracker *Tracker, locker *Locker, policy Policy, check StatusCheck, dispatch Dispatcher) (*Poller, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if st == nil || tracker == nil || locker == nil {
		return nil, fmt.Errorf("store, tracker and locker required")
	}
	if check == nil {
		return nil, fmt.Errorf("status check required")
	}
	if dispatch == nil {
		return nil, fmt.Errorf("dispatcher required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &Poller{
		store:      st,
		log:        baseLog.With("component", "PollWorker", "job_type", policy.JobType),
		tracker:    tracker,
		locker:     locker,
		policy:     policy,
		check:      check,
		dispatch:   dispatch,
		popTimeout: 15 * time.Second,
	}, nil
}

func (p *Poller) JobType() string { return p.policy.JobType }

// Run consumes the poll queue until ctx is canceled. The bounded pop keeps
// the loop responsive to shutdown even when the queue stays empty.
func (p *Poller) Run(ctx context.Context) {
	p.log.Info("Poll worker started")
	for {
		if ctx.Err() != nil {
			p.log.Info("Poll worker stopped")
			return
		}
		jobID, err := p.store.BlockingPop(ctx, pollQueueKey(p.policy.JobType), p.popTimeout)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info("Poll worker stopped")
				return
			}
			p.log.Warn("Poll queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		p.handle(ctx, jobID)
	}
}

// handle performs one poll attempt for jobID. Failure isolation: whatever
// happens here, the loop in Run keeps serving other jobs.
func (p *Poller) handle(ctx context.Context, jobID string) {
	log := p.log.With("job_id", jobID)

	token, ok, err := p.locker.Acquire(ctx, jobLockKey(jobID), p.policy.LockTTL)
	if err != nil {
		log.Warn("Job lock acquire failed, requeueing", "error", err)
		p.tracker.PushAfter(ctx, p.policy.JobType, jobID, p.policy.RetryBase)
		return
	}
	if !ok {
		// Another worker owns this job right now.
		log.Debug("Job lock contended, skipping")
		return
	}
	defer func() {
		// Terminal outcomes delete the job record under this lock, so a
		// duplicate queue entry finds nothing. The token check makes this
		// release inert if the round outlived the lock TTL.
		if relErr := p.locker.Release(context.WithoutCancel(ctx), jobLockKey(jobID), token); relErr != nil {
			log.Warn("Job lock release failed", "error", relErr)
		}
	}()

	job, err := p.tracker.GetState(ctx, jobID)
	if errors.Is(err, errs.ErrNotFound) {
		// Already finished and cleaned up by another worker.
		log.Debug("Job record absent, dropping")
		return
	}
	if err != nil {
		log.Warn("Job state load failed, requeueing", "error", err)
		p.tracker.PushAfter(ctx, p.policy.JobType, jobID, p.policy.RetryBase)
		return
	}

	elapsed := time.Since(job.StartedAt)
	if elapsed > p.policy.Timeout {
		p.finishFailure(ctx, job, types.JobStatusTimedOut,
			fmt.Sprintf("job exceeded %s timeout", p.policy.Timeout))
		return
	}

	attempts, err := p.tracker.IncrementAttempt(ctx, jobID)
	if err != nil {
		log.Warn("Attempt increment failed, requeueing", "error", err)
		p.tracker.PushAfter(ctx, p.policy.JobType, jobID, p.policy.RetryBase)
		return
	}
	job.Attempts = attempts
	if attempts > p.policy.MaxAttempts {
		p.finishFailure(ctx, job, types.JobStatusFailed,
			fmt.Sprintf("max poll attempts exceeded (%d)", p.policy.MaxAttempts))
		return
	}
	p.tracker.MarkPolling(ctx, job)

	res, err := p.check(ctx, jobID)
	if err != nil {
		p.handlePollError(ctx, job, err)
		return
	}

	switch res.Status {
	case StatusCompleted:
		p.dispatch.OnSuccess(ctx, job, res.Payload)
		p.complete(ctx, job, types.JobStatusCompleted, "", res.Payload)
	case StatusFailed, StatusNotFound:
		reason := res.Reason
		if reason == "" {
			reason = string(res.Status)
		}
		p.finishFailure(ctx, job, types.JobStatusFailed, reason)
	default:
		delay := p.policy.NextDelay(elapsed)
		log.Debug("Job still processing",
			"attempt", attempts,
			"elapsed", elapsed.String(),
			"next_poll_in", delay.String(),
		)
		p.tracker.PushAfter(ctx, p.policy.JobType, jobID, delay)
	}
}

// handlePollError is the transient-infrastructure path: exponential backoff,
// bounded by MaxPollErrors, then escalation to the failure handler.
func (p *Poller) handlePollError(ctx context.Context, job *types.AsyncJob, cause error) {
	log := p.log.With("job_id", job.JobID)
	n, err := p.store.Increment(ctx, pollErrKey(job.JobID))
	if err != nil {
		log.Warn("Poll error counter unavailable, requeueing", "error", err)
		p.tracker.PushAfter(ctx, p.policy.JobType, job.JobID, p.policy.RetryBase)
		return
	}
	if n == 1 {
		_ = p.store.Expire(ctx, pollErrKey(job.JobID), p.policy.RecordTTL())
	}
	if n > p.policy.MaxPollErrors {
		// The lock is still held here, so the terminal handler fires once.
		p.finishFailure(ctx, job, types.JobStatusFailed,
			fmt.Sprintf("status check failing after %d retries: %v", p.policy.MaxPollErrors, cause))
		return
	}
	delay := httpx.Backoff(p.policy.RetryBase, p.policy.RetryCap, int(n))
	log.Warn("Status check failed, backing off",
		"error", cause,
		"retry", n,
		"next_poll_in", delay.String(),
	)
	p.tracker.PushAfter(ctx, p.policy.JobType, job.JobID, delay)
}

func (p *Poller) complete(ctx context.Context, job *types.AsyncJob, status types.JobStatus, reason string, payload json.RawMessage) bool {
	if err := p.tracker.Complete(context.WithoutCancel(ctx), job, status, reason, payload); err != nil {
		p.log.Error("Terminal transition failed", "job_id", job.JobID, "error", err)
		return false
	}
	return true
}

// finishFailure reports the failure and cleans up. Returns true when the
// transient keys were deleted.
func (p *Poller) finishFailure(ctx context.Context, job *types.AsyncJob, status types.JobStatus, reason string) bool {
	p.dispatch.OnFailure(ctx, job, reason)
	return p.complete(ctx, job, status, reason, nil)
}
