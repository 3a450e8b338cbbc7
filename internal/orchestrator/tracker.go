package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

// completionTTL is the audit window for completed:{jobID} records, well past
// the transient record lifetime.
const completionTTL = 72 * time.Hour

// Tracker owns the persisted lifecycle of async generation jobs: one JSON
// record per job, an atomic attempt counter beside it, and the handoff onto
// the per-type poll queue. Submission is crash-safe in combination with the
// recovery scanner: the record is persisted before the queue push, so a
// process dying in between only delays polling.
type Tracker struct {
	store    store.Store
	log      *logger.Logger
	policies map[string]Policy
}

func NewTracker(baseLog *logger.Logger, st store.Store, policies []Policy) (*Tracker, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if st == nil {
		return nil, fmt.Errorf("store required")
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one policy required")
	}
	byType := make(map[string]Policy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byType[p.JobType]; dup {
			return nil, fmt.Errorf("duplicate policy for job type %s", p.JobType)
		}
		byType[p.JobType] = p
	}
	return &Tracker{
		store:    st,
		log:      baseLog.With("component", "JobTracker"),
		policies: byType,
	}, nil
}

func (t *Tracker) Policy(jobType string) (Policy, bool) {
	p, ok := t.policies[jobType]
	return p, ok
}

func (t *Tracker) Policies() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	return out
}

// Submit registers a job the remote service has already started and schedules
// its first poll after delay. Pass a negative delay to use the policy's
// InitialDelay; zero means poll immediately.
func (t *Tracker) Submit(ctx context.Context, jobID, owner, jobType string, metadata map[string]string, delay time.Duration) error {
	if jobID == "" || owner == "" {
		return errs.ErrInvalidArgument
	}
	policy, ok := t.policies[jobType]
	if !ok {
		return fmt.Errorf("submit %s: no policy for job type %q", jobID, jobType)
	}
	if delay < 0 {
		delay = policy.InitialDelay
	}

	job := &types.AsyncJob{
		JobID:     jobID,
		JobType:   jobType,
		Owner:     owner,
		Status:    types.JobStatusQueued,
		StartedAt: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := t.saveState(ctx, job, policy.RecordTTL()); err != nil {
		return err
	}
	t.log.Info("Async job registered",
		"job_id", jobID,
		"job_type", jobType,
		"owner", owner,
		"first_poll_in", delay.String(),
	)

	t.PushAfter(ctx, jobType, jobID, delay)
	return nil
}

// PushAfter enqueues jobID for polling after delay. The wait is an in-process
// timer: if the process dies first, the persisted record is re-admitted by
// the recovery scanner, so nothing is lost, only delayed.
func (t *Tracker) PushAfter(ctx context.Context, jobType, jobID string, delay time.Duration) {
	if delay <= 0 {
		if err := t.store.Push(ctx, pollQueueKey(jobType), jobID); err != nil {
			t.log.Error("Poll queue push failed", "job_id", jobID, "error", err)
		}
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.store.Push(pushCtx, pollQueueKey(jobType), jobID); err != nil {
			t.log.Error("Delayed poll queue push failed", "job_id", jobID, "error", err)
		}
	}()
}

// GetState loads the transient job record. errors.ErrNotFound means the job
// reached a terminal state and was cleaned up (or never existed).
func (t *Tracker) GetState(ctx context.Context, jobID string) (*types.AsyncJob, error) {
	raw, err := t.store.Get(ctx, jobKey(jobID))
	if err != nil {
		return nil, err
	}
	var job types.AsyncJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// IncrementAttempt bumps the per-job attempt counter atomically and returns
// the new count. Strict monotonicity under worker races is what makes the
// max-attempts budget enforceable.
func (t *Tracker) IncrementAttempt(ctx context.Context, jobID string) (int64, error) {
	n, err := t.store.Increment(ctx, attemptsKey(jobID))
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if policy, job := t.policyForJob(ctx, jobID); job != nil {
			_ = t.store.Expire(ctx, attemptsKey(jobID), policy.RecordTTL())
		}
	}
	return n, nil
}

func (t *Tracker) policyForJob(ctx context.Context, jobID string) (Policy, *types.AsyncJob) {
	job, err := t.GetState(ctx, jobID)
	if err != nil || job == nil {
		return Policy{}, nil
	}
	p, ok := t.policies[job.JobType]
	if !ok {
		return Policy{}, nil
	}
	return p, job
}

// MarkPolling records the queued→polling transition. Purely informational;
// losing the write does not affect correctness.
func (t *Tracker) MarkPolling(ctx context.Context, job *types.AsyncJob) {
	if job == nil || job.Status != types.JobStatusQueued {
		return
	}
	policy, ok := t.policies[job.JobType]
	if !ok {
		return
	}
	job.Status = types.JobStatusPolling
	if err := t.saveState(ctx, job, policy.RecordTTL()); err != nil {
		t.log.Warn("Could not persist polling transition", "job_id", job.JobID, "error", err)
	}
}

// Complete transitions the job to a terminal state: writes the audit record,
// then deletes every transient key. The caller performs this while holding
// the job lock and releases it afterward with its token; once the record is
// gone no worker can observe the job as live, which is what makes the
// terminal handler fire once per job.
func (t *Tracker) Complete(ctx context.Context, job *types.AsyncJob, status types.JobStatus, reason string, payload json.RawMessage) error {
	if job == nil {
		return errs.ErrInvalidArgument
	}
	if !status.Terminal() {
		return fmt.Errorf("complete %s: %s is not a terminal status", job.JobID, status)
	}
	rec := types.CompletionRecord{
		JobID:      job.JobID,
		JobType:    job.JobType,
		Owner:      job.Owner,
		Status:     status,
		Reason:     reason,
		Payload:    payload,
		Attempts:   job.Attempts,
		StartedAt:  job.StartedAt,
		FinishedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode completion %s: %w", job.JobID, err)
	}
	if err := t.store.Set(ctx, completedKey(job.JobID), string(raw), completionTTL); err != nil {
		return err
	}
	if err := t.store.Delete(ctx,
		jobKey(job.JobID),
		attemptsKey(job.JobID),
		pollErrKey(job.JobID),
	); err != nil {
		return err
	}
	t.log.Info("Async job finished",
		"job_id", job.JobID,
		"job_type", job.JobType,
		"status", string(status),
		"attempts", job.Attempts,
	)
	return nil
}

// Inspect returns live state when present, otherwise the completion record
// mapped back onto an AsyncJob for the admin API.
func (t *Tracker) Inspect(ctx context.Context, jobID string) (*types.AsyncJob, error) {
	job, err := t.GetState(ctx, jobID)
	if err == nil {
		if n, cerr := t.store.Get(ctx, attemptsKey(jobID)); cerr == nil {
			_, _ = fmt.Sscanf(n, "%d", &job.Attempts)
		}
		return job, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	raw, cerr := t.store.Get(ctx, completedKey(jobID))
	if cerr != nil {
		return nil, cerr
	}
	var rec types.CompletionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode completion %s: %w", jobID, err)
	}
	return &types.AsyncJob{
		JobID:     rec.JobID,
		JobType:   rec.JobType,
		Owner:     rec.Owner,
		Status:    rec.Status,
		Attempts:  rec.Attempts,
		StartedAt: rec.StartedAt,
	}, nil
}

// Completion loads the audit record for a finished job.
func (t *Tracker) Completion(ctx context.Context, jobID string) (*types.CompletionRecord, error) {
	raw, err := t.store.Get(ctx, completedKey(jobID))
	if err != nil {
		return nil, err
	}
	var rec types.CompletionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode completion %s: %w", jobID, err)
	}
	return &rec, nil
}

func (t *Tracker) saveState(ctx context.Context, job *types.AsyncJob, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.JobID, err)
	}
	return t.store.Set(ctx, jobKey(job.JobID), string(raw), ttl)
}
