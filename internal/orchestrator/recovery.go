package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/store"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/types"
)

// Scanner re-admits jobs that were mid-flight when the process last stopped.
// It runs once at startup, before any poller consumes the queue, and closes
// the crash window between persisting a job record and enqueueing it.
// Duplicate pushes are harmless: the per-job lock dedups actual polling.
type Scanner struct {
	store   store.Store
	log     *logger.Logger
	tracker *Tracker
	locker  *Locker
	pollers map[string]*Poller
}

func NewScanner(baseLog *logger.Logger, st store.Store, tracker *Tracker, locker *Locker, pollers []*Poller) (*Scanner, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if st == nil || tracker == nil || locker == nil {
		return nil, fmt.Errorf("store, tracker and locker required")
	}
	byType := make(map[string]*Poller, len(pollers))
	for _, p := range pollers {
		if p == nil {
			continue
		}
		byType[p.JobType()] = p
	}
	return &Scanner{
		store:   st,
		log:     baseLog.With("component", "RecoveryScanner"),
		tracker: tracker,
		locker:  locker,
		pollers: byType,
	}, nil
}

func (s *Scanner) Run(ctx context.Context) error {
	keys, err := s.store.ScanPrefix(ctx, jobPrefix)
	if err != nil {
		return fmt.Errorf("recovery scan: %w", err)
	}

	var requeued, expired, skipped int
	for _, key := range keys {
		jobID := strings.TrimPrefix(key, jobPrefix)
		job, err := s.tracker.GetState(ctx, jobID)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Warn("Could not load job during recovery", "job_id", jobID, "error", err)
			skipped++
			continue
		}
		poller, ok := s.pollers[job.JobType]
		if !ok {
			s.log.Warn("Orphaned job of unknown type", "job_id", jobID, "job_type", job.JobType)
			skipped++
			continue
		}

		if time.Since(job.StartedAt) > poller.policy.Timeout {
			if s.expire(ctx, poller, job) {
				expired++
			} else {
				skipped++
			}
			continue
		}

		if err := s.store.Push(ctx, pollQueueKey(job.JobType), jobID); err != nil {
			s.log.Warn("Could not requeue job during recovery", "job_id", jobID, "error", err)
			skipped++
			continue
		}
		requeued++
	}

	s.log.Info("Recovery scan finished",
		"scanned", len(keys),
		"requeued", requeued,
		"expired", expired,
		"skipped", skipped,
	)
	return nil
}

// expire fails a job already past its timeout budget without polling it.
// The job lock guards against another instance doing the same concurrently;
// contention means someone else owns the outcome, so we leave it to them.
func (s *Scanner) expire(ctx context.Context, poller *Poller, job *types.AsyncJob) bool {
	token, ok, err := s.locker.Acquire(ctx, jobLockKey(job.JobID), poller.policy.LockTTL)
	if err != nil {
		s.log.Warn("Job lock unavailable during recovery", "job_id", job.JobID, "error", err)
		return false
	}
	if !ok {
		return false
	}
	done := poller.finishFailure(ctx, job, types.JobStatusTimedOut,
		fmt.Sprintf("job exceeded %s timeout before recovery", poller.policy.Timeout))
	// Release even when the transition failed, so the job is not blocked for
	// the full lock TTL before a poller can retry it.
	if relErr := s.locker.Release(ctx, jobLockKey(job.JobID), token); relErr != nil {
		s.log.Warn("Job lock release failed during recovery", "job_id", job.JobID, "error", relErr)
	}
	return done
}
