package orchestrator

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the per-job-type timing and attempt budget driving one Poller.
type Policy struct {
	JobType string

	// Timeout is the maximum job lifetime measured from StartedAt.
	Timeout time.Duration
	// MaxAttempts caps poll attempts; the job fails once exceeded.
	MaxAttempts int64
	// InitialDelay is how long after submission the first poll happens.
	InitialDelay time.Duration
	// LockTTL covers one polling round-trip against the remote service.
	LockTTL time.Duration
	// Schedule maps job age to the next poll delay. Steps must be ordered by
	// After ascending with non-decreasing delays: generation jobs that have
	// already run long are expected to keep running long.
	Schedule []ScheduleStep
	// RetryBase/RetryCap/MaxPollErrors bound the exponential backoff used for
	// transient infrastructure failures, a separate budget from Schedule.
	RetryBase     time.Duration
	RetryCap      time.Duration
	MaxPollErrors int64
}

type ScheduleStep struct {
	After time.Duration
	Delay time.Duration
}

// NextDelay returns the delay of the last step whose After <= elapsed.
func (p Policy) NextDelay(elapsed time.Duration) time.Duration {
	delay := 5 * time.Second
	for _, s := range p.Schedule {
		if elapsed < s.After {
			break
		}
		delay = s.Delay
	}
	return delay
}

// RecordTTL is how long the transient job record may live: the timeout budget
// plus slack for the final poll round-trip and terminal bookkeeping.
func (p Policy) RecordTTL() time.Duration {
	return p.Timeout + 10*time.Minute
}

func (p Policy) Validate() error {
	if p.JobType == "" {
		return fmt.Errorf("policy: job type required")
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("policy %s: timeout must be positive", p.JobType)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("policy %s: max attempts must be at least 1", p.JobType)
	}
	if p.LockTTL <= 0 {
		return fmt.Errorf("policy %s: lock ttl must be positive", p.JobType)
	}
	var prevAfter, prevDelay time.Duration = -1, 0
	for i, s := range p.Schedule {
		if s.After < 0 {
			return fmt.Errorf("policy %s: schedule step %d has a negative age threshold", p.JobType, i)
		}
		if s.Delay <= 0 {
			return fmt.Errorf("policy %s: schedule step %d delay must be positive", p.JobType, i)
		}
		if s.After <= prevAfter {
			return fmt.Errorf("policy %s: schedule steps must be ordered by age", p.JobType)
		}
		if s.Delay < prevDelay {
			return fmt.Errorf("policy %s: schedule delays must be non-decreasing", p.JobType)
		}
		prevAfter, prevDelay = s.After, s.Delay
	}
	return nil
}

// DefaultPolicies covers the three generation job types the bot submits.
func DefaultPolicies() []Policy {
	return []Policy{
		{
			JobType:      "image",
			Timeout:      5 * time.Minute,
			MaxAttempts:  40,
			InitialDelay: 5 * time.Second,
			LockTTL:      30 * time.Second,
			Schedule: []ScheduleStep{
				{After: 0, Delay: 5 * time.Second},
				{After: 1 * time.Minute, Delay: 10 * time.Second},
				{After: 3 * time.Minute, Delay: 20 * time.Second},
			},
			RetryBase:     2 * time.Second,
			RetryCap:      30 * time.Second,
			MaxPollErrors: 5,
		},
		{
			JobType:      "video",
			Timeout:      30 * time.Minute,
			MaxAttempts:  80,
			InitialDelay: 15 * time.Second,
			LockTTL:      30 * time.Second,
			Schedule: []ScheduleStep{
				{After: 0, Delay: 10 * time.Second},
				{After: 5 * time.Minute, Delay: 30 * time.Second},
				{After: 15 * time.Minute, Delay: 60 * time.Second},
			},
			RetryBase:     2 * time.Second,
			RetryCap:      60 * time.Second,
			MaxPollErrors: 5,
		},
		{
			JobType:      "website",
			Timeout:      20 * time.Minute,
			MaxAttempts:  60,
			InitialDelay: 10 * time.Second,
			LockTTL:      30 * time.Second,
			Schedule: []ScheduleStep{
				{After: 0, Delay: 10 * time.Second},
				{After: 5 * time.Minute, Delay: 20 * time.Second},
				{After: 10 * time.Minute, Delay: 45 * time.Second},
			},
			RetryBase:     2 * time.Second,
			RetryCap:      60 * time.Second,
			MaxPollErrors: 5,
		},
	}
}

type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	JobType             string            `yaml:"job_type"`
	TimeoutSeconds      int               `yaml:"timeout_seconds"`
	MaxAttempts         int64             `yaml:"max_attempts"`
	InitialDelaySeconds int               `yaml:"initial_delay_seconds"`
	LockTTLSeconds      int               `yaml:"lock_ttl_seconds"`
	Schedule            []policyStepEntry `yaml:"schedule"`
	RetryBaseSeconds    int               `yaml:"retry_base_seconds"`
	RetryCapSeconds     int               `yaml:"retry_cap_seconds"`
	MaxPollErrors       int64             `yaml:"max_poll_errors"`
}

type policyStepEntry struct {
	AfterSeconds int `yaml:"after_seconds"`
	DelaySeconds int `yaml:"delay_seconds"`
}

// LoadPolicies reads a YAML policy table. Zero-valued fields fall back to the
// default policy for the same job type when one exists.
func LoadPolicies(path string) ([]Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if len(file.Policies) == 0 {
		return nil, fmt.Errorf("policy file %s: no policies defined", path)
	}

	defaults := map[string]Policy{}
	for _, p := range DefaultPolicies() {
		defaults[p.JobType] = p
	}

	out := make([]Policy, 0, len(file.Policies))
	for _, e := range file.Policies {
		p := defaults[e.JobType]
		p.JobType = e.JobType
		if e.TimeoutSeconds > 0 {
			p.Timeout = time.Duration(e.TimeoutSeconds) * time.Second
		}
		if e.MaxAttempts > 0 {
			p.MaxAttempts = e.MaxAttempts
		}
		if e.InitialDelaySeconds > 0 {
			p.InitialDelay = time.Duration(e.InitialDelaySeconds) * time.Second
		}
		if e.LockTTLSeconds > 0 {
			p.LockTTL = time.Duration(e.LockTTLSeconds) * time.Second
		}
		if len(e.Schedule) > 0 {
			steps := make([]ScheduleStep, 0, len(e.Schedule))
			for _, s := range e.Schedule {
				steps = append(steps, ScheduleStep{
					After: time.Duration(s.AfterSeconds) * time.Second,
					Delay: time.Duration(s.DelaySeconds) * time.Second,
				})
			}
			p.Schedule = steps
		}
		if e.RetryBaseSeconds > 0 {
			p.RetryBase = time.Duration(e.RetryBaseSeconds) * time.Second
		}
		if e.RetryCapSeconds > 0 {
			p.RetryCap = time.Duration(e.RetryCapSeconds) * time.Second
		}
		if e.MaxPollErrors > 0 {
			p.MaxPollErrors = e.MaxPollErrors
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
