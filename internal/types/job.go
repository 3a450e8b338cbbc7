package types

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusPolling   JobStatus = "polling"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusTimedOut  JobStatus = "timed_out"
)

// Terminal reports whether no further transition can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusTimedOut:
		return true
	}
	return false
}

// AsyncJob is the persisted lifecycle record of one long-running job started
// on a remote generation service. The job id is assigned by that service.
// Attempts lives in a separate store counter so increments stay atomic; the
// value here is a snapshot taken when the record was last loaded.
type AsyncJob struct {
	JobID     string            `json:"job_id"`
	JobType   string            `json:"job_type"`
	Owner     string            `json:"owner"`
	Status    JobStatus         `json:"status"`
	Attempts  int64             `json:"attempts,omitempty"`
	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CompletionRecord is the compact outcome kept for the audit window after a
// job's transient keys are deleted.
type CompletionRecord struct {
	JobID      string          `json:"job_id"`
	JobType    string          `json:"job_type"`
	Owner      string          `json:"owner"`
	Status     JobStatus       `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int64           `json:"attempts"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Item is one inbound conversation event buffered for the next run.
type Item struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}
