package orchestrator

// Store key layout. Every transient key carries a TTL matching its maximum
// valid lifetime; completed: records outlive the rest for auditing.

const (
	runLockPrefix   = "runlock:"
	jobLockPrefix   = "joblock:"
	jobPrefix       = "job:"
	attemptsPrefix  = "attempts:"
	pollErrPrefix   = "pollerr:"
	completedPrefix = "completed:"
	pollQueuePrefix = "pollq:"
	seenPrefix      = "seen:"
)

func runLockKey(conversationID string) string { return runLockPrefix + conversationID }
func jobLockKey(jobID string) string          { return jobLockPrefix + jobID }
func jobKey(jobID string) string              { return jobPrefix + jobID }
func attemptsKey(jobID string) string         { return attemptsPrefix + jobID }
func pollErrKey(jobID string) string          { return pollErrPrefix + jobID }
func completedKey(jobID string) string        { return completedPrefix + jobID }
func pollQueueKey(jobType string) string      { return pollQueuePrefix + jobType }
func seenKey(providerMessageID string) string { return seenPrefix + providerMessageID }
