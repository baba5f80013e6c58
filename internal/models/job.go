package models

import "time"

// IngestJob is one unit of work in the block queue
type IngestJob struct {
	ID              string     `json:"id"`
	Event           ChainEvent `json:"data"`
	AttemptsAllowed int        `json:"attempts"`
	AttemptsMade    int        `json:"attemptsMade"`
	EnqueuedAt      time.Time  `json:"enqueuedAt"`
	LastError       string     `json:"failedReason,omitempty"`
}

// AttemptsLeft reports how many more executions the job may have
func (j *IngestJob) AttemptsLeft() int {
	left := j.AttemptsAllowed - j.AttemptsMade
	if left < 0 {
		return 0
	}
	return left
}
