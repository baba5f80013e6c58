package models

import "time"

// CheckpointKey is the only key the checkpoint table holds
const CheckpointKey = "height"

// Checkpoint is the highest block whose event has been fully processed
type Checkpoint struct {
	KeyName     string    `json:"keyName" db:"key_name"`
	BlockNumber uint64    `json:"blockNumber" db:"block_number"`
	UpdatedAt   time.Time `json:"updatedAt" db:"updated_at"`
}

// IngestAudit is one processed-job outcome written to the audit log
type IngestAudit struct {
	JobID       string        `json:"jobId"`
	BlockNumber uint64        `json:"blockNumber"`
	TokenID     string        `json:"tokenId"`
	TxHash      string        `json:"txHash"`
	Attempt     int           `json:"attempt"`
	Status      string        `json:"status"`
	Category    string        `json:"category,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	ProcessedAt time.Time     `json:"processedAt"`
}
