package models

import "time"

// Orchestrator execution states.
const (
	ExecutionRunning   = "running"
	ExecutionSucceeded = "succeeded"
	ExecutionFailed    = "failed"
)

// SyncInput is the payload threaded through each retry round. Attempt starts
// at 1 and increments by exactly 1 per failed round.
type SyncInput struct {
	ResourceType string `json:"resource_type"`
	Limit        int    `json:"limit"`
	Attempt      int    `json:"attempt"`
}

// SyncResult is what the sync task reports back to the orchestrator.
type SyncResult struct {
	Success     bool   `json:"success"`
	ShouldRetry bool   `json:"should_retry"`
	Message     string `json:"message"`
	SyncedCount int    `json:"synced_count,omitempty"`
	Attempt     int    `json:"attempt"`
}

// SyncExecution is the durable record of one orchestrator run.
type SyncExecution struct {
	ExecutionID  string    `json:"execution_id"`
	ResourceType string    `json:"resource_type"`
	Limit        int       `json:"limit"`
	Attempt      int       `json:"attempt"`
	State        string    `json:"state"`
	Message      *string   `json:"message,omitempty"`
	SyncedCount  *int      `json:"synced_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
