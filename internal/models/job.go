package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres. Transitions are forward-only:
// pending -> processing -> completed|failed.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Export kinds accepted by the producer.
const (
	KindUsers  = "users"
	KindOrders = "orders"
)

// Output serializations.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// IsTerminal reports whether a job state permits no further transitions.
func IsTerminal(state string) bool {
	return state == StateCompleted || state == StateFailed
}

// Job is one export request and its lifecycle record.
type Job struct {
	JobID       string            `json:"job_id"`
	Kind        string            `json:"kind"`
	Format      string            `json:"format"`
	Filters     map[string]string `json:"filters,omitempty"`
	Requester   *string           `json:"requester,omitempty"`
	State       string            `json:"state"`
	ArtifactKey *string           `json:"artifact_key,omitempty"`
	DownloadURL *string           `json:"download_url,omitempty"`
	RecordCount *int              `json:"record_count,omitempty"`
	ErrorDetail *string           `json:"error_detail,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// WorkItem is the queue message instructing a worker to process one job.
// It carries enough to process without re-reading config, though the worker
// re-fetches the authoritative job record before acting.
type WorkItem struct {
	JobID   string            `json:"job_id"`
	Kind    string            `json:"kind"`
	Format  string            `json:"format"`
	Filters map[string]string `json:"filters,omitempty"`
}
