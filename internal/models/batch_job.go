package models

import "time"

// BatchStatus is the provider-reported state of an asynchronous batch job
type BatchStatus string

const (
	BatchStatusValidating BatchStatus = "validating"
	BatchStatusInProgress BatchStatus = "in_progress"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
	BatchStatusExpired    BatchStatus = "expired"
	BatchStatusCancelled  BatchStatus = "cancelled"
)

// IsTerminal reports whether the job will not change state again
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusExpired, BatchStatusCancelled:
		return true
	}
	return false
}

// BatchCounts mirrors the per-request counters reported by the provider
type BatchCounts struct {
	Total      int `json:"total"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
}

// BatchJob is the local handle for a submitted batch. It is persisted as job metadata
// so a later invocation can poll and retrieve it.
type BatchJob struct {
	ID             string            `json:"id"`
	Provider       string            `json:"provider"`
	Model          string            `json:"model"`
	ManifestRef    string            `json:"manifest_ref"`
	Status         BatchStatus       `json:"status"`
	CorrelationIDs map[string]string `json:"correlation_ids"` // provider custom id -> work item id
	Items          []WorkItem        `json:"items"`           // submitted items, for reconciling without the source store
	Counts         BatchCounts       `json:"counts"`
	EstimatedCost  float64           `json:"estimated_cost"`
	SubmittedAt    time.Time         `json:"submitted_at"`
	LastPolledAt   time.Time         `json:"last_polled_at,omitempty"`
	EndedAt        time.Time         `json:"ended_at,omitempty"`
	TimedOut       bool              `json:"timed_out,omitempty"`
	Consumed       bool              `json:"consumed,omitempty"`
	Reconciled     map[string]bool   `json:"reconciled,omitempty"` // item ids already routed by an interrupted reconciliation
	ConsumedAt     time.Time         `json:"consumed_at,omitempty"`
}

// IsOutstanding reports whether the job still owns its items. A job releases them only
// once its results have been reconciled, whatever its provider status.
func (j *BatchJob) IsOutstanding() bool {
	return !j.Consumed
}

// ItemIDs returns the work item ids covered by the job
func (j *BatchJob) ItemIDs() []string {
	ids := make([]string, 0, len(j.CorrelationIDs))
	for _, id := range j.CorrelationIDs {
		ids = append(ids, id)
	}
	return ids
}
