package models

import "time"

// CostLedgerEntry is one committed charge against the run budget
type CostLedgerEntry struct {
	ID           string    `json:"id"`
	AttemptID    string    `json:"attempt_id,omitempty"`
	ItemID       string    `json:"item_id"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
	Batch        bool      `json:"batch,omitempty"`
	PostedAt     time.Time `json:"posted_at"`
}

// LedgerEntry is one line of the failure or incomplete ledger
type LedgerEntry struct {
	ID         string         `json:"id"`
	Reason     string         `json:"reason"`
	Outcome    AttemptOutcome `json:"outcome"`
	ChunkLevel int            `json:"chunk_level"`
	Attempts   int            `json:"attempts"`
	BatchID    string         `json:"batch_id,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
