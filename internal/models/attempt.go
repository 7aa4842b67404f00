package models

import "time"

// AttemptOutcome classifies the result of one call to the transcription service
type AttemptOutcome string

const (
	OutcomeSuccess        AttemptOutcome = "success"
	OutcomeTransientError AttemptOutcome = "transient_error"
	OutcomePermanentError AttemptOutcome = "permanent_error"
	OutcomeIncomplete     AttemptOutcome = "incomplete"

	// OutcomeBudgetExhausted and OutcomeCancelled never reach the service.
	// They describe why an attempt was not made.
	OutcomeBudgetExhausted AttemptOutcome = "budget_exhausted"
	OutcomeCancelled       AttemptOutcome = "cancelled"
)

// AttemptRecord captures one request to the service. Records are never mutated after creation.
type AttemptRecord struct {
	ID                 string         `json:"id"`
	ItemID             string         `json:"item_id"`
	ChunkIndex         int            `json:"chunk_index"`
	Pages              PageRange      `json:"pages"`
	Attempt            int            `json:"attempt"`
	Provider           string         `json:"provider"`
	Model              string         `json:"model"`
	RequestedMaxTokens int            `json:"requested_max_tokens"`
	InputTokens        int64          `json:"input_tokens"`
	OutputTokens       int64          `json:"output_tokens"`
	Duration           time.Duration  `json:"duration"`
	Outcome            AttemptOutcome `json:"outcome"`
	FinishReason       string         `json:"finish_reason,omitempty"`
	Error              string         `json:"error,omitempty"`
	StartedAt          time.Time      `json:"started_at"`
}
