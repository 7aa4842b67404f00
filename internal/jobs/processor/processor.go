// -----------------------------------------------------------------------
// Result processor - the single path from a raw service answer to a Record
// Shared by the synchronous orchestrator and the batch reconciler
// -----------------------------------------------------------------------

package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/interfaces"
	"github.com/ternarybob/vellum/internal/models"
	"github.com/ternarybob/vellum/internal/services/chunking"
	"github.com/ternarybob/vellum/internal/services/llm"
	"github.com/ternarybob/vellum/internal/services/validation"
	"github.com/ternarybob/vellum/internal/storage/filesystem"
)

// Verdict is the classification of one response for one page range
type Verdict struct {
	Outcome    models.AttemptOutcome
	Chunk      *models.ChunkResult // set only on success
	Reason     string
	Validation validation.Outcome
}

// Processor turns responses into chunk results and persists item outcomes
type Processor struct {
	store       interfaces.WorkStore
	validator   *validation.Validator
	coordinator *chunking.Coordinator
	logger      arbor.ILogger
}

// NewProcessor creates a result processor
func NewProcessor(store interfaces.WorkStore, validator *validation.Validator, coordinator *chunking.Coordinator, logger arbor.ILogger) *Processor {
	return &Processor{
		store:       store,
		validator:   validator,
		coordinator: coordinator,
		logger:      logger,
	}
}

// ToChunk classifies resp as the answer for pages of item. A refusal is permanent and a
// truncated answer is incomplete whatever its content; otherwise the validator decides.
func (p *Processor) ToChunk(item *models.WorkItem, index int, pages models.PageRange, resp *llm.Response) Verdict {
	if resp == nil {
		return Verdict{Outcome: models.OutcomePermanentError, Reason: "empty response"}
	}

	switch resp.FinishReason {
	case llm.FinishRefusal:
		return Verdict{
			Outcome: models.OutcomePermanentError,
			Reason:  fmt.Sprintf("content refused by service (%s)", resp.RawReason),
		}
	case llm.FinishMaxTokens:
		return Verdict{
			Outcome: models.OutcomeIncomplete,
			Reason:  fmt.Sprintf("output truncated at %d tokens", resp.Usage.OutputTokens),
		}
	}

	result := p.validator.Validate(resp.Text, pages.Len())
	verdict := Verdict{Validation: result.Outcome, Reason: result.Reason()}

	switch result.Outcome {
	case validation.OutcomeValid, validation.OutcomeRepaired:
		verdict.Outcome = models.OutcomeSuccess
		verdict.Chunk = &models.ChunkResult{
			Index:         index,
			Pages:         pages,
			Metadata:      result.Payload.Metadata,
			Transcription: result.Payload.Transcription,
			Confidence:    *result.Payload.Confidence,
			Status:        models.ChunkStatusDone,
			Repaired:      result.Repaired,
			Provider:      string(resp.Provider),
			Model:         resp.Model,
		}
		if result.Repaired {
			p.logger.Debug().
				Str("item_id", item.ID).
				Str("pages", pages.String()).
				Str("shape", result.Shape.String()).
				Msg("Response repaired to canonical shape")
		}
	case validation.OutcomeIncomplete:
		verdict.Outcome = models.OutcomeIncomplete
	default:
		verdict.Outcome = models.OutcomePermanentError
	}
	return verdict
}

// Accept handles a whole-document response, as returned by a batch job. On success the
// record is written; any other verdict is returned for the caller to record.
func (p *Processor) Accept(ctx context.Context, item *models.WorkItem, resp *llm.Response) (Verdict, error) {
	verdict := p.ToChunk(item, 0, models.FullRange(item.PageCount), resp)
	if verdict.Outcome != models.OutcomeSuccess {
		return verdict, nil
	}

	rec := p.coordinator.Merge(item, []models.ChunkResult{*verdict.Chunk}, nil)
	return verdict, p.Complete(ctx, item, rec)
}

// Complete writes the record for item. A record already on disk means another writer
// finished the item first, which counts as done.
func (p *Processor) Complete(ctx context.Context, item *models.WorkItem, rec *models.Record) error {
	err := p.store.WriteRecord(ctx, rec)
	if errors.Is(err, filesystem.ErrRecordExists) {
		p.logger.Warn().
			Str("item_id", item.ID).
			Msg("Record already exists, keeping the first one")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to write record for %s: %w", item.ID, err)
	}

	p.logger.Info().
		Str("item_id", item.ID).
		Int("pages", rec.PageCount).
		Int("chunks", rec.ChunkCount).
		Float64("confidence", rec.Confidence.Score).
		Msg("Record written")
	return nil
}

// Fail appends item to the failure ledger
func (p *Processor) Fail(ctx context.Context, item *models.WorkItem, outcome models.AttemptOutcome, reason string, attempts int, batchID string) error {
	entry := models.LedgerEntry{
		ID:         item.ID,
		Reason:     reason,
		Outcome:    outcome,
		ChunkLevel: item.ChunkLevel,
		Attempts:   attempts,
		BatchID:    batchID,
	}
	if err := p.store.RecordFailure(ctx, entry); err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", item.ID, err)
	}

	p.logger.Warn().
		Str("item_id", item.ID).
		Str("outcome", string(outcome)).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("Item failed")
	return nil
}

// MarkIncomplete appends item to the incomplete ledger at its current chunk level.
// The next run picks it up one level finer.
func (p *Processor) MarkIncomplete(ctx context.Context, item *models.WorkItem, reason string, attempts int, batchID string) error {
	entry := models.LedgerEntry{
		ID:         item.ID,
		Reason:     reason,
		Outcome:    models.OutcomeIncomplete,
		ChunkLevel: item.ChunkLevel,
		Attempts:   attempts,
		BatchID:    batchID,
	}
	if err := p.store.RecordIncomplete(ctx, entry); err != nil {
		return fmt.Errorf("failed to record incomplete item %s: %w", item.ID, err)
	}

	p.logger.Warn().
		Str("item_id", item.ID).
		Int("chunk_level", item.ChunkLevel).
		Str("reason", reason).
		Msg("Item incomplete")
	return nil
}
