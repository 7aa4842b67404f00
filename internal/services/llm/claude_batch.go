package llm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/ternarybob/vellum/internal/models"
)

// customIDLimit is the longest custom_id the Message Batches API accepts
const customIDLimit = 64

var customIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// CustomID derives a batch custom id from a work item id. Characters the API rejects
// become underscores and the position suffix keeps ids unique after truncation.
func CustomID(itemID string, index int) string {
	suffix := "-" + strconv.Itoa(index)
	base := customIDUnsafe.ReplaceAllString(itemID, "_")
	if base == "" {
		base = "item"
	}
	if room := customIDLimit - len(suffix); len(base) > room {
		base = base[:room]
	}
	return base + suffix
}

// SubmitBatch creates a Message Batch with one request per entry
func (s *ClaudeService) SubmitBatch(ctx context.Context, requests []BatchRequest) (*BatchInfo, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("batch has no requests")
	}

	entries := make([]anthropic.MessageBatchNewParamsRequest, 0, len(requests))
	for _, r := range requests {
		params, err := s.buildParams(r.Request)
		if err != nil {
			return nil, Permanent(fmt.Errorf("request %s: %w", r.CustomID, err))
		}
		entries = append(entries, anthropic.MessageBatchNewParamsRequest{
			CustomID: r.CustomID,
			Params: anthropic.MessageBatchNewParamsRequestParams{
				Model:       params.Model,
				MaxTokens:   params.MaxTokens,
				System:      params.System,
				Messages:    params.Messages,
				Temperature: params.Temperature,
			},
		})
	}

	batch, err := s.client.Messages.Batches.New(ctx, anthropic.MessageBatchNewParams{Requests: entries})
	if err != nil {
		return nil, Classify(fmt.Errorf("Claude batch submission failed: %w", err))
	}

	s.logger.Info().
		Str("batch_id", batch.ID).
		Int("requests", len(entries)).
		Msg("Claude batch submitted")

	return batchInfo(batch), nil
}

// GetBatch returns the current state of a batch
func (s *ClaudeService) GetBatch(ctx context.Context, id string) (*BatchInfo, error) {
	batch, err := s.client.Messages.Batches.Get(ctx, id)
	if err != nil {
		return nil, Classify(fmt.Errorf("Claude batch status failed: %w", err))
	}
	return batchInfo(batch), nil
}

// BatchResults streams the per-request results of an ended batch
func (s *ClaudeService) BatchResults(ctx context.Context, id string) ([]BatchResult, error) {
	stream := s.client.Messages.Batches.ResultsStreaming(ctx, id)
	defer stream.Close()

	var results []BatchResult
	for stream.Next() {
		entry := stream.Current()
		result := BatchResult{CustomID: entry.CustomID}

		switch entry.Result.Type {
		case "succeeded":
			msg := entry.Result.Message
			result.Response = s.toResponse(&msg)
		case "errored":
			result.Err = Permanent(fmt.Errorf("batch request errored: %s", entry.Result.Error.Error.Message))
		case "expired":
			result.Err = Transient(fmt.Errorf("batch request expired before processing"))
		case "canceled":
			result.Err = Transient(fmt.Errorf("batch request canceled"))
		default:
			result.Err = Permanent(fmt.Errorf("unknown batch result type %q", entry.Result.Type))
		}
		results = append(results, result)
	}
	if err := stream.Err(); err != nil {
		return nil, Classify(fmt.Errorf("Claude batch results failed: %w", err))
	}
	return results, nil
}

func batchInfo(batch *anthropic.MessageBatch) *BatchInfo {
	counts := batch.RequestCounts
	info := &BatchInfo{
		ID: batch.ID,
		Counts: models.BatchCounts{
			Total:      int(counts.Succeeded + counts.Errored + counts.Expired + counts.Canceled + counts.Processing),
			Succeeded:  int(counts.Succeeded),
			Failed:     int(counts.Errored + counts.Expired + counts.Canceled),
			Processing: int(counts.Processing),
		},
		EndedAt: batch.EndedAt,
	}

	switch batch.ProcessingStatus {
	case anthropic.MessageBatchProcessingStatusEnded:
		info.Status = batchEndedStatus(counts)
	default:
		// canceling is still running from our point of view: results are not final
		info.Status = models.BatchStatusInProgress
	}
	return info
}

func batchEndedStatus(counts anthropic.MessageBatchRequestCounts) models.BatchStatus {
	total := counts.Succeeded + counts.Errored + counts.Expired + counts.Canceled
	switch {
	case total > 0 && counts.Expired == total:
		return models.BatchStatusExpired
	case total > 0 && counts.Canceled == total:
		return models.BatchStatusCancelled
	default:
		return models.BatchStatusCompleted
	}
}
