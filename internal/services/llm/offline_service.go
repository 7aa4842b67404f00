package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
)

// OfflineService answers every request with a synthetic, well-formed transcription.
// It makes no network calls and backs --dry-run, which exercises the full pipeline
// (chunking, governor, ledger, validation, store) without spending anything.
type OfflineService struct {
	model   string
	latency time.Duration
	logger  arbor.ILogger
}

var _ Provider = (*OfflineService)(nil)

// NewOfflineService creates an offline provider that reports the given model name so
// pricing lookups behave as in a real run
func NewOfflineService(model string, latency time.Duration, logger arbor.ILogger) *OfflineService {
	return &OfflineService{model: model, latency: latency, logger: logger}
}

func (s *OfflineService) Generate(ctx context.Context, request *Request) (*Response, error) {
	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, Transient(ctx.Err())
		case <-time.After(s.latency):
		}
	}

	pages := max(request.Pages.Len(), 1)
	var faithful strings.Builder
	for p := request.Pages.Start; p < request.Pages.Start+pages; p++ {
		fmt.Fprintf(&faithful, "[page %d] Synthetic transcription of %s produced without contacting a service.\n", p, request.ItemID)
	}
	text := faithful.String()

	answer := map[string]interface{}{
		"metadata": map[string]interface{}{
			"title":         "Dry run: " + request.ItemID,
			"document_type": "other",
			"people":        []string{},
			"places":        []string{},
			"keywords":      []string{"dry-run"},
			"summary":       "Offline placeholder record.",
		},
		"transcription": map[string]interface{}{
			"faithful": text,
			"cleaned":  text,
		},
		"confidence": map[string]interface{}{
			"score":    0,
			"concerns": []string{"offline dry run: no service was called"},
		},
	}
	body, err := json.Marshal(answer)
	if err != nil {
		return nil, Permanent(err)
	}

	return &Response{
		Text:         string(body),
		FinishReason: FinishStop,
		RawReason:    "offline",
		Usage: Usage{
			InputTokens:  int64(len(request.Document)/4 + len(SystemPrompt)/4),
			OutputTokens: int64(len(body) / 4),
		},
		Provider: ProviderOffline,
		Model:    s.model,
		Duration: s.latency,
	}, nil
}

func (s *OfflineService) Ping(ctx context.Context) error {
	return nil
}

func (s *OfflineService) GetProviderType() ProviderType {
	return ProviderOffline
}

func (s *OfflineService) Model() string {
	return s.model
}

func (s *OfflineService) Close() error {
	return nil
}
