package llm

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
)

// NewProvider creates the provider selected by llm.default_provider. With offline set
// no credentials are needed and nothing leaves the process.
func NewProvider(ctx context.Context, cfg *common.Config, offline bool, logger arbor.ILogger) (Provider, error) {
	if offline {
		logger.Info().Str("model", cfg.ActiveModel()).Msg("Using offline provider (dry run)")
		return NewOfflineService(cfg.ActiveModel(), 0, logger), nil
	}

	logger.Debug().Str("provider", string(cfg.LLM.DefaultProvider)).Msg("Initializing transcription provider")

	switch cfg.LLM.DefaultProvider {
	case common.LLMProviderClaude:
		return NewClaudeService(&cfg.Claude, logger)
	case common.LLMProviderGemini:
		return NewGeminiService(ctx, &cfg.Gemini, logger)
	default:
		return nil, fmt.Errorf("unsupported provider '%s': must be 'claude' or 'gemini'", cfg.LLM.DefaultProvider)
	}
}

// AsBatchProvider returns the batch capability of p, if it has one
func AsBatchProvider(p Provider) (BatchProvider, bool) {
	bp, ok := p.(BatchProvider)
	return bp, ok
}
