package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vellum/internal/common"
)

// ClaudeService transcribes documents with the Anthropic Messages API. PDFs are sent
// as base64 document blocks and images as image blocks.
type ClaudeService struct {
	config    *common.ClaudeConfig
	logger    arbor.ILogger
	client    anthropic.Client
	model     string
	maxTokens int64
}

var (
	_ Provider      = (*ClaudeService)(nil)
	_ BatchProvider = (*ClaudeService)(nil)
)

// NewClaudeService creates a Claude transcription provider.
//
// The SDK's own retries are disabled: retry policy, rate limiting and cost accounting
// all live in the orchestrator, and hidden retries would bypass them.
func NewClaudeService(claudeConfig *common.ClaudeConfig, logger arbor.ILogger, opts ...option.RequestOption) (*ClaudeService, error) {
	apiKey, err := common.ResolveAPIKey("anthropic_api_key", claudeConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Anthropic API key is required for Claude (set ANTHROPIC_API_KEY, VELLUM_CLAUDE_API_KEY, or claude.api_key in config): %w", err)
	}

	model := claudeConfig.Model
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	maxTokens := int64(claudeConfig.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 16384
	}

	clientOpts := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, opts...)

	service := &ClaudeService{
		config:    claudeConfig,
		logger:    logger,
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
	}

	logger.Debug().
		Str("model", model).
		Float64("temperature", float64(claudeConfig.Temperature)).
		Int64("max_tokens", maxTokens).
		Msg("Claude service initialized")

	return service, nil
}

// Generate sends one transcription request and returns the raw answer
func (s *ClaudeService) Generate(ctx context.Context, request *Request) (*Response, error) {
	params, err := s.buildParams(request)
	if err != nil {
		return nil, Permanent(err)
	}

	start := time.Now()
	resp, err := s.client.Messages.New(ctx, params)
	if err != nil {
		return nil, Classify(fmt.Errorf("Claude API call failed: %w", err))
	}

	out := s.toResponse(resp)
	out.Duration = time.Since(start)

	s.logger.Debug().
		Str("item_id", request.ItemID).
		Str("pages", request.Pages.String()).
		Str("stop_reason", out.RawReason).
		Int64("input_tokens", out.Usage.InputTokens).
		Int64("output_tokens", out.Usage.OutputTokens).
		Str("duration", out.Duration.String()).
		Msg("Claude transcription call completed")

	return out, nil
}

func (s *ClaudeService) buildParams(request *Request) (anthropic.MessageNewParams, error) {
	content, err := documentBlock(request)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 || maxTokens > s.maxTokens {
		maxTokens = s.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: maxTokens,
		System:    []anthropic.TextBlockParam{{Text: SystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(content, anthropic.NewTextBlock(BuildUserPrompt(request, true))),
		},
	}
	if s.config.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(s.config.Temperature))
	}
	return params, nil
}

func documentBlock(request *Request) (anthropic.ContentBlockParamUnion, error) {
	if len(request.Document) == 0 {
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("empty document for %s", request.ItemID)
	}
	encoded := base64.StdEncoding.EncodeToString(request.Document)
	switch request.MediaType {
	case "application/pdf":
		return anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: encoded}), nil
	case "image/png", "image/jpeg", "image/gif", "image/webp":
		return anthropic.NewImageBlockBase64(request.MediaType, encoded), nil
	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported media type %q", request.MediaType)
	}
}

func (s *ClaudeService) toResponse(resp *anthropic.Message) *Response {
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &Response{
		Text:         text.String(),
		FinishReason: claudeFinishReason(resp.StopReason),
		RawReason:    string(resp.StopReason),
		Usage: Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
		Provider: ProviderClaude,
		Model:    string(resp.Model),
	}
}

func claudeFinishReason(reason anthropic.StopReason) FinishReason {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return FinishStop
	case anthropic.StopReasonMaxTokens:
		return FinishMaxTokens
	case anthropic.StopReasonRefusal:
		return FinishRefusal
	default:
		return FinishOther
	}
}

// Ping verifies the API key and model with a one-token call
func (s *ClaudeService) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	_, err := s.client.Messages.New(pingCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	if err != nil {
		return Classify(fmt.Errorf("Claude probe failed: %w", err))
	}
	return nil
}

func (s *ClaudeService) GetProviderType() ProviderType {
	return ProviderClaude
}

func (s *ClaudeService) Model() string {
	return s.model
}

// Close releases resources. The Claude client needs no explicit cleanup.
func (s *ClaudeService) Close() error {
	return nil
}
