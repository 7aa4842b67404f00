package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"google.golang.org/genai"

	"github.com/ternarybob/vellum/internal/common"
)

// GeminiService transcribes documents with the Gemini API. The document travels as an
// inline part and the answer is constrained with a response schema.
type GeminiService struct {
	config *common.GeminiConfig
	logger arbor.ILogger
	client *genai.Client
	model  string
	schema *genai.Schema
}

var _ Provider = (*GeminiService)(nil)

// NewGeminiService creates a Gemini transcription provider
func NewGeminiService(ctx context.Context, geminiConfig *common.GeminiConfig, logger arbor.ILogger) (*GeminiService, error) {
	apiKey, err := common.ResolveAPIKey("gemini_api_key", geminiConfig.APIKey)
	if err != nil {
		return nil, fmt.Errorf("Google API key is required for Gemini (set GOOGLE_API_KEY, VELLUM_GEMINI_API_KEY, or gemini.api_key in config): %w", err)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize genai client: %w", err)
	}

	schema, err := convertToGenaiSchema(OutputSchema())
	if err != nil {
		return nil, fmt.Errorf("failed to build response schema: %w", err)
	}

	model := geminiConfig.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	logger.Debug().
		Str("model", model).
		Float64("temperature", float64(geminiConfig.Temperature)).
		Msg("Gemini service initialized")

	return &GeminiService{
		config: geminiConfig,
		logger: logger,
		client: client,
		model:  model,
		schema: schema,
	}, nil
}

// Generate sends one transcription request and returns the raw answer
func (s *GeminiService) Generate(ctx context.Context, request *Request) (*Response, error) {
	if len(request.Document) == 0 {
		return nil, Permanent(fmt.Errorf("empty document for %s", request.ItemID))
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(request.Document, request.MediaType),
			genai.NewPartFromText(BuildUserPrompt(request, false)),
		}, genai.RoleUser),
	}

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    s.schema,
	}
	if s.config.Temperature > 0 {
		config.Temperature = genai.Ptr(s.config.Temperature)
	}
	if request.MaxTokens > 0 {
		config.MaxOutputTokens = int32(request.MaxTokens)
	}

	start := time.Now()
	resp, err := s.client.Models.GenerateContent(ctx, s.model, contents, config)
	if err != nil {
		return nil, Classify(fmt.Errorf("Gemini API call failed: %w", err))
	}

	out := s.toResponse(resp)
	out.Duration = time.Since(start)

	s.logger.Debug().
		Str("item_id", request.ItemID).
		Str("pages", request.Pages.String()).
		Str("finish_reason", out.RawReason).
		Int64("input_tokens", out.Usage.InputTokens).
		Int64("output_tokens", out.Usage.OutputTokens).
		Str("duration", out.Duration.String()).
		Msg("Gemini transcription call completed")

	return out, nil
}

func (s *GeminiService) toResponse(resp *genai.GenerateContentResponse) *Response {
	out := &Response{Provider: ProviderGemini, Model: s.model, FinishReason: FinishOther}
	if resp == nil {
		return out
	}

	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		out.FinishReason = FinishRefusal
		out.RawReason = string(resp.PromptFeedback.BlockReason)
		return out
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	candidate := resp.Candidates[0]
	out.RawReason = string(candidate.FinishReason)
	out.FinishReason = geminiFinishReason(candidate.FinishReason)

	var text strings.Builder
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
		}
	}
	out.Text = text.String()
	return out
}

func geminiFinishReason(reason genai.FinishReason) FinishReason {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishMaxTokens
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist,
		genai.FinishReasonProhibitedContent, genai.FinishReasonSPII:
		return FinishRefusal
	default:
		return FinishOther
	}
}

// Ping verifies the API key and model by fetching the model description
func (s *GeminiService) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	if _, err := s.client.Models.Get(pingCtx, s.model, nil); err != nil {
		return Classify(fmt.Errorf("Gemini probe failed: %w", err))
	}
	return nil
}

func (s *GeminiService) GetProviderType() ProviderType {
	return ProviderGemini
}

func (s *GeminiService) Model() string {
	return s.model
}

// Close releases resources. The genai client needs no explicit cleanup.
func (s *GeminiService) Close() error {
	return nil
}

// convertToGenaiSchema converts a map[string]interface{} representation of a JSON schema
// to a genai.Schema structure
func convertToGenaiSchema(schemaMap map[string]interface{}) (*genai.Schema, error) {
	if len(schemaMap) == 0 {
		return nil, nil
	}

	schema := &genai.Schema{}

	if typeStr, ok := schemaMap["type"].(string); ok {
		switch strings.ToLower(typeStr) {
		case "object":
			schema.Type = genai.TypeObject
		case "array":
			schema.Type = genai.TypeArray
		case "string":
			schema.Type = genai.TypeString
		case "number":
			schema.Type = genai.TypeNumber
		case "integer":
			schema.Type = genai.TypeInteger
		case "boolean":
			schema.Type = genai.TypeBoolean
		default:
			return nil, fmt.Errorf("unsupported schema type '%s'", typeStr)
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}

	schema.Enum = stringValues(schemaMap["enum"])
	schema.Required = stringValues(schemaMap["required"])

	if v, ok := numberValue(schemaMap["minimum"]); ok {
		schema.Minimum = &v
	}
	if v, ok := numberValue(schemaMap["maximum"]); ok {
		schema.Maximum = &v
	}

	if itemsMap, ok := schemaMap["items"].(map[string]interface{}); ok {
		itemSchema, err := convertToGenaiSchema(itemsMap)
		if err != nil {
			return nil, fmt.Errorf("failed to convert items schema: %w", err)
		}
		schema.Items = itemSchema
	}

	if propsMap, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(propsMap))
		for propName, propVal := range propsMap {
			propMap, ok := propVal.(map[string]interface{})
			if !ok {
				continue
			}
			propSchema, err := convertToGenaiSchema(propMap)
			if err != nil {
				return nil, fmt.Errorf("failed to convert property '%s': %w", propName, err)
			}
			schema.Properties[propName] = propSchema
		}
	}

	return schema, nil
}

func stringValues(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func numberValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
