package llm

import (
	"context"
	"time"

	"github.com/ternarybob/vellum/internal/models"
)

// ProviderType represents the transcription service behind a Provider
type ProviderType string

const (
	// ProviderClaude uses Anthropic Claude API
	ProviderClaude ProviderType = "claude"
	// ProviderGemini uses Google Gemini API
	ProviderGemini ProviderType = "gemini"
	// ProviderOffline produces synthetic responses without any network access
	ProviderOffline ProviderType = "offline"
)

// FinishReason is the provider stop reason normalised across services
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishMaxTokens FinishReason = "max_tokens"
	FinishRefusal   FinishReason = "refusal"
	FinishOther     FinishReason = "other"
)

// Request is one transcription call: a document (or a page range cut from one) plus
// enough context for the prompt
type Request struct {
	ItemID     string
	Pages      models.PageRange
	PageCount  int // pages in the whole document
	ChunkIndex int
	ChunkTotal int
	Document   []byte
	MediaType  string
	MaxTokens  int64
}

// IsChunk reports whether the request covers only part of the document
func (r *Request) IsChunk() bool {
	return r.ChunkTotal > 1
}

// Usage is the token consumption reported by the provider
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns input plus output tokens
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Response is the raw provider answer before validation
type Response struct {
	Text         string
	FinishReason FinishReason
	RawReason    string
	Usage        Usage
	Provider     ProviderType
	Model        string
	Duration     time.Duration
}

// Provider defines the interface for a transcription service
type Provider interface {
	Generate(ctx context.Context, request *Request) (*Response, error)
	Ping(ctx context.Context) error
	GetProviderType() ProviderType
	Model() string
	Close() error
}

// BatchRequest is one entry of an asynchronous batch submission
type BatchRequest struct {
	CustomID string
	Request  *Request
}

// BatchInfo is the provider view of a submitted batch
type BatchInfo struct {
	ID      string
	Status  models.BatchStatus
	Counts  models.BatchCounts
	EndedAt time.Time
}

// BatchResult is the outcome of one request inside a finished batch.
// Exactly one of Response and Err is set.
type BatchResult struct {
	CustomID string
	Response *Response
	Err      error
}

// BatchProvider is implemented by providers offering discounted asynchronous batches
type BatchProvider interface {
	SubmitBatch(ctx context.Context, requests []BatchRequest) (*BatchInfo, error)
	GetBatch(ctx context.Context, id string) (*BatchInfo, error)
	BatchResults(ctx context.Context, id string) ([]BatchResult, error)
}
