package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string                 `toml:"environment"` // "development" or "production"
	Source      SourceConfig           `toml:"source"`
	Output      OutputConfig           `toml:"output"`
	Storage     StorageConfig          `toml:"storage"`
	Logging     LoggingConfig          `toml:"logging"`
	LLM         LLMConfig              `toml:"llm"`
	Gemini      GeminiConfig           `toml:"gemini"`
	Claude      ClaudeConfig           `toml:"claude"`
	Rate        RateConfig             `toml:"rate"`
	Budget      BudgetConfig           `toml:"budget"`
	Pricing     map[string]PriceConfig `toml:"pricing"` // keyed by model name
	Retry       RetryConfig            `toml:"retry"`
	Chunking    ChunkingConfig         `toml:"chunking"`
	Validation  ValidationConfig       `toml:"validation"`
	Workers     WorkersConfig          `toml:"workers"`
	Batch       BatchConfig            `toml:"batch"`
}

// SourceConfig locates the scanned documents to transcribe
type SourceConfig struct {
	Dir        string   `toml:"dir"`        // Directory of source documents
	Extensions []string `toml:"extensions"` // Accepted file extensions (default: .pdf, .png, .jpg, .jpeg)
}

// OutputConfig locates records, ledgers and batch metadata
type OutputConfig struct {
	Dir            string `toml:"dir"`             // Record output directory
	FailuresFile   string `toml:"failures_file"`   // Failure ledger file name inside Dir
	IncompleteFile string `toml:"incomplete_file"` // Incomplete ledger file name inside Dir
	BatchDir       string `toml:"batch_dir"`       // Batch job metadata directory inside Dir
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration for the audit store
type BadgerConfig struct {
	Enabled        bool   `toml:"enabled"`          // Keep an audit trail of attempts, spend and batch snapshots
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Output     []string `toml:"output"`      // "stdout", "file"
	Dir        string   `toml:"dir"`         // Log directory (default: ./logs)
	TimeFormat string   `toml:"time_format"` // Time format for logs (default: "15:04:05")
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	// LLMProviderGemini uses Google Gemini API
	LLMProviderGemini LLMProvider = "gemini"
	// LLMProviderClaude uses Anthropic Claude API
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains provider-independent settings for transcription calls
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"`  // "gemini" or "claude" (default: "claude")
	Timeout         string      `toml:"timeout"`           // Per-call timeout (default: "5m")
	ExpectedLatency string      `toml:"expected_latency"`  // Typical call duration used for time estimates (default: "40s")
	MaxOutputTokens int         `toml:"max_output_tokens"` // Upper bound on requested output tokens (default: 16384)
}

// GeminiConfig contains Google Gemini API configuration
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`     // Google Gemini API key
	Model       string  `toml:"model"`       // Model for transcription (default: "gemini-2.5-flash")
	Temperature float32 `toml:"temperature"` // Generation temperature (default: 0.1)
}

// ClaudeConfig contains Anthropic Claude API configuration
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`     // Anthropic API key
	Model       string  `toml:"model"`       // Model for transcription (default: "claude-sonnet-4-5")
	MaxTokens   int     `toml:"max_tokens"`  // Maximum tokens in response (default: 16384)
	Temperature float32 `toml:"temperature"` // Generation temperature (default: 0.1)
}

// RateConfig holds the service ceilings enforced by the rate governor. Zero disables a dimension.
type RateConfig struct {
	RequestsPerSecond int `toml:"requests_per_second"`
	TokensPerMinute   int `toml:"tokens_per_minute"`
	MaxConcurrency    int `toml:"max_concurrency"`
}

// BudgetConfig holds the monetary ceiling and the per-page token heuristic used for reservations
type BudgetConfig struct {
	Limit               float64 `toml:"limit"`                  // USD; zero or negative means unlimited
	BaseTokens          int     `toml:"base_tokens"`            // Prompt overhead per request
	InputTokensPerPage  int     `toml:"input_tokens_per_page"`  // Conservative image/page token estimate
	OutputTokensPerPage int     `toml:"output_tokens_per_page"` // Conservative transcription token estimate
}

// PriceConfig is the declared cost model of one model, in USD per million tokens
type PriceConfig struct {
	InputPerMillion  float64 `toml:"input_per_million"`
	OutputPerMillion float64 `toml:"output_per_million"`
	BatchDiscount    float64 `toml:"batch_discount"` // Fraction taken off for batch submissions (0.5 = half price)
}

// RetryConfig controls retries of transient errors
type RetryConfig struct {
	MaxAttempts    int     `toml:"max_attempts"`    // Attempts per request including the first (default: 4)
	InitialBackoff string  `toml:"initial_backoff"` // default: "2s"
	MaxBackoff     string  `toml:"max_backoff"`     // default: "90s"
	Multiplier     float64 `toml:"multiplier"`      // default: 2.0
	Jitter         float64 `toml:"jitter"`          // Fraction of the backoff randomised (default: 0.2)
}

// ChunkingConfig controls page-range splitting of long documents
type ChunkingConfig struct {
	PageThreshold    int `toml:"page_threshold"`      // Documents above this page count are chunked (default: 20)
	PagesPerChunk    int `toml:"pages_per_chunk"`     // Chunk size before escalation (default: 10)
	MinPagesPerChunk int `toml:"min_pages_per_chunk"` // Escalation floor (default: 1)
	MaxChunkRetries  int `toml:"max_chunk_retries"`   // Retries of an incomplete chunk (default: 1)
}

// ValidationConfig holds the incompleteness heuristics and the confidence default
type ValidationConfig struct {
	MinCharsPerPage   int     `toml:"min_chars_per_page"` // Faithful text shorter than this per page is incomplete (default: 40)
	MinFaithfulChars  int     `toml:"min_faithful_chars"` // Cleaned-ratio check applies above this length (default: 200)
	MinCleanedRatio   float64 `toml:"min_cleaned_ratio"`  // Cleaned/faithful ratio below this is incomplete (default: 0.3)
	DefaultConfidence float64 `toml:"default_confidence"` // Used when the service reports none (default: 0.5)
}

// WorkersConfig contains configuration for the worker pool
type WorkersConfig struct {
	Count int `toml:"count"` // Concurrent workers (default: 4)
}

// BatchConfig controls the asynchronous batch workflow
type BatchConfig struct {
	PollInterval string `toml:"poll_interval"` // default: "60s"
	MaxWait      string `toml:"max_wait"`      // Jobs still running after this are reported timed out (default: "24h")
}

// NewDefaultConfig creates a configuration with default values
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Source: SourceConfig{
			Dir:        "./sources",
			Extensions: []string{".pdf", ".png", ".jpg", ".jpeg"},
		},
		Output: OutputConfig{
			Dir:            "./records",
			FailuresFile:   "_failures.jsonl",
			IncompleteFile: "_incomplete.jsonl",
			BatchDir:       "_batches",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Enabled: true,
				Path:    "./data/audit",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"stdout", "file"},
			Dir:        "./logs",
			TimeFormat: "15:04:05",
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderClaude,
			Timeout:         "5m",
			ExpectedLatency: "40s",
			MaxOutputTokens: 16384,
		},
		Gemini: GeminiConfig{
			Model:       "gemini-2.5-flash",
			Temperature: 0.1,
		},
		Claude: ClaudeConfig{
			Model:       "claude-sonnet-4-5",
			MaxTokens:   16384,
			Temperature: 0.1,
		},
		Rate: RateConfig{
			RequestsPerSecond: 2,
			TokensPerMinute:   400000,
			MaxConcurrency:    4,
		},
		Budget: BudgetConfig{
			Limit:               0,
			BaseTokens:          1500,
			InputTokensPerPage:  1800,
			OutputTokensPerPage: 900,
		},
		Pricing: map[string]PriceConfig{
			"claude-sonnet-4-5": {InputPerMillion: 3.00, OutputPerMillion: 15.00, BatchDiscount: 0.5},
			"claude-haiku-4-5":  {InputPerMillion: 1.00, OutputPerMillion: 5.00, BatchDiscount: 0.5},
			"claude-opus-4-1":   {InputPerMillion: 15.00, OutputPerMillion: 75.00, BatchDiscount: 0.5},
			"gemini-2.5-flash":  {InputPerMillion: 0.30, OutputPerMillion: 2.50, BatchDiscount: 0.5},
			"gemini-2.5-pro":    {InputPerMillion: 1.25, OutputPerMillion: 10.00, BatchDiscount: 0.5},
		},
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: "2s",
			MaxBackoff:     "90s",
			Multiplier:     2.0,
			Jitter:         0.2,
		},
		Chunking: ChunkingConfig{
			PageThreshold:    20,
			PagesPerChunk:    10,
			MinPagesPerChunk: 1,
			MaxChunkRetries:  1,
		},
		Validation: ValidationConfig{
			MinCharsPerPage:   40,
			MinFaithfulChars:  200,
			MinCleanedRatio:   0.3,
			DefaultConfidence: 0.5,
		},
		Workers: WorkersConfig{
			Count: 4,
		},
		Batch: BatchConfig{
			PollInterval: "60s",
			MaxWait:      "24h",
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal merges into the existing values
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies VELLUM_* environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VELLUM_ENV"); env != "" {
		config.Environment = env
	}

	// Paths
	if dir := os.Getenv("VELLUM_SOURCE_DIR"); dir != "" {
		config.Source.Dir = dir
	}
	if dir := os.Getenv("VELLUM_OUTPUT_DIR"); dir != "" {
		config.Output.Dir = dir
	}
	if path := os.Getenv("VELLUM_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if enabled := os.Getenv("VELLUM_BADGER_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			config.Storage.Badger.Enabled = b
		}
	}

	// Logging
	if level := os.Getenv("VELLUM_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if output := os.Getenv("VELLUM_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		config.Logging.Output = outputs
	}

	// Provider selection and credentials
	if provider := os.Getenv("VELLUM_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}
	if timeout := os.Getenv("VELLUM_LLM_TIMEOUT"); timeout != "" {
		config.LLM.Timeout = timeout
	}
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("VELLUM_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // VELLUM_ prefix takes priority
	}
	if model := os.Getenv("VELLUM_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if apiKey := os.Getenv("VELLUM_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("VELLUM_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}

	// Ceilings
	if rps := os.Getenv("VELLUM_RATE_RPS"); rps != "" {
		if v, err := strconv.Atoi(rps); err == nil {
			config.Rate.RequestsPerSecond = v
		}
	}
	if tpm := os.Getenv("VELLUM_RATE_TPM"); tpm != "" {
		if v, err := strconv.Atoi(tpm); err == nil {
			config.Rate.TokensPerMinute = v
		}
	}
	if concurrency := os.Getenv("VELLUM_RATE_CONCURRENCY"); concurrency != "" {
		if v, err := strconv.Atoi(concurrency); err == nil {
			config.Rate.MaxConcurrency = v
		}
	}
	if budget := os.Getenv("VELLUM_BUDGET_LIMIT"); budget != "" {
		if v, err := strconv.ParseFloat(budget, 64); err == nil {
			config.Budget.Limit = v
		}
	}
	if workers := os.Getenv("VELLUM_WORKERS_COUNT"); workers != "" {
		if v, err := strconv.Atoi(workers); err == nil && v > 0 {
			config.Workers.Count = v
		}
	}
	if threshold := os.Getenv("VELLUM_CHUNKING_PAGE_THRESHOLD"); threshold != "" {
		if v, err := strconv.Atoi(threshold); err == nil && v > 0 {
			config.Chunking.PageThreshold = v
		}
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config.
// A negative budget or non-positive worker count leaves the configured value in place.
func ApplyFlagOverrides(config *Config, budget float64, workers int) {
	if budget >= 0 {
		config.Budget.Limit = budget
	}
	if workers > 0 {
		config.Workers.Count = workers
	}
}

// ResolveAPIKey resolves an API key with environment variable priority.
// Resolution order: environment variables → config fallback → error
func ResolveAPIKey(name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"anthropic_api_key": {"VELLUM_CLAUDE_API_KEY", "ANTHROPIC_API_KEY"},
		"gemini_api_key":    {"VELLUM_GEMINI_API_KEY", "GOOGLE_API_KEY"},
	}

	if envVarNames, ok := keyToEnvMapping[name]; ok {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment or config", name)
}

// Validate checks ranges that would otherwise surface as confusing runtime behaviour
func (c *Config) Validate() error {
	switch c.LLM.DefaultProvider {
	case LLMProviderClaude, LLMProviderGemini:
	default:
		return fmt.Errorf("llm.default_provider must be 'claude' or 'gemini', got '%s'", c.LLM.DefaultProvider)
	}
	if c.Source.Dir == "" {
		return fmt.Errorf("source.dir is required")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Rate.RequestsPerSecond < 0 || c.Rate.TokensPerMinute < 0 || c.Rate.MaxConcurrency < 0 {
		return fmt.Errorf("rate ceilings must not be negative")
	}
	if c.Workers.Count < 1 {
		return fmt.Errorf("workers.count must be at least 1, got %d", c.Workers.Count)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Chunking.PageThreshold < 1 || c.Chunking.PagesPerChunk < 1 {
		return fmt.Errorf("chunking.page_threshold and chunking.pages_per_chunk must be positive")
	}
	if c.Chunking.MinPagesPerChunk < 1 || c.Chunking.MinPagesPerChunk > c.Chunking.PagesPerChunk {
		return fmt.Errorf("chunking.min_pages_per_chunk must be between 1 and pages_per_chunk")
	}
	if c.Validation.DefaultConfidence < 0 || c.Validation.DefaultConfidence > 1 {
		return fmt.Errorf("validation.default_confidence must be within [0,1]")
	}
	if _, ok := c.Pricing[c.ActiveModel()]; !ok {
		return fmt.Errorf("no pricing configured for model '%s'", c.ActiveModel())
	}
	for name, value := range map[string]string{
		"llm.timeout":           c.LLM.Timeout,
		"llm.expected_latency":  c.LLM.ExpectedLatency,
		"retry.initial_backoff": c.Retry.InitialBackoff,
		"retry.max_backoff":     c.Retry.MaxBackoff,
		"batch.poll_interval":   c.Batch.PollInterval,
		"batch.max_wait":        c.Batch.MaxWait,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s '%s': %w", name, value, err)
		}
	}
	return nil
}

// ActiveModel returns the model of the default provider
func (c *Config) ActiveModel() string {
	if c.LLM.DefaultProvider == LLMProviderGemini {
		return c.Gemini.Model
	}
	return c.Claude.Model
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ParseDurationOr parses a duration string, returning fallback when empty or malformed
func ParseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
