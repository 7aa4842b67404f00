package llm

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"time"

	"github.com/ternarybob/vellum/internal/common"
)

// RetryConfig defines backoff between attempts at a transient failure
type RetryConfig struct {
	// MaxAttempts counts the first call (default: 4)
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Jitter is the fraction of each backoff that is randomised, so workers that failed
	// together do not retry together
	Jitter float64

	random func() float64
}

const (
	DefaultMaxAttempts    = 4
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 90 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitter         = 0.2

	// retryDelayPad is added to a provider-suggested delay
	retryDelayPad = time.Second
)

// NewRetryConfig builds a RetryConfig from configuration, falling back to defaults
func NewRetryConfig(cfg common.RetryConfig) *RetryConfig {
	rc := &RetryConfig{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: common.ParseDurationOr(cfg.InitialBackoff, DefaultInitialBackoff),
		MaxBackoff:     common.ParseDurationOr(cfg.MaxBackoff, DefaultMaxBackoff),
		Multiplier:     cfg.Multiplier,
		Jitter:         cfg.Jitter,
	}
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = DefaultMaxAttempts
	}
	if rc.Multiplier < 1 {
		rc.Multiplier = DefaultMultiplier
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		rc.Jitter = DefaultJitter
	}
	return rc
}

// Backoff computes the wait before retry number attempt (0-based: the wait after the
// first failure is Backoff(0, ...)). A provider-suggested delay replaces the base and
// is never shortened by jitter. The result is capped at MaxBackoff.
func (c *RetryConfig) Backoff(attempt int, apiDelay time.Duration) time.Duration {
	if apiDelay > 0 {
		d := apiDelay + retryDelayPad
		if d > c.MaxBackoff {
			d = c.MaxBackoff
		}
		return d
	}

	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= c.Multiplier
	}
	backoff := float64(c.InitialBackoff) * multiplier
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}

	if c.Jitter > 0 {
		rnd := rand.Float64
		if c.random != nil {
			rnd = c.random
		}
		// spread over [1-jitter, 1] of the computed backoff
		backoff *= 1 - c.Jitter*rnd()
	}
	return time.Duration(backoff)
}

// retryDelayRegex matches "Please retry in Xs" or "retryDelay:Xs" patterns
var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay["'\s:]+)(\d+(?:\.\d+)?)\s*s`)

// ExtractRetryDelay parses a provider-suggested retry delay out of an error message.
// Returns 0 if no delay is found.
//
// Example error message:
// "Error 429, Message: ... Please retry in 45.387061394s., Status: RESOURCE_EXHAUSTED"
func ExtractRetryDelay(err error) time.Duration {
	if err == nil {
		return 0
	}

	matches := retryDelayRegex.FindStringSubmatch(err.Error())
	if len(matches) < 2 {
		return 0
	}

	seconds, parseErr := strconv.ParseFloat(matches[1], 64)
	if parseErr != nil {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}
