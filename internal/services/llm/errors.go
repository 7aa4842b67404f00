package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"google.golang.org/genai"
)

// ErrorClass separates failures worth retrying from those that will not change
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// ProviderError is a classified provider failure
type ProviderError struct {
	Class      ErrorClass
	StatusCode int
	RetryAfter time.Duration // provider-suggested delay, zero when absent
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether retrying the same request may succeed
func (e *ProviderError) IsTransient() bool {
	return e.Class == ClassTransient
}

// Transient wraps err as a retryable failure
func Transient(err error) *ProviderError {
	return &ProviderError{Class: ClassTransient, Err: err}
}

// Permanent wraps err as a failure that retrying will not fix
func Permanent(err error) *ProviderError {
	return &ProviderError{Class: ClassPermanent, Err: err}
}

// Classify maps an error returned by a provider call to transient or permanent.
// Rate limits, overload, server errors, timeouts and network faults are transient;
// other client errors are permanent.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	var claudeErr *anthropic.Error
	if errors.As(err, &claudeErr) {
		out := &ProviderError{Class: classifyStatus(claudeErr.StatusCode), StatusCode: claudeErr.StatusCode, Err: err}
		if claudeErr.Response != nil {
			out.RetryAfter = parseRetryAfter(claudeErr.Response.Header)
		}
		return out
	}

	var geminiErr genai.APIError
	if errors.As(err, &geminiErr) {
		return classifyGemini(geminiErr, err)
	}
	var geminiErrPtr *genai.APIError
	if errors.As(err, &geminiErrPtr) && geminiErrPtr != nil {
		return classifyGemini(*geminiErrPtr, err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return Transient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient(err)
	}

	if looksRateLimited(err) {
		return &ProviderError{Class: ClassTransient, Err: err, RetryAfter: ExtractRetryDelay(err)}
	}
	return Permanent(err)
}

func classifyGemini(apiErr genai.APIError, err error) *ProviderError {
	out := &ProviderError{Class: classifyStatus(apiErr.Code), StatusCode: apiErr.Code, Err: err}
	if apiErr.Code == 0 && looksRateLimited(err) {
		out.Class = ClassTransient
	}
	if out.Class == ClassTransient {
		out.RetryAfter = ExtractRetryDelay(err)
	}
	return out
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status >= 500:
		return ClassTransient
	case status == 0:
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// looksRateLimited matches rate limit and overload markers in error text
func looksRateLimited(err error) bool {
	msg := err.Error()
	lower := strings.ToLower(msg)
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(msg, "UNAVAILABLE") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota")
}

func parseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if ms := h.Get("retry-after-ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}
	if s := h.Get("retry-after"); s != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Second))
		}
		if t, err := http.ParseTime(s); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	return 0
}
