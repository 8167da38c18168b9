package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
)

// ErrorKind classifies a provider failure for retry and breaker decisions.
type ErrorKind int

const (
	// KindUnknown is the default for unclassified errors. Treated as retriable.
	KindUnknown ErrorKind = iota

	// KindAuth is an authentication failure. Non-retriable; fatal for the
	// affected pipeline.
	KindAuth

	// KindQuota means the provider account quota is exhausted. Non-retriable;
	// degrades the affected pipeline.
	KindQuota

	// KindRateLimit is an HTTP 429. Retriable after a fixed long backoff.
	KindRateLimit

	// KindInvalidVoice means the requested TTS voice does not exist.
	// Non-retriable, per-turn.
	KindInvalidVoice

	// KindInvalidText means the provider rejected the input text.
	// Non-retriable, per-turn.
	KindInvalidText

	// KindTextTooLong means the input exceeded the provider's length limit.
	// Non-retriable, per-turn.
	KindTextTooLong

	// KindServer is a provider-side 5xx. Retriable.
	KindServer

	// KindNetwork is a connection-level failure. Retriable.
	KindNetwork

	// KindTimeout is a deadline expiry. Retriable.
	KindTimeout
)

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "authentication_failed"
	case KindQuota:
		return "quota_exceeded"
	case KindRateLimit:
		return "rate_limit"
	case KindInvalidVoice:
		return "invalid_voice"
	case KindInvalidText:
		return "invalid_text"
	case KindTextTooLong:
		return "text_too_long"
	case KindServer:
		return "server_error"
	case KindNetwork:
		return "network_error"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Retriable reports whether a failure of this kind is worth retrying.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimit, KindServer, KindNetwork, KindTimeout, KindUnknown:
		return true
	}
	return false
}

// CountsAgainstBreaker reports whether a failure of this kind indicates
// provider ill health. Per-turn input rejections do not.
func (k ErrorKind) CountsAgainstBreaker() bool {
	switch k {
	case KindInvalidVoice, KindInvalidText, KindTextTooLong:
		return false
	}
	return true
}

// ProviderError wraps a provider failure with its classification.
type ProviderError struct {
	// Provider names the failing service ("stt", "llm_deep", "tts", ...).
	Provider string

	// Kind is the failure classification.
	Kind ErrorKind

	// StatusCode is the HTTP status, when the failure came from an HTTP
	// response. Zero otherwise.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError classifies err by HTTP status and wraps it.
func NewProviderError(provider string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Kind:       classifyStatus(statusCode, err),
		StatusCode: statusCode,
		Err:        err,
	}
}

// classifyStatus maps an HTTP status (or transport error) to an ErrorKind.
func classifyStatus(statusCode int, err error) ErrorKind {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindAuth
	case http.StatusPaymentRequired:
		return KindQuota
	case http.StatusTooManyRequests:
		return KindRateLimit
	case http.StatusRequestEntityTooLarge:
		return KindTextTooLong
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return KindInvalidText
	case http.StatusNotFound:
		return KindInvalidVoice
	}
	if statusCode >= 500 {
		return KindServer
	}
	if statusCode == 0 {
		return classifyTransport(err)
	}
	return KindUnknown
}

// classifyTransport inspects a non-HTTP error for network and timeout causes.
func classifyTransport(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork
	}
	return KindUnknown
}

// KindOf extracts the ErrorKind from err, walking the wrap chain. Unwrapped
// errors are classified from their transport characteristics.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classifyTransport(err)
}
