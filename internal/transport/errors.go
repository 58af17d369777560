package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// TimeoutError marks an attempt aborted by the per-attempt deadline.
// Retryable within the retry budget.
type TimeoutError struct {
	URL     string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.Timeout)
}

// NetworkError marks a connection/DNS-class failure of the fetch layer.
// Retryable, and flips the sticky proxy fallback. After the retry budget is
// exhausted it bundles the direct and proxy failure reasons.
type NetworkError struct {
	Direct error
	Proxy  error
}

func (e *NetworkError) Error() string {
	if e.Proxy != nil {
		return fmt.Sprintf("request failed directly (%v) and via proxy (%v)", e.Direct, e.Proxy)
	}
	return fmt.Sprintf("request failed: %v", e.Direct)
}

func (e *NetworkError) Unwrap() error { return e.Direct }

// StatusError is a non-2xx provider response surfaced to the user after the
// transport gave up. Message is best-effort extracted from the body; Hint is
// keyed by status class.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
	Hint       string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	out := fmt.Sprintf("%s request failed (HTTP %d): %s", e.Provider, e.StatusCode, msg)
	if e.Hint != "" {
		out += " (" + e.Hint + ")"
	}
	return out
}

// NewStatusError builds a StatusError from a provider response body.
func NewStatusError(provider string, status int, body []byte) *StatusError {
	return &StatusError{
		Provider:   provider,
		StatusCode: status,
		Message:    extractAPIMessage(body),
		Hint:       remedyHint(status),
	}
}

// remedyHint maps a status class to a short user-facing remedy.
func remedyHint(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "check your API credentials"
	case status == http.StatusTooManyRequests:
		return "check your quota or rate limits"
	case status >= 500:
		return "provider error, retry later"
	case status >= 400:
		return "check the request parameters"
	default:
		return ""
	}
}

// extractAPIMessage pulls a human-readable message out of the common
// provider error body shapes: {"error":{"message":...}}, {"error":"..."},
// {"message":"..."}. Falls back to the raw body, trimmed.
func extractAPIMessage(body []byte) string {
	var wrapped struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil {
		if wrapped.Error.Message != "" {
			return wrapped.Error.Message
		}
		if wrapped.Message != "" {
			return wrapped.Message
		}
	}
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}

	msg := strings.TrimSpace(string(body))
	const maxLen = 200
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}

// retryableStatus reports whether the whole request should be retried for
// this HTTP status: 429 or any 5xx.
func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
