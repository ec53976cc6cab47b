package remote

import (
	"errors"
	"net/http"
	"strings"
)

// ErrorAction determines how the replayer handles a remote call error.
type ErrorAction int

const (
	ActionRetry ErrorAction = iota
	ActionFailover
	ActionFatal
)

// Classify determines the action for a given error.
func Classify(err error) ErrorAction {
	if err == nil {
		return ActionRetry // Should not happen
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusForbidden,
			apiErr.StatusCode == http.StatusServiceUnavailable,
			apiErr.StatusCode == http.StatusBadGateway,
			apiErr.StatusCode == http.StatusGatewayTimeout:
			return ActionFailover
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return ActionRetry
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			// Malformed payload, missing document, stale auth after refresh.
			return ActionFatal
		}
		return ActionRetry
	}

	s := strings.ToLower(err.Error())
	if strings.Contains(s, "quota") || strings.Contains(s, "rate limit") ||
		strings.Contains(s, "too many requests") {
		return ActionFailover
	}

	// Network errors, timeouts, connection resets.
	return ActionRetry
}
