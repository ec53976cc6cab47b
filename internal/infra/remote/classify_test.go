package remote

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorAction
	}{
		{"nil", nil, ActionRetry},
		{"throttled", &APIError{StatusCode: http.StatusTooManyRequests}, ActionFailover},
		{"forbidden", &APIError{StatusCode: http.StatusForbidden}, ActionFailover},
		{"unavailable", &APIError{StatusCode: http.StatusServiceUnavailable}, ActionFailover},
		{"bad gateway", &APIError{StatusCode: http.StatusBadGateway}, ActionFailover},
		{"request timeout", &APIError{StatusCode: http.StatusRequestTimeout}, ActionRetry},
		{"bad request", &APIError{StatusCode: http.StatusBadRequest}, ActionFatal},
		{"not found", &APIError{StatusCode: http.StatusNotFound}, ActionFatal},
		{"server error", &APIError{StatusCode: http.StatusInternalServerError}, ActionRetry},
		{"wrapped api error", fmt.Errorf("put failed: %w", &APIError{StatusCode: http.StatusBadRequest}), ActionFatal},
		{"quota message", errors.New("daily quota exceeded"), ActionFailover},
		{"rate limit message", errors.New("rate limit hit"), ActionFailover},
		{"network error", errors.New("connection refused"), ActionRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
