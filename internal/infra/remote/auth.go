package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// expirySlack refreshes tokens slightly before they lapse so inflight
// requests never carry a token that expires mid-call.
const expirySlack = 30 * time.Second

// TokenSource exchanges an API key for short-lived bearer tokens and
// caches them until close to expiry.
type TokenSource struct {
	tokenURL   string
	apiKey     string
	httpClient *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenSource(tokenURL, apiKey string, httpClient *http.Client) *TokenSource {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &TokenSource{
		tokenURL:   tokenURL,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

// Token returns a valid bearer token, refreshing if the cached one is
// missing or about to expire.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && time.Now().Add(expirySlack).Before(ts.expiresAt) {
		return ts.token, nil
	}
	return ts.refreshLocked(ctx)
}

// Invalidate discards the cached token so the next Token call refreshes.
// Called after a 401 in case the server revoked the token early.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
}

func (ts *TokenSource) refreshLocked(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]string{"api_key": ts.apiKey})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &APIError{StatusCode: resp.StatusCode, Endpoint: ts.tokenURL, Body: string(data)}
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("token response missing token")
	}

	ts.token = out.Token
	ts.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return ts.token, nil
}
