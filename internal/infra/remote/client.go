// Package remote is the HTTP client for the document store that queued
// mutations replay against. Writes are conditional on the document
// revision: every request carries If-Match and every response carries the
// new revision in ETag, so a lost race surfaces as RevisionMismatchError
// with the winning version attached.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/sync/metrics"
)

// Config holds remote store connection settings.
type Config struct {
	Endpoints  []string      `yaml:"endpoints"`
	TokenURL   string        `yaml:"token_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	DailyQuota int           `yaml:"daily_quota"`
}

// Client talks to the remote document store with endpoint failover and
// token refresh. Safe for concurrent use.
type Client struct {
	endpoints  []string
	httpClient *http.Client
	tokens     *TokenSource
	quota      QuotaTracker
}

func NewClient(cfg Config, quota QuotaTracker) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("remote store requires at least one endpoint")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	return &Client{
		endpoints:  cfg.Endpoints,
		httpClient: httpClient,
		tokens:     NewTokenSource(cfg.TokenURL, cfg.APIKey, httpClient),
		quota:      quota,
	}, nil
}

// GetDocument fetches the current server version. Returns nil without
// error when the document does not exist.
func (c *Client) GetDocument(ctx context.Context, collection, docID string) (*domain.Document, error) {
	doc, err := c.doDocument(ctx, http.MethodGet, collection, docID, nil, "")
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	return doc, err
}

// PutDocument replaces the document, conditional on baseRevision. An
// empty baseRevision means create-only (If-None-Match: *).
func (c *Client) PutDocument(ctx context.Context, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	return c.doDocument(ctx, http.MethodPut, collection, docID, data, baseRevision)
}

// PatchDocument merges fields into the document, conditional on baseRevision.
func (c *Client) PatchDocument(ctx context.Context, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	return c.doDocument(ctx, http.MethodPatch, collection, docID, data, baseRevision)
}

// DeleteDocument removes the document, conditional on baseRevision.
// Deleting an already-absent document is not an error.
func (c *Client) DeleteDocument(ctx context.Context, collection, docID string, baseRevision string) error {
	_, err := c.doDocument(ctx, http.MethodDelete, collection, docID, nil, baseRevision)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// doDocument runs one conditional document call, trying each endpoint in
// order when an endpoint-level failure (5xx, throttle, network) occurs.
func (c *Client) doDocument(ctx context.Context, method, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	var lastErr error
	for _, endpoint := range c.endpoints {
		doc, err := c.callEndpoint(ctx, endpoint, method, collection, docID, data, baseRevision)
		if err == nil {
			return doc, nil
		}
		lastErr = err

		// Revision races are a caller concern, never an endpoint problem.
		var mismatch *RevisionMismatchError
		if errors.As(err, &mismatch) {
			return nil, err
		}

		switch Classify(err) {
		case ActionFailover:
			metrics.RemoteErrorsTotal.WithLabelValues(endpoint, "failover").Inc()
			continue
		case ActionFatal:
			return nil, err
		default:
			metrics.RemoteErrorsTotal.WithLabelValues(endpoint, "transient").Inc()
			return nil, err
		}
	}
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

func (c *Client) callEndpoint(ctx context.Context, endpoint, method, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	return c.retryOn401(func() (*domain.Document, error) {
		return c.roundTrip(ctx, endpoint, method, collection, docID, data, baseRevision)
	})
}

// retryOn401 runs a remote call, refreshing the cached token and retrying
// once when the remote rejects it. A 401 usually means the cached token was
// revoked early.
func (c *Client) retryOn401(call func() (*domain.Document, error)) (*domain.Document, error) {
	doc, err := call()
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
		c.tokens.Invalidate()
		doc, err = call()
	}
	return doc, err
}

func (c *Client) roundTrip(ctx context.Context, endpoint, method, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/%s/%s", strings.TrimRight(endpoint, "/"), collection, docID)
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if baseRevision != "" {
		req.Header.Set("If-Match", strconv.Quote(baseRevision))
	} else if method == http.MethodPut {
		req.Header.Set("If-None-Match", "*")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote call failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RemoteCallsTotal.WithLabelValues(endpoint, method).Inc()
	if c.quota != nil {
		c.quota.RecordCall(collection, method)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return &domain.Document{
			Collection: collection,
			DocID:      docID,
			Revision:   revisionFromETag(resp.Header.Get("ETag")),
			Data:       payload,
			UpdatedAt:  time.Now().UTC(),
		}, nil

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		// The body carries the winning server version.
		payload, _ := io.ReadAll(resp.Body)
		mismatch := &RevisionMismatchError{
			Collection:   collection,
			DocID:        docID,
			BaseRevision: baseRevision,
		}
		if serverRev := revisionFromETag(resp.Header.Get("ETag")); serverRev != "" {
			mismatch.Server = &domain.Document{
				Collection: collection,
				DocID:      docID,
				Revision:   serverRev,
				Data:       payload,
				UpdatedAt:  time.Now().UTC(),
			}
		}
		metrics.RemoteErrorsTotal.WithLabelValues(endpoint, "conflict").Inc()
		return nil, mismatch

	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(data)}
	}
}

func revisionFromETag(etag string) string {
	if unquoted, err := strconv.Unquote(etag); err == nil {
		return unquoted
	}
	return etag
}

