package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/sync/metrics"
)

// UploadBlob uploads binary content for a blob collection. The payload
// is the mutation's BlobPayload; bytes go over the wire raw with the
// declared content type, conditional on baseRevision like document writes.
func (c *Client) UploadBlob(ctx context.Context, collection, docID string, payload json.RawMessage, baseRevision string) (*domain.Document, error) {
	var blob domain.BlobPayload
	if err := json.Unmarshal(payload, &blob); err != nil {
		return nil, fmt.Errorf("invalid blob payload: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob.DataBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid blob encoding: %w", err)
	}

	var lastErr error
	for _, endpoint := range c.endpoints {
		doc, err := c.retryOn401(func() (*domain.Document, error) {
			return c.blobRoundTrip(ctx, endpoint, collection, docID, blob.ContentType, raw, baseRevision)
		})
		if err == nil {
			return doc, nil
		}
		lastErr = err

		if Classify(err) == ActionFailover {
			metrics.RemoteErrorsTotal.WithLabelValues(endpoint, "failover").Inc()
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("all endpoints failed: %w", lastErr)
}

// DeleteBlob removes blob content. Delegates to the document delete path,
// which already handles conditional headers and absent targets.
func (c *Client) DeleteBlob(ctx context.Context, collection, docID string, baseRevision string) error {
	return c.DeleteDocument(ctx, collection, docID, baseRevision)
}

func (c *Client) blobRoundTrip(ctx context.Context, endpoint, collection, docID, contentType string, raw []byte, baseRevision string) (*domain.Document, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1/%s/%s/blob", strings.TrimRight(endpoint, "/"), collection, docID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build blob request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	if baseRevision != "" {
		req.Header.Set("If-Match", strconv.Quote(baseRevision))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob upload failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RemoteCallsTotal.WithLabelValues(endpoint, http.MethodPut).Inc()
	if c.quota != nil {
		c.quota.RecordCall(collection, http.MethodPut)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, _ := io.ReadAll(resp.Body)
		return &domain.Document{
			Collection: collection,
			DocID:      docID,
			Revision:   revisionFromETag(resp.Header.Get("ETag")),
			Data:       body,
			UpdatedAt:  time.Now().UTC(),
		}, nil

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		metrics.RemoteErrorsTotal.WithLabelValues(endpoint, "conflict").Inc()
		return nil, &RevisionMismatchError{
			Collection:   collection,
			DocID:        docID,
			BaseRevision: baseRevision,
		}

	default:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{StatusCode: resp.StatusCode, Endpoint: endpoint, Body: string(data)}
	}
}
