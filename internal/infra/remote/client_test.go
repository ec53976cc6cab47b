package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTokenServer serves the token endpoint used by every client test.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"token": "tok-1", "expires_in": 3600})
	}))
}

func newClient(t *testing.T, tokenURL string, endpoints ...string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		Endpoints: endpoints,
		TokenURL:  tokenURL,
		APIKey:    "key",
		Timeout:   5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestPutDocument_SendsIfMatchAndReturnsRevision(t *testing.T) {
	tokens := newTokenServer(t)
	defer tokens.Close()

	var gotIfMatch, gotAuth string
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfMatch = r.Header.Get("If-Match")
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("ETag", `"rev-2"`)
		w.Write([]byte(`{"name":"Alex"}`))
	}))
	defer store.Close()

	c := newClient(t, tokens.URL, store.URL)
	doc, err := c.PutDocument(context.Background(), "profiles", "u1", json.RawMessage(`{"name":"Alex"}`), "rev-1")
	if err != nil {
		t.Fatalf("PutDocument failed: %v", err)
	}
	if doc.Revision != "rev-2" {
		t.Errorf("expected revision rev-2, got %s", doc.Revision)
	}
	if gotIfMatch != `"rev-1"` {
		t.Errorf("expected If-Match %q, got %q", `"rev-1"`, gotIfMatch)
	}
	if gotAuth != "Bearer tok-1" {
		t.Errorf("expected bearer token, got %q", gotAuth)
	}
}

func TestPutDocument_CreateUsesIfNoneMatch(t *testing.T) {
	tokens := newTokenServer(t)
	defer tokens.Close()

	var gotIfNoneMatch string
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIfNoneMatch = r.Header.Get("If-None-Match")
		w.Header().Set("ETag", `"rev-1"`)
		w.Write([]byte(`{}`))
	}))
	defer store.Close()

	c := newClient(t, tokens.URL, store.URL)
	if _, err := c.PutDocument(context.Background(), "profiles", "u1", json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("PutDocument failed: %v", err)
	}
	if gotIfNoneMatch != "*" {
		t.Errorf("expected create-only precondition, got %q", gotIfNoneMatch)
	}
}

func TestPutDocument_RevisionMismatchCarriesServerDoc(t *testing.T) {
	tokens := newTokenServer(t)
	defer tokens.Close()

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"rev-9"`)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"name":"Remote"}`))
	}))
	defer store.Close()

	c := newClient(t, tokens.URL, store.URL)
	_, err := c.PutDocument(context.Background(), "profiles", "u1", json.RawMessage(`{"name":"Local"}`), "rev-1")

	var mismatch *RevisionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected RevisionMismatchError, got %v", err)
	}
	if mismatch.Server == nil || mismatch.Server.Revision != "rev-9" {
		t.Fatal("expected server document with winning revision")
	}
	if string(mismatch.Server.Data) != `{"name":"Remote"}` {
		t.Errorf("unexpected server payload: %s", mismatch.Server.Data)
	}
}

func TestGetDocument_NotFoundReturnsNil(t *testing.T) {
	tokens := newTokenServer(t)
	defer tokens.Close()

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer store.Close()

	c := newClient(t, tokens.URL, store.URL)
	doc, err := c.GetDocument(context.Background(), "profiles", "missing")
	if err != nil {
		t.Fatalf("expected nil error for missing document, got %v", err)
	}
	if doc != nil {
		t.Error("expected nil document")
	}
}

func TestDoDocument_FailsOverToSecondEndpoint(t *testing.T) {
	tokens := newTokenServer(t)
	defer tokens.Close()

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"rev-2"`)
		w.Write([]byte(`{}`))
	}))
	defer secondary.Close()

	c := newClient(t, tokens.URL, primary.URL, secondary.URL)
	doc, err := c.PutDocument(context.Background(), "settings", "u1", json.RawMessage(`{}`), "rev-1")
	if err != nil {
		t.Fatalf("expected failover success, got %v", err)
	}
	if doc.Revision != "rev-2" {
		t.Errorf("expected revision from secondary, got %s", doc.Revision)
	}
}

func TestCallEndpoint_RefreshesTokenOn401(t *testing.T) {
	tokenCalls := 0
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	}))
	defer tokens.Close()

	storeCalls := 0
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storeCalls++
		if storeCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("ETag", `"rev-2"`)
		w.Write([]byte(`{}`))
	}))
	defer store.Close()

	c := newClient(t, tokens.URL, store.URL)
	if _, err := c.PutDocument(context.Background(), "profiles", "u1", json.RawMessage(`{}`), "rev-1"); err != nil {
		t.Fatalf("expected retry after token refresh, got %v", err)
	}
	if storeCalls != 2 {
		t.Errorf("expected 2 store calls, got %d", storeCalls)
	}
	if tokenCalls != 2 {
		t.Errorf("expected token refreshed once, got %d fetches", tokenCalls)
	}
}

func TestDeleteDocument_AbsentTargetIsNotAnError(t *testing.T) {
	tokens := newTokenServer(t)
	defer tokens.Close()

	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer store.Close()

	c := newClient(t, tokens.URL, store.URL)
	if err := c.DeleteDocument(context.Background(), "profiles", "gone", "rev-1"); err != nil {
		t.Fatalf("expected nil error deleting absent document, got %v", err)
	}
}

func TestUploadBlob_RefreshesTokenOn401(t *testing.T) {
	tokenCalls := 0
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls++
		json.NewEncoder(w).Encode(map[string]any{"token": "tok", "expires_in": 3600})
	}))
	defer tokens.Close()

	raw := []byte("avatar-bytes")
	storeCalls := 0
	store := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		storeCalls++
		if storeCalls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got, _ := io.ReadAll(r.Body); string(got) != string(raw) {
			t.Errorf("retried upload body = %q, want %q", got, raw)
		}
		if ct := r.Header.Get("Content-Type"); ct != "image/png" {
			t.Errorf("retried upload content type = %q", ct)
		}
		w.Header().Set("ETag", `"rev-2"`)
		w.Write([]byte(`{}`))
	}))
	defer store.Close()

	payload, _ := json.Marshal(map[string]string{
		"content_type": "image/png",
		"data_base64":  base64.StdEncoding.EncodeToString(raw),
	})

	c := newClient(t, tokens.URL, store.URL)
	doc, err := c.UploadBlob(context.Background(), "avatars", "u1", payload, "rev-1")
	if err != nil {
		t.Fatalf("expected retry after token refresh, got %v", err)
	}
	if doc.Revision != "rev-2" {
		t.Errorf("revision = %q, want rev-2", doc.Revision)
	}
	if storeCalls != 2 {
		t.Errorf("expected 2 upload calls, got %d", storeCalls)
	}
	if tokenCalls != 2 {
		t.Errorf("expected token refreshed once, got %d fetches", tokenCalls)
	}
}
