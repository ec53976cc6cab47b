package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haivt/syncq/internal/control"
	"github.com/haivt/syncq/internal/core/config"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/remote"
)

// newRemoteStub serves the token endpoint plus document writes, counting the
// writes it accepts.
func newRemoteStub(t *testing.T, writes *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "test-token", "expires_in": 3600})
			return
		}
		writes.Add(1)
		w.Header().Set("ETag", `"rev-1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
}

func testConfig(remoteURL string, port int) *config.AppConfig {
	return &config.AppConfig{
		Server: config.ServerConfig{Port: port},
		Collections: []config.CollectionConfig{
			{
				Name:           "profiles",
				Kind:           domain.CollectionKindDocument,
				ConflictPolicy: "last-write-wins",
				BatchSize:      10,
				PollInterval:   100 * time.Millisecond,
				StuckTimeout:   time.Minute,
				MaxRetries:     3,
				InitialDelay:   time.Second,
				MaxDelay:       30 * time.Second,
				QuotaShare:     1.0,
			},
		},
		Remote: remote.Config{
			Endpoints:  []string{remoteURL},
			TokenURL:   remoteURL + "/token",
			APIKey:     "test-key",
			Timeout:    5 * time.Second,
			DailyQuota: 1000,
		},
	}
}

func TestGracefulShutdown(t *testing.T) {
	var writes atomic.Int64
	stub := newRemoteStub(t, &writes)
	defer stub.Close()

	// Empty database URL selects in-memory storage, nothing external needed.
	app, err := control.NewSyncer(testConfig(stub.URL, 18231))
	if err != nil {
		t.Fatalf("Failed to create syncer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Let the replayer run a few empty cycles
	time.Sleep(500 * time.Millisecond)

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()

	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestEnqueueAndReplay(t *testing.T) {
	var writes atomic.Int64
	stub := newRemoteStub(t, &writes)
	defer stub.Close()

	app, err := control.NewSyncer(testConfig(stub.URL, 18232))
	if err != nil {
		t.Fatalf("Failed to create syncer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := domain.NewMutation("profiles", "user-1", domain.OpPut, []byte(`{"name":"Alice"}`), "")
	if err := app.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for writes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("mutation was not replayed within 5s")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
