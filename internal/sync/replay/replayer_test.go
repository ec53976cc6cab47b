package replay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/haivt/syncq/internal/core/checkpoint"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/remote"
	"github.com/haivt/syncq/internal/infra/storage/memory"
	"github.com/haivt/syncq/internal/sync/conflict"
	"github.com/haivt/syncq/internal/sync/retry"
)

// ============================================================================
// Mocks
// ============================================================================

// mockRemote scripts remote store responses and records calls.
type mockRemote struct {
	mu       sync.Mutex
	err      error // returned by every write until cleared
	revision string
	getDoc   *domain.Document
	calls    []string
}

func (m *mockRemote) respond(collection, docID string, data json.RawMessage) (*domain.Document, error) {
	if m.err != nil {
		return nil, m.err
	}
	rev := m.revision
	if rev == "" {
		rev = "rev-next"
	}
	return &domain.Document{Collection: collection, DocID: docID, Revision: rev, Data: data}, nil
}

func (m *mockRemote) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *mockRemote) GetDocument(ctx context.Context, collection, docID string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("get")
	return m.getDoc, nil
}

func (m *mockRemote) PutDocument(ctx context.Context, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("put")
	return m.respond(collection, docID, data)
}

func (m *mockRemote) PatchDocument(ctx context.Context, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("patch")
	return m.respond(collection, docID, data)
}

func (m *mockRemote) DeleteDocument(ctx context.Context, collection, docID string, baseRevision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete")
	return m.err
}

func (m *mockRemote) UploadBlob(ctx context.Context, collection, docID string, payload json.RawMessage, baseRevision string) (*domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("upload")
	return m.respond(collection, docID, nil)
}

func (m *mockRemote) DeleteBlob(ctx context.Context, collection, docID string, baseRevision string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("delete_blob")
	return m.err
}

func (m *mockRemote) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockRemote) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

// blockedQuota always reports an exhausted budget.
type blockedQuota struct{}

func (blockedQuota) RecordCall(collection, method string)              {}
func (blockedQuota) GetUsage(collection string) remote.UsageStats     { return remote.UsageStats{} }
func (blockedQuota) CanMakeCall(collection string) bool               { return false }
func (blockedQuota) GetThrottleDelay(collection string) time.Duration { return 0 }
func (blockedQuota) Reset()                                           {}

// ============================================================================
// Helpers
// ============================================================================

type fixture struct {
	replayer  *Replayer
	mutations *memory.MutationRepo
	documents *memory.DocumentRepo
	conflicts *memory.ConflictRepo
	manager   checkpoint.Manager
	remote    *mockRemote
}

func newFixture(t *testing.T, policy conflict.Policy, quota remote.QuotaTracker) *fixture {
	t.Helper()

	store := memory.NewMemoryStorage()
	mutations := memory.NewMutationRepo(store)
	documents := memory.NewDocumentRepo(store)
	conflicts := memory.NewConflictRepo(store)
	manager := checkpoint.NewManager(memory.NewCheckpointRepo(store))
	mock := &mockRemote{}

	cfg := DefaultConfig("profiles")
	cfg.Policy = policy
	cfg.Retry = retry.Config{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, mutations, documents, conflicts, manager, mock, quota, nil, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{
		replayer:  r,
		mutations: mutations,
		documents: documents,
		conflicts: conflicts,
		manager:   manager,
		remote:    mock,
	}
}

func (f *fixture) enqueue(t *testing.T, docID string, op domain.Op) *domain.Mutation {
	t.Helper()
	m := domain.NewMutation("profiles", docID, op, json.RawMessage(`{"name":"Local"}`), "rev-1")
	m.CreatedAt = time.Now().Add(-time.Second)
	if err := f.mutations.Enqueue(context.Background(), m); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return m
}

// ============================================================================
// Tests
// ============================================================================

func TestRunOnce_AppliesPendingMutations(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m1 := f.enqueue(t, "u1", domain.OpPut)
	m2 := f.enqueue(t, "u2", domain.OpMerge)

	n, err := f.replayer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 processed, got %d", n)
	}

	for _, m := range []*domain.Mutation{m1, m2} {
		got, _ := f.mutations.Get(ctx, m.ID)
		if got.Status != domain.MutationStatusApplied {
			t.Errorf("expected %s applied, got %s", m.DocID, got.Status)
		}
	}

	// Cache holds the server-accepted version.
	doc, _ := f.documents.Get(ctx, "profiles", "u1")
	if doc == nil || doc.Revision != "rev-next" {
		t.Error("expected cached document with new revision")
	}

	cp, _ := f.manager.Get(ctx, "profiles")
	if cp.AppliedCount != 2 {
		t.Errorf("expected checkpoint bumped twice, got %d", cp.AppliedCount)
	}
}

func TestRunOnce_EmptyQueue(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	if _, err := f.replayer.RunOnce(ctx); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
}

func TestRunOnce_QuotaExhaustedPausesCheckpoint(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, blockedQuota{})
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")
	f.manager.SetState(ctx, "profiles", domain.CheckpointStateReplaying, "test")
	f.enqueue(t, "u1", domain.OpPut)

	if _, err := f.replayer.RunOnce(ctx); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	cp, _ := f.manager.Get(ctx, "profiles")
	if cp.State != domain.CheckpointStatePaused {
		t.Errorf("expected paused checkpoint, got %s", cp.State)
	}
	if f.remote.callCount("put") != 0 {
		t.Error("expected no remote calls while quota exhausted")
	}
}

func TestProcessOne_TransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m := f.enqueue(t, "u1", domain.OpPut)
	f.remote.setErr(&remote.APIError{StatusCode: http.StatusInternalServerError})

	if _, err := f.replayer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", got.Attempts)
	}

	// First retry backs off initial*2^1 = 2s.
	wait := time.Until(got.NextRetryAt)
	if wait < time.Second || wait > 3*time.Second {
		t.Errorf("expected ~2s backoff, got %v", wait)
	}
}

func TestProcessOne_FatalErrorMarksDead(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m := f.enqueue(t, "u1", domain.OpPut)
	f.remote.setErr(&remote.APIError{StatusCode: http.StatusBadRequest})

	if _, err := f.replayer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusDead {
		t.Errorf("expected dead, got %s", got.Status)
	}
}

func TestProcessOne_ExhaustedRetriesMarkDead(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m := f.enqueue(t, "u1", domain.OpPut)
	f.remote.setErr(&remote.APIError{StatusCode: http.StatusInternalServerError})

	// Burn through the attempt budget: initial try plus MaxRetries.
	// Rewrite makes the failed mutation due again without touching the
	// attempt counter, standing in for a passed backoff interval.
	for i := 0; i < 4; i++ {
		f.replayer.RunOnce(ctx)
		got, _ := f.mutations.Get(ctx, m.ID)
		if got.Status == domain.MutationStatusFailed {
			f.mutations.Rewrite(ctx, m.ID, got.Payload, got.BaseRevision)
		}
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusDead {
		t.Errorf("expected dead after exhaustion, got %s", got.Status)
	}
}

func TestHandleConflict_LastWriteWinsRebases(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m := f.enqueue(t, "u1", domain.OpPut)
	f.remote.setErr(&remote.RevisionMismatchError{
		Collection:   "profiles",
		DocID:        "u1",
		BaseRevision: "rev-1",
		Server: &domain.Document{
			Collection: "profiles", DocID: "u1",
			Revision: "rev-9", Data: json.RawMessage(`{"name":"Remote"}`),
		},
	})

	if _, err := f.replayer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusPending {
		t.Fatalf("expected rebased mutation pending, got %s", got.Status)
	}
	if got.BaseRevision != "rev-9" {
		t.Errorf("expected rebase onto rev-9, got %s", got.BaseRevision)
	}

	// Conflict journal records the race as resolved.
	open, _ := f.conflicts.ListOpen(ctx, "profiles")
	if len(open) != 0 {
		t.Errorf("expected conflict resolved, %d still open", len(open))
	}
}

func TestHandleConflict_TheirsSupersedes(t *testing.T) {
	f := newFixture(t, conflict.PolicyTheirs, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m := f.enqueue(t, "u1", domain.OpPut)
	f.remote.setErr(&remote.RevisionMismatchError{
		Collection:   "profiles",
		DocID:        "u1",
		BaseRevision: "rev-1",
		Server: &domain.Document{
			Collection: "profiles", DocID: "u1",
			Revision: "rev-9", Data: json.RawMessage(`{"name":"Remote"}`),
		},
	})

	if _, err := f.replayer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusSuperseded {
		t.Fatalf("expected superseded, got %s", got.Status)
	}

	doc, _ := f.documents.Get(ctx, "profiles", "u1")
	if doc == nil || string(doc.Data) != `{"name":"Remote"}` {
		t.Error("expected cache updated to server version")
	}
}

func TestHandleConflict_ManualParks(t *testing.T) {
	f := newFixture(t, conflict.PolicyManual, nil)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")
	f.manager.SetState(ctx, "profiles", domain.CheckpointStateReplaying, "test")

	m := f.enqueue(t, "u1", domain.OpPut)
	f.remote.setErr(&remote.RevisionMismatchError{
		Collection:   "profiles",
		DocID:        "u1",
		BaseRevision: "rev-1",
		Server: &domain.Document{
			Collection: "profiles", DocID: "u1",
			Revision: "rev-9", Data: json.RawMessage(`{"name":"Remote"}`),
		},
	})

	if _, err := f.replayer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusConflicted {
		t.Fatalf("expected conflicted, got %s", got.Status)
	}

	cp, _ := f.manager.Get(ctx, "profiles")
	if cp.State != domain.CheckpointStateConflicted {
		t.Errorf("expected conflicted checkpoint, got %s", cp.State)
	}

	open, _ := f.conflicts.ListOpen(ctx, "profiles")
	if len(open) != 1 {
		t.Errorf("expected 1 open conflict for the operator, got %d", len(open))
	}
}

func TestApply_BlobCollectionUploads(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)
	f.replayer.cfg.Kind = domain.CollectionKindBlob
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	m := f.enqueue(t, "u1", domain.OpPut)

	if _, err := f.replayer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if f.remote.callCount("upload") != 1 {
		t.Errorf("expected blob upload, calls: %v", f.remote.calls)
	}

	got, _ := f.mutations.Get(ctx, m.ID)
	if got.Status != domain.MutationStatusApplied {
		t.Errorf("expected applied, got %s", got.Status)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := newFixture(t, conflict.PolicyLastWriteWins, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.replayer.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replayer did not stop after cancel")
	}
}

// mockCoordinator scripts lease and pause behavior for multi-instance tests.
type mockCoordinator struct {
	mu           sync.Mutex
	paused       bool
	refreshLimit int // refreshes beyond this count report the lease lost, 0 = unlimited
	acquires     int
	refreshes    int
	releases     int
	dead         []string
}

func (c *mockCoordinator) AcquireLease(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquires++
	return true, nil
}

func (c *mockCoordinator) RefreshLease(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshes++
	if c.refreshLimit > 0 && c.refreshes > c.refreshLimit {
		return false, nil
	}
	return true, nil
}

func (c *mockCoordinator) ReleaseLease(ctx context.Context, collection, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	return nil
}

func (c *mockCoordinator) IsPaused(ctx context.Context, collection string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused, nil
}

func (c *mockCoordinator) NotifyDead(ctx context.Context, collection, mutationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead = append(c.dead, mutationID)
	return nil
}

func newCoordFixture(t *testing.T, coord Coordinator) *fixture {
	t.Helper()

	store := memory.NewMemoryStorage()
	mutations := memory.NewMutationRepo(store)
	documents := memory.NewDocumentRepo(store)
	conflicts := memory.NewConflictRepo(store)
	manager := checkpoint.NewManager(memory.NewCheckpointRepo(store))
	mock := &mockRemote{}

	cfg := DefaultConfig("profiles")
	cfg.Retry = retry.Config{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := New(cfg, mutations, documents, conflicts, manager, mock, nil, coord, logger)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &fixture{
		replayer:  r,
		mutations: mutations,
		documents: documents,
		conflicts: conflicts,
		manager:   manager,
		remote:    mock,
	}
}

func TestRunOnce_PauseFlagSkipsCycle(t *testing.T) {
	coord := &mockCoordinator{paused: true}
	f := newCoordFixture(t, coord)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	f.enqueue(t, "u1", domain.OpPut)

	n, err := f.replayer.RunOnce(ctx)
	if err != ErrQueueEmpty {
		t.Fatalf("expected ErrQueueEmpty while paused, got n=%d err=%v", n, err)
	}
	if got := f.remote.callCount("put"); got != 0 {
		t.Errorf("expected no remote calls while paused, got %d", got)
	}
	if coord.acquires != 0 {
		t.Errorf("expected no lease acquisition while paused, got %d", coord.acquires)
	}
}

func TestRunOnce_RefreshesLeasePerMutation(t *testing.T) {
	coord := &mockCoordinator{}
	f := newCoordFixture(t, coord)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	f.enqueue(t, "u1", domain.OpPut)
	f.enqueue(t, "u2", domain.OpPut)

	n, err := f.replayer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 processed, got %d", n)
	}
	if coord.refreshes != 2 {
		t.Errorf("expected one refresh per mutation, got %d", coord.refreshes)
	}
	if coord.releases != 1 {
		t.Errorf("expected lease released once, got %d", coord.releases)
	}
}

func TestRunOnce_AbandonsBatchWhenLeaseLost(t *testing.T) {
	coord := &mockCoordinator{refreshLimit: 1}
	f := newCoordFixture(t, coord)
	ctx := context.Background()
	f.manager.Initialize(ctx, "profiles")

	f.enqueue(t, "u1", domain.OpPut)
	f.enqueue(t, "u2", domain.OpPut)

	n, err := f.replayer.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 processed before the lease was lost, got %d", n)
	}
	if got := f.remote.callCount("put"); got != 1 {
		t.Errorf("expected 1 remote call before abandoning, got %d", got)
	}
	if coord.releases != 1 {
		t.Errorf("expected lease release attempted once, got %d", coord.releases)
	}
}
