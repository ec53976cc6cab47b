package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/storage"
)

// MemoryStorage backs the repository interfaces for tests and --dev runs.
type MemoryStorage struct {
	mutations   map[uuid.UUID]*domain.Mutation
	documents   map[string]*domain.Document
	checkpoints map[string]*domain.Checkpoint
	conflicts   map[uuid.UUID]*domain.Conflict
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		mutations:   make(map[uuid.UUID]*domain.Mutation),
		documents:   make(map[string]*domain.Document),
		checkpoints: make(map[string]*domain.Checkpoint),
		conflicts:   make(map[uuid.UUID]*domain.Conflict),
	}
}

func docKey(collection, docID string) string { return collection + "/" + docID }

// -----------------------------------------------------------------------------
// Mutation Repository
// -----------------------------------------------------------------------------

type MutationRepo struct {
	store *MemoryStorage
}

func NewMutationRepo(store *MemoryStorage) *MutationRepo {
	return &MutationRepo{store: store}
}

func (r *MutationRepo) Enqueue(ctx context.Context, m *domain.Mutation) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *m
	r.store.mutations[m.ID] = &cp
	return nil
}

func (r *MutationRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Mutation, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if m, ok := r.store.mutations[id]; ok {
		cp := *m
		return &cp, nil
	}
	return nil, nil
}

func (r *MutationRepo) ClaimDue(ctx context.Context, collection string, limit int) ([]*domain.Mutation, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	now := time.Now()
	candidates := make([]*domain.Mutation, 0)
	for _, m := range r.store.mutations {
		if m.Collection != collection {
			continue
		}
		due := m.Status == domain.MutationStatusPending ||
			(m.Status == domain.MutationStatusFailed && !m.NextRetryAt.After(now))
		if due && !r.blockedLocked(m) {
			candidates = append(candidates, m)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*domain.Mutation, 0, len(candidates))
	for _, m := range candidates {
		m.Status = domain.MutationStatusInflight
		m.UpdatedAt = now
		cp := *m
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

// blockedLocked reports whether an earlier unsettled mutation exists for the
// same document. Caller must hold the store lock.
func (r *MutationRepo) blockedLocked(m *domain.Mutation) bool {
	for _, other := range r.store.mutations {
		if other.Collection == m.Collection && other.DocID == m.DocID &&
			other.CreatedAt.Before(m.CreatedAt) && !other.Settled() {
			return true
		}
	}
	return false
}

func (r *MutationRepo) MarkApplied(ctx context.Context, id uuid.UUID) error {
	return r.update(id, func(m *domain.Mutation) {
		m.Status = domain.MutationStatusApplied
		m.LastError = ""
	})
}

func (r *MutationRepo) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string, nextRetryAt time.Time) error {
	return r.update(id, func(m *domain.Mutation) {
		m.Status = domain.MutationStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.NextRetryAt = nextRetryAt
	})
}

func (r *MutationRepo) MarkConflicted(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.update(id, func(m *domain.Mutation) {
		m.Status = domain.MutationStatusConflicted
		m.LastError = errMsg
	})
}

func (r *MutationRepo) MarkDead(ctx context.Context, id uuid.UUID, errMsg string) error {
	return r.update(id, func(m *domain.Mutation) {
		m.Status = domain.MutationStatusDead
		m.LastError = errMsg
	})
}

func (r *MutationRepo) MarkSuperseded(ctx context.Context, id uuid.UUID, reason string) error {
	return r.update(id, func(m *domain.Mutation) {
		m.Status = domain.MutationStatusSuperseded
		m.LastError = reason
	})
}

func (r *MutationRepo) Rewrite(ctx context.Context, id uuid.UUID, payload json.RawMessage, baseRevision string) error {
	return r.update(id, func(m *domain.Mutation) {
		m.Status = domain.MutationStatusPending
		m.Payload = payload
		m.BaseRevision = baseRevision
		m.NextRetryAt = time.Time{}
	})
}

func (r *MutationRepo) ReclaimStuck(ctx context.Context, collection string, olderThan time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	count := 0
	for _, m := range r.store.mutations {
		if m.Collection == collection && m.Status == domain.MutationStatusInflight && m.UpdatedAt.Before(olderThan) {
			m.Status = domain.MutationStatusPending
			m.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (r *MutationRepo) Requeue(ctx context.Context, collection string, statuses []domain.MutationStatus) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	match := make(map[domain.MutationStatus]bool, len(statuses))
	for _, s := range statuses {
		match[s] = true
	}

	count := 0
	for _, m := range r.store.mutations {
		if m.Collection == collection && match[m.Status] {
			m.Status = domain.MutationStatusPending
			m.Attempts = 0
			m.NextRetryAt = time.Time{}
			m.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (r *MutationRepo) CountByStatus(ctx context.Context, collection string, status domain.MutationStatus) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, m := range r.store.mutations {
		if m.Collection == collection && m.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *MutationRepo) OldestPendingAge(ctx context.Context, collection string) (time.Duration, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var oldest time.Time
	for _, m := range r.store.mutations {
		if m.Collection != collection || m.Settled() {
			continue
		}
		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return time.Since(oldest), nil
}

func (r *MutationRepo) update(id uuid.UUID, fn func(*domain.Mutation)) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if m, ok := r.store.mutations[id]; ok {
		fn(m)
		m.UpdatedAt = time.Now()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Document Repository
// -----------------------------------------------------------------------------

type DocumentRepo struct {
	store *MemoryStorage
}

func NewDocumentRepo(store *MemoryStorage) *DocumentRepo {
	return &DocumentRepo{store: store}
}

func (r *DocumentRepo) Upsert(ctx context.Context, doc *domain.Document) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *doc
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	r.store.documents[docKey(doc.Collection, doc.DocID)] = &cp
	return nil
}

func (r *DocumentRepo) Get(ctx context.Context, collection, docID string) (*domain.Document, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if doc, ok := r.store.documents[docKey(collection, docID)]; ok {
		cp := *doc
		return &cp, nil
	}
	return nil, nil
}

func (r *DocumentRepo) Delete(ctx context.Context, collection, docID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.documents, docKey(collection, docID))
	return nil
}

// -----------------------------------------------------------------------------
// Checkpoint Repository
// -----------------------------------------------------------------------------

type CheckpointRepo struct {
	store *MemoryStorage
}

func NewCheckpointRepo(store *MemoryStorage) *CheckpointRepo {
	return &CheckpointRepo{store: store}
}

func (r *CheckpointRepo) Get(ctx context.Context, collection string) (*domain.Checkpoint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if cp, ok := r.store.checkpoints[collection]; ok {
		c := *cp
		return &c, nil
	}
	return nil, storage.ErrCheckpointNotFound
}

func (r *CheckpointRepo) Save(ctx context.Context, cp *domain.Checkpoint) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *cp
	c.UpdatedAt = time.Now().UTC()
	r.store.checkpoints[cp.Collection] = &c
	return nil
}

func (r *CheckpointRepo) Bump(ctx context.Context, collection string, appliedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if cp, ok := r.store.checkpoints[collection]; ok {
		cp.AppliedCount++
		cp.LastAppliedAt = appliedAt
		cp.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *CheckpointRepo) UpdateState(ctx context.Context, collection string, state domain.CheckpointState) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if cp, ok := r.store.checkpoints[collection]; ok {
		cp.State = state
		cp.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Conflict Repository
// -----------------------------------------------------------------------------

type ConflictRepo struct {
	store *MemoryStorage
}

func NewConflictRepo(store *MemoryStorage) *ConflictRepo {
	return &ConflictRepo{store: store}
}

func (r *ConflictRepo) Record(ctx context.Context, c *domain.Conflict) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *c
	r.store.conflicts[c.ID] = &cp
	return nil
}

func (r *ConflictRepo) ListOpen(ctx context.Context, collection string) ([]*domain.Conflict, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var open []*domain.Conflict
	for _, c := range r.store.conflicts {
		if c.Collection == collection && !c.Resolved {
			cp := *c
			open = append(open, &cp)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].CreatedAt.Before(open[j].CreatedAt) })
	return open, nil
}

func (r *ConflictRepo) MarkResolved(ctx context.Context, id uuid.UUID, resolution domain.Resolution) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if c, ok := r.store.conflicts[id]; ok {
		c.Resolved = true
		c.Resolution = resolution
	}
	return nil
}
