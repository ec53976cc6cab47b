package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/storage"
)

var (
	// ErrCheckpointPaused is returned when recording progress on a paused collection.
	ErrCheckpointPaused = errors.New("checkpoint is paused")
)

// Manager handles checkpoint operations with state machine enforcement.
type Manager interface {
	// Get retrieves the current checkpoint for a collection.
	Get(ctx context.Context, collection string) (*domain.Checkpoint, error)

	// Initialize creates a new checkpoint for a collection.
	Initialize(ctx context.Context, collection string) (*domain.Checkpoint, error)

	// RecordApplied bumps the applied counter after a successful replay.
	RecordApplied(ctx context.Context, collection string, appliedAt time.Time) error

	// SetState transitions the checkpoint to a new state (validates transition).
	SetState(ctx context.Context, collection string, newState State, reason string) error

	// Pause stops replay progress for a collection.
	Pause(ctx context.Context, collection string, reason string) error

	// Resume restarts replay progress for a paused collection.
	Resume(ctx context.Context, collection string) error

	// SetStateChangeCallback registers a callback for state changes.
	SetStateChangeCallback(fn func(collection string, t Transition))
}

// DefaultManager implements Manager with state machine enforcement.
type DefaultManager struct {
	repo          storage.CheckpointRepository
	mu            sync.RWMutex
	stateCallback func(string, Transition)
}

// NewManager creates a checkpoint manager backed by the given repository.
func NewManager(repo storage.CheckpointRepository) *DefaultManager {
	return &DefaultManager{repo: repo}
}

// Get retrieves the current checkpoint for a collection.
func (m *DefaultManager) Get(ctx context.Context, collection string) (*domain.Checkpoint, error) {
	return m.repo.Get(ctx, collection)
}

// Initialize creates a new checkpoint for a collection. An existing
// checkpoint is returned untouched so restarts keep their progress.
func (m *DefaultManager) Initialize(ctx context.Context, collection string) (*domain.Checkpoint, error) {
	existing, err := m.repo.Get(ctx, collection)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrCheckpointNotFound) {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	cp := &domain.Checkpoint{
		Collection: collection,
		State:      domain.CheckpointStateInit,
		UpdatedAt:  time.Now().UTC(),
	}

	if err := m.repo.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return cp, nil
}

// RecordApplied bumps the applied counter after a successful replay.
func (m *DefaultManager) RecordApplied(ctx context.Context, collection string, appliedAt time.Time) error {
	cp, err := m.repo.Get(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if cp.State == domain.CheckpointStatePaused {
		return ErrCheckpointPaused
	}

	if err := m.repo.Bump(ctx, collection, appliedAt); err != nil {
		return fmt.Errorf("failed to bump checkpoint: %w", err)
	}

	return nil
}

// SetState transitions the checkpoint to a new state.
func (m *DefaultManager) SetState(ctx context.Context, collection string, newState State, reason string) error {
	cp, err := m.repo.Get(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if cp.State == newState {
		return nil
	}

	if !CanTransition(cp.State, newState) {
		return fmt.Errorf(
			"%w: cannot transition from %s to %s",
			ErrInvalidTransition,
			cp.State,
			newState,
		)
	}

	transition := NewTransition(cp.State, newState, reason)

	if err := m.repo.UpdateState(ctx, collection, newState); err != nil {
		return fmt.Errorf("failed to update state: %w", err)
	}

	m.mu.RLock()
	callback := m.stateCallback
	m.mu.RUnlock()

	if callback != nil {
		callback(collection, transition)
	}

	return nil
}

// Pause stops replay progress for a collection.
func (m *DefaultManager) Pause(ctx context.Context, collection string, reason string) error {
	return m.SetState(ctx, collection, domain.CheckpointStatePaused, reason)
}

// Resume restarts replay progress for a paused collection.
func (m *DefaultManager) Resume(ctx context.Context, collection string) error {
	cp, err := m.repo.Get(ctx, collection)
	if err != nil {
		return fmt.Errorf("failed to get checkpoint: %w", err)
	}

	if cp.State != domain.CheckpointStatePaused {
		return fmt.Errorf("checkpoint is not paused, current state: %s", cp.State)
	}

	return m.SetState(ctx, collection, domain.CheckpointStateReplaying, "manual resume")
}

// SetStateChangeCallback registers a callback for state changes.
func (m *DefaultManager) SetStateChangeCallback(fn func(collection string, t Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateCallback = fn
}
