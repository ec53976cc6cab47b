// Package replay drains the local mutation queue against the remote
// store, one collection per replayer. Delivery is at-least-once: a crash
// between apply and MarkApplied re-sends the mutation, which the remote
// store's conditional writes make safe.
package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haivt/syncq/internal/core/checkpoint"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/remote"
	"github.com/haivt/syncq/internal/infra/storage"
	"github.com/haivt/syncq/internal/sync/conflict"
	"github.com/haivt/syncq/internal/sync/metrics"
	"github.com/haivt/syncq/internal/sync/retry"
)

var (
	// ErrQuotaExceeded is returned when the remote quota is spent.
	ErrQuotaExceeded = errors.New("remote quota exceeded, replay paused")

	// ErrQueueEmpty is returned when there is nothing due to replay.
	ErrQueueEmpty = errors.New("no mutations due")
)

// Config configures one collection's replayer.
type Config struct {
	Collection   string
	Kind         domain.CollectionKind
	Policy       conflict.Policy
	BatchSize    int
	PollInterval time.Duration
	StuckTimeout time.Duration // inflight older than this is reclaimed
	LeaseTTL     time.Duration
	Retry        retry.Config
}

// DefaultConfig returns replay defaults for a collection.
func DefaultConfig(collection string) Config {
	return Config{
		Collection:   collection,
		Kind:         domain.CollectionKindDocument,
		Policy:       conflict.PolicyLastWriteWins,
		BatchSize:    25,
		PollInterval: 5 * time.Second,
		StuckTimeout: 5 * time.Minute,
		LeaseTTL:     30 * time.Second,
		Retry:        retry.DefaultConfig,
	}
}

func (c Config) normalize() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 25
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.StuckTimeout <= 0 {
		c.StuckTimeout = 5 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	return c
}

// RemoteStore is the slice of the remote client the replayer needs.
type RemoteStore interface {
	GetDocument(ctx context.Context, collection, docID string) (*domain.Document, error)
	PutDocument(ctx context.Context, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error)
	PatchDocument(ctx context.Context, collection, docID string, data json.RawMessage, baseRevision string) (*domain.Document, error)
	DeleteDocument(ctx context.Context, collection, docID string, baseRevision string) error
	UploadBlob(ctx context.Context, collection, docID string, payload json.RawMessage, baseRevision string) (*domain.Document, error)
	DeleteBlob(ctx context.Context, collection, docID string, baseRevision string) error
}

// Coordinator is the slice of the Redis client the replayer needs.
// A nil Coordinator means single-instance mode: no leases, no remote
// pause flag.
type Coordinator interface {
	AcquireLease(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error)
	RefreshLease(ctx context.Context, collection, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, collection, owner string) error
	IsPaused(ctx context.Context, collection string) (bool, error)
	NotifyDead(ctx context.Context, collection, mutationID string) error
}

// Replayer drains one collection's queue.
type Replayer struct {
	cfg         Config
	mutations   storage.MutationRepository
	documents   storage.DocumentRepository
	conflicts   storage.ConflictRepository
	checkpoints checkpoint.Manager
	remote      RemoteStore
	quota       remote.QuotaTracker
	coord       Coordinator
	resolver    conflict.Resolver
	owner       string
	logger      *slog.Logger
}

// New creates a replayer. quota and coord may be nil.
func New(
	cfg Config,
	mutations storage.MutationRepository,
	documents storage.DocumentRepository,
	conflicts storage.ConflictRepository,
	checkpoints checkpoint.Manager,
	store RemoteStore,
	quota remote.QuotaTracker,
	coord Coordinator,
	logger *slog.Logger,
) (*Replayer, error) {
	resolver, err := conflict.ForPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return &Replayer{
		cfg:         cfg.normalize(),
		mutations:   mutations,
		documents:   documents,
		conflicts:   conflicts,
		checkpoints: checkpoints,
		remote:      store,
		quota:       quota,
		coord:       coord,
		resolver:    resolver,
		owner:       uuid.NewString(),
		logger:      logger.With("component", "replayer", "collection", cfg.Collection),
	}, nil
}

// Run drains the queue until the context is cancelled.
func (r *Replayer) Run(ctx context.Context) error {
	if _, err := r.checkpoints.Initialize(ctx, r.cfg.Collection); err != nil {
		return fmt.Errorf("failed to initialize checkpoint: %w", err)
	}
	if err := r.checkpoints.SetState(ctx, r.cfg.Collection, domain.CheckpointStateReplaying, "replayer started"); err != nil {
		r.logger.Warn("checkpoint state update failed", "error", err)
	}

	r.logger.Info("replayer started",
		"batch_size", r.cfg.BatchSize,
		"poll_interval", r.cfg.PollInterval,
		"policy", string(r.cfg.Policy))

	for {
		n, err := r.RunOnce(ctx)

		var wait time.Duration
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case errors.Is(err, ErrQuotaExceeded):
			wait = 5 * time.Minute
		case errors.Is(err, ErrQueueEmpty):
			wait = r.cfg.PollInterval
		case err != nil:
			r.logger.Error("replay cycle failed", "error", err)
			wait = r.cfg.PollInterval
		case n < r.cfg.BatchSize:
			wait = r.cfg.PollInterval
		default:
			// Full batch: more is likely waiting, go again immediately.
		}

		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// RunOnce runs a single replay cycle and returns how many mutations it
// processed.
func (r *Replayer) RunOnce(ctx context.Context) (int, error) {
	defer r.updateQueueDepth(ctx)

	if r.coord != nil {
		paused, err := r.coord.IsPaused(ctx, r.cfg.Collection)
		if err != nil {
			r.logger.Warn("pause check failed", "error", err)
		} else if paused {
			return 0, ErrQueueEmpty
		}

		ok, err := r.coord.AcquireLease(ctx, r.cfg.Collection, r.owner, r.cfg.LeaseTTL)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire lease: %w", err)
		}
		if !ok {
			// Another instance holds the collection.
			return 0, ErrQueueEmpty
		}
		defer func() {
			if err := r.coord.ReleaseLease(ctx, r.cfg.Collection, r.owner); err != nil {
				r.logger.Warn("lease release failed", "error", err)
			}
		}()
	}

	if reclaimed, err := r.mutations.ReclaimStuck(ctx, r.cfg.Collection, time.Now().Add(-r.cfg.StuckTimeout)); err != nil {
		r.logger.Warn("stuck reclaim failed", "error", err)
	} else if reclaimed > 0 {
		r.logger.Warn("reclaimed stuck mutations", "count", reclaimed)
	}

	if r.quota != nil {
		if !r.quota.CanMakeCall(r.cfg.Collection) {
			if err := r.checkpoints.Pause(ctx, r.cfg.Collection, "remote quota exhausted"); err != nil {
				r.logger.Warn("checkpoint pause failed", "error", err)
			}
			return 0, ErrQuotaExceeded
		}
		if delay := r.quota.GetThrottleDelay(r.cfg.Collection); delay > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		// A quota pause lifts itself once the daily budget resets.
		if cp, err := r.checkpoints.Get(ctx, r.cfg.Collection); err == nil && cp.State == domain.CheckpointStatePaused {
			if err := r.checkpoints.Resume(ctx, r.cfg.Collection); err != nil {
				r.logger.Warn("checkpoint resume failed", "error", err)
			}
		}
	}

	batch, err := r.mutations.ClaimDue(ctx, r.cfg.Collection, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim mutations: %w", err)
	}
	if len(batch) == 0 {
		return 0, ErrQueueEmpty
	}

	processed := 0
	for _, m := range batch {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if r.coord != nil {
			held, err := r.coord.RefreshLease(ctx, r.cfg.Collection, r.owner, r.cfg.LeaseTTL)
			if err != nil {
				r.logger.Warn("lease refresh failed", "error", err)
			} else if !held {
				// Another instance took the collection; its stuck reclaim
				// will recover whatever stays inflight here.
				r.logger.Warn("lease lost mid-batch, abandoning cycle",
					"remaining", len(batch)-processed)
				return processed, nil
			}
		}
		if err := r.processOne(ctx, m); err != nil {
			r.logger.Error("mutation processing failed",
				"mutation_id", m.ID, "doc_id", m.DocID, "error", err)
		}
		processed++
	}
	return processed, nil
}

func (r *Replayer) processOne(ctx context.Context, m *domain.Mutation) error {
	start := time.Now()
	doc, err := r.apply(ctx, m)
	metrics.ReplayLatency.WithLabelValues(r.cfg.Collection).Observe(time.Since(start).Seconds())

	if err == nil {
		return r.settleApplied(ctx, m, doc)
	}

	var mismatch *remote.RevisionMismatchError
	if errors.As(err, &mismatch) {
		return r.handleConflict(ctx, m, mismatch)
	}

	return r.handleFailure(ctx, m, err)
}

// apply sends one mutation to the remote store. The returned document is
// nil for deletes.
func (r *Replayer) apply(ctx context.Context, m *domain.Mutation) (*domain.Document, error) {
	if r.cfg.Kind == domain.CollectionKindBlob {
		if m.Op == domain.OpDelete {
			return nil, r.remote.DeleteBlob(ctx, m.Collection, m.DocID, m.BaseRevision)
		}
		return r.remote.UploadBlob(ctx, m.Collection, m.DocID, m.Payload, m.BaseRevision)
	}

	switch m.Op {
	case domain.OpPut:
		return r.remote.PutDocument(ctx, m.Collection, m.DocID, m.Payload, m.BaseRevision)
	case domain.OpMerge:
		return r.remote.PatchDocument(ctx, m.Collection, m.DocID, m.Payload, m.BaseRevision)
	case domain.OpDelete:
		return nil, r.remote.DeleteDocument(ctx, m.Collection, m.DocID, m.BaseRevision)
	}
	return nil, fmt.Errorf("unknown op %q", m.Op)
}

func (r *Replayer) settleApplied(ctx context.Context, m *domain.Mutation, doc *domain.Document) error {
	if err := r.mutations.MarkApplied(ctx, m.ID); err != nil {
		return fmt.Errorf("failed to mark applied: %w", err)
	}

	// Keep the local cache in step with what the server accepted.
	if doc != nil {
		if err := r.documents.Upsert(ctx, doc); err != nil {
			r.logger.Warn("document cache update failed", "doc_id", m.DocID, "error", err)
		}
	} else if m.Op == domain.OpDelete {
		if err := r.documents.Delete(ctx, m.Collection, m.DocID); err != nil {
			r.logger.Warn("document cache delete failed", "doc_id", m.DocID, "error", err)
		}
	}

	if err := r.checkpoints.RecordApplied(ctx, r.cfg.Collection, time.Now()); err != nil {
		r.logger.Warn("checkpoint bump failed", "error", err)
	}

	metrics.MutationsApplied.WithLabelValues(r.cfg.Collection).Inc()
	r.logger.Debug("mutation applied", "mutation_id", m.ID, "doc_id", m.DocID, "op", string(m.Op))
	return nil
}

func (r *Replayer) handleConflict(ctx context.Context, m *domain.Mutation, mismatch *remote.RevisionMismatchError) error {
	server := mismatch.Server
	if server == nil {
		// Blob conflicts carry no body; fetch the winning version.
		var err error
		server, err = r.remote.GetDocument(ctx, m.Collection, m.DocID)
		if err != nil {
			return r.handleFailure(ctx, m, err)
		}
	}

	record := domain.NewConflict(m, nil, "")
	if server != nil {
		record.TheirsPayload = server.Data
		record.TheirsRevision = server.Revision
	}
	if err := r.conflicts.Record(ctx, record); err != nil {
		r.logger.Warn("conflict journal write failed", "mutation_id", m.ID, "error", err)
	}

	outcome, err := r.resolver.Resolve(m, server)
	if err != nil {
		return r.handleFailure(ctx, m, err)
	}

	switch {
	case outcome.Supersede:
		if err := r.mutations.MarkSuperseded(ctx, m.ID, mismatch.Error()); err != nil {
			return fmt.Errorf("failed to mark superseded: %w", err)
		}
		if server != nil {
			if err := r.documents.Upsert(ctx, server); err != nil {
				r.logger.Warn("document cache update failed", "doc_id", m.DocID, "error", err)
			}
		} else if err := r.documents.Delete(ctx, m.Collection, m.DocID); err != nil {
			r.logger.Warn("document cache delete failed", "doc_id", m.DocID, "error", err)
		}

	case outcome.Park:
		if err := r.mutations.MarkConflicted(ctx, m.ID, mismatch.Error()); err != nil {
			return fmt.Errorf("failed to mark conflicted: %w", err)
		}
		if err := r.checkpoints.SetState(ctx, r.cfg.Collection, domain.CheckpointStateConflicted, "mutation parked for manual resolution"); err != nil {
			r.logger.Warn("checkpoint state update failed", "error", err)
		}
		r.logger.Warn("conflict parked for manual resolution",
			"mutation_id", m.ID, "doc_id", m.DocID, "server_revision", record.TheirsRevision)

	default:
		// Rebase and let the next cycle replay it against the new revision.
		if err := r.mutations.Rewrite(ctx, m.ID, outcome.Payload, outcome.BaseRevision); err != nil {
			return fmt.Errorf("failed to rewrite mutation: %w", err)
		}
	}

	if !outcome.Park {
		if err := r.conflicts.MarkResolved(ctx, record.ID, outcome.Resolution); err != nil {
			r.logger.Warn("conflict journal update failed", "error", err)
		}
	}

	metrics.ConflictsResolved.WithLabelValues(r.cfg.Collection, string(outcome.Resolution)).Inc()
	return nil
}

func (r *Replayer) handleFailure(ctx context.Context, m *domain.Mutation, cause error) error {
	action := remote.Classify(cause)
	attempt := m.Attempts + 1

	if action == remote.ActionFatal || attempt > r.cfg.Retry.MaxRetries {
		return r.markDead(ctx, m, cause)
	}

	nextRetryAt := time.Now().Add(retry.Delay(r.cfg.Retry, attempt))
	if err := r.mutations.MarkFailed(ctx, m.ID, cause.Error(), nextRetryAt); err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}

	metrics.MutationsFailed.WithLabelValues(r.cfg.Collection).Inc()
	r.logger.Warn("mutation replay failed, scheduled retry",
		"mutation_id", m.ID, "doc_id", m.DocID,
		"attempt", attempt, "next_retry_at", nextRetryAt, "error", cause)
	return nil
}

func (r *Replayer) markDead(ctx context.Context, m *domain.Mutation, cause error) error {
	if err := r.mutations.MarkDead(ctx, m.ID, cause.Error()); err != nil {
		return fmt.Errorf("failed to mark dead: %w", err)
	}

	if r.coord != nil {
		if err := r.coord.NotifyDead(ctx, r.cfg.Collection, m.ID.String()); err != nil {
			r.logger.Warn("dead notification failed", "error", err)
		}
	}

	metrics.MutationsDead.WithLabelValues(r.cfg.Collection).Inc()
	r.logger.Error("mutation marked dead",
		"mutation_id", m.ID, "doc_id", m.DocID, "attempts", m.Attempts, "error", cause)
	return nil
}

func (r *Replayer) updateQueueDepth(ctx context.Context) {
	count, err := r.mutations.CountByStatus(ctx, r.cfg.Collection, domain.MutationStatusPending)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(r.cfg.Collection).Set(float64(count))
}
