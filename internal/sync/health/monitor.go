package health

import (
	"context"
	"sync"
	"time"

	"github.com/haivt/syncq/internal/core/checkpoint"
	"github.com/haivt/syncq/internal/core/domain"
	"github.com/haivt/syncq/internal/infra/remote"
	"github.com/haivt/syncq/internal/infra/storage"
)

// Thresholds for status evaluation. A handful of transient failures is
// normal offline behavior; dead mutations and old pending writes are not.
const (
	degradedPendingAge  = 5 * time.Minute
	criticalPendingAge  = time.Hour
	criticalDeadCount   = 10
	criticalFailedCount = 50
)

// Monitor aggregates health status from the queue and quota tracker.
type Monitor struct {
	collections []string
	mutations   storage.MutationRepository
	checkpoints checkpoint.Manager
	quota       remote.QuotaTracker
	lastCheck   time.Time
	lastReport  map[string]CollectionHealth
	mu          sync.RWMutex
}

// NewMonitor creates a new health monitor. quota may be nil.
func NewMonitor(
	collections []string,
	mutations storage.MutationRepository,
	checkpoints checkpoint.Manager,
	quota remote.QuotaTracker,
) *Monitor {
	return &Monitor{
		collections: collections,
		mutations:   mutations,
		checkpoints: checkpoints,
		quota:       quota,
		lastReport:  make(map[string]CollectionHealth),
	}
}

// CheckHealth performs a health check for all collections.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]CollectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid hammering the queue tables.
	if time.Since(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]CollectionHealth)

	for _, collection := range m.collections {
		health := CollectionHealth{
			Collection: collection,
			Status:     StatusHealthy,
		}

		if cp, err := m.checkpoints.Get(ctx, collection); err == nil {
			health.State = string(cp.State)
		}

		if count, err := m.mutations.CountByStatus(ctx, collection, domain.MutationStatusPending); err == nil {
			health.PendingCount = count
		}
		if count, err := m.mutations.CountByStatus(ctx, collection, domain.MutationStatusFailed); err == nil {
			health.FailedCount = count
		}
		if count, err := m.mutations.CountByStatus(ctx, collection, domain.MutationStatusConflicted); err == nil {
			health.ConflictedCount = count
		}
		if count, err := m.mutations.CountByStatus(ctx, collection, domain.MutationStatusDead); err == nil {
			health.DeadCount = count
		}
		if age, err := m.mutations.OldestPendingAge(ctx, collection); err == nil {
			health.OldestPendingS = age.Seconds()
		}
		if m.quota != nil {
			health.QuotaUsagePct = m.quota.GetUsage(collection).UsagePercentage
		}

		switch {
		case health.DeadCount >= criticalDeadCount,
			health.FailedCount >= criticalFailedCount,
			health.OldestPendingS >= criticalPendingAge.Seconds():
			health.Status = StatusCritical
		case health.DeadCount > 0,
			health.ConflictedCount > 0,
			health.OldestPendingS >= degradedPendingAge.Seconds():
			health.Status = StatusDegraded
		}

		report[collection] = health
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
