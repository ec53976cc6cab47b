package remote

import (
	"sync"
	"time"
)

// UsageStats holds quota usage statistics for a collection.
type UsageStats struct {
	TotalCalls      int
	CallsPerHour    int
	DailyLimit      int
	RemainingCalls  int
	UsagePercentage float64
	NextResetAt     time.Time
}

// QuotaTracker manages the remote store's daily write budget. The
// replayer throttles as usage climbs and pauses entirely once the
// allocation is spent, resuming after the midnight reset.
type QuotaTracker interface {
	RecordCall(collection, method string)
	GetUsage(collection string) UsageStats
	CanMakeCall(collection string) bool
	GetThrottleDelay(collection string) time.Duration
	Reset()
}

type collectionBudget struct {
	totalCalls      int
	callsThisHour   int
	hourStartTime   time.Time
	methodCalls     map[string]int
	dailyAllocation int
}

// DefaultQuotaTracker implements QuotaTracker with per-collection tracking
// and a daily reset at local midnight.
type DefaultQuotaTracker struct {
	mu         sync.RWMutex
	usage      map[string]*collectionBudget
	dailyLimit int
	resetTime  time.Time
}

// NewQuotaTracker creates a tracker that splits dailyLimit across
// collections by the given fractional allocation.
func NewQuotaTracker(dailyLimit int, allocation map[string]float64) *DefaultQuotaTracker {
	now := time.Now()
	nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())

	tracker := &DefaultQuotaTracker{
		usage:      make(map[string]*collectionBudget),
		dailyLimit: dailyLimit,
		resetTime:  nextMidnight,
	}

	for collection, fraction := range allocation {
		tracker.usage[collection] = &collectionBudget{
			dailyAllocation: int(float64(dailyLimit) * fraction),
			hourStartTime:   now,
			methodCalls:     make(map[string]int),
		}
	}

	return tracker
}

// RecordCall records a remote call for quota tracking.
func (qt *DefaultQuotaTracker) RecordCall(collection, method string) {
	qt.mu.Lock()
	defer qt.mu.Unlock()

	if time.Now().After(qt.resetTime) {
		qt.resetUnsafe()
	}

	budget, ok := qt.usage[collection]
	if !ok {
		budget = &collectionBudget{
			dailyAllocation: qt.dailyLimit / 10,
			hourStartTime:   time.Now(),
			methodCalls:     make(map[string]int),
		}
		qt.usage[collection] = budget
	}

	if time.Since(budget.hourStartTime) >= time.Hour {
		budget.callsThisHour = 0
		budget.hourStartTime = time.Now()
	}

	budget.totalCalls++
	budget.callsThisHour++
	budget.methodCalls[method]++
}

// GetUsage returns usage statistics for a collection.
func (qt *DefaultQuotaTracker) GetUsage(collection string) UsageStats {
	qt.mu.RLock()
	defer qt.mu.RUnlock()
	return qt.getUsageUnsafe(collection)
}

func (qt *DefaultQuotaTracker) getUsageUnsafe(collection string) UsageStats {
	budget, ok := qt.usage[collection]
	if !ok {
		defaultLimit := qt.dailyLimit / 10
		return UsageStats{
			DailyLimit:     defaultLimit,
			RemainingCalls: defaultLimit,
			NextResetAt:    qt.resetTime,
		}
	}

	remaining := budget.dailyAllocation - budget.totalCalls
	if remaining < 0 {
		remaining = 0
	}

	usagePercentage := 0.0
	if budget.dailyAllocation > 0 {
		usagePercentage = float64(budget.totalCalls) / float64(budget.dailyAllocation) * 100
	}

	return UsageStats{
		TotalCalls:      budget.totalCalls,
		CallsPerHour:    budget.callsThisHour,
		DailyLimit:      budget.dailyAllocation,
		RemainingCalls:  remaining,
		UsagePercentage: usagePercentage,
		NextResetAt:     qt.resetTime,
	}
}

// CanMakeCall checks if a call can be made within budget.
func (qt *DefaultQuotaTracker) CanMakeCall(collection string) bool {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	budget, ok := qt.usage[collection]
	if !ok {
		return true
	}
	return budget.totalCalls < budget.dailyAllocation
}

// GetThrottleDelay returns how long to wait before the next call.
func (qt *DefaultQuotaTracker) GetThrottleDelay(collection string) time.Duration {
	qt.mu.RLock()
	defer qt.mu.RUnlock()

	if _, ok := qt.usage[collection]; !ok {
		return 0
	}

	usage := qt.getUsageUnsafe(collection)

	if usage.UsagePercentage < 50 {
		return 0
	}
	if usage.UsagePercentage < 70 {
		return 1 * time.Second
	}
	if usage.UsagePercentage < 90 {
		return 3 * time.Second
	}
	if usage.UsagePercentage < 100 {
		return 10 * time.Second
	}

	return time.Until(qt.resetTime)
}

// Reset resets all usage counters.
func (qt *DefaultQuotaTracker) Reset() {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	qt.resetUnsafe()
}

func (qt *DefaultQuotaTracker) resetUnsafe() {
	for _, budget := range qt.usage {
		budget.totalCalls = 0
		budget.callsThisHour = 0
		budget.hourStartTime = time.Now()
		budget.methodCalls = make(map[string]int)
	}

	now := time.Now()
	qt.resetTime = time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}
