// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// CollectionHealth contains queue health metrics for one collection.
type CollectionHealth struct {
	Collection      string       `json:"collection"`
	Status          SystemStatus `json:"status"`
	State           string       `json:"state"`
	PendingCount    int          `json:"pending_count"`
	FailedCount     int          `json:"failed_count"`
	ConflictedCount int          `json:"conflicted_count"`
	DeadCount       int          `json:"dead_count"`
	OldestPendingS  float64      `json:"oldest_pending_seconds"`
	QuotaUsagePct   float64      `json:"quota_usage_percent"`
}

// Report contains the full system health report.
type Report struct {
	SystemStatus SystemStatus                `json:"system_status"`
	Collections  map[string]CollectionHealth `json:"collections"`
}
