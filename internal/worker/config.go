// Package worker runs background analysis jobs triggered over Pub/Sub.
package worker

import (
	"time"
)

// Job types carried in JobMessage.JobType.
const (
	JobAnalysisRefresh = "analysis_refresh"
	JobHealthCheck     = "health_check"
)

// RefreshConfig holds configuration for the analysis refresh job.
type RefreshConfig struct {
	// Timeout bounds one refresh run.
	// Default: 5 minutes
	Timeout time.Duration

	// MinInterval skips a non-forced refresh when the last successful run is
	// younger than this. Zero never skips.
	// Default: 1 minute
	MinInterval time.Duration
}

// DefaultRefreshConfig returns the default refresh configuration.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Timeout:     5 * time.Minute,
		MinInterval: time.Minute,
	}
}
