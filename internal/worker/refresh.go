package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/query"
	"github.com/tripscope/tripscope/internal/resilience"
)

// ErrUnhealthy is returned by HealthCheck when a tracked source circuit is open.
var ErrUnhealthy = errors.New("unhealthy dependencies")

// Refresher produces a new analysis run.
type Refresher interface {
	Refresh(ctx context.Context) (*query.Facade, error)
}

// RefreshJob handles analysis refresh operations.
type RefreshJob struct {
	config    RefreshConfig
	logger    zerolog.Logger
	refresher Refresher
	registry  *resilience.Registry

	metrics *RefreshMetrics
}

// RefreshMetrics tracks refresh job statistics.
type RefreshMetrics struct {
	mu sync.RWMutex

	// Counters
	TotalRuns      int64
	SuccessfulRuns int64
	FailedRuns     int64
	SkippedRuns    int64

	// Timings
	LastRunAt       time.Time
	LastSuccessAt   time.Time
	LastRunDuration time.Duration
	TotalDuration   time.Duration

	LastRunID string
}

// RefreshJobConfig holds configuration for creating a RefreshJob.
type RefreshJobConfig struct {
	Config    RefreshConfig
	Logger    zerolog.Logger
	Refresher Refresher

	// Registry, when set, is consulted by HealthCheck.
	Registry *resilience.Registry
}

// NewRefreshJob creates a new refresh job processor.
func NewRefreshJob(cfg RefreshJobConfig) *RefreshJob {
	config := cfg.Config
	if config.Timeout == 0 {
		config.Timeout = DefaultRefreshConfig().Timeout
	}

	return &RefreshJob{
		config:    config,
		logger:    cfg.Logger.With().Str("component", "refresh_job").Logger(),
		refresher: cfg.Refresher,
		registry:  cfg.Registry,
		metrics:   &RefreshMetrics{},
	}
}

// RefreshResult contains the result of a refresh operation.
type RefreshResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	RunID     string
	Skipped   bool
	Err       error
}

// Run executes one refresh. Unless force is set, a run is skipped when the
// previous success is younger than MinInterval.
func (j *RefreshJob) Run(ctx context.Context, force bool) *RefreshResult {
	startTime := time.Now()
	result := &RefreshResult{StartTime: startTime}

	if !force && j.recentlyRefreshed(startTime) {
		result.Skipped = true
		result.EndTime = time.Now()
		j.updateMetrics(result)
		j.logger.Debug().Msg("skipping analysis refresh, last run is recent")
		return result
	}

	j.logger.Info().Bool("force", force).Msg("starting analysis refresh job")

	runCtx, cancel := context.WithTimeout(ctx, j.config.Timeout)
	defer cancel()

	var facade *query.Facade
	if j.refresher == nil {
		result.Err = errors.New("no refresher configured")
	} else {
		facade, result.Err = j.refresher.Refresh(runCtx)
	}
	if facade != nil {
		result.RunID = facade.RunID()
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(startTime)
	j.updateMetrics(result)

	if result.Err != nil {
		j.logger.Error().Err(result.Err).Dur("duration", result.Duration).Msg("analysis refresh job failed")
	} else {
		j.logger.Info().
			Str("run_id", result.RunID).
			Dur("duration", result.Duration).
			Msg("analysis refresh job completed")
	}
	return result
}

// HealthCheck fails when any registered source circuit is open.
func (j *RefreshJob) HealthCheck(_ context.Context) error {
	if j.registry == nil {
		return nil
	}

	var open []string
	for _, h := range j.registry.All() {
		if h.IsUnhealthy() {
			open = append(open, h.Name)
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %s", ErrUnhealthy, strings.Join(open, ", "))
	}
	return nil
}

func (j *RefreshJob) recentlyRefreshed(now time.Time) bool {
	if j.config.MinInterval <= 0 {
		return false
	}
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()
	return !j.metrics.LastSuccessAt.IsZero() && now.Sub(j.metrics.LastSuccessAt) < j.config.MinInterval
}

func (j *RefreshJob) updateMetrics(result *RefreshResult) {
	j.metrics.mu.Lock()
	defer j.metrics.mu.Unlock()

	j.metrics.TotalRuns++
	switch {
	case result.Skipped:
		j.metrics.SkippedRuns++
		return
	case result.Err != nil:
		j.metrics.FailedRuns++
	default:
		j.metrics.SuccessfulRuns++
		j.metrics.LastSuccessAt = result.EndTime
		j.metrics.LastRunID = result.RunID
	}
	j.metrics.LastRunAt = result.EndTime
	j.metrics.LastRunDuration = result.Duration
	j.metrics.TotalDuration += result.Duration
}

// GetMetrics returns a copy of the current metrics.
func (j *RefreshJob) GetMetrics() RefreshMetrics {
	j.metrics.mu.RLock()
	defer j.metrics.mu.RUnlock()

	return RefreshMetrics{
		TotalRuns:       j.metrics.TotalRuns,
		SuccessfulRuns:  j.metrics.SuccessfulRuns,
		FailedRuns:      j.metrics.FailedRuns,
		SkippedRuns:     j.metrics.SkippedRuns,
		LastRunAt:       j.metrics.LastRunAt,
		LastSuccessAt:   j.metrics.LastSuccessAt,
		LastRunDuration: j.metrics.LastRunDuration,
		TotalDuration:   j.metrics.TotalDuration,
		LastRunID:       j.metrics.LastRunID,
	}
}

// MetricsSnapshot returns a snapshot of the current metrics as a map.
func (j *RefreshJob) MetricsSnapshot() map[string]interface{} {
	m := j.GetMetrics()
	return map[string]interface{}{
		"total_runs":        m.TotalRuns,
		"successful_runs":   m.SuccessfulRuns,
		"failed_runs":       m.FailedRuns,
		"skipped_runs":      m.SkippedRuns,
		"last_run_at":       m.LastRunAt,
		"last_success_at":   m.LastSuccessAt,
		"last_run_duration": m.LastRunDuration.String(),
		"total_duration":    m.TotalDuration.String(),
		"last_run_id":       m.LastRunID,
	}
}
