package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripscope/tripscope/internal/pipeline"
	"github.com/tripscope/tripscope/internal/query"
	"github.com/tripscope/tripscope/internal/resilience"
	"github.com/tripscope/tripscope/internal/worker"
)

// mockRefresher returns a fresh facade per call, or err.
type mockRefresher struct {
	err   error
	calls atomic.Int32
}

func (m *mockRefresher) Refresh(ctx context.Context) (*query.Facade, error) {
	m.calls.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("refresh called without a deadline")
	}
	return query.New(&pipeline.Result{RunID: uuid.New(), StartedAt: time.Now()}), nil
}

func newJob(r worker.Refresher, cfg worker.RefreshConfig, registry *resilience.Registry) *worker.RefreshJob {
	return worker.NewRefreshJob(worker.RefreshJobConfig{
		Config:    cfg,
		Logger:    zerolog.Nop(),
		Refresher: r,
		Registry:  registry,
	})
}

func TestDefaultRefreshConfig(t *testing.T) {
	cfg := worker.DefaultRefreshConfig()

	assert.Equal(t, 5*time.Minute, cfg.Timeout)
	assert.Equal(t, time.Minute, cfg.MinInterval)
}

func TestRefreshJob_Run(t *testing.T) {
	r := &mockRefresher{}
	job := newJob(r, worker.RefreshConfig{}, nil)

	result := job.Run(context.Background(), false)

	require.NoError(t, result.Err)
	assert.False(t, result.Skipped)
	assert.NotEmpty(t, result.RunID)
	assert.Greater(t, result.Duration, time.Duration(0))
	assert.Equal(t, int32(1), r.calls.Load())

	m := job.GetMetrics()
	assert.Equal(t, int64(1), m.TotalRuns)
	assert.Equal(t, int64(1), m.SuccessfulRuns)
	assert.Equal(t, result.RunID, m.LastRunID)
}

func TestRefreshJob_MinIntervalSkipsUnlessForced(t *testing.T) {
	r := &mockRefresher{}
	job := newJob(r, worker.RefreshConfig{MinInterval: time.Hour}, nil)

	first := job.Run(context.Background(), false)
	require.NoError(t, first.Err)

	second := job.Run(context.Background(), false)
	assert.True(t, second.Skipped)
	assert.Equal(t, int32(1), r.calls.Load())

	forced := job.Run(context.Background(), true)
	require.NoError(t, forced.Err)
	assert.False(t, forced.Skipped)
	assert.Equal(t, int32(2), r.calls.Load())

	m := job.GetMetrics()
	assert.Equal(t, int64(3), m.TotalRuns)
	assert.Equal(t, int64(1), m.SkippedRuns)
	assert.Equal(t, int64(2), m.SuccessfulRuns)
}

func TestRefreshJob_Failure(t *testing.T) {
	r := &mockRefresher{err: errors.New("source down")}
	job := newJob(r, worker.RefreshConfig{MinInterval: time.Hour}, nil)

	result := job.Run(context.Background(), false)
	assert.EqualError(t, result.Err, "source down")

	// Failures never arm the skip window.
	again := job.Run(context.Background(), false)
	assert.False(t, again.Skipped)
	assert.Equal(t, int64(2), job.GetMetrics().FailedRuns)
}

func TestRefreshJob_NoRefresher(t *testing.T) {
	job := newJob(nil, worker.RefreshConfig{}, nil)

	result := job.Run(context.Background(), true)
	assert.Error(t, result.Err)
}

func TestRefreshJob_MetricsSnapshot(t *testing.T) {
	job := newJob(&mockRefresher{}, worker.RefreshConfig{}, nil)
	job.Run(context.Background(), false)

	snapshot := job.MetricsSnapshot()
	assert.Equal(t, int64(1), snapshot["total_runs"])
	assert.Equal(t, int64(1), snapshot["successful_runs"])
	assert.Contains(t, snapshot, "last_run_duration")
	assert.Contains(t, snapshot, "last_run_id")
}

func TestRefreshJob_HealthCheck(t *testing.T) {
	registry := resilience.NewRegistry()
	job := newJob(&mockRefresher{}, worker.RefreshConfig{}, registry)

	cfg := resilience.DefaultExecutorConfig("csv:trips.csv")
	cfg.Registry = registry
	cfg.MaxRetries = 1
	cfg.InitialInterval = time.Millisecond
	cfg.Breaker = &resilience.BreakerConfig{
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 },
	}
	exec := resilience.NewExecutor[int](cfg)

	require.NoError(t, job.HealthCheck(context.Background()))

	_, _ = exec.Execute(context.Background(), func(context.Context) (int, error) {
		return 0, errors.New("unreachable")
	})
	require.Equal(t, gobreaker.StateOpen, exec.State())

	err := job.HealthCheck(context.Background())
	assert.ErrorIs(t, err, worker.ErrUnhealthy)
	assert.Contains(t, err.Error(), "csv:trips.csv")
}

func TestDispatcher_Handle(t *testing.T) {
	r := &mockRefresher{}
	d := worker.NewDispatcher(newJob(r, worker.RefreshConfig{}, nil), zerolog.Nop())

	require.NoError(t, d.Handle(context.Background(), []byte(`{"job_type":"analysis_refresh","force":true}`)))
	assert.Equal(t, int32(1), r.calls.Load())

	require.NoError(t, d.Handle(context.Background(), []byte(`{"job_type":"health_check"}`)))

	err := d.Handle(context.Background(), []byte(`{"job_type":"provider_refresh"}`))
	assert.ErrorIs(t, err, worker.ErrUnknownJob)

	err = d.Handle(context.Background(), []byte(`not json`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, worker.ErrUnknownJob)
	assert.ErrorIs(t, err, worker.ErrMalformedMessage)
}

func TestDispatcher_RefreshFailurePropagates(t *testing.T) {
	d := worker.NewDispatcher(newJob(&mockRefresher{err: errors.New("boom")}, worker.RefreshConfig{}, nil), zerolog.Nop())

	err := d.Handle(context.Background(), []byte(`{"job_type":"analysis_refresh"}`))
	assert.EqualError(t, err, "boom")
}
