// Package analysis keeps the latest analysis run in memory and refreshes it
// from a trip source.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/ingest"
	"github.com/tripscope/tripscope/internal/pipeline"
	"github.com/tripscope/tripscope/internal/query"
)

// Errors returned by Service.
var (
	// ErrSourceUnavailable is returned when no run could be produced and no
	// usable stale run exists.
	ErrSourceUnavailable = errors.New("analysis source unavailable")

	// ErrMissingDependency is returned by NewService for a nil Source or Pipeline.
	ErrMissingDependency = errors.New("analysis service: missing source or pipeline")
)

// ServiceConfig holds configuration for the analysis service.
type ServiceConfig struct {
	// Source supplies the raw trip rows.
	Source ingest.Source

	// Pipeline analyses each batch.
	Pipeline *pipeline.Pipeline

	// Logger for service operations.
	Logger zerolog.Logger

	// CacheTTL is how long a run is served before the next read refreshes it (default: 15 minutes).
	CacheTTL time.Duration

	// StaleIfErrorTTL allows serving an older run on source errors (default: 6 hours).
	StaleIfErrorTTL time.Duration
}

// Service serves query facades over the latest run.
type Service struct {
	source          ingest.Source
	pipeline        *pipeline.Pipeline
	logger          zerolog.Logger
	cacheTTL        time.Duration
	staleIfErrorTTL time.Duration

	mu          sync.RWMutex
	facade      *query.Facade
	fetchedAt   time.Time
	cacheExpiry time.Time
	lastError   error
	lastErrorAt time.Time
	rejected    int
}

// NewService creates a new analysis service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Source == nil || cfg.Pipeline == nil {
		return nil, ErrMissingDependency
	}

	cacheTTL := cfg.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = 15 * time.Minute
	}

	staleIfErrorTTL := cfg.StaleIfErrorTTL
	if staleIfErrorTTL == 0 {
		staleIfErrorTTL = 6 * time.Hour
	}

	return &Service{
		source:          cfg.Source,
		pipeline:        cfg.Pipeline,
		logger:          cfg.Logger.With().Str("component", "analysis").Logger(),
		cacheTTL:        cacheTTL,
		staleIfErrorTTL: staleIfErrorTTL,
	}, nil
}

// Facade returns the current run, analysing the source first if the cached
// run is missing or expired.
func (s *Service) Facade(ctx context.Context) (*query.Facade, error) {
	s.mu.RLock()
	if s.facade != nil && time.Now().Before(s.cacheExpiry) {
		facade := s.facade
		s.mu.RUnlock()
		return facade, nil
	}
	s.mu.RUnlock()

	return s.refresh(ctx, false)
}

// Refresh runs a new analysis regardless of cache state. On failure the
// previous run is kept and, while within the stale window, returned.
func (s *Service) Refresh(ctx context.Context) (*query.Facade, error) {
	return s.refresh(ctx, true)
}

// Invalidate drops the cached run.
func (s *Service) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facade = nil
	s.cacheExpiry = time.Time{}
}

// SourceName returns the configured source name.
func (s *Service) SourceName() string {
	return s.source.Name()
}

// Status represents the current state of the cached run.
type Status struct {
	HasData         bool       `json:"hasData"`
	Source          string     `json:"source"`
	RunID           string     `json:"runId,omitempty"`
	FetchedAt       *time.Time `json:"fetchedAt,omitempty"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	IsExpired       bool       `json:"isExpired"`
	IsStale         bool       `json:"isStale"`
	RecordsRejected int        `json:"recordsRejected"`
	LastError       string     `json:"lastError,omitempty"`
	LastErrorAt     *time.Time `json:"lastErrorAt,omitempty"`
}

// Status returns information about the cached run.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{Source: s.source.Name()}
	if s.lastError != nil {
		st.LastError = s.lastError.Error()
		at := s.lastErrorAt
		st.LastErrorAt = &at
	}
	if s.facade == nil {
		return st
	}

	now := time.Now()
	fetched, expires := s.fetchedAt, s.cacheExpiry
	st.HasData = true
	st.RunID = s.facade.RunID()
	st.FetchedAt = &fetched
	st.ExpiresAt = &expires
	st.IsExpired = now.After(s.cacheExpiry)
	st.IsStale = now.After(s.fetchedAt.Add(s.staleIfErrorTTL))
	st.RecordsRejected = s.rejected
	return st
}

func (s *Service) refresh(ctx context.Context, force bool) (*query.Facade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if !force && s.facade != nil && time.Now().Before(s.cacheExpiry) {
		return s.facade, nil
	}

	s.logger.Debug().Str("source", s.source.Name()).Msg("refreshing analysis")

	facade, rejected, err := s.analyse(ctx)
	if err != nil {
		s.lastError = err
		s.lastErrorAt = time.Now()
		s.logger.Error().Err(err).Str("source", s.source.Name()).Msg("analysis refresh failed")

		if s.facade != nil && time.Now().Before(s.fetchedAt.Add(s.staleIfErrorTTL)) {
			s.logger.Warn().
				Time("fetched_at", s.fetchedAt).
				Str("run_id", s.facade.RunID()).
				Msg("serving stale analysis due to source error")
			return s.facade, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	s.facade = facade
	s.rejected = rejected
	s.fetchedAt = time.Now()
	s.cacheExpiry = s.fetchedAt.Add(s.cacheTTL)
	s.lastError = nil
	s.lastErrorAt = time.Time{}

	s.logger.Info().
		Str("run_id", facade.RunID()).
		Int("records_rejected", rejected).
		Time("expires_at", s.cacheExpiry).
		Msg("analysis refreshed")

	return facade, nil
}

func (s *Service) analyse(ctx context.Context) (*query.Facade, int, error) {
	records, err := s.source.Records(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("read %s: %w", s.source.Name(), err)
	}

	points, rejections := ingest.Parse(records)
	for _, r := range rejections {
		s.logger.Debug().Int("line", r.Line).Str("trip_id", r.TripID).Str("reason", r.Reason).Msg("record rejected")
	}

	result, err := s.pipeline.RunBatch(ctx, pipeline.Batch{
		Points:          points,
		RecordsRejected: len(rejections),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("run pipeline: %w", err)
	}
	return query.New(result), len(rejections), nil
}
