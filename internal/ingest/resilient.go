package ingest

import (
	"context"
	"errors"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/resilience"
)

// ResilientSource wraps a Source with retries and a circuit breaker.
// Schema errors and missing files are not retried.
type ResilientSource struct {
	source   Source
	executor *resilience.Executor[[]Record]
	logger   zerolog.Logger
}

// NewResilientSource wraps source. cfg.Name defaults to source.Name().
func NewResilientSource(source Source, cfg resilience.ExecutorConfig, logger zerolog.Logger) *ResilientSource {
	if cfg.Name == "" {
		cfg.Name = source.Name()
	}
	return &ResilientSource{
		source:   source,
		executor: resilience.NewExecutor[[]Record](cfg),
		logger:   logger.With().Str("component", "ingest").Str("source", source.Name()).Logger(),
	}
}

// Name implements Source.
func (s *ResilientSource) Name() string {
	return s.source.Name()
}

// Records implements Source.
func (s *ResilientSource) Records(ctx context.Context) ([]Record, error) {
	records, err := s.executor.Execute(ctx, func(ctx context.Context) ([]Record, error) {
		records, err := s.source.Records(ctx)
		if err != nil {
			if errors.Is(err, ErrSourceSchema) || errors.Is(err, fs.ErrNotExist) {
				return nil, resilience.Permanent(err)
			}
			s.logger.Warn().Err(err).Msg("Source read failed")
			return nil, err
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Int("records", len(records)).Msg("Source read")
	return records, nil
}
