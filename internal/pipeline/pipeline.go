// Package pipeline runs one analysis batch end to end: anonymized heatmap
// aggregation, per-trip feature extraction, route clustering and anomaly
// scoring. Its Result is an immutable snapshot served by the query facade.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tripscope/tripscope/internal/anomaly"
	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/privacy"
	"github.com/tripscope/tripscope/internal/routes"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

// DroppedTrip is a trip that never reached clustering or scoring.
type DroppedTrip struct {
	TripID string         `json:"tripId"`
	Kind   trip.FaultKind `json:"kind"`
	Detail string         `json:"detail,omitempty"`
}

// Report accounts for every record and trip of a run.
type Report struct {
	RunID uuid.UUID `json:"runId"`

	// Counts tallies faults in the unit each kind occurs in:
	// MALFORMED_RECORD counts input rows, INVALID_COORDINATE counts points
	// (every bad point, including several in one trip), and
	// INSUFFICIENT_POINTS, NON_MONOTONIC_TIMESTAMPS and DEGENERATE_TRIP
	// count trips.
	Counts map[trip.FaultKind]int `json:"counts"`

	// TripsDroppedByKind counts dropped trips by the fault that dropped
	// them, so a trip with a bad coordinate counts once here under
	// INVALID_COORDINATE. Its values sum to len(DroppedTrips).
	TripsDroppedByKind map[trip.FaultKind]int `json:"tripsDroppedByKind"`

	// DroppedTrips is sorted by trip id.
	DroppedTrips []DroppedTrip `json:"droppedTrips"`

	// RecordsRejected is the number of input rows refused before the run.
	RecordsRejected int `json:"recordsRejected"`
	// PointsAccepted is the number of parsed points handed to the run,
	// including points later skipped for invalid coordinates.
	PointsAccepted int `json:"pointsAccepted"`
	// TripsSeen is the number of distinct trip ids; it equals
	// TripsExtracted plus len(DroppedTrips).
	TripsSeen      int `json:"tripsSeen"`
	TripsExtracted int `json:"tripsExtracted"`
	// TripsClustered and TripsNoise partition TripsExtracted.
	TripsClustered int `json:"tripsClustered"`
	TripsNoise     int `json:"tripsNoise"`
	TripsScored    int `json:"tripsScored"`
}

// Result is the output of one run. Nothing mutates it after Run returns.
type Result struct {
	RunID     uuid.UUID     `json:"runId"`
	Config    config.Config `json:"-"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`

	Bins             []privacy.AggregateBin  `json:"bins"`
	AggregationStats privacy.Stats           `json:"aggregationStats"`
	Features         []trip.FeatureVector    `json:"features"`
	Clusters         *routes.Result          `json:"clusters"`
	Anomalies        []anomaly.AnomalyRecord `json:"anomalies"`
	Report           Report                  `json:"report"`
}

// Batch is the input of a run. RecordsRejected carries the number of rows
// an upstream parser already refused, so the report covers them too.
type Batch struct {
	Points          []trip.Point
	RecordsRejected int
}

// Pipeline wires the analysis stages for one configuration. It holds no
// per-run state and may run batches concurrently.
type Pipeline struct {
	cfg        config.Config
	aggregator *privacy.Aggregator
	extractor  *trip.Extractor
	clusterer  routes.Clusterer
	fit        anomaly.FitConfig
	metrics    *instruments
	logger     zerolog.Logger
}

// New validates cfg and builds every stage. Configuration errors surface
// here, before any data is touched.
func New(cfg config.Config, logger zerolog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	indexer, err := spatial.NewIndexer(cfg.H3Resolution)
	if err != nil {
		return nil, err
	}

	aggregator, err := privacy.NewAggregator(privacy.AggregatorConfig{
		Indexer:     indexer,
		BucketWidth: cfg.TimeBucketWidth,
		KMin:        cfg.KMin,
		WidenFactor: cfg.TimeWidenFactor,
		Workers:     cfg.Workers,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	extractor, err := trip.NewExtractor(trip.ExtractorConfig{
		Indexer:              indexer,
		MaxPlausibleSpeedMPS: cfg.MaxPlausibleSpeedMPS,
	})
	if err != nil {
		return nil, err
	}

	clusterer, err := routes.New(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics, err := newInstruments()
	if err != nil {
		return nil, fmt.Errorf("creating pipeline instruments: %w", err)
	}

	return &Pipeline{
		cfg:        cfg,
		aggregator: aggregator,
		extractor:  extractor,
		clusterer:  clusterer,
		fit:        anomaly.FitConfigFrom(cfg),
		metrics:    metrics,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() config.Config {
	return p.cfg
}

// Run analyzes points that were already parsed.
func (p *Pipeline) Run(ctx context.Context, points []trip.Point) (*Result, error) {
	return p.RunBatch(ctx, Batch{Points: points})
}

// RunBatch analyzes one batch. The context is checked once before work
// starts; a started run always completes.
func (p *Pipeline) RunBatch(ctx context.Context, batch Batch) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res := &Result{
		RunID:     uuid.New(),
		Config:    p.cfg,
		StartedAt: time.Now().UTC(),
	}
	ctx, span := p.metrics.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", res.RunID.String()),
			attribute.Int("points", len(batch.Points)),
		))
	defer span.End()

	var (
		agg       *privacy.Aggregation
		extracted extraction
	)

	// The heatmap and the per-trip branch only share the input.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, s := p.metrics.tracer.Start(gctx, "pipeline.aggregate")
		defer s.End()
		agg = p.aggregator.Aggregate(batch.Points)
		return nil
	})
	g.Go(func() error {
		_, s := p.metrics.tracer.Start(gctx, "pipeline.extract")
		defer s.End()
		extracted = p.extract(batch.Points)
		return nil
	})
	_ = g.Wait() //nolint:errcheck // neither branch fails

	var (
		clusters  *routes.Result
		anomalies []anomaly.AnomalyRecord
	)
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		_, s := p.metrics.tracer.Start(gctx, "pipeline.cluster")
		defer s.End()
		var err error
		clusters, err = p.clusterer.Cluster(extracted.features)
		return err
	})
	g.Go(func() error {
		_, s := p.metrics.tracer.Start(gctx, "pipeline.score")
		defer s.End()
		var err error
		anomalies, err = p.score(extracted.features)
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("analysis run %s: %w", res.RunID, err)
	}

	res.Bins = agg.Bins
	res.AggregationStats = agg.Stats
	res.Features = extracted.features
	res.Clusters = clusters
	res.Anomalies = anomalies
	res.Report = p.report(res.RunID, batch, agg.Stats, extracted, clusters, anomalies)
	res.Duration = time.Since(res.StartedAt)

	p.metrics.record(ctx, res)

	p.logger.Info().
		Str("run_id", res.RunID.String()).
		Int("points", res.Report.PointsAccepted).
		Int("rejected", res.Report.RecordsRejected).
		Int("trips", res.Report.TripsSeen).
		Int("extracted", res.Report.TripsExtracted).
		Int("bins", len(res.Bins)).
		Int("clusters", clusters.Metrics.NumClusters).
		Int("noise", clusters.Metrics.NumNoise).
		Int("dropped", len(res.Report.DroppedTrips)).
		Dur("duration", res.Duration).
		Msg("Analysis run complete")

	return res, nil
}

type extraction struct {
	trips    int
	features []trip.FeatureVector
	dropped  []DroppedTrip
}

// extract groups points into trips and reduces them on a worker pool.
// Features keep the trips' first-appearance order.
func (p *Pipeline) extract(points []trip.Point) extraction {
	trips := trip.Group(points)

	type outcome struct {
		fv  trip.FeatureVector
		err error
	}
	outcomes := make([]outcome, len(trips))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < p.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				fv, err := p.extractor.Extract(trips[i].Points)
				outcomes[i] = outcome{fv: fv, err: err}
			}
		}()
	}
	for i := range trips {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	out := extraction{trips: len(trips), features: make([]trip.FeatureVector, 0, len(trips))}
	for i, o := range outcomes {
		if o.err != nil {
			out.dropped = append(out.dropped, DroppedTrip{
				TripID: trips[i].ID,
				Kind:   trip.Classify(o.err),
				Detail: o.err.Error(),
			})
			continue
		}
		out.features = append(out.features, o.fv)
	}
	sort.Slice(out.dropped, func(i, j int) bool { return out.dropped[i].TripID < out.dropped[j].TripID })
	return out
}

// score fits the forest on the whole population, then shards scoring. The
// records keep the feature order.
func (p *Pipeline) score(features []trip.FeatureVector) ([]anomaly.AnomalyRecord, error) {
	records := make([]anomaly.AnomalyRecord, len(features))
	if len(features) == 0 {
		return records, nil
	}

	model, err := anomaly.Fit(features, p.fit)
	if err != nil {
		return nil, err
	}

	workers := p.cfg.Workers
	if workers > len(features) {
		workers = len(features)
	}
	chunk := (len(features) + workers - 1) / workers

	var wg sync.WaitGroup
	for lo := 0; lo < len(features); lo += chunk {
		hi := min(lo+chunk, len(features))
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				records[i] = model.Score(features[i])
			}
		}(lo, hi)
	}
	wg.Wait()
	return records, nil
}

func (p *Pipeline) report(
	runID uuid.UUID,
	batch Batch,
	stats privacy.Stats,
	ex extraction,
	clusters *routes.Result,
	anomalies []anomaly.AnomalyRecord,
) Report {
	r := Report{
		RunID:              runID,
		Counts:             make(map[trip.FaultKind]int),
		TripsDroppedByKind: make(map[trip.FaultKind]int),
		DroppedTrips:       ex.dropped,
		RecordsRejected:    batch.RecordsRejected,
		PointsAccepted:     len(batch.Points),
		TripsSeen:          ex.trips,
		TripsExtracted:     len(ex.features),
		TripsNoise:         clusters.Metrics.NumNoise,
		TripsScored:        len(anomalies),
	}
	if r.DroppedTrips == nil {
		r.DroppedTrips = []DroppedTrip{}
	}
	r.TripsClustered = len(ex.features) - r.TripsNoise

	if batch.RecordsRejected > 0 {
		r.Counts[trip.FaultMalformedRecord] = batch.RecordsRejected
	}
	if stats.InvalidCoordinates > 0 {
		r.Counts[trip.FaultInvalidCoordinate] = stats.InvalidCoordinates
	}
	for _, d := range ex.dropped {
		r.TripsDroppedByKind[d.Kind]++
		// Invalid points are already counted by the aggregator.
		if d.Kind == trip.FaultInvalidCoordinate {
			continue
		}
		r.Counts[d.Kind]++
	}
	return r
}
