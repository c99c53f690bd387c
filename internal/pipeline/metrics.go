package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tripscope/tripscope/internal/telemetry"
)

const instrumentationName = "github.com/tripscope/tripscope/internal/pipeline"

// instruments holds the OpenTelemetry instruments recorded per run.
type instruments struct {
	pointsIngested metric.Int64Counter
	faults         metric.Int64Counter
	binsEmitted    metric.Int64Counter
	binsSuppressed metric.Int64Counter
	anomalies      metric.Int64Counter
	runDuration    metric.Float64Histogram
	tracer         trace.Tracer
}

func newInstruments() (*instruments, error) {
	meter := telemetry.Meter(instrumentationName)

	pointsIngested, err := meter.Int64Counter(
		"pipeline.points.ingested",
		metric.WithDescription("Trip points accepted into a run"),
		metric.WithUnit("{point}"),
	)
	if err != nil {
		return nil, err
	}

	faults, err := meter.Int64Counter(
		"pipeline.faults",
		metric.WithDescription("Per-record faults by kind"),
		metric.WithUnit("{fault}"),
	)
	if err != nil {
		return nil, err
	}

	binsEmitted, err := meter.Int64Counter(
		"pipeline.bins.emitted",
		metric.WithDescription("Anonymized heatmap bins released"),
		metric.WithUnit("{bin}"),
	)
	if err != nil {
		return nil, err
	}

	binsSuppressed, err := meter.Int64Counter(
		"pipeline.bins.suppressed",
		metric.WithDescription("Bins dropped below the anonymity floor"),
		metric.WithUnit("{bin}"),
	)
	if err != nil {
		return nil, err
	}

	anomalies, err := meter.Int64Counter(
		"pipeline.anomalies",
		metric.WithDescription("Scored trips by severity"),
		metric.WithUnit("{trip}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"pipeline.run.duration",
		metric.WithDescription("Duration of a full analysis run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		pointsIngested: pointsIngested,
		faults:         faults,
		binsEmitted:    binsEmitted,
		binsSuppressed: binsSuppressed,
		anomalies:      anomalies,
		runDuration:    runDuration,
		tracer:         telemetry.Tracer(instrumentationName),
	}, nil
}

func (m *instruments) record(ctx context.Context, res *Result) {
	m.pointsIngested.Add(ctx, int64(res.Report.PointsAccepted))
	for kind, n := range res.Report.Counts {
		m.faults.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	m.binsEmitted.Add(ctx, int64(res.AggregationStats.Emitted()))
	m.binsSuppressed.Add(ctx, int64(res.AggregationStats.SuppressedBins))
	for _, a := range res.Anomalies {
		m.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", string(a.Severity))))
	}
	m.runDuration.Record(ctx, res.Duration.Seconds())
}
