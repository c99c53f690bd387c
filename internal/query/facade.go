// Package query is the read side consumed by the display layer. A Facade
// answers heatmap, route and anomaly queries from one immutable run result.
package query

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tripscope/tripscope/internal/anomaly"
	"github.com/tripscope/tripscope/internal/pipeline"
	"github.com/tripscope/tripscope/internal/privacy"
	"github.com/tripscope/tripscope/internal/routes"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

// ErrInvalidQuery is returned for malformed filter parameters.
var ErrInvalidQuery = errors.New("invalid query")

// TimeRange is a half-open [From, To) interval. A zero bound is unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Bounded reports whether either bound is set.
func (r TimeRange) Bounded() bool {
	return !r.From.IsZero() || !r.To.IsZero()
}

func (r TimeRange) validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return fmt.Errorf("%w: time range start %s is not before end %s",
			ErrInvalidQuery, r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
	}
	return nil
}

// SortKey orders route clusters.
type SortKey string

const (
	SortByFrequency SortKey = "frequency"
	SortByTripCount SortKey = "trip_count"
)

// ParseSortKey accepts frequency, trip_count, or empty for frequency.
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(s) {
	case "", SortByFrequency:
		return SortByFrequency, nil
	case SortByTripCount:
		return SortByTripCount, nil
	}
	return "", fmt.Errorf("%w: unknown sort key %q", ErrInvalidQuery, s)
}

// HeatmapQuery filters heatmap bins. The zero value returns everything.
type HeatmapQuery struct {
	TimeRange TimeRange
	Region    spatial.Region
}

// RoutesQuery filters and ranks route clusters.
type RoutesQuery struct {
	TimeRange TimeRange
	SortBy    SortKey

	// Limit caps the result; zero or negative means no limit.
	Limit int

	// IncludeNoise appends a pseudo-cluster with ID routes.NoiseID holding
	// the unclustered trips.
	IncludeNoise bool
}

// AnomaliesQuery filters anomaly records.
type AnomaliesQuery struct {
	// Severities keeps only these severities; empty keeps all.
	Severities []anomaly.Severity

	// Types keeps records listing at least one of these contributing
	// factors; empty keeps all.
	Types []string

	Limit int
}

// Facade answers queries against one run. It never mutates the result and
// is safe for concurrent use.
type Facade struct {
	result   *pipeline.Result
	features map[string]trip.FeatureVector
}

// New creates a facade over a finished run.
func New(result *pipeline.Result) *Facade {
	features := make(map[string]trip.FeatureVector, len(result.Features))
	for _, f := range result.Features {
		features[f.TripID] = f
	}
	return &Facade{result: result, features: features}
}

// RunID identifies the run being served.
func (f *Facade) RunID() string {
	return f.result.RunID.String()
}

// GeneratedAt is when the served run started.
func (f *Facade) GeneratedAt() time.Time {
	return f.result.StartedAt
}

// Strategy names the clustering strategy of the run, empty when nothing
// was clustered.
func (f *Facade) Strategy() string {
	if f.result.Clusters == nil {
		return ""
	}
	return f.result.Clusters.Strategy
}

// Report returns the data quality report of the run.
func (f *Facade) Report() pipeline.Report {
	return f.result.Report
}

// GetHeatmap returns the anonymized bins whose bucket overlaps the time
// range and whose cell centre lies in the region. Only bins that met the
// anonymity floor exist, so nothing here can expose fewer than k trips.
func (f *Facade) GetHeatmap(q HeatmapQuery) ([]privacy.AggregateBin, error) {
	if err := q.TimeRange.validate(); err != nil {
		return nil, err
	}

	out := make([]privacy.AggregateBin, 0, len(f.result.Bins))
	for _, b := range f.result.Bins {
		if !b.Bucket.Overlaps(q.TimeRange.From, q.TimeRange.To) {
			continue
		}
		if !q.Region.ContainsCell(b.Cell) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// GetRoutes returns clusters ranked by frequency or trip count, ties broken
// by ascending cluster id. With a bounded time range each cluster is
// recomputed over the members that started inside it, and clusters left
// empty are dropped.
func (f *Facade) GetRoutes(q RoutesQuery) ([]routes.RouteCluster, error) {
	if err := q.TimeRange.validate(); err != nil {
		return nil, err
	}
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = SortByFrequency
	}
	if sortBy != SortByFrequency && sortBy != SortByTripCount {
		return nil, fmt.Errorf("%w: unknown sort key %q", ErrInvalidQuery, sortBy)
	}

	clusters := f.result.Clusters
	if clusters == nil {
		return []routes.RouteCluster{}, nil
	}

	var (
		out       []routes.RouteCluster
		clustered int
	)
	for _, c := range clusters.Clusters {
		rc, ok := f.restrict(c, q.TimeRange)
		if !ok {
			continue
		}
		clustered += rc.TripCount
		out = append(out, rc)
	}
	for i := range out {
		out[i].FrequencyPct = 100 * float64(out[i].TripCount) / float64(clustered)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch sortBy {
		case SortByTripCount:
			if a.TripCount != b.TripCount {
				return a.TripCount > b.TripCount
			}
		default:
			if a.FrequencyPct != b.FrequencyPct {
				return a.FrequencyPct > b.FrequencyPct
			}
		}
		return a.ID < b.ID
	})

	if q.IncludeNoise {
		if noise, ok := f.noiseCluster(clusters.NoiseTripIDs, clustered, q.TimeRange); ok {
			out = append(out, noise)
		}
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if out == nil {
		out = []routes.RouteCluster{}
	}
	return out, nil
}

// restrict recomputes a cluster over its members starting inside r. Every
// summary field, RepresentativeCells included, reflects only the kept
// members. The caller rescales FrequencyPct over the kept clusters.
func (f *Facade) restrict(c routes.RouteCluster, r TimeRange) (routes.RouteCluster, bool) {
	if !r.Bounded() {
		return c, true
	}

	rc := c
	rc.MemberTripIDs = nil
	var (
		dur, dist float64
		kept      []trip.FeatureVector
	)
	for _, id := range c.MemberTripIDs {
		fv, ok := f.features[id]
		if !ok || !r.Contains(fv.StartTime) {
			continue
		}
		if len(rc.MemberTripIDs) == 0 || fv.StartTime.Before(rc.FirstStart) {
			rc.FirstStart = fv.StartTime
		}
		if len(rc.MemberTripIDs) == 0 || fv.StartTime.After(rc.LastStart) {
			rc.LastStart = fv.StartTime
		}
		rc.MemberTripIDs = append(rc.MemberTripIDs, id)
		kept = append(kept, fv)
		dur += fv.DurationS
		dist += fv.DistanceM
	}
	if len(rc.MemberTripIDs) == 0 {
		return routes.RouteCluster{}, false
	}
	rc.RepresentativeCells = routes.RepresentativeCells(kept)
	rc.TripCount = len(rc.MemberTripIDs)
	rc.AvgDurationS = dur / float64(rc.TripCount)
	rc.AvgDistanceM = dist / float64(rc.TripCount)
	return rc, true
}

// noiseCluster gathers unclustered trips. Its FrequencyPct is their share
// of all trips in range.
func (f *Facade) noiseCluster(ids []string, clustered int, r TimeRange) (routes.RouteCluster, bool) {
	nc := routes.RouteCluster{
		ID:                  routes.NoiseID,
		MemberTripIDs:       []string{},
		RepresentativeCells: []spatial.Cell{},
	}
	var dur, dist float64
	for _, id := range ids {
		fv, ok := f.features[id]
		if !ok || !r.Contains(fv.StartTime) {
			continue
		}
		if len(nc.MemberTripIDs) == 0 || fv.StartTime.Before(nc.FirstStart) {
			nc.FirstStart = fv.StartTime
		}
		if len(nc.MemberTripIDs) == 0 || fv.StartTime.After(nc.LastStart) {
			nc.LastStart = fv.StartTime
		}
		nc.MemberTripIDs = append(nc.MemberTripIDs, id)
		dur += fv.DurationS
		dist += fv.DistanceM
	}
	if len(nc.MemberTripIDs) == 0 {
		return routes.RouteCluster{}, false
	}
	nc.TripCount = len(nc.MemberTripIDs)
	nc.AvgDurationS = dur / float64(nc.TripCount)
	nc.AvgDistanceM = dist / float64(nc.TripCount)
	nc.FrequencyPct = 100 * float64(nc.TripCount) / float64(nc.TripCount+clustered)
	return nc, true
}

// GetAnomalies returns the matching records by descending score, ties by
// ascending trip id.
func (f *Facade) GetAnomalies(q AnomaliesQuery) ([]anomaly.AnomalyRecord, error) {
	severities := make(map[anomaly.Severity]bool, len(q.Severities))
	for _, s := range q.Severities {
		if _, err := anomaly.ParseSeverity(string(s)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
		}
		severities[s] = true
	}
	types := make(map[string]bool, len(q.Types))
	for _, t := range q.Types {
		types[t] = true
	}

	out := make([]anomaly.AnomalyRecord, 0, len(f.result.Anomalies))
	for _, a := range f.result.Anomalies {
		if len(severities) > 0 && !severities[a.Severity] {
			continue
		}
		if len(types) > 0 && !anyFactor(a.ContributingFactors, types) {
			continue
		}
		out = append(out, a)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].TripID < out[j].TripID
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func anyFactor(factors []string, want map[string]bool) bool {
	for _, f := range factors {
		if want[f] {
			return true
		}
	}
	return false
}
