// Package routes groups trips into recurring corridors by density clustering
// over their feature vectors.
package routes

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

// NoiseID is the assignment of trips that belong to no cluster.
const NoiseID = -1

// ErrDuplicateTripID is returned when two feature vectors share a trip id.
var ErrDuplicateTripID = errors.New("duplicate trip id")

// Clusterer abstracts the clustering strategy so DBSCAN and HDBSCAN can be
// swapped without touching the pipeline.
type Clusterer interface {
	// Name identifies the strategy.
	Name() string

	// Cluster partitions the trips. For a fixed input order the partition
	// is deterministic; cluster ids are not stable across different inputs.
	Cluster(vectors []trip.FeatureVector) (*Result, error)
}

// RouteCluster summarizes one corridor.
type RouteCluster struct {
	ID            int      `json:"id"`
	MemberTripIDs []string `json:"memberTripIds"`

	// RepresentativeCells is the modal start cell followed by the modal end
	// cell (one entry when they coincide).
	RepresentativeCells []spatial.Cell `json:"representativeCells"`

	TripCount    int     `json:"tripCount"`
	FrequencyPct float64 `json:"frequencyPct"`
	AvgDurationS float64 `json:"avgDurationS"`
	AvgDistanceM float64 `json:"avgDistanceM"`

	FirstStart time.Time `json:"firstStart"`
	LastStart  time.Time `json:"lastStart"`
}

// Metrics describes the quality of a clustering.
type Metrics struct {
	NumClusters int     `json:"numClusters"`
	NumNoise    int     `json:"numNoise"`
	NoiseRatio  float64 `json:"noiseRatio"`

	// Silhouette is the mean silhouette over clustered trips, nil when fewer
	// than two clusters exist.
	Silhouette *float64 `json:"silhouette,omitempty"`
}

// Result is the output of a clustering run.
type Result struct {
	Strategy     string         `json:"strategy"`
	Assignments  map[string]int `json:"assignments"`
	Clusters     []RouteCluster `json:"clusters"`
	NoiseTripIDs []string       `json:"noiseTripIds"`
	Metrics      Metrics        `json:"metrics"`
}

// ClusterOf returns the cluster id of a trip, NoiseID for noise, and false
// for trips that were never clustered.
func (r *Result) ClusterOf(tripID string) (int, bool) {
	id, ok := r.Assignments[tripID]
	return id, ok
}

// New selects the configured strategy.
func New(cfg config.Config, logger zerolog.Logger) (Clusterer, error) {
	metric := Metric{RatioWeight: cfg.RatioWeight}
	switch cfg.ClusterStrategy {
	case config.StrategyDBSCAN:
		return NewDBSCAN(DBSCANConfig{
			Eps:        cfg.DBSCANEps,
			MinSamples: cfg.DBSCANMinSamples,
			Metric:     metric,
			Logger:     logger,
		})
	case config.StrategyHDBSCAN:
		return NewHDBSCAN(HDBSCANConfig{
			MinClusterSize: cfg.HDBSCANMinClusterSize,
			MinSamples:     cfg.DBSCANMinSamples,
			Metric:         metric,
			Logger:         logger,
		})
	default:
		return nil, &config.ConfigurationError{
			Field:  "cluster_strategy",
			Reason: fmt.Sprintf("unknown strategy %q", cfg.ClusterStrategy),
		}
	}
}

func checkUnique(vectors []trip.FeatureVector) error {
	seen := make(map[string]struct{}, len(vectors))
	for _, v := range vectors {
		if _, dup := seen[v.TripID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTripID, v.TripID)
		}
		seen[v.TripID] = struct{}{}
	}
	return nil
}

// buildResult turns per-index labels (NoiseID or any non-negative raw label)
// into a Result. Clusters are renumbered 0..k-1 in order of their first
// member in the input.
func buildResult(strategy string, vectors []trip.FeatureVector, labels []int, dist [][]float64) *Result {
	res := &Result{
		Strategy:     strategy,
		Assignments:  make(map[string]int, len(vectors)),
		Clusters:     []RouteCluster{},
		NoiseTripIDs: []string{},
	}

	renumber := make(map[int]int)
	final := make([]int, len(labels))
	var members [][]int
	for i, l := range labels {
		if l == NoiseID {
			final[i] = NoiseID
			res.NoiseTripIDs = append(res.NoiseTripIDs, vectors[i].TripID)
			continue
		}
		id, ok := renumber[l]
		if !ok {
			id = len(members)
			renumber[l] = id
			members = append(members, nil)
		}
		final[i] = id
		members[id] = append(members[id], i)
	}
	for i, v := range vectors {
		res.Assignments[v.TripID] = final[i]
	}
	sort.Strings(res.NoiseTripIDs)

	clustered := len(vectors) - len(res.NoiseTripIDs)
	for id, idx := range members {
		res.Clusters = append(res.Clusters, summarize(id, idx, vectors, clustered))
	}

	res.Metrics = Metrics{
		NumClusters: len(members),
		NumNoise:    len(res.NoiseTripIDs),
	}
	if len(vectors) > 0 {
		res.Metrics.NoiseRatio = float64(len(res.NoiseTripIDs)) / float64(len(vectors))
	}
	res.Metrics.Silhouette = silhouette(final, members, dist)
	return res
}

func summarize(id int, idx []int, vectors []trip.FeatureVector, clustered int) RouteCluster {
	ids := make([]string, len(idx))
	durations := make([]float64, len(idx))
	distances := make([]float64, len(idx))
	starts := make(map[spatial.Cell]int)
	ends := make(map[spatial.Cell]int)

	first := vectors[idx[0]].StartTime
	last := first
	for k, i := range idx {
		v := vectors[i]
		ids[k] = v.TripID
		durations[k] = v.DurationS
		distances[k] = v.DistanceM
		starts[v.StartCell]++
		ends[v.EndCell]++
		if v.StartTime.Before(first) {
			first = v.StartTime
		}
		if v.StartTime.After(last) {
			last = v.StartTime
		}
	}
	sort.Strings(ids)

	cells := representative(starts, ends)

	return RouteCluster{
		ID:                  id,
		MemberTripIDs:       ids,
		RepresentativeCells: cells,
		TripCount:           len(idx),
		FrequencyPct:        float64(len(idx)) / float64(clustered) * 100,
		AvgDurationS:        stat.Mean(durations, nil),
		AvgDistanceM:        stat.Mean(distances, nil),
		FirstStart:          first,
		LastStart:           last,
	}
}

// modal returns the most frequent cell, smallest id on ties.
// RepresentativeCells returns the modal start cell of vs followed by the
// modal end cell, with the end omitted when both coincide. Ties go to the
// smaller cell.
func RepresentativeCells(vs []trip.FeatureVector) []spatial.Cell {
	if len(vs) == 0 {
		return []spatial.Cell{}
	}
	starts := make(map[spatial.Cell]int)
	ends := make(map[spatial.Cell]int)
	for _, v := range vs {
		starts[v.StartCell]++
		ends[v.EndCell]++
	}
	return representative(starts, ends)
}

func representative(starts, ends map[spatial.Cell]int) []spatial.Cell {
	cells := []spatial.Cell{modal(starts)}
	if end := modal(ends); end != cells[0] {
		cells = append(cells, end)
	}
	return cells
}

func modal(counts map[spatial.Cell]int) spatial.Cell {
	var (
		best  spatial.Cell
		bestN int
	)
	for c, n := range counts {
		if n > bestN || (n == bestN && c < best) {
			best, bestN = c, n
		}
	}
	return best
}

// silhouette computes the mean silhouette coefficient over clustered points.
// Singleton clusters contribute 0. Non-finite contributions are skipped.
func silhouette(labels []int, members [][]int, dist [][]float64) *float64 {
	if len(members) < 2 {
		return nil
	}

	var scores []float64
	for i, own := range labels {
		if own == NoiseID {
			continue
		}
		if len(members[own]) == 1 {
			scores = append(scores, 0)
			continue
		}

		a := meanDistance(dist[i], members[own], i)
		b := math.Inf(1)
		for c, idx := range members {
			if c == own {
				continue
			}
			if m := meanDistance(dist[i], idx, -1); m < b {
				b = m
			}
		}

		s := 0.0
		if denom := math.Max(a, b); denom > 0 {
			s = (b - a) / denom
		}
		if math.IsNaN(s) || math.IsInf(s, 0) {
			continue
		}
		scores = append(scores, s)
	}
	if len(scores) == 0 {
		return nil
	}
	mean := stat.Mean(scores, nil)
	return &mean
}

func meanDistance(row []float64, idx []int, skip int) float64 {
	var (
		sum float64
		n   int
	)
	for _, j := range idx {
		if j == skip {
			continue
		}
		sum += row[j]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
