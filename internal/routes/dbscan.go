package routes

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/trip"
)

// DBSCANConfig configures the DBSCAN strategy.
type DBSCANConfig struct {
	// Eps is the maximum neighbour distance in the similarity space.
	Eps float64

	// MinSamples is the neighbourhood size (including the trip itself)
	// needed for a core trip.
	MinSamples int

	Metric Metric
	Logger zerolog.Logger
}

// DBSCAN is density-based clustering with fixed eps and min samples.
type DBSCAN struct {
	config DBSCANConfig
	logger zerolog.Logger
}

var _ Clusterer = (*DBSCAN)(nil)

// NewDBSCAN creates a DBSCAN clusterer.
func NewDBSCAN(cfg DBSCANConfig) (*DBSCAN, error) {
	if !(cfg.Eps > 0) {
		return nil, &config.ConfigurationError{Field: "dbscan_eps", Reason: fmt.Sprintf("must be > 0, got %v", cfg.Eps)}
	}
	if cfg.MinSamples < 1 {
		return nil, &config.ConfigurationError{Field: "dbscan_min_samples", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.MinSamples)}
	}
	return &DBSCAN{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "dbscan").Logger(),
	}, nil
}

// Name implements Clusterer.
func (d *DBSCAN) Name() string {
	return string(config.StrategyDBSCAN)
}

// Cluster implements Clusterer.
func (d *DBSCAN) Cluster(vectors []trip.FeatureVector) (*Result, error) {
	if err := checkUnique(vectors); err != nil {
		return nil, err
	}
	start := time.Now()

	n := len(vectors)
	dist := d.config.Metric.matrix(vectors)

	labels := make([]int, n) // 0=unvisited, NoiseID=noise, >0=clusterID
	clusterID := 0

	if n < d.config.MinSamples {
		for i := range labels {
			labels[i] = NoiseID
		}
	}

	for i := 0; i < n; i++ {
		if labels[i] != 0 {
			continue
		}

		neighbors := d.regionQuery(dist, i)
		if len(neighbors) < d.config.MinSamples {
			labels[i] = NoiseID
			continue
		}

		clusterID++
		d.expandCluster(dist, labels, i, neighbors, clusterID)
	}

	res := buildResult(d.Name(), vectors, labels, dist)

	d.logger.Debug().
		Int("trips", n).
		Int("clusters", res.Metrics.NumClusters).
		Int("noise", res.Metrics.NumNoise).
		Dur("duration", time.Since(start)).
		Msg("Clustering complete")

	return res, nil
}

// expandCluster grows a cluster from a core trip breadth-first.
func (d *DBSCAN) expandCluster(dist [][]float64, labels []int, seed int, neighbors []int, clusterID int) {
	labels[seed] = clusterID

	for j := 0; j < len(neighbors); j++ {
		idx := neighbors[j]

		if labels[idx] == NoiseID {
			labels[idx] = clusterID // noise becomes a border trip
		}
		if labels[idx] != 0 {
			continue
		}

		labels[idx] = clusterID
		next := d.regionQuery(dist, idx)
		if len(next) >= d.config.MinSamples {
			neighbors = append(neighbors, next...)
		}
	}
}

// regionQuery returns the indices within eps of i, i included, ascending.
func (d *DBSCAN) regionQuery(dist [][]float64, i int) []int {
	var out []int
	for j, v := range dist[i] {
		if v <= d.config.Eps {
			out = append(out, j)
		}
	}
	return out
}
