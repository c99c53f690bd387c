package routes_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/routes"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

var morning = time.Date(2024, 5, 6, 7, 30, 0, 0, time.UTC)

func cell(t *testing.T, lat, lon float64) spatial.Cell {
	t.Helper()
	c, err := spatial.CellOf(lat, lon, 9)
	require.NoError(t, err)
	return c
}

type corridor struct {
	start, end spatial.Cell
}

func vectorsOn(prefix string, c corridor, n int, baseRatio float64, day int) []trip.FeatureVector {
	out := make([]trip.FeatureVector, n)
	for i := range out {
		out[i] = trip.FeatureVector{
			TripID:            fmt.Sprintf("%s-%02d", prefix, i),
			DurationS:         1500 + float64(i)*10,
			DistanceM:         6000 + float64(i)*25,
			AvgSpeedMPS:       4,
			StartCell:         c.start,
			EndCell:           c.end,
			StraightLineRatio: baseRatio + float64(i)*0.01,
			StartTime:         morning.AddDate(0, 0, day+i),
		}
	}
	return out
}

func newDBSCAN(t *testing.T, eps float64, minSamples int) *routes.DBSCAN {
	t.Helper()
	d, err := routes.NewDBSCAN(routes.DBSCANConfig{
		Eps:        eps,
		MinSamples: minSamples,
		Metric:     routes.Metric{RatioWeight: 4},
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return d
}

func TestMetric_Distance(t *testing.T) {
	home := cell(t, 52.3676, 4.9041)
	work := cell(t, 52.3400, 4.8700)
	neighbors, err := spatial.NeighborsOf(home, 1)
	require.NoError(t, err)

	m := routes.Metric{RatioWeight: 4}
	a := trip.FeatureVector{StartCell: home, EndCell: work, StraightLineRatio: 0.9}
	b := trip.FeatureVector{StartCell: home, EndCell: work, StraightLineRatio: 0.8}
	c := trip.FeatureVector{StartCell: neighbors[0], EndCell: work, StraightLineRatio: 0.9}

	assert.Equal(t, 0.0, m.Distance(a, a))
	assert.InDelta(t, 0.4, m.Distance(a, b), 1e-9)
	assert.InDelta(t, 1.0, m.Distance(a, c), 1e-9)
	assert.Equal(t, m.Distance(a, b), m.Distance(b, a))
}

func TestNew_SelectsStrategy(t *testing.T) {
	cfg := config.Default()

	c, err := routes.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "dbscan", c.Name())

	cfg.ClusterStrategy = config.StrategyHDBSCAN
	c, err = routes.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "hdbscan", c.Name())

	cfg.ClusterStrategy = "optics"
	_, err = routes.New(cfg, zerolog.Nop())
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

func TestNewDBSCAN_Validation(t *testing.T) {
	_, err := routes.NewDBSCAN(routes.DBSCANConfig{Eps: 0, MinSamples: 3})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	_, err = routes.NewDBSCAN(routes.DBSCANConfig{Eps: 1, MinSamples: 0})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
	_, err = routes.NewHDBSCAN(routes.HDBSCANConfig{MinClusterSize: 1})
	assert.ErrorIs(t, err, config.ErrInvalidConfiguration)
}

// Nine commuter trips on one corridor plus one teleporting trip.
func TestDBSCAN_CommutersAndOutlier(t *testing.T) {
	commute := corridor{start: cell(t, 52.3676, 4.9041), end: cell(t, 52.3400, 4.8700)}
	vectors := vectorsOn("commute", commute, 9, 0.85, 0)
	vectors = append(vectors, trip.FeatureVector{
		TripID:            "teleport",
		DurationS:         1200,
		DistanceM:         900000,
		AvgSpeedMPS:       750,
		StartCell:         cell(t, 48.8566, 2.3522),
		EndCell:           cell(t, 52.5200, 13.4050),
		StraightLineRatio: 0.2,
		StartTime:         morning,
	})

	res, err := newDBSCAN(t, 1.5, 5).Cluster(vectors)
	require.NoError(t, err)

	require.Len(t, res.Clusters, 1)
	cluster := res.Clusters[0]
	assert.Equal(t, 9, cluster.TripCount)
	assert.Len(t, cluster.MemberTripIDs, 9)
	assert.Equal(t, 100.0, cluster.FrequencyPct)
	assert.Equal(t, []spatial.Cell{commute.start, commute.end}, cluster.RepresentativeCells)
	assert.Equal(t, morning, cluster.FirstStart)
	assert.Equal(t, morning.AddDate(0, 0, 8), cluster.LastStart)
	assert.InDelta(t, 1540.0, cluster.AvgDurationS, 1e-9)

	assert.Equal(t, []string{"teleport"}, res.NoiseTripIDs)
	id, ok := res.ClusterOf("teleport")
	assert.True(t, ok)
	assert.Equal(t, routes.NoiseID, id)

	assert.Equal(t, 1, res.Metrics.NumClusters)
	assert.Equal(t, 1, res.Metrics.NumNoise)
	assert.InDelta(t, 0.1, res.Metrics.NoiseRatio, 1e-9)
	assert.Nil(t, res.Metrics.Silhouette)

	for _, v := range vectors[:9] {
		id, ok := res.ClusterOf(v.TripID)
		require.True(t, ok)
		assert.Equal(t, cluster.ID, id)
	}
}

func TestDBSCAN_TooFewTripsAllNoise(t *testing.T) {
	c := corridor{start: cell(t, 52.3676, 4.9041), end: cell(t, 52.3400, 4.8700)}
	vectors := vectorsOn("few", c, 4, 0.9, 0)

	res, err := newDBSCAN(t, 1.5, 5).Cluster(vectors)
	require.NoError(t, err)

	assert.Empty(t, res.Clusters)
	assert.Len(t, res.NoiseTripIDs, 4)
	for _, v := range vectors {
		assert.Equal(t, routes.NoiseID, res.Assignments[v.TripID])
	}
}

func TestDBSCAN_Empty(t *testing.T) {
	res, err := newDBSCAN(t, 1.5, 5).Cluster(nil)
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)
	assert.Empty(t, res.NoiseTripIDs)
	assert.Zero(t, res.Metrics.NoiseRatio)
}

func TestDBSCAN_DuplicateTripID(t *testing.T) {
	c := corridor{start: cell(t, 52.3676, 4.9041), end: cell(t, 52.3400, 4.8700)}
	vectors := vectorsOn("dup", c, 2, 0.9, 0)
	vectors[1].TripID = vectors[0].TripID

	_, err := newDBSCAN(t, 1.5, 1).Cluster(vectors)
	assert.ErrorIs(t, err, routes.ErrDuplicateTripID)
}

func twoCorridors(t *testing.T) []trip.FeatureVector {
	a := corridor{start: cell(t, 52.3676, 4.9041), end: cell(t, 52.3400, 4.8700)}
	b := corridor{start: cell(t, 51.9244, 4.4777), end: cell(t, 51.9000, 4.5200)}

	var vectors []trip.FeatureVector
	vectors = append(vectors, vectorsOn("ams", a, 6, 0.80, 0)...)
	vectors = append(vectors, vectorsOn("rtm", b, 6, 0.70, 10)...)
	vectors = append(vectors, trip.FeatureVector{
		TripID:            "stray",
		StartCell:         cell(t, 50.8503, 4.3517),
		EndCell:           cell(t, 48.8566, 2.3522),
		StraightLineRatio: 0.5,
		StartTime:         morning,
	})
	return vectors
}

func TestDBSCAN_TwoCorridors(t *testing.T) {
	vectors := twoCorridors(t)

	res, err := newDBSCAN(t, 1.5, 3).Cluster(vectors)
	require.NoError(t, err)

	require.Len(t, res.Clusters, 2)
	assert.Equal(t, 0, res.Clusters[0].ID)
	assert.Equal(t, "ams-00", res.Clusters[0].MemberTripIDs[0])
	assert.Equal(t, "rtm-00", res.Clusters[1].MemberTripIDs[0])
	assert.InDelta(t, 100.0, res.Clusters[0].FrequencyPct+res.Clusters[1].FrequencyPct, 1e-9)
	assert.Equal(t, []string{"stray"}, res.NoiseTripIDs)

	require.NotNil(t, res.Metrics.Silhouette)
	assert.Greater(t, *res.Metrics.Silhouette, 0.9)
}

func TestDBSCAN_Deterministic(t *testing.T) {
	vectors := twoCorridors(t)
	d := newDBSCAN(t, 1.5, 3)

	first, err := d.Cluster(vectors)
	require.NoError(t, err)
	second, err := d.Cluster(vectors)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("clustering not deterministic (-first +second):\n%s", diff)
	}
}

func TestDBSCAN_EachTripAssignedOnce(t *testing.T) {
	vectors := twoCorridors(t)

	res, err := newDBSCAN(t, 1.5, 3).Cluster(vectors)
	require.NoError(t, err)

	seen := make(map[string]int)
	for _, c := range res.Clusters {
		for _, id := range c.MemberTripIDs {
			seen[id]++
		}
	}
	for _, id := range res.NoiseTripIDs {
		seen[id]++
	}
	require.Len(t, seen, len(vectors))
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Len(t, res.Assignments, len(vectors))
}

func TestHDBSCAN_TwoCorridors(t *testing.T) {
	vectors := twoCorridors(t)

	h, err := routes.NewHDBSCAN(routes.HDBSCANConfig{
		MinClusterSize: 5,
		MinSamples:     3,
		Metric:         routes.Metric{RatioWeight: 4},
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)

	res, err := h.Cluster(vectors)
	require.NoError(t, err)

	require.Len(t, res.Clusters, 2)
	assert.Equal(t, "hdbscan", res.Strategy)
	assert.Len(t, res.Clusters[0].MemberTripIDs, 6)
	assert.Len(t, res.Clusters[1].MemberTripIDs, 6)
	assert.Equal(t, "ams-00", res.Clusters[0].MemberTripIDs[0])
	assert.Equal(t, []string{"stray"}, res.NoiseTripIDs)

	again, err := h.Cluster(vectors)
	require.NoError(t, err)
	if diff := cmp.Diff(res, again); diff != "" {
		t.Errorf("hdbscan not deterministic (-first +second):\n%s", diff)
	}
}

func TestHDBSCAN_TooFewTrips(t *testing.T) {
	c := corridor{start: cell(t, 52.3676, 4.9041), end: cell(t, 52.3400, 4.8700)}

	h, err := routes.NewHDBSCAN(routes.HDBSCANConfig{MinClusterSize: 5, Metric: routes.Metric{RatioWeight: 4}})
	require.NoError(t, err)

	res, err := h.Cluster(vectorsOn("few", c, 3, 0.9, 0))
	require.NoError(t, err)
	assert.Empty(t, res.Clusters)
	assert.Len(t, res.NoiseTripIDs, 3)
}

func TestRepresentativeCells(t *testing.T) {
	a, b, c := spatial.Cell(1), spatial.Cell(2), spatial.Cell(3)
	v := func(start, end spatial.Cell) trip.FeatureVector {
		return trip.FeatureVector{StartCell: start, EndCell: end}
	}

	assert.Equal(t, []spatial.Cell{}, routes.RepresentativeCells(nil))
	assert.Equal(t, []spatial.Cell{a, c}, routes.RepresentativeCells([]trip.FeatureVector{v(a, c), v(a, c), v(b, b)}))
	// Ties go to the smaller cell; a shared start and end collapses to one entry.
	assert.Equal(t, []spatial.Cell{a}, routes.RepresentativeCells([]trip.FeatureVector{v(b, a), v(a, b)}))
}
