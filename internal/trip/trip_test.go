package trip_test

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func newExtractor(t *testing.T) *trip.Extractor {
	t.Helper()
	idx, err := spatial.NewIndexer(9)
	require.NoError(t, err)
	ex, err := trip.NewExtractor(trip.ExtractorConfig{Indexer: idx})
	require.NoError(t, err)
	return ex
}

func pt(id string, offset time.Duration, lat, lon float64) trip.Point {
	return trip.Point{TripID: id, Timestamp: t0.Add(offset), Lat: lat, Lon: lon}
}

func TestNewExtractor_RequiresIndexer(t *testing.T) {
	_, err := trip.NewExtractor(trip.ExtractorConfig{})
	assert.Error(t, err)
}

func TestExtract_Commute(t *testing.T) {
	ex := newExtractor(t)

	points := []trip.Point{
		pt("c1", 0, 52.3700, 4.8900),
		pt("c1", 5*time.Minute, 52.3600, 4.9000),
		pt("c1", 10*time.Minute, 52.3500, 4.9100),
	}

	fv, err := ex.Extract(points)
	require.NoError(t, err)

	assert.Equal(t, "c1", fv.TripID)
	assert.Equal(t, 600.0, fv.DurationS)
	expectedDist := spatial.Distance(52.37, 4.89, 52.36, 4.90) + spatial.Distance(52.36, 4.90, 52.35, 4.91)
	assert.InDelta(t, expectedDist, fv.DistanceM, 1e-9)
	assert.Equal(t, fv.DistanceM/fv.DurationS, fv.AvgSpeedMPS)
	assert.Greater(t, fv.StraightLineRatio, 0.99)
	assert.LessOrEqual(t, fv.StraightLineRatio, 1.0)
	assert.Equal(t, 3, fv.PointCount)
	assert.Equal(t, t0, fv.StartTime)
	assert.Equal(t, t0.Add(10*time.Minute), fv.EndTime)
	assert.False(t, fv.ImplausibleSpeed)
	assert.NotEqual(t, fv.StartCell, fv.EndCell)

	start, err := spatial.CellOf(52.37, 4.89, 9)
	require.NoError(t, err)
	assert.Equal(t, start, fv.StartCell)
}

func TestExtract_Faults(t *testing.T) {
	ex := newExtractor(t)

	tests := []struct {
		name   string
		points []trip.Point
		want   error
		kind   trip.FaultKind
	}{
		{
			name:   "no points",
			points: nil,
			want:   trip.ErrInsufficientPoints,
			kind:   trip.FaultInsufficientPoints,
		},
		{
			name:   "single point",
			points: []trip.Point{pt("a", 0, 1, 1)},
			want:   trip.ErrInsufficientPoints,
			kind:   trip.FaultInsufficientPoints,
		},
		{
			// Two identical points at the same instant.
			name:   "identical timestamps",
			points: []trip.Point{pt("b", 0, 0, 0), pt("b", 0, 0, 0)},
			want:   trip.ErrDegenerateTrip,
			kind:   trip.FaultDegenerateTrip,
		},
		{
			name:   "decreasing timestamps",
			points: []trip.Point{pt("c", time.Minute, 1, 1), pt("c", 0, 1.001, 1)},
			want:   trip.ErrNonMonotonicTimestamps,
			kind:   trip.FaultNonMonotonicTimestamps,
		},
		{
			name:   "invalid coordinate",
			points: []trip.Point{pt("d", 0, 1, 1), pt("d", time.Minute, 95, 1)},
			want:   spatial.ErrInvalidCoordinate,
			kind:   trip.FaultInvalidCoordinate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Extract(tt.points)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, trip.Classify(err))
		})
	}
}

func TestExtract_EqualTimestampsMidTripAllowed(t *testing.T) {
	ex := newExtractor(t)

	fv, err := ex.Extract([]trip.Point{
		pt("e", 0, 10, 10),
		pt("e", time.Minute, 10.001, 10),
		pt("e", time.Minute, 10.001, 10),
		pt("e", 2*time.Minute, 10.002, 10),
	})
	require.NoError(t, err)
	assert.Equal(t, 120.0, fv.DurationS)
	assert.False(t, fv.ImplausibleSpeed)
}

func TestExtract_StationaryTripIsDirect(t *testing.T) {
	ex := newExtractor(t)

	fv, err := ex.Extract([]trip.Point{pt("s", 0, 10, 10), pt("s", time.Hour, 10, 10)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, fv.DistanceM)
	assert.Equal(t, 0.0, fv.AvgSpeedMPS)
	assert.Equal(t, 1.0, fv.StraightLineRatio)
}

func TestExtract_ClosedLoopStaysPositive(t *testing.T) {
	ex := newExtractor(t)

	fv, err := ex.Extract([]trip.Point{
		pt("loop", 0, 10, 10),
		pt("loop", 10*time.Minute, 10.01, 10),
		pt("loop", 20*time.Minute, 10, 10),
	})
	require.NoError(t, err)
	assert.Greater(t, fv.StraightLineRatio, 0.0)
	assert.Equal(t, trip.MinStraightLineRatio, fv.StraightLineRatio)
}

func TestExtract_ImplausibleSpeedFlagged(t *testing.T) {
	ex := newExtractor(t)

	// One degree of latitude (~111 km) in one minute.
	fv, err := ex.Extract([]trip.Point{
		pt("tp", 0, 10, 10),
		pt("tp", time.Minute, 11, 10),
		pt("tp", 2*time.Hour, 11.001, 10),
	})
	require.NoError(t, err)
	assert.True(t, fv.ImplausibleSpeed)
	assert.Greater(t, fv.MaxSegmentSpeedMPS, 1000.0)
	assert.Less(t, fv.AvgSpeedMPS, 55.6, "the average alone is plausible")
}

func TestExtract_MovementWithoutTimeFlagged(t *testing.T) {
	ex := newExtractor(t)

	fv, err := ex.Extract([]trip.Point{
		pt("jump", 0, 10, 10),
		pt("jump", 0, 10.5, 10),
		pt("jump", 3*time.Hour, 10.5, 10),
	})
	require.NoError(t, err)
	assert.True(t, fv.ImplausibleSpeed)
}

func TestExtract_RandomTripsSatisfyInvariants(t *testing.T) {
	ex := newExtractor(t)
	rng := rand.New(rand.NewPCG(7, 11))

	for n := 0; n < 200; n++ {
		count := 2 + rng.IntN(20)
		lat, lon := -60+rng.Float64()*120, -170+rng.Float64()*340
		ts := t0
		points := make([]trip.Point, 0, count)
		for i := 0; i < count; i++ {
			points = append(points, trip.Point{TripID: fmt.Sprintf("r%d", n), Timestamp: ts, Lat: lat, Lon: lon})
			ts = ts.Add(time.Duration(1+rng.IntN(120)) * time.Second)
			lat += (rng.Float64() - 0.5) * 0.01
			lon += (rng.Float64() - 0.5) * 0.01
		}

		fv, err := ex.Extract(points)
		require.NoError(t, err)
		assert.Equal(t, fv.DistanceM/fv.DurationS, fv.AvgSpeedMPS)
		assert.Greater(t, fv.StraightLineRatio, 0.0)
		assert.LessOrEqual(t, fv.StraightLineRatio, 1.0)
	}
}

func TestGroup(t *testing.T) {
	points := []trip.Point{
		pt("b", 2*time.Minute, 1, 1),
		pt("a", time.Minute, 2, 2),
		pt("b", 0, 3, 3),
		pt("a", 0, 4, 4),
		pt("b", time.Minute, 5, 5),
		pt("a", time.Minute, 6, 6),
	}

	trips := trip.Group(points)
	require.Len(t, trips, 2)

	assert.Equal(t, "b", trips[0].ID)
	assert.Equal(t, []float64{3, 5, 1}, lats(trips[0].Points))

	assert.Equal(t, "a", trips[1].ID)
	// Equal timestamps keep their input order.
	assert.Equal(t, []float64{4, 2, 6}, lats(trips[1].Points))
}

func TestClassify_Unknown(t *testing.T) {
	assert.Equal(t, trip.FaultUnknown, trip.Classify(fmt.Errorf("boom")))
	assert.Equal(t, trip.FaultMalformedRecord, trip.Classify(fmt.Errorf("row 3: %w", trip.ErrMalformedRecord)))
}

func lats(points []trip.Point) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Lat
	}
	return out
}
