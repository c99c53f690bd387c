package routes

import (
	"math"

	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

// Metric measures route similarity between two trips. It works on start and
// end cells plus the straight-line ratio, never on raw coordinates, so
// clustering stays behind the aggregation boundary.
//
// The distance is the Euclidean norm of
//
//	(hops(startA, startB), hops(endA, endB), RatioWeight * |ratioA - ratioB|)
//
// so one unit is one cell step at the configured resolution.
type Metric struct {
	RatioWeight float64
}

// Distance returns the similarity distance between two feature vectors.
func (m Metric) Distance(a, b trip.FeatureVector) float64 {
	return m.combine(
		spatial.HopDistance(a.StartCell, b.StartCell),
		spatial.HopDistance(a.EndCell, b.EndCell),
		a.StraightLineRatio-b.StraightLineRatio,
	)
}

func (m Metric) combine(startHops, endHops, dRatio float64) float64 {
	r := m.RatioWeight * math.Abs(dRatio)
	return math.Sqrt(startHops*startHops + endHops*endHops + r*r)
}

type cellPair struct {
	a, b spatial.Cell
}

// matrix computes the full pairwise distance matrix. Hop distances are
// memoized per cell pair since trips on the same corridor share cells.
func (m Metric) matrix(vectors []trip.FeatureVector) [][]float64 {
	n := len(vectors)
	hops := make(map[cellPair]float64)
	hop := func(a, b spatial.Cell) float64 {
		if a > b {
			a, b = b, a
		}
		k := cellPair{a, b}
		if d, ok := hops[k]; ok {
			return d
		}
		d := spatial.HopDistance(a, b)
		hops[k] = d
		return d
	}

	d := make([][]float64, n)
	for i := range d {
		d[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := m.combine(
				hop(vectors[i].StartCell, vectors[j].StartCell),
				hop(vectors[i].EndCell, vectors[j].EndCell),
				vectors[i].StraightLineRatio-vectors[j].StraightLineRatio,
			)
			d[i][j] = v
			d[j][i] = v
		}
	}
	return d
}
