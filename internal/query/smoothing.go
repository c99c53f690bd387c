package query

import (
	"math"

	"github.com/tripscope/tripscope/internal/privacy"
	"github.com/tripscope/tripscope/internal/spatial"
)

// SmoothingConfig holds configuration for heatmap smoothing.
type SmoothingConfig struct {
	// Ring is how many cell rings around a bin contribute. Default: 1.
	Ring int

	// Power is the inverse distance weighting exponent over hop distance.
	// Higher values keep more weight on the bin itself. Default: 2.0.
	Power float64
}

// DefaultSmoothingConfig returns the default configuration.
func DefaultSmoothingConfig() SmoothingConfig {
	return SmoothingConfig{
		Ring:  1,
		Power: 2.0,
	}
}

// SmoothedBin is a heatmap bin with its inverse-distance-weighted density.
type SmoothedBin struct {
	privacy.AggregateBin

	// Smoothed is the weighted mean TripCount over the bin and its released
	// neighbours in the same bucket.
	Smoothed float64 `json:"smoothed"`

	// Contributors is the number of bins that fed Smoothed, itself included.
	Contributors int `json:"contributors"`
}

type bucketKey struct {
	start int64
	width int64
	res   int
}

// Smooth spreads each bin's count over its neighbours with inverse
// distance weighting, w = 1/(1+hops)^power. Only already released bins take
// part, so smoothing never reveals a suppressed bin. Output order follows
// the input.
func Smooth(bins []privacy.AggregateBin, cfg SmoothingConfig) []SmoothedBin {
	if cfg.Ring <= 0 {
		cfg.Ring = DefaultSmoothingConfig().Ring
	}
	if cfg.Power <= 0 {
		cfg.Power = DefaultSmoothingConfig().Power
	}

	layers := make(map[bucketKey]map[spatial.Cell]int)
	for _, b := range bins {
		k := keyOf(b)
		if layers[k] == nil {
			layers[k] = make(map[spatial.Cell]int)
		}
		layers[k][b.Cell] = b.TripCount
	}

	out := make([]SmoothedBin, len(bins))
	for i, b := range bins {
		layer := layers[keyOf(b)]

		weight := 1.0
		total := float64(b.TripCount)
		contributors := 1

		neighbors, err := spatial.NeighborsOf(b.Cell, cfg.Ring)
		if err == nil {
			for _, n := range neighbors {
				count, ok := layer[n]
				if !ok {
					continue
				}
				w := 1.0 / math.Pow(1+spatial.HopDistance(b.Cell, n), cfg.Power)
				total += w * float64(count)
				weight += w
				contributors++
			}
		}

		out[i] = SmoothedBin{
			AggregateBin: b,
			Smoothed:     total / weight,
			Contributors: contributors,
		}
	}
	return out
}

func keyOf(b privacy.AggregateBin) bucketKey {
	return bucketKey{start: b.Bucket.Start.UnixNano(), width: int64(b.Bucket.Width), res: b.Resolution}
}
