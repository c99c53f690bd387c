package trip

import (
	"fmt"
	"time"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/spatial"
)

// MinStraightLineRatio is the floor applied to straight-line ratios so that
// closed loops (start == end) stay strictly positive.
const MinStraightLineRatio = 1e-6

// FeatureVector is the fixed-shape summary of one trip. It carries cells,
// never raw coordinates.
type FeatureVector struct {
	TripID            string       `json:"tripId"`
	DurationS         float64      `json:"durationS"`
	DistanceM         float64      `json:"distanceM"`
	AvgSpeedMPS       float64      `json:"avgSpeedMps"`
	StartCell         spatial.Cell `json:"startCell"`
	EndCell           spatial.Cell `json:"endCell"`
	StraightLineRatio float64      `json:"straightLineRatio"`

	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	PointCount int       `json:"pointCount"`

	// ImplausibleSpeed is set when the average speed or any segment speed
	// exceeds the plausibility ceiling. Such trips are kept and scored.
	ImplausibleSpeed   bool    `json:"implausibleSpeed"`
	MaxSegmentSpeedMPS float64 `json:"maxSegmentSpeedMps"`
}

// ExtractorConfig configures an Extractor.
type ExtractorConfig struct {
	// Indexer assigns start and end cells. Required.
	Indexer *spatial.Indexer

	// MaxPlausibleSpeedMPS is the physical speed ceiling. Default: 55.6 (200 km/h).
	MaxPlausibleSpeedMPS float64
}

// Extractor computes FeatureVectors. It holds no mutable state and is safe
// for concurrent use.
type Extractor struct {
	indexer  *spatial.Indexer
	maxSpeed float64
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg ExtractorConfig) (*Extractor, error) {
	if cfg.Indexer == nil {
		return nil, &config.ConfigurationError{Field: "indexer", Reason: "required"}
	}
	if cfg.MaxPlausibleSpeedMPS <= 0 {
		cfg.MaxPlausibleSpeedMPS = config.Default().MaxPlausibleSpeedMPS
	}
	return &Extractor{indexer: cfg.Indexer, maxSpeed: cfg.MaxPlausibleSpeedMPS}, nil
}

// Extract reduces the time-ordered points of a single trip to a
// FeatureVector. Equal consecutive timestamps are allowed; a decreasing pair
// is not.
func (e *Extractor) Extract(points []Point) (FeatureVector, error) {
	if len(points) < 2 {
		return FeatureVector{}, fmt.Errorf("%d point(s): %w", len(points), ErrInsufficientPoints)
	}

	for _, p := range points {
		if err := spatial.ValidateCoordinate(p.Lat, p.Lon); err != nil {
			return FeatureVector{}, err
		}
	}

	var (
		distance    float64
		maxSegSpeed float64
		implausible bool
	)
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1], points[i]
		dt := cur.Timestamp.Sub(prev.Timestamp).Seconds()
		if dt < 0 {
			return FeatureVector{}, fmt.Errorf("point %d at %s precedes %s: %w",
				i, cur.Timestamp.Format(time.RFC3339), prev.Timestamp.Format(time.RFC3339), ErrNonMonotonicTimestamps)
		}

		seg := spatial.Distance(prev.Lat, prev.Lon, cur.Lat, cur.Lon)
		distance += seg

		switch {
		case dt > 0:
			speed := seg / dt
			if speed > maxSegSpeed {
				maxSegSpeed = speed
			}
			if speed > e.maxSpeed {
				implausible = true
			}
		case seg > 0:
			// Moved without time passing.
			implausible = true
		}
	}

	first, last := points[0], points[len(points)-1]
	duration := last.Timestamp.Sub(first.Timestamp).Seconds()
	if duration <= 0 {
		return FeatureVector{}, fmt.Errorf("duration %vs: %w", duration, ErrDegenerateTrip)
	}

	startCell, err := e.indexer.CellOf(first.Lat, first.Lon)
	if err != nil {
		return FeatureVector{}, err
	}
	endCell, err := e.indexer.CellOf(last.Lat, last.Lon)
	if err != nil {
		return FeatureVector{}, err
	}

	avgSpeed := distance / duration
	if avgSpeed > e.maxSpeed {
		implausible = true
	}

	return FeatureVector{
		TripID:             first.TripID,
		DurationS:          duration,
		DistanceM:          distance,
		AvgSpeedMPS:        avgSpeed,
		StartCell:          startCell,
		EndCell:            endCell,
		StraightLineRatio:  straightLineRatio(spatial.Distance(first.Lat, first.Lon, last.Lat, last.Lon), distance),
		StartTime:          first.Timestamp,
		EndTime:            last.Timestamp,
		PointCount:         len(points),
		ImplausibleSpeed:   implausible,
		MaxSegmentSpeedMPS: maxSegSpeed,
	}, nil
}

// straightLineRatio is straight/traveled clamped to [MinStraightLineRatio, 1].
// A trip that never moved is perfectly direct.
func straightLineRatio(straight, traveled float64) float64 {
	if traveled <= 0 {
		return 1
	}
	r := straight / traveled
	switch {
	case r > 1:
		return 1
	case r < MinStraightLineRatio:
		return MinStraightLineRatio
	}
	return r
}
