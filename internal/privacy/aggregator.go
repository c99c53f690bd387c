package privacy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/config"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/internal/trip"
)

// WidenLevel records how far a bin had to be coarsened to reach the floor.
type WidenLevel string

const (
	WidenNone  WidenLevel = "none"
	WidenTime  WidenLevel = "time"
	WidenSpace WidenLevel = "space"
)

// AggregateBin is an anonymized (cell, bucket) tally. Every emitted bin
// represents at least KMin distinct trips.
//
// A widened bin holds only the points its finer bins could not release, so
// a time-widened bin may cover the same hour as a fine bin of the same cell
// (and a space-widened bin the area of released child cells). No point is
// counted in more than one bin; consumers that overlay bins of different
// widths must add them, not pick one.
type AggregateBin struct {
	Cell   spatial.Cell `json:"cell"`
	Bucket TimeBucket   `json:"bucket"`

	// TripCount is the number of trip points that fell in the bin.
	TripCount int `json:"tripCount"`

	// DistinctTripIDsHint is the number of distinct trips behind those points.
	DistinctTripIDsHint int `json:"distinctTrips"`

	Resolution int        `json:"resolution"`
	Widened    WidenLevel `json:"widened"`
}

// Stats summarizes one aggregation run. Points splits exactly into
// InvalidCoordinates, SuppressedPoints and the TripCount of emitted bins.
type Stats struct {
	// Points is every input point, valid or not.
	Points int `json:"points"`
	// InvalidCoordinates counts points skipped before tallying.
	InvalidCoordinates int `json:"invalidCoordinates"`

	BinsFine         int `json:"binsFine"`
	BinsTimeWidened  int `json:"binsTimeWidened"`
	BinsSpaceWidened int `json:"binsSpaceWidened"`

	// SuppressedBins counts the widest keys still below the floor: parent
	// cell keys, plus (cell, widened bucket) keys of resolution 0 cells,
	// which have no parent to widen into.
	SuppressedBins int `json:"suppressedBins"`
	// SuppressedPoints counts the points inside SuppressedBins.
	SuppressedPoints int `json:"suppressedPoints"`
}

// Emitted returns the total number of bins released.
func (s Stats) Emitted() int {
	return s.BinsFine + s.BinsTimeWidened + s.BinsSpaceWidened
}

// Aggregation is the output of one Aggregate call.
type Aggregation struct {
	Bins  []AggregateBin
	Stats Stats
}

// AggregatorConfig configures an Aggregator.
type AggregatorConfig struct {
	// Indexer assigns points to cells at the base resolution. Required.
	Indexer *spatial.Indexer

	// BucketWidth is the finest time bucket. Required.
	BucketWidth time.Duration

	// KMin is the anonymity floor. Required, >= 1.
	KMin int

	// WidenFactor multiplies BucketWidth for the widened pass. Default: 4.
	WidenFactor int

	// Workers shards cell assignment. Default: 1.
	Workers int

	Logger zerolog.Logger
}

// Aggregator builds k-anonymous bins. It is stateless between calls.
type Aggregator struct {
	config AggregatorConfig
	logger zerolog.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Indexer == nil {
		return nil, &config.ConfigurationError{Field: "indexer", Reason: "required"}
	}
	if cfg.KMin < 1 {
		return nil, &config.ConfigurationError{Field: "k_min", Reason: fmt.Sprintf("must be >= 1, got %d", cfg.KMin)}
	}
	if cfg.BucketWidth <= 0 {
		return nil, &config.ConfigurationError{Field: "time_bucket_width", Reason: fmt.Sprintf("must be positive, got %s", cfg.BucketWidth)}
	}
	if cfg.WidenFactor == 0 {
		cfg.WidenFactor = config.Default().TimeWidenFactor
	}
	if cfg.WidenFactor < 2 {
		return nil, &config.ConfigurationError{Field: "time_widen_factor", Reason: fmt.Sprintf("must be >= 2, got %d", cfg.WidenFactor)}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}

	return &Aggregator{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "aggregator").Logger(),
	}, nil
}

type binKey struct {
	cell  spatial.Cell
	start int64
	width time.Duration
}

type tally struct {
	points int
	trips  map[string]struct{}
	// members are indices into the located point slice, kept so sub-k
	// residue can be re-tallied at a coarser key.
	members []int
}

type located struct {
	cell spatial.Cell
	p    trip.Point
}

// Aggregate tallies points into bins. Keys below the floor are widened in
// time first, then in space; whatever is still below the floor is dropped.
// Points with invalid coordinates are skipped and counted. The result is a
// pure function of the input multiset and the configuration.
func (a *Aggregator) Aggregate(points []trip.Point) *Aggregation {
	stats := Stats{Points: len(points)}

	locs, invalid := a.locate(points)
	stats.InvalidCoordinates = invalid

	res := a.config.Indexer.Resolution()
	fine := a.config.BucketWidth
	coarse := fine * time.Duration(a.config.WidenFactor)

	var bins []AggregateBin

	// Pass 0: base resolution, base bucket.
	all := make([]int, len(locs))
	for i := range locs {
		all[i] = i
	}
	level0 := tallyBy(locs, all, func(l located) (binKey, bool) {
		return keyOf(l.cell, l.p.Timestamp, fine), true
	})
	emitted, residue := a.split(level0, res, WidenNone)
	bins = append(bins, emitted...)
	stats.BinsFine = len(emitted)

	// Pass 1: same cell, widened bucket.
	level1 := tallyBy(locs, residue, func(l located) (binKey, bool) {
		return keyOf(l.cell, l.p.Timestamp, coarse), true
	})
	emitted, residue = a.split(level1, res, WidenTime)
	bins = append(bins, emitted...)
	stats.BinsTimeWidened = len(emitted)

	// Pass 2: parent cell, widened bucket. Cells with no coarser parent
	// cannot widen further and fall through to suppression.
	orphans := 0
	orphanKeys := make(map[binKey]struct{})
	level2 := tallyBy(locs, residue, func(l located) (binKey, bool) {
		parent, err := spatial.Parent(l.cell)
		if err != nil {
			orphans++
			orphanKeys[keyOf(l.cell, l.p.Timestamp, coarse)] = struct{}{}
			return binKey{}, false
		}
		return keyOf(parent, l.p.Timestamp, coarse), true
	})
	emitted, residue = a.split(level2, res-1, WidenSpace)
	bins = append(bins, emitted...)
	stats.BinsSpaceWidened = len(emitted)

	stats.SuppressedBins = len(level2) - len(emitted) + len(orphanKeys)
	stats.SuppressedPoints = len(residue) + orphans

	sortBins(bins)

	a.logger.Debug().
		Int("points", stats.Points).
		Int("invalid", stats.InvalidCoordinates).
		Int("bins_fine", stats.BinsFine).
		Int("bins_time", stats.BinsTimeWidened).
		Int("bins_space", stats.BinsSpaceWidened).
		Int("suppressed_bins", stats.SuppressedBins).
		Int("suppressed_points", stats.SuppressedPoints).
		Msg("Aggregation complete")

	return &Aggregation{Bins: bins, Stats: stats}
}

// locate assigns cells to points across the configured workers, preserving
// input order in the result.
func (a *Aggregator) locate(points []trip.Point) ([]located, int) {
	cells := make([]spatial.Cell, len(points))
	ok := make([]bool, len(points))

	workers := a.config.Workers
	if workers > len(points) {
		workers = len(points)
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (len(points) + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		lo := w * chunk
		hi := lo + chunk
		if hi > len(points) {
			hi = len(points)
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				c, err := a.config.Indexer.CellOf(points[i].Lat, points[i].Lon)
				if err != nil {
					continue
				}
				cells[i] = c
				ok[i] = true
			}
		}(lo, hi)
	}
	wg.Wait()

	locs := make([]located, 0, len(points))
	invalid := 0
	for i, p := range points {
		if !ok[i] {
			invalid++
			continue
		}
		locs = append(locs, located{cell: cells[i], p: p})
	}
	return locs, invalid
}

func keyOf(cell spatial.Cell, t time.Time, width time.Duration) binKey {
	return binKey{cell: cell, start: BucketOf(t, width).Start.UnixNano(), width: width}
}

func tallyBy(locs []located, idx []int, key func(located) (binKey, bool)) map[binKey]*tally {
	out := make(map[binKey]*tally)
	for _, i := range idx {
		k, ok := key(locs[i])
		if !ok {
			continue
		}
		t := out[k]
		if t == nil {
			t = &tally{trips: make(map[string]struct{})}
			out[k] = t
		}
		t.points++
		t.trips[locs[i].p.TripID] = struct{}{}
		t.members = append(t.members, i)
	}
	return out
}

// split emits the tallies at or above the floor and returns the point
// indices of the rest, in ascending order.
func (a *Aggregator) split(tallies map[binKey]*tally, res int, level WidenLevel) ([]AggregateBin, []int) {
	var (
		emitted []AggregateBin
		residue []int
	)
	for k, t := range tallies {
		if len(t.trips) < a.config.KMin {
			residue = append(residue, t.members...)
			continue
		}
		emitted = append(emitted, AggregateBin{
			Cell:                k.cell,
			Bucket:              TimeBucket{Start: time.Unix(0, k.start).UTC(), Width: k.width},
			TripCount:           t.points,
			DistinctTripIDsHint: len(t.trips),
			Resolution:          res,
			Widened:             level,
		})
	}
	sort.Ints(residue)
	return emitted, residue
}

func sortBins(bins []AggregateBin) {
	sort.Slice(bins, func(i, j int) bool {
		a, b := bins[i], bins[j]
		if !a.Bucket.Start.Equal(b.Bucket.Start) {
			return a.Bucket.Start.Before(b.Bucket.Start)
		}
		if a.Bucket.Width != b.Bucket.Width {
			return a.Bucket.Width < b.Bucket.Width
		}
		if a.Resolution != b.Resolution {
			return a.Resolution > b.Resolution
		}
		return a.Cell < b.Cell
	})
}
