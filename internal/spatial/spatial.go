// Package spatial maps coordinates onto the H3 hexagonal grid and answers
// neighbourhood and distance questions about the resulting cells.
package spatial

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/golang/geo/s2"
	"github.com/uber/h3-go/v4"

	"github.com/tripscope/tripscope/internal/config"
)

// Spatial errors.
var (
	ErrInvalidCoordinate   = errors.New("invalid coordinate")
	ErrInvalidCell         = errors.New("invalid cell")
	ErrNoCoarserResolution = errors.New("cell is already at the coarsest resolution")
)

// EarthRadiusM is the mean Earth radius used for great-circle distances.
const EarthRadiusM = 6371000.0

// Cell is an opaque H3 cell identifier.
type Cell uint64

// String returns the canonical lowercase hex form of the cell.
func (c Cell) String() string {
	return strconv.FormatUint(uint64(c), 16)
}

// MarshalText encodes the cell as its hex string so JSON keeps full precision.
func (c Cell) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText parses a hex cell string.
func (c *Cell) UnmarshalText(text []byte) error {
	v, err := ParseCell(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseCell parses a hex cell string and checks that it names a valid cell.
func ParseCell(s string) (Cell, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, s)
	}
	c := Cell(v)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCell, s)
	}
	return c, nil
}

// Valid reports whether c is a valid H3 cell.
func (c Cell) Valid() bool {
	return h3.Cell(c).IsValid()
}

// Resolution returns the resolution the cell was indexed at.
func (c Cell) Resolution() int {
	return h3.Cell(c).Resolution()
}

// LatLng is a coordinate pair in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ValidateCoordinate returns ErrInvalidCoordinate for NaN or out-of-range
// latitude/longitude.
func ValidateCoordinate(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: (%v, %v)", ErrInvalidCoordinate, lat, lon)
	}
	return nil
}

// Indexer assigns coordinates to cells at a fixed resolution.
type Indexer struct {
	resolution int
}

// NewIndexer creates an Indexer for the given H3 resolution.
func NewIndexer(resolution int) (*Indexer, error) {
	if resolution < 0 || resolution > config.MaxH3Resolution {
		return nil, &config.ConfigurationError{
			Field:  "h3_resolution",
			Reason: fmt.Sprintf("must be in [0,%d], got %d", config.MaxH3Resolution, resolution),
		}
	}
	return &Indexer{resolution: resolution}, nil
}

// Resolution returns the indexer's resolution.
func (i *Indexer) Resolution() int {
	return i.resolution
}

// CellOf returns the cell containing (lat, lon) at the indexer's resolution.
func (i *Indexer) CellOf(lat, lon float64) (Cell, error) {
	return CellOf(lat, lon, i.resolution)
}

// CellOf returns the cell containing (lat, lon) at resolution res. It is a
// pure function of its inputs.
func CellOf(lat, lon float64, res int) (Cell, error) {
	if err := ValidateCoordinate(lat, lon); err != nil {
		return 0, err
	}
	c, err := h3.LatLngToCell(h3.NewLatLng(lat, lon), res)
	if err != nil {
		return 0, fmt.Errorf("index (%v, %v) at res %d: %w", lat, lon, res, err)
	}
	return Cell(c), nil
}

// NeighborsOf returns every cell within ring grid steps of cell, excluding
// cell itself, sorted by id.
func NeighborsOf(cell Cell, ring int) ([]Cell, error) {
	if !cell.Valid() {
		return nil, ErrInvalidCell
	}
	if ring < 1 {
		return []Cell{}, nil
	}

	disk, err := h3.GridDisk(h3.Cell(cell), ring)
	if err != nil {
		return nil, fmt.Errorf("grid disk of %s: %w", cell, err)
	}

	out := make([]Cell, 0, len(disk))
	for _, c := range disk {
		if Cell(c) == cell || c == 0 {
			continue
		}
		out = append(out, Cell(c))
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out, nil
}

// Parent returns the containing cell one resolution coarser.
func Parent(cell Cell) (Cell, error) {
	if !cell.Valid() {
		return 0, ErrInvalidCell
	}
	res := cell.Resolution()
	if res == 0 {
		return 0, ErrNoCoarserResolution
	}
	return ParentAt(cell, res-1)
}

// ParentAt returns the containing cell at resolution res, which must not be
// finer than the cell's own.
func ParentAt(cell Cell, res int) (Cell, error) {
	if !cell.Valid() {
		return 0, ErrInvalidCell
	}
	p, err := h3.Cell(cell).Parent(res)
	if err != nil {
		return 0, fmt.Errorf("parent of %s at res %d: %w", cell, res, err)
	}
	return Cell(p), nil
}

// Center returns the centroid of the cell.
func Center(cell Cell) (LatLng, error) {
	if !cell.Valid() {
		return LatLng{}, ErrInvalidCell
	}
	ll, err := h3.CellToLatLng(h3.Cell(cell))
	if err != nil {
		return LatLng{}, fmt.Errorf("centre of %s: %w", cell, err)
	}
	return LatLng{Lat: ll.Lat, Lon: ll.Lng}, nil
}

// HopDistance returns the grid distance between two cells in cell steps.
// Where H3 cannot compute an exact grid distance (cells on different
// resolutions or across pentagon distortion) the great-circle distance
// between the centres is divided by the spacing between adjacent centres.
// Unrelatable cells are infinitely far apart.
func HopDistance(a, b Cell) float64 {
	if a == b {
		return 0
	}
	if a.Resolution() == b.Resolution() {
		if d, err := h3.GridDistance(h3.Cell(a), h3.Cell(b)); err == nil {
			return float64(d)
		}
	}

	ca, errA := Center(a)
	cb, errB := Center(b)
	if errA != nil || errB != nil {
		return math.Inf(1)
	}
	spacing := centreSpacing(a)
	if spacing <= 0 {
		return math.Inf(1)
	}
	return Distance(ca.Lat, ca.Lon, cb.Lat, cb.Lon) / spacing
}

// centreSpacing is the great-circle distance from the cell's centre to the
// centre of its first neighbour.
func centreSpacing(c Cell) float64 {
	neighbors, err := NeighborsOf(c, 1)
	if err != nil || len(neighbors) == 0 {
		return 0
	}
	cc, err := Center(c)
	if err != nil {
		return 0
	}
	nc, err := Center(neighbors[0])
	if err != nil {
		return 0
	}
	return Distance(cc.Lat, cc.Lon, nc.Lat, nc.Lon)
}

// Distance returns the great-circle distance in meters.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusM
}
