package spatial

import (
	"fmt"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// Region is a latitude/longitude bounding box. The zero value is unbounded.
type Region struct {
	rect    s2.Rect
	bounded bool
}

// NewRegion builds a region from its corners. Boxes that cross the
// antimeridian are given with minLon > maxLon.
func NewRegion(minLat, minLon, maxLat, maxLon float64) (Region, error) {
	if err := ValidateCoordinate(minLat, minLon); err != nil {
		return Region{}, err
	}
	if err := ValidateCoordinate(maxLat, maxLon); err != nil {
		return Region{}, err
	}
	if minLat > maxLat {
		return Region{}, fmt.Errorf("%w: min latitude %v above max %v", ErrInvalidCoordinate, minLat, maxLat)
	}

	lo := s2.LatLngFromDegrees(minLat, minLon)
	hi := s2.LatLngFromDegrees(maxLat, maxLon)

	// s1.Interval treats Lo > Hi as the wrapped interval, which is exactly an
	// antimeridian-crossing box.
	rect := s2.Rect{
		Lat: r1.Interval{Lo: lo.Lat.Radians(), Hi: hi.Lat.Radians()},
		Lng: s1.Interval{Lo: lo.Lng.Radians(), Hi: hi.Lng.Radians()},
	}
	return Region{rect: rect, bounded: true}, nil
}

// Bounded reports whether the region restricts anything.
func (r Region) Bounded() bool {
	return r.bounded
}

// Contains reports whether the coordinate lies inside the region.
func (r Region) Contains(ll LatLng) bool {
	if !r.bounded {
		return true
	}
	return r.rect.ContainsLatLng(s2.LatLngFromDegrees(ll.Lat, ll.Lon))
}

// ContainsCell reports whether the cell's centre lies inside the region.
func (r Region) ContainsCell(c Cell) bool {
	if !r.bounded {
		return true
	}
	center, err := Center(c)
	if err != nil {
		return false
	}
	return r.Contains(center)
}
