// Package polyline encodes coordinate paths with Google's polyline
// algorithm at precision 5, the format map display layers consume.
// See https://developers.google.com/maps/documentation/utilities/polylinealgorithm
package polyline

import (
	"errors"
	"math"

	"github.com/golang/geo/s2"
)

// earthRadiusM is the mean Earth radius used for path lengths.
const earthRadiusM = 6371008.8

const precision = 1e5

// ErrTruncated is returned by Decode when the input ends mid-value or
// holds a latitude without its longitude.
var ErrTruncated = errors.New("polyline: truncated input")

// Coordinate represents a geographic point with latitude and longitude.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Encode encodes coords into a polyline string. Values are rounded to five
// decimal places.
func Encode(coords []Coordinate) string {
	if len(coords) == 0 {
		return ""
	}

	buf := make([]byte, 0, len(coords)*8)
	var prevLat, prevLon int64
	for _, c := range coords {
		lat := int64(math.Round(c.Lat * precision))
		lon := int64(math.Round(c.Lon * precision))
		buf = appendValue(buf, lat-prevLat)
		buf = appendValue(buf, lon-prevLon)
		prevLat, prevLon = lat, lon
	}
	return string(buf)
}

func appendValue(buf []byte, v int64) []byte {
	u := uint64(v) << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		buf = append(buf, byte(0x20|(u&0x1f))+63)
		u >>= 5
	}
	return append(buf, byte(u)+63)
}

// Decode decodes a polyline string.
func Decode(encoded string) ([]Coordinate, error) {
	if encoded == "" {
		return nil, nil
	}

	var (
		coords   []Coordinate
		lat, lon int64
		i        int
	)
	for i < len(encoded) {
		dLat, next, err := readValue(encoded, i)
		if err != nil {
			return nil, err
		}
		dLon, next, err := readValue(encoded, next)
		if err != nil {
			return nil, err
		}
		i = next

		lat += dLat
		lon += dLon
		coords = append(coords, Coordinate{
			Lat: float64(lat) / precision,
			Lon: float64(lon) / precision,
		})
	}
	return coords, nil
}

func readValue(s string, i int) (int64, int, error) {
	var (
		result uint64
		shift  uint
	)
	for {
		if i >= len(s) {
			return 0, i, ErrTruncated
		}
		b := uint64(s[i]) - 63
		i++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
		if shift > 60 {
			return 0, i, ErrTruncated
		}
	}

	v := int64(result >> 1)
	if result&1 != 0 {
		v = ^v
	}
	return v, i, nil
}

// Length returns the great-circle length of the path in metres.
func Length(coords []Coordinate) float64 {
	if len(coords) < 2 {
		return 0
	}

	var total float64
	prev := s2.LatLngFromDegrees(coords[0].Lat, coords[0].Lon)
	for _, c := range coords[1:] {
		cur := s2.LatLngFromDegrees(c.Lat, c.Lon)
		total += prev.Distance(cur).Radians() * earthRadiusM
		prev = cur
	}
	return total
}
