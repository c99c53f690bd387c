// Package trip holds the trip point model and reduces a trip's ordered points
// to a fixed-shape feature vector.
package trip

import (
	"sort"
	"time"
)

// Point is a single GPS observation. Values are immutable once created.
type Point struct {
	TripID    string
	Timestamp time.Time
	Lat       float64
	Lon       float64
}

// Trip is the time-ordered point sequence of one trip id.
type Trip struct {
	ID     string
	Points []Point
}

// Group partitions points by trip id. Trips are returned in order of first
// appearance and each trip's points are stably sorted by timestamp, so equal
// timestamps keep their input order.
func Group(points []Point) []Trip {
	index := make(map[string]int)
	var trips []Trip

	for _, p := range points {
		i, ok := index[p.TripID]
		if !ok {
			i = len(trips)
			index[p.TripID] = i
			trips = append(trips, Trip{ID: p.TripID})
		}
		trips[i].Points = append(trips[i].Points, p)
	}

	for i := range trips {
		pts := trips[i].Points
		sort.SliceStable(pts, func(a, b int) bool {
			return pts[a].Timestamp.Before(pts[b].Timestamp)
		})
	}
	return trips
}
