// Package privacy tallies trip points into (cell, time bucket) bins and
// enforces the k-anonymity floor on everything it emits.
package privacy

import (
	"time"
)

// TimeBucket is a half-open time interval [Start, Start+Width) aligned to the
// Unix epoch in UTC.
type TimeBucket struct {
	Start time.Time     `json:"start"`
	Width time.Duration `json:"width"`
}

// BucketOf returns the bucket of the given width containing t.
func BucketOf(t time.Time, width time.Duration) TimeBucket {
	w := int64(width)
	ns := t.UnixNano()
	start := ns / w * w
	if ns < 0 && ns%w != 0 {
		start -= w
	}
	return TimeBucket{Start: time.Unix(0, start).UTC(), Width: width}
}

// End returns the exclusive end of the bucket.
func (b TimeBucket) End() time.Time {
	return b.Start.Add(b.Width)
}

// Contains reports whether t falls inside the bucket.
func (b TimeBucket) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End())
}

// Overlaps reports whether the bucket intersects [from, to). Zero bounds are
// unbounded.
func (b TimeBucket) Overlaps(from, to time.Time) bool {
	if !to.IsZero() && !b.Start.Before(to) {
		return false
	}
	if !from.IsZero() && !b.End().After(from) {
		return false
	}
	return true
}
