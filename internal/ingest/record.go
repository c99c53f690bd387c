// Package ingest reads raw trip rows from simple sources and parses them
// into trip points, rejecting malformed rows one by one.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tripscope/tripscope/internal/trip"
)

// ErrSourceSchema is returned when a source lacks a required column.
var ErrSourceSchema = errors.New("source schema mismatch")

// Record is one raw row as read from a source.
type Record struct {
	// Line locates the row in its source (file line or row id).
	Line int

	TripID    string
	Timestamp string
	Lat       string
	Lon       string

	// Problem is set when the source itself could not read the row.
	Problem string
}

// Rejection is a row that did not become a trip point.
type Rejection struct {
	Line   int    `json:"line"`
	TripID string `json:"tripId,omitempty"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// Kind classifies the rejection for run reports.
func (r Rejection) Kind() trip.FaultKind {
	return trip.Classify(r.Err)
}

// Source yields the raw rows of one batch.
type Source interface {
	// Name identifies the source in logs and health reports.
	Name() string

	// Records reads the whole batch.
	Records(ctx context.Context) ([]Record, error)
}

// Parse converts records into points. Every failure is a rejection wrapping
// trip.ErrMalformedRecord; a bad row never aborts the batch. Coordinates are
// only checked for syntax here, range checks belong to the analysis.
func Parse(records []Record) ([]trip.Point, []Rejection) {
	points := make([]trip.Point, 0, len(records))
	var rejections []Rejection

	for _, rec := range records {
		p, err := parseRecord(rec)
		if err != nil {
			rejections = append(rejections, Rejection{
				Line:   rec.Line,
				TripID: strings.TrimSpace(rec.TripID),
				Reason: err.Error(),
				Err:    err,
			})
			continue
		}
		points = append(points, p)
	}
	return points, rejections
}

func parseRecord(rec Record) (trip.Point, error) {
	if rec.Problem != "" {
		return trip.Point{}, malformed(rec.Line, "%s", rec.Problem)
	}

	id := strings.TrimSpace(rec.TripID)
	if id == "" {
		return trip.Point{}, malformed(rec.Line, "empty trip_id")
	}

	ts, err := ParseTimestamp(rec.Timestamp)
	if err != nil {
		return trip.Point{}, malformed(rec.Line, "timestamp %q: not ISO-8601 with zone", rec.Timestamp)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(rec.Lat), 64)
	if err != nil {
		return trip.Point{}, malformed(rec.Line, "lat %q: not a number", rec.Lat)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(rec.Lon), 64)
	if err != nil {
		return trip.Point{}, malformed(rec.Line, "lon %q: not a number", rec.Lon)
	}

	return trip.Point{TripID: id, Timestamp: ts, Lat: lat, Lon: lon}, nil
}

// ParseTimestamp accepts RFC 3339 timestamps with a Z or numeric offset,
// with or without fractional seconds. The result is in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func malformed(line int, format string, args ...interface{}) error {
	return fmt.Errorf("line %d: %s: %w", line, fmt.Sprintf(format, args...), trip.ErrMalformedRecord)
}
