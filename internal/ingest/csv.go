package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Accepted header names per column, compared case-insensitively.
var columnAliases = map[string][]string{
	"trip_id":   {"trip_id", "tripid", "trip"},
	"timestamp": {"timestamp", "ts", "time"},
	"lat":       {"lat", "latitude"},
	"lon":       {"lon", "lng", "long", "longitude"},
}

// CSVSource reads a header-mapped CSV file. Columns may appear in any order
// and extra columns are ignored.
type CSVSource struct {
	path string
	open func() (io.ReadCloser, error)
}

// NewCSVSource reads the file at path on every Records call.
func NewCSVSource(path string) *CSVSource {
	return &CSVSource{
		path: path,
		open: func() (io.ReadCloser, error) { return os.Open(path) }, //nolint:gosec // operator-supplied path
	}
}

// NewCSVReaderSource reads from r once.
func NewCSVReaderSource(name string, r io.Reader) *CSVSource {
	return &CSVSource{
		path: name,
		open: func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
	}
}

// Name implements Source.
func (s *CSVSource) Name() string {
	return "csv:" + s.path
}

// Records implements Source.
func (s *CSVSource) Records(ctx context.Context) ([]Record, error) {
	f, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.ReuseRecord = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s is empty", ErrSourceSchema, s.path)
		}
		return nil, fmt.Errorf("read header of %s: %w", s.path, err)
	}
	cols, err := mapColumns(header)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}

	var records []Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			records = append(records, Record{Line: perr.StartLine, Problem: perr.Err.Error()})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.path, err)
		}

		line, _ := r.FieldPos(0)
		rec := Record{Line: line}
		if len(row) <= cols.max {
			rec.Problem = fmt.Sprintf("expected at least %d fields, got %d", cols.max+1, len(row))
		} else {
			rec.TripID = row[cols.tripID]
			rec.Timestamp = row[cols.timestamp]
			rec.Lat = row[cols.lat]
			rec.Lon = row[cols.lon]
		}
		records = append(records, rec)
	}
	return records, nil
}

type columns struct {
	tripID, timestamp, lat, lon int
	max                         int
}

func mapColumns(header []string) (columns, error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := index[h]; !dup {
			index[h] = i
		}
	}

	find := func(col string) (int, error) {
		for _, alias := range columnAliases[col] {
			if i, ok := index[alias]; ok {
				return i, nil
			}
		}
		return 0, fmt.Errorf("%w: missing column %q", ErrSourceSchema, col)
	}

	var c columns
	var err error
	if c.tripID, err = find("trip_id"); err != nil {
		return c, err
	}
	if c.timestamp, err = find("timestamp"); err != nil {
		return c, err
	}
	if c.lat, err = find("lat"); err != nil {
		return c, err
	}
	if c.lon, err = find("lon"); err != nil {
		return c, err
	}
	c.max = max(c.tripID, c.timestamp, c.lat, c.lon)
	return c, nil
}
