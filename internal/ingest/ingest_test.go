package ingest_test

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripscope/tripscope/internal/ingest"
	"github.com/tripscope/tripscope/internal/resilience"
	"github.com/tripscope/tripscope/internal/trip"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		record  ingest.Record
		wantErr bool
		want    trip.Point
		reason  string
	}{
		{
			name:   "zulu",
			record: ingest.Record{Line: 2, TripID: "t1", Timestamp: "2024-03-01T08:00:00Z", Lat: "52.37", Lon: "4.89"},
			want:   trip.Point{TripID: "t1", Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), Lat: 52.37, Lon: 4.89},
		},
		{
			name:   "offset and fraction",
			record: ingest.Record{Line: 3, TripID: " t2 ", Timestamp: "2024-03-01T10:00:00.5+02:00", Lat: " 1 ", Lon: "-2.5"},
			want:   trip.Point{TripID: "t2", Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 500_000_000, time.UTC), Lat: 1, Lon: -2.5},
		},
		{
			name:   "out of range is syntax-valid",
			record: ingest.Record{Line: 4, TripID: "t3", Timestamp: "2024-03-01T08:00:00Z", Lat: "95", Lon: "0"},
			want:   trip.Point{TripID: "t3", Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), Lat: 95, Lon: 0},
		},
		{name: "empty trip id", record: ingest.Record{Line: 5, Timestamp: "2024-03-01T08:00:00Z", Lat: "1", Lon: "1"}, wantErr: true},
		{name: "no zone", record: ingest.Record{Line: 6, TripID: "t", Timestamp: "2024-03-01T08:00:00", Lat: "1", Lon: "1"}, wantErr: true},
		{name: "bad lat", record: ingest.Record{Line: 7, TripID: "t", Timestamp: "2024-03-01T08:00:00Z", Lat: "north", Lon: "1"}, wantErr: true},
		{name: "bad lon", record: ingest.Record{Line: 8, TripID: "t", Timestamp: "2024-03-01T08:00:00Z", Lat: "1", Lon: ""}, wantErr: true},
		{name: "source problem", record: ingest.Record{Line: 9, Problem: "bare quote"}, wantErr: true},
		{
			name:    "source problem with percent",
			record:  ingest.Record{Line: 10, Problem: "scan: 100% bad value %d"},
			wantErr: true,
			reason:  "line 10: scan: 100% bad value %d: malformed record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points, rejections := ingest.Parse([]ingest.Record{tt.record})
			if tt.wantErr {
				assert.Empty(t, points)
				require.Len(t, rejections, 1)
				assert.Equal(t, tt.record.Line, rejections[0].Line)
				assert.ErrorIs(t, rejections[0].Err, trip.ErrMalformedRecord)
				assert.Equal(t, trip.FaultMalformedRecord, rejections[0].Kind())
				if tt.reason != "" {
					assert.Equal(t, tt.reason, rejections[0].Reason)
				}
				return
			}
			assert.Empty(t, rejections)
			require.Len(t, points, 1)
			assert.Equal(t, tt.want, points[0])
		})
	}
}

func TestParse_BadRowDoesNotAbortBatch(t *testing.T) {
	records := []ingest.Record{
		{Line: 2, TripID: "a", Timestamp: "2024-03-01T08:00:00Z", Lat: "1", Lon: "1"},
		{Line: 3, TripID: "a", Timestamp: "yesterday", Lat: "1", Lon: "1"},
		{Line: 4, TripID: "a", Timestamp: "2024-03-01T08:01:00Z", Lat: "1.1", Lon: "1"},
	}

	points, rejections := ingest.Parse(records)
	assert.Len(t, points, 2)
	require.Len(t, rejections, 1)
	assert.Equal(t, 3, rejections[0].Line)
	assert.Equal(t, "a", rejections[0].TripID)
	assert.Contains(t, rejections[0].Reason, "line 3")
}

func TestCSVSource_HeaderMapping(t *testing.T) {
	data := "\ufeffLongitude, Latitude,extra,Time,TRIP\n" +
		"4.89,52.37,x,2024-03-01T08:00:00Z,t1\n" +
		"4.90,52.38,y,2024-03-01T08:01:00Z,t1\n"

	src := ingest.NewCSVReaderSource("inline", strings.NewReader(data))
	assert.Equal(t, "csv:inline", src.Name())

	records, err := src.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, ingest.Record{Line: 2, TripID: "t1", Timestamp: "2024-03-01T08:00:00Z", Lat: "52.37", Lon: "4.89"}, records[0])
	assert.Equal(t, 3, records[1].Line)

	points, rejections := ingest.Parse(records)
	assert.Empty(t, rejections)
	assert.Len(t, points, 2)
}

func TestCSVSource_MissingColumn(t *testing.T) {
	src := ingest.NewCSVReaderSource("inline", strings.NewReader("trip_id,timestamp,lat\nt1,2024-03-01T08:00:00Z,1\n"))

	_, err := src.Records(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ingest.ErrSourceSchema)
	assert.Contains(t, err.Error(), `"lon"`)
}

func TestCSVSource_Empty(t *testing.T) {
	src := ingest.NewCSVReaderSource("inline", strings.NewReader(""))

	_, err := src.Records(context.Background())
	assert.ErrorIs(t, err, ingest.ErrSourceSchema)
}

func TestCSVSource_BadRowsBecomeRejections(t *testing.T) {
	data := "trip_id,timestamp,lat,lon\n" +
		"t1,2024-03-01T08:00:00Z,52.37,4.89\n" +
		"t1,2024-03-01T08:01:00Z\n" +
		"t1,2024-03-01T08:02:00Z,52\"x,4.89\n" +
		"t1,2024-03-01T08:03:00Z,52.39,4.91\n"

	records, err := ingest.NewCSVReaderSource("inline", strings.NewReader(data)).Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.NotEmpty(t, records[1].Problem, "short row")
	assert.NotEmpty(t, records[2].Problem, "bare quote")
	assert.Equal(t, 4, records[2].Line)

	points, rejections := ingest.Parse(records)
	assert.Len(t, points, 2)
	require.Len(t, rejections, 2)
	assert.Equal(t, 3, rejections[0].Line)
	assert.Equal(t, 4, rejections[1].Line)
}

func TestCSVSource_MissingFile(t *testing.T) {
	src := ingest.NewCSVSource(filepath.Join(t.TempDir(), "nope.csv"))

	_, err := src.Records(context.Background())
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestSQLiteSource_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.db")

	src, err := ingest.OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	assert.Equal(t, "sqlite:"+path, src.Name())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`INSERT INTO trip_points (trip_id, ts, lat, lon) VALUES
		('t1', '2024-03-01T08:00:00Z', 52.37, 4.89),
		('t1', '2024-03-01T08:05:00Z', 52.38, 4.9),
		('t2', '2024-03-01T09:00:00Z', NULL, 4.9)`)
	require.NoError(t, err)

	records, err := src.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, 1, records[0].Line)
	assert.Equal(t, "t1", records[0].TripID)
	assert.Empty(t, records[2].Lat)

	points, rejections := ingest.Parse(records)
	require.Len(t, points, 2)
	assert.InDelta(t, 52.37, points[0].Lat, 1e-12)
	assert.InDelta(t, 4.9, points[1].Lon, 1e-12)
	require.Len(t, rejections, 1)
	assert.Equal(t, "t2", rejections[0].TripID)
}

func TestSQLiteSource_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trips.db")

	src, err := ingest.OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO trip_points (trip_id, ts, lat, lon) VALUES ('t1', '2024-03-01T08:00:00Z', 1, 2)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, src.Close())

	again, err := ingest.OpenSQLite(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.Close() })

	records, err := again.Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestNewPostgresSource_NilPool(t *testing.T) {
	_, err := ingest.NewPostgresSource(nil, "")
	assert.Error(t, err)
}

type flakySource struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (f *flakySource) Name() string { return "flaky" }

func (f *flakySource) Records(context.Context) ([]ingest.Record, error) {
	if f.calls.Add(1) <= f.failures {
		return nil, f.err
	}
	return []ingest.Record{{Line: 1, TripID: "t"}}, nil
}

func fastExecutor() resilience.ExecutorConfig {
	cfg := resilience.DefaultExecutorConfig("")
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	return cfg
}

func TestResilientSource_RetriesTransientFailures(t *testing.T) {
	inner := &flakySource{failures: 2, err: errors.New("connection reset")}
	registry := resilience.NewRegistry()
	cfg := fastExecutor()
	cfg.Registry = registry

	src := ingest.NewResilientSource(inner, cfg, zerolog.Nop())
	assert.Equal(t, "flaky", src.Name())

	records, err := src.Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(3), inner.calls.Load())

	h, ok := registry.Get("flaky")
	require.True(t, ok)
	assert.NotNil(t, h.LastSuccessAt)
}

func TestResilientSource_SchemaErrorIsPermanent(t *testing.T) {
	inner := &flakySource{failures: 10, err: ingest.ErrSourceSchema}

	_, err := ingest.NewResilientSource(inner, fastExecutor(), zerolog.Nop()).Records(context.Background())
	assert.ErrorIs(t, err, ingest.ErrSourceSchema)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestResilientSource_MissingFileIsPermanent(t *testing.T) {
	src := ingest.NewResilientSource(
		ingest.NewCSVSource(filepath.Join(t.TempDir(), "missing.csv")),
		fastExecutor(),
		zerolog.Nop(),
	)

	_, err := src.Records(context.Background())
	assert.ErrorIs(t, err, fs.ErrNotExist)
}
