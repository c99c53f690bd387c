package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultPostgresTable is the table read when none is configured.
const DefaultPostgresTable = "trip_points"

// PostgresSource reads trip points from a PostgreSQL table with columns
// id, trip_id, ts (timestamptz), lat and lon (double precision).
type PostgresSource struct {
	pool  *pgxpool.Pool
	table string
}

// NewPostgresSource creates a source over pool. An empty table selects
// DefaultPostgresTable.
func NewPostgresSource(pool *pgxpool.Pool, table string) (*PostgresSource, error) {
	if pool == nil {
		return nil, errors.New("postgres source: nil pool")
	}
	if table == "" {
		table = DefaultPostgresTable
	}
	return &PostgresSource{pool: pool, table: table}, nil
}

// Name implements Source.
func (s *PostgresSource) Name() string {
	return "postgres:" + s.table
}

// Records implements Source. Rows with NULL columns are returned with those
// fields empty so Parse rejects them individually.
func (s *PostgresSource) Records(ctx context.Context) ([]Record, error) {
	table := pgx.Identifier(strings.Split(s.table, ".")).Sanitize()
	query := fmt.Sprintf(`SELECT id, trip_id, ts, lat, lon FROM %s ORDER BY id`, table) //nolint:gosec // quoted identifier

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id       int64
			tripID   *string
			ts       *time.Time
			lat, lon *float64
		)
		if err := rows.Scan(&id, &tripID, &ts, &lat, &lon); err != nil {
			records = append(records, Record{Line: int(id), Problem: err.Error()})
			continue
		}

		rec := Record{Line: int(id)}
		if tripID != nil {
			rec.TripID = *tripID
		}
		if ts != nil {
			rec.Timestamp = ts.UTC().Format(time.RFC3339Nano)
		}
		if lat != nil {
			rec.Lat = strconv.FormatFloat(*lat, 'f', -1, 64)
		}
		if lon != nil {
			rec.Lon = strconv.FormatFloat(*lon, 'f', -1, 64)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", s.table, err)
	}
	return records, nil
}
