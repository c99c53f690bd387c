package ingest

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteSource reads trip_points from a local SQLite file. The schema is
// applied from embedded migrations when the source is opened.
type SQLiteSource struct {
	path   string
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and migrates
// it to the latest schema.
func OpenSQLite(path string, logger zerolog.Logger) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := &SQLiteSource{
		path:   path,
		db:     db,
		logger: logger.With().Str("component", "sqlite_source").Logger(),
	}
	if err := s.migrateUp(); err != nil {
		_ = db.Close() //nolint:errcheck // best effort cleanup
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSource) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: that would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: %w", s.path, err)
	}

	version, _, err := m.Version()
	if err == nil {
		s.logger.Debug().Uint("schema_version", version).Msg("SQLite schema ready")
	}
	return nil
}

// Name implements Source.
func (s *SQLiteSource) Name() string {
	return "sqlite:" + s.path
}

// Records implements Source. NULL columns come back empty and are rejected
// by Parse.
func (s *SQLiteSource) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, trip_id, ts, lat, lon FROM trip_points ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query trip_points: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			id                   int
			tripID, ts, lat, lon sql.NullString
		)
		if err := rows.Scan(&id, &tripID, &ts, &lat, &lon); err != nil {
			records = append(records, Record{Line: id, Problem: err.Error()})
			continue
		}
		records = append(records, Record{
			Line:      id,
			TripID:    tripID.String,
			Timestamp: ts.String,
			Lat:       lat.String,
			Lon:       lon.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read trip_points: %w", err)
	}
	return records, nil
}

// Close closes the database.
func (s *SQLiteSource) Close() error {
	return s.db.Close()
}
