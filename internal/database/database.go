// Package database provides PostgreSQL connection management.
package database

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripscope/tripscope/internal/config"
)

// Config holds database connection configuration.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Table is the trip point table read by the analysis source.
	Table string
}

// ConfigFromEnv creates a Config from DB_* environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Host:     getEnvOrDefault("DB_HOST", "localhost"),
		User:     getEnvOrDefault("DB_USER", "tripscope"),
		Password: getEnvOrDefault("DB_PASSWORD", "localdev"),
		Database: getEnvOrDefault("DB_NAME", "tripscope"),
		SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
		Table:    getEnvOrDefault("DB_TRIP_TABLE", "trip_points"),
	}

	var err error
	if cfg.Port, err = envInt("DB_PORT", 5432); err != nil {
		return cfg, err
	}
	if cfg.MaxOpenConns, err = envInt("DB_MAX_OPEN_CONNS", 10); err != nil {
		return cfg, err
	}
	if cfg.MaxIdleConns, err = envInt("DB_MAX_IDLE_CONNS", 2); err != nil {
		return cfg, err
	}
	lifetime := getEnvOrDefault("DB_CONN_MAX_LIFETIME", "5m")
	if cfg.ConnMaxLifetime, err = time.ParseDuration(lifetime); err != nil {
		return cfg, &config.ConfigurationError{Field: "DB_CONN_MAX_LIFETIME", Reason: err.Error()}
	}

	return cfg, cfg.Validate()
}

// Validate checks the pool bounds and connection fields.
func (c Config) Validate() error {
	switch {
	case c.Host == "":
		return &config.ConfigurationError{Field: "DB_HOST", Reason: "must not be empty"}
	case c.Port <= 0 || c.Port > 65535:
		return &config.ConfigurationError{Field: "DB_PORT", Reason: fmt.Sprintf("%d is not a valid port", c.Port)}
	case c.Database == "":
		return &config.ConfigurationError{Field: "DB_NAME", Reason: "must not be empty"}
	case c.MaxOpenConns <= 0 || c.MaxOpenConns > 1000:
		return &config.ConfigurationError{Field: "DB_MAX_OPEN_CONNS", Reason: "must be in 1..1000"}
	case c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns:
		return &config.ConfigurationError{Field: "DB_MAX_IDLE_CONNS", Reason: "must be in 0..DB_MAX_OPEN_CONNS"}
	}
	return nil
}

// ConnectionString returns the PostgreSQL connection string.
func (c Config) ConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Connect creates a new database connection pool.
func Connect(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxOpenConns) //nolint:gosec // bounded by Validate
	poolConfig.MinConns = int32(cfg.MaxIdleConns) //nolint:gosec // bounded by Validate
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &config.ConfigurationError{Field: key, Reason: fmt.Sprintf("%q is not an integer", v)}
	}
	return n, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
