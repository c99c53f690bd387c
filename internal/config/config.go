// Package config holds the immutable analysis configuration shared by every
// pipeline stage.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"
)

// ErrInvalidConfiguration matches every ConfigurationError via errors.Is.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ClusterStrategy selects the route clustering algorithm.
type ClusterStrategy string

const (
	StrategyDBSCAN  ClusterStrategy = "dbscan"
	StrategyHDBSCAN ClusterStrategy = "hdbscan"
)

// MaxH3Resolution is the finest H3 resolution.
const MaxH3Resolution = 15

// SeverityThresholds are the two cut points over the normalized anomaly score.
type SeverityThresholds struct {
	Medium float64 `json:"medium"`
	High   float64 `json:"high"`
}

// Config is the analysis configuration. It is a value type: every component
// receives its own copy at construction and nothing mutates it afterwards.
type Config struct {
	// H3Resolution is the spatial granularity (0 = coarsest, 15 = finest).
	// Coarser resolutions give larger cells and stronger privacy.
	H3Resolution int

	// KMin is the anonymity floor: no released bin represents fewer trips.
	KMin int

	// TimeBucketWidth is the width of the finest time bucket.
	TimeBucketWidth time.Duration

	// TimeWidenFactor multiplies TimeBucketWidth when a bin has to be widened.
	TimeWidenFactor int

	// ClusterStrategy picks DBSCAN or HDBSCAN.
	ClusterStrategy ClusterStrategy

	// DBSCANEps is the maximum neighbour distance in the similarity space.
	DBSCANEps float64

	// DBSCANMinSamples is the neighbourhood size needed to seed a cluster.
	// HDBSCAN uses it as its core-distance k.
	DBSCANMinSamples int

	// HDBSCANMinClusterSize is the smallest cluster HDBSCAN reports.
	HDBSCANMinClusterSize int

	// RatioWeight scales straight-line ratio differences relative to one
	// cell hop in the similarity space.
	RatioWeight float64

	// IsolationContamination is the expected anomaly fraction.
	IsolationContamination float64

	// IsolationTrees is the forest size.
	IsolationTrees int

	// IsolationSampleSize is the per-tree subsample size.
	IsolationSampleSize int

	// SeverityThresholds are the MEDIUM and HIGH cuts over the normalized score.
	SeverityThresholds SeverityThresholds

	// FactorIQRMultiplier is how many IQRs a feature must deviate from the
	// population median to be listed as a contributing factor.
	FactorIQRMultiplier float64

	// MaxPlausibleSpeedMPS is the physical plausibility ceiling for speed.
	MaxPlausibleSpeedMPS float64

	// RandomSeed seeds the isolation forest.
	RandomSeed uint64

	// Workers is the number of goroutines used by parallel stages.
	Workers int
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		H3Resolution:           9,
		KMin:                   5,
		TimeBucketWidth:        time.Hour,
		TimeWidenFactor:        4,
		ClusterStrategy:        StrategyDBSCAN,
		DBSCANEps:              1.5,
		DBSCANMinSamples:       5,
		HDBSCANMinClusterSize:  5,
		RatioWeight:            4,
		IsolationContamination: 0.1,
		IsolationTrees:         100,
		IsolationSampleSize:    256,
		SeverityThresholds:     SeverityThresholds{Medium: 0.5, High: 0.75},
		FactorIQRMultiplier:    1.5,
		MaxPlausibleSpeedMPS:   55.6, // 200 km/h
		RandomSeed:             42,
		Workers:                4,
	}
}

// ConfigurationError reports an invalid configuration field. It is fatal at
// construction time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrInvalidConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrInvalidConfiguration
}

func invalid(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks every field and returns the first violation.
func (c Config) Validate() error {
	switch {
	case c.H3Resolution < 0 || c.H3Resolution > MaxH3Resolution:
		return invalid("h3_resolution", "must be in [0,%d], got %d", MaxH3Resolution, c.H3Resolution)
	case c.KMin < 1:
		return invalid("k_min", "must be >= 1, got %d", c.KMin)
	case c.TimeBucketWidth <= 0:
		return invalid("time_bucket_width", "must be positive, got %s", c.TimeBucketWidth)
	case c.TimeWidenFactor < 2:
		return invalid("time_widen_factor", "must be >= 2, got %d", c.TimeWidenFactor)
	case c.ClusterStrategy != StrategyDBSCAN && c.ClusterStrategy != StrategyHDBSCAN:
		return invalid("cluster_strategy", "unknown strategy %q", c.ClusterStrategy)
	case !(c.DBSCANEps > 0) || math.IsInf(c.DBSCANEps, 0):
		return invalid("dbscan_eps", "must be > 0, got %v", c.DBSCANEps)
	case c.DBSCANMinSamples < 1:
		return invalid("dbscan_min_samples", "must be >= 1, got %d", c.DBSCANMinSamples)
	case c.HDBSCANMinClusterSize < 2:
		return invalid("hdbscan_min_cluster_size", "must be >= 2, got %d", c.HDBSCANMinClusterSize)
	case c.RatioWeight < 0 || math.IsNaN(c.RatioWeight):
		return invalid("ratio_weight", "must be >= 0, got %v", c.RatioWeight)
	case !(c.IsolationContamination > 0 && c.IsolationContamination <= 0.5):
		return invalid("isolation_contamination", "must be in (0,0.5], got %v", c.IsolationContamination)
	case c.IsolationTrees < 1:
		return invalid("isolation_trees", "must be >= 1, got %d", c.IsolationTrees)
	case c.IsolationSampleSize < 2:
		return invalid("isolation_sample_size", "must be >= 2, got %d", c.IsolationSampleSize)
	}

	t := c.SeverityThresholds
	if !inUnit(t.Medium) || !inUnit(t.High) {
		return invalid("severity_thresholds", "must be in [0,1], got (%v, %v)", t.Medium, t.High)
	}
	if t.High <= t.Medium {
		return invalid("severity_thresholds", "high (%v) must exceed medium (%v)", t.High, t.Medium)
	}

	switch {
	case !(c.FactorIQRMultiplier > 0):
		return invalid("factor_iqr_multiplier", "must be > 0, got %v", c.FactorIQRMultiplier)
	case !(c.MaxPlausibleSpeedMPS > 0):
		return invalid("max_plausible_speed_mps", "must be > 0, got %v", c.MaxPlausibleSpeedMPS)
	case c.Workers < 1:
		return invalid("workers", "must be >= 1, got %d", c.Workers)
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}

// FromEnv overlays TRIPSCOPE_* environment variables on base. Unparseable
// values are reported as ConfigurationErrors rather than silently ignored.
func FromEnv(base Config) (Config, error) {
	c := base
	var err error

	if c.H3Resolution, err = envInt("TRIPSCOPE_H3_RESOLUTION", "h3_resolution", c.H3Resolution); err != nil {
		return base, err
	}
	if c.KMin, err = envInt("TRIPSCOPE_K_MIN", "k_min", c.KMin); err != nil {
		return base, err
	}
	if c.TimeBucketWidth, err = envDuration("TRIPSCOPE_TIME_BUCKET_WIDTH", "time_bucket_width", c.TimeBucketWidth); err != nil {
		return base, err
	}
	if c.TimeWidenFactor, err = envInt("TRIPSCOPE_TIME_WIDEN_FACTOR", "time_widen_factor", c.TimeWidenFactor); err != nil {
		return base, err
	}
	if v := os.Getenv("TRIPSCOPE_CLUSTER_STRATEGY"); v != "" {
		c.ClusterStrategy = ClusterStrategy(v)
	}
	if c.DBSCANEps, err = envFloat("TRIPSCOPE_DBSCAN_EPS", "dbscan_eps", c.DBSCANEps); err != nil {
		return base, err
	}
	if c.DBSCANMinSamples, err = envInt("TRIPSCOPE_DBSCAN_MIN_SAMPLES", "dbscan_min_samples", c.DBSCANMinSamples); err != nil {
		return base, err
	}
	if c.HDBSCANMinClusterSize, err = envInt("TRIPSCOPE_HDBSCAN_MIN_CLUSTER_SIZE", "hdbscan_min_cluster_size", c.HDBSCANMinClusterSize); err != nil {
		return base, err
	}
	if c.RatioWeight, err = envFloat("TRIPSCOPE_RATIO_WEIGHT", "ratio_weight", c.RatioWeight); err != nil {
		return base, err
	}
	if c.IsolationContamination, err = envFloat("TRIPSCOPE_ISOLATION_CONTAMINATION", "isolation_contamination", c.IsolationContamination); err != nil {
		return base, err
	}
	if c.IsolationTrees, err = envInt("TRIPSCOPE_ISOLATION_TREES", "isolation_trees", c.IsolationTrees); err != nil {
		return base, err
	}
	if c.IsolationSampleSize, err = envInt("TRIPSCOPE_ISOLATION_SAMPLE_SIZE", "isolation_sample_size", c.IsolationSampleSize); err != nil {
		return base, err
	}
	if c.SeverityThresholds.Medium, err = envFloat("TRIPSCOPE_SEVERITY_MEDIUM", "severity_thresholds", c.SeverityThresholds.Medium); err != nil {
		return base, err
	}
	if c.SeverityThresholds.High, err = envFloat("TRIPSCOPE_SEVERITY_HIGH", "severity_thresholds", c.SeverityThresholds.High); err != nil {
		return base, err
	}
	if c.FactorIQRMultiplier, err = envFloat("TRIPSCOPE_FACTOR_IQR_MULTIPLIER", "factor_iqr_multiplier", c.FactorIQRMultiplier); err != nil {
		return base, err
	}
	if c.MaxPlausibleSpeedMPS, err = envFloat("TRIPSCOPE_MAX_PLAUSIBLE_SPEED_MPS", "max_plausible_speed_mps", c.MaxPlausibleSpeedMPS); err != nil {
		return base, err
	}
	if v := os.Getenv("TRIPSCOPE_RANDOM_SEED"); v != "" {
		seed, perr := strconv.ParseUint(v, 10, 64)
		if perr != nil {
			return base, invalid("random_seed", "not an unsigned integer: %q", v)
		}
		c.RandomSeed = seed
	}
	if c.Workers, err = envInt("TRIPSCOPE_WORKERS", "workers", c.Workers); err != nil {
		return base, err
	}

	return c, nil
}

func envInt(key, field string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, invalid(field, "not an integer: %q", v)
	}
	return n, nil
}

func envFloat(key, field string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback, invalid(field, "not a number: %q", v)
	}
	return f, nil
}

func envDuration(key, field string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, invalid(field, "not a duration: %q", v)
	}
	return d, nil
}
