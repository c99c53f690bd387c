package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FileConfig is the JSON tuning file schema. Every field is optional; only
// keys present in the file override the base configuration.
type FileConfig struct {
	H3Resolution           *int                `json:"h3_resolution,omitempty"`
	KMin                   *int                `json:"k_min,omitempty"`
	TimeBucketWidth        *string             `json:"time_bucket_width,omitempty"` // duration string like "1h"
	TimeWidenFactor        *int                `json:"time_widen_factor,omitempty"`
	ClusterStrategy        *string             `json:"cluster_strategy,omitempty"`
	DBSCANEps              *float64            `json:"dbscan_eps,omitempty"`
	DBSCANMinSamples       *int                `json:"dbscan_min_samples,omitempty"`
	HDBSCANMinClusterSize  *int                `json:"hdbscan_min_cluster_size,omitempty"`
	RatioWeight            *float64            `json:"ratio_weight,omitempty"`
	IsolationContamination *float64            `json:"isolation_contamination,omitempty"`
	IsolationTrees         *int                `json:"isolation_trees,omitempty"`
	IsolationSampleSize    *int                `json:"isolation_sample_size,omitempty"`
	SeverityThresholds     *SeverityThresholds `json:"severity_thresholds,omitempty"`
	FactorIQRMultiplier    *float64            `json:"factor_iqr_multiplier,omitempty"`
	MaxPlausibleSpeedMPS   *float64            `json:"max_plausible_speed_mps,omitempty"`
	RandomSeed             *uint64             `json:"random_seed,omitempty"`
	Workers                *int                `json:"workers,omitempty"`
}

// LoadFile reads a JSON tuning file and overlays it on base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc.Apply(base)
}

// Apply overlays the present fields on base.
func (fc FileConfig) Apply(base Config) (Config, error) {
	c := base

	if fc.H3Resolution != nil {
		c.H3Resolution = *fc.H3Resolution
	}
	if fc.KMin != nil {
		c.KMin = *fc.KMin
	}
	if fc.TimeBucketWidth != nil {
		d, err := time.ParseDuration(*fc.TimeBucketWidth)
		if err != nil {
			return base, invalid("time_bucket_width", "not a duration: %q", *fc.TimeBucketWidth)
		}
		c.TimeBucketWidth = d
	}
	if fc.TimeWidenFactor != nil {
		c.TimeWidenFactor = *fc.TimeWidenFactor
	}
	if fc.ClusterStrategy != nil {
		c.ClusterStrategy = ClusterStrategy(*fc.ClusterStrategy)
	}
	if fc.DBSCANEps != nil {
		c.DBSCANEps = *fc.DBSCANEps
	}
	if fc.DBSCANMinSamples != nil {
		c.DBSCANMinSamples = *fc.DBSCANMinSamples
	}
	if fc.HDBSCANMinClusterSize != nil {
		c.HDBSCANMinClusterSize = *fc.HDBSCANMinClusterSize
	}
	if fc.RatioWeight != nil {
		c.RatioWeight = *fc.RatioWeight
	}
	if fc.IsolationContamination != nil {
		c.IsolationContamination = *fc.IsolationContamination
	}
	if fc.IsolationTrees != nil {
		c.IsolationTrees = *fc.IsolationTrees
	}
	if fc.IsolationSampleSize != nil {
		c.IsolationSampleSize = *fc.IsolationSampleSize
	}
	if fc.SeverityThresholds != nil {
		c.SeverityThresholds = *fc.SeverityThresholds
	}
	if fc.FactorIQRMultiplier != nil {
		c.FactorIQRMultiplier = *fc.FactorIQRMultiplier
	}
	if fc.MaxPlausibleSpeedMPS != nil {
		c.MaxPlausibleSpeedMPS = *fc.MaxPlausibleSpeedMPS
	}
	if fc.RandomSeed != nil {
		c.RandomSeed = *fc.RandomSeed
	}
	if fc.Workers != nil {
		c.Workers = *fc.Workers
	}

	return c, nil
}
