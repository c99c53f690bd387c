package query

import (
	"github.com/tripscope/tripscope/internal/anomaly"
	"github.com/tripscope/tripscope/internal/spatial"
)

// Overview is the dashboard summary of a run.
type Overview struct {
	RunID string `json:"runId"`

	TotalTrips   int     `json:"totalTrips"`
	DroppedTrips int     `json:"droppedTrips"`
	AvgDurationS float64 `json:"avgDurationS"`
	AvgDistanceM float64 `json:"avgDistanceM"`

	// CoveredCells counts distinct cells among released heatmap bins.
	CoveredCells int `json:"coveredCells"`
	HeatmapBins  int `json:"heatmapBins"`

	NumClusters int     `json:"numClusters"`
	NoiseRatio  float64 `json:"noiseRatio"`

	// AnomalyRate is the share of scored trips flagged as anomalies.
	AnomalyRate float64                  `json:"anomalyRate"`
	BySeverity  map[anomaly.Severity]int `json:"bySeverity"`

	// HourlyVolume counts trip starts per UTC hour of day.
	HourlyVolume [24]int `json:"hourlyVolume"`
}

// Overview summarizes the run.
func (f *Facade) Overview() Overview {
	r := f.result
	o := Overview{
		RunID:        r.RunID.String(),
		TotalTrips:   len(r.Features),
		DroppedTrips: len(r.Report.DroppedTrips),
		HeatmapBins:  len(r.Bins),
		BySeverity: map[anomaly.Severity]int{
			anomaly.SeverityLow:    0,
			anomaly.SeverityMedium: 0,
			anomaly.SeverityHigh:   0,
		},
	}

	var dur, dist float64
	for _, fv := range r.Features {
		dur += fv.DurationS
		dist += fv.DistanceM
		o.HourlyVolume[fv.StartTime.UTC().Hour()]++
	}
	if n := len(r.Features); n > 0 {
		o.AvgDurationS = dur / float64(n)
		o.AvgDistanceM = dist / float64(n)
	}

	cells := make(map[spatial.Cell]struct{})
	for _, b := range r.Bins {
		cells[b.Cell] = struct{}{}
	}
	o.CoveredCells = len(cells)

	if r.Clusters != nil {
		o.NumClusters = r.Clusters.Metrics.NumClusters
		o.NoiseRatio = r.Clusters.Metrics.NoiseRatio
	}

	flagged := 0
	for _, a := range r.Anomalies {
		o.BySeverity[a.Severity]++
		if a.IsAnomaly {
			flagged++
		}
	}
	if len(r.Anomalies) > 0 {
		o.AnomalyRate = float64(flagged) / float64(len(r.Anomalies))
	}
	return o
}
