package models

// RunMeta identifies the analysis run a response was computed from.
type RunMeta struct {
	RunID       string    `json:"runId"`
	GeneratedAt Timestamp `json:"generatedAt"`
}

// HeatmapBin is one anonymized (cell, time bucket) tally.
type HeatmapBin struct {
	Cell          string    `json:"cell"`
	Center        Point     `json:"center"`
	Resolution    int       `json:"resolution"`
	BucketStart   Timestamp `json:"bucketStart"`
	BucketSeconds int64     `json:"bucketSeconds"`
	TripCount     int       `json:"tripCount"`
	DistinctTrips int       `json:"distinctTrips"`
	Widened       string    `json:"widened"`

	// Smoothed is set when smoothing was requested.
	Smoothed *float64 `json:"smoothed,omitempty"`
}

// HeatmapResponse is returned by GET /v1/heatmap.
type HeatmapResponse struct {
	RunMeta
	Bins []HeatmapBin `json:"bins"`
}

// Route is a cluster of similar trips.
type Route struct {
	ID                  int        `json:"id"`
	Noise               bool       `json:"noise,omitempty"`
	TripCount           int        `json:"tripCount"`
	FrequencyPct        float64    `json:"frequencyPct"`
	AvgDurationS        float64    `json:"avgDurationS"`
	AvgDistanceM        float64    `json:"avgDistanceM"`
	FirstStart          *Timestamp `json:"firstStart,omitempty"`
	LastStart           *Timestamp `json:"lastStart,omitempty"`
	RepresentativeCells []string   `json:"representativeCells"`

	// Polyline joins the representative cell centres (precision 5).
	Polyline string `json:"polyline,omitempty"`

	// LengthM is the great-circle length of Polyline.
	LengthM float64 `json:"lengthM"`

	MemberTripIDs []string `json:"memberTripIds"`
}

// RoutesResponse is returned by GET /v1/routes.
type RoutesResponse struct {
	RunMeta
	Strategy string  `json:"strategy"`
	Routes   []Route `json:"routes"`
}

// Anomaly is a scored trip.
type Anomaly struct {
	TripID              string   `json:"tripId"`
	Score               float64  `json:"score"`
	RawScore            float64  `json:"rawScore"`
	Severity            string   `json:"severity"`
	IsAnomaly           bool     `json:"isAnomaly"`
	ContributingFactors []string `json:"contributingFactors"`
}

// AnomaliesResponse is returned by GET /v1/anomalies.
type AnomaliesResponse struct {
	RunMeta
	Anomalies []Anomaly `json:"anomalies"`
}

// RunSummary is returned by POST /v1/runs.
type RunSummary struct {
	RunMeta
	TripsSeen       int `json:"tripsSeen"`
	TripsExtracted  int `json:"tripsExtracted"`
	RecordsRejected int `json:"recordsRejected"`
}
