package models

// Health represents the health status of the service.
type Health struct {
	Status  HealthStatus           `json:"status"`
	Time    Timestamp              `json:"time"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SystemStatus represents the overall system status.
type SystemStatus struct {
	Status   HealthStatus   `json:"status"`
	Time     Timestamp      `json:"time"`
	Analysis AnalysisStatus `json:"analysis"`
	Sources  []SourceStatus `json:"sources"`
}

// AnalysisStatus describes the cached analysis run.
type AnalysisStatus struct {
	Status          HealthStatus `json:"status"`
	Source          string       `json:"source"`
	RunID           string       `json:"runId,omitempty"`
	FetchedAt       *Timestamp   `json:"fetchedAt,omitempty"`
	ExpiresAt       *Timestamp   `json:"expiresAt,omitempty"`
	IsExpired       bool         `json:"isExpired"`
	IsStale         bool         `json:"isStale"`
	RecordsRejected int          `json:"recordsRejected"`
	LastError       *string      `json:"lastError,omitempty"`
}

// SourceStatus represents the circuit state of a trip data source.
type SourceStatus struct {
	Source        string       `json:"source"`
	Status        HealthStatus `json:"status"`
	Circuit       string       `json:"circuit"`
	Requests      uint32       `json:"requests"`
	TotalFailures uint32       `json:"totalFailures"`
	LastSuccessAt *Timestamp   `json:"lastSuccessAt,omitempty"`
	LastFailureAt *Timestamp   `json:"lastFailureAt,omitempty"`
	Message       *string      `json:"message,omitempty"`
}
