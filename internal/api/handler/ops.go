// Package handler provides HTTP handlers for the TripScope API.
package handler

import (
	"net/http"
	"time"

	"github.com/tripscope/tripscope/internal/analysis"
	"github.com/tripscope/tripscope/internal/api/models"
	"github.com/tripscope/tripscope/internal/api/response"
	"github.com/tripscope/tripscope/internal/resilience"
)

// StatusProvider reports the state of the cached analysis run.
type StatusProvider interface {
	Status() analysis.Status
}

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	buildTime string
	analysis  StatusProvider
	registry  *resilience.Registry
}

// NewOpsHandler creates a new OpsHandler. analysis and registry may be nil.
func NewOpsHandler(version, buildTime string, analysis StatusProvider, registry *resilience.Registry) *OpsHandler {
	return &OpsHandler{
		version:   version,
		buildTime: buildTime,
		analysis:  analysis,
		registry:  registry,
	}
}

// HealthCheck handles GET /v1/ops/health - liveness check.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status: models.HealthStatusOK,
		Time:   models.Timestamp(time.Now()),
		Details: map[string]interface{}{
			"version":   h.version,
			"buildTime": h.buildTime,
		},
	}
	response.JSON(w, r, http.StatusOK, health)
}

// ReadinessCheck handles GET /v1/ops/ready. The service is ready once a run
// is cached and no source circuit is open.
func (h *OpsHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	details := map[string]interface{}{}
	ready := true

	if h.analysis != nil {
		st := h.analysis.Status()
		details["hasData"] = st.HasData
		if !st.HasData {
			ready = false
		}
	}

	var open []string
	for _, src := range h.sources() {
		if src.IsUnhealthy() {
			open = append(open, src.Name)
		}
	}
	if len(open) > 0 {
		details["openCircuits"] = open
		ready = false
	}

	health := models.Health{
		Status:  models.HealthStatusOK,
		Time:    models.Timestamp(time.Now()),
		Details: details,
	}
	status := http.StatusOK
	if !ready {
		health.Status = models.HealthStatusFail
		status = http.StatusServiceUnavailable
	}
	response.JSON(w, r, status, health)
}

// SystemStatus handles GET /v1/ops/status - analysis cache and source status.
func (h *OpsHandler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	out := models.SystemStatus{
		Status:  models.HealthStatusOK,
		Time:    models.Timestamp(time.Now()),
		Sources: []models.SourceStatus{},
	}

	if h.analysis != nil {
		out.Analysis = analysisStatus(h.analysis.Status())
	} else {
		out.Analysis = models.AnalysisStatus{Status: models.HealthStatusFail}
	}
	out.Status = worst(out.Status, out.Analysis.Status)

	for _, src := range h.sources() {
		s := sourceStatus(src)
		out.Status = worst(out.Status, s.Status)
		out.Sources = append(out.Sources, s)
	}

	response.JSON(w, r, http.StatusOK, out)
}

func (h *OpsHandler) sources() []resilience.Health {
	if h.registry == nil {
		return nil
	}
	return h.registry.All()
}

func analysisStatus(st analysis.Status) models.AnalysisStatus {
	out := models.AnalysisStatus{
		Status:          models.HealthStatusOK,
		Source:          st.Source,
		RunID:           st.RunID,
		IsExpired:       st.IsExpired,
		IsStale:         st.IsStale,
		RecordsRejected: st.RecordsRejected,
	}
	if st.FetchedAt != nil {
		out.FetchedAt = models.TimestampPtr(*st.FetchedAt)
	}
	if st.ExpiresAt != nil {
		out.ExpiresAt = models.TimestampPtr(*st.ExpiresAt)
	}
	if st.LastError != "" {
		msg := st.LastError
		out.LastError = &msg
	}

	switch {
	case !st.HasData:
		out.Status = models.HealthStatusFail
	case st.IsExpired || st.LastError != "":
		out.Status = models.HealthStatusDegraded
	}
	return out
}

func sourceStatus(h resilience.Health) models.SourceStatus {
	out := models.SourceStatus{
		Source:        h.Name,
		Status:        models.HealthStatusOK,
		Circuit:       h.State,
		Requests:      h.Requests,
		TotalFailures: h.TotalFailures,
	}
	if h.LastSuccessAt != nil {
		out.LastSuccessAt = models.TimestampPtr(*h.LastSuccessAt)
	}
	if h.LastFailureAt != nil {
		out.LastFailureAt = models.TimestampPtr(*h.LastFailureAt)
	}
	if h.LastError != "" {
		msg := h.LastError
		out.Message = &msg
	}

	switch {
	case h.IsUnhealthy():
		out.Status = models.HealthStatusFail
	case h.IsDegraded():
		out.Status = models.HealthStatusDegraded
	}
	return out
}

func worst(a, b models.HealthStatus) models.HealthStatus {
	rank := map[models.HealthStatus]int{
		models.HealthStatusOK:       0,
		models.HealthStatusDegraded: 1,
		models.HealthStatusFail:     2,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
