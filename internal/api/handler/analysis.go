package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tripscope/tripscope/internal/anomaly"
	"github.com/tripscope/tripscope/internal/api/middleware"
	"github.com/tripscope/tripscope/internal/api/models"
	"github.com/tripscope/tripscope/internal/api/response"
	"github.com/tripscope/tripscope/internal/privacy"
	"github.com/tripscope/tripscope/internal/query"
	"github.com/tripscope/tripscope/internal/routes"
	"github.com/tripscope/tripscope/internal/spatial"
	"github.com/tripscope/tripscope/pkg/polyline"
)

// FacadeProvider serves the current analysis run.
type FacadeProvider interface {
	Facade(ctx context.Context) (*query.Facade, error)
	Refresh(ctx context.Context) (*query.Facade, error)
}

// AnalysisHandler handles the analytics read endpoints and run triggers.
type AnalysisHandler struct {
	provider FacadeProvider
	logger   zerolog.Logger
}

// NewAnalysisHandler creates a new AnalysisHandler.
func NewAnalysisHandler(provider FacadeProvider, logger zerolog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		provider: provider,
		logger:   logger.With().Str("component", "analysis_handler").Logger(),
	}
}

// facade loads the current run, writing a 503 when none is available.
func (h *AnalysisHandler) facade(w http.ResponseWriter, r *http.Request) (*query.Facade, bool) {
	if h.provider == nil {
		response.ServiceUnavailable(w, r, "analysis is not configured")
		return nil, false
	}
	f, err := h.provider.Facade(r.Context())
	if err != nil {
		h.logger.Warn().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("no analysis run available")
		response.ServiceUnavailable(w, r, "trip analysis is temporarily unavailable")
		return nil, false
	}
	return f, true
}

// queryError maps facade errors to responses.
func (h *AnalysisHandler) queryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, query.ErrInvalidQuery) {
		response.BadRequest(w, r, err.Error(), nil)
		return
	}
	h.logger.Error().Err(err).Str("request_id", middleware.GetRequestID(r.Context())).Msg("query failed")
	response.InternalError(w, r, "query failed")
}

func runMeta(f *query.Facade) models.RunMeta {
	return models.RunMeta{RunID: f.RunID(), GeneratedAt: models.Timestamp(f.GeneratedAt())}
}

// GetHeatmap handles GET /v1/heatmap.
func (h *AnalysisHandler) GetHeatmap(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	var errs paramErrors
	q := query.HeatmapQuery{
		TimeRange: parseTimeRange(params, &errs),
		Region:    parseRegion(params, &errs),
	}
	smooth := parseBool(params, "smooth", &errs)
	smoothing := parseSmoothing(params, &errs)
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid heatmap query", errs)
		return
	}

	f, ok := h.facade(w, r)
	if !ok {
		return
	}
	bins, err := f.GetHeatmap(q)
	if err != nil {
		h.queryError(w, r, err)
		return
	}

	resp := models.HeatmapResponse{RunMeta: runMeta(f), Bins: make([]models.HeatmapBin, 0, len(bins))}
	if smooth {
		for _, sb := range query.Smooth(bins, smoothing) {
			bin := heatmapBin(sb.AggregateBin)
			v := sb.Smoothed
			bin.Smoothed = &v
			resp.Bins = append(resp.Bins, bin)
		}
	} else {
		for _, b := range bins {
			resp.Bins = append(resp.Bins, heatmapBin(b))
		}
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	response.JSON(w, r, http.StatusOK, resp)
}

func heatmapBin(b privacy.AggregateBin) models.HeatmapBin {
	bin := models.HeatmapBin{
		Cell:          b.Cell.String(),
		Resolution:    b.Resolution,
		BucketStart:   models.Timestamp(b.Bucket.Start),
		BucketSeconds: int64(b.Bucket.Width.Seconds()),
		TripCount:     b.TripCount,
		DistinctTrips: b.DistinctTripIDsHint,
		Widened:       string(b.Widened),
	}
	if c, err := spatial.Center(b.Cell); err == nil {
		bin.Center = models.Point{Lat: c.Lat, Lon: c.Lon}
	}
	return bin
}

// GetRoutes handles GET /v1/routes.
func (h *AnalysisHandler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	var errs paramErrors
	q := query.RoutesQuery{
		TimeRange:    parseTimeRange(params, &errs),
		Limit:        parseLimit(params, &errs),
		IncludeNoise: parseBool(params, "includeNoise", &errs),
	}
	sortBy, err := query.ParseSortKey(params.Get("sortBy"))
	if err != nil {
		errs.add("sortBy", "must be frequency or trip_count", "INVALID_ENUM")
	}
	q.SortBy = sortBy
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid routes query", errs)
		return
	}

	f, ok := h.facade(w, r)
	if !ok {
		return
	}
	clusters, err := f.GetRoutes(q)
	if err != nil {
		h.queryError(w, r, err)
		return
	}

	resp := models.RoutesResponse{
		RunMeta:  runMeta(f),
		Strategy: f.Strategy(),
		Routes:   make([]models.Route, 0, len(clusters)),
	}
	for _, c := range clusters {
		resp.Routes = append(resp.Routes, route(c))
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	response.JSON(w, r, http.StatusOK, resp)
}

func route(c routes.RouteCluster) models.Route {
	out := models.Route{
		ID:                  c.ID,
		Noise:               c.ID == routes.NoiseID,
		TripCount:           c.TripCount,
		FrequencyPct:        c.FrequencyPct,
		AvgDurationS:        c.AvgDurationS,
		AvgDistanceM:        c.AvgDistanceM,
		FirstStart:          models.TimestampPtr(c.FirstStart),
		LastStart:           models.TimestampPtr(c.LastStart),
		RepresentativeCells: make([]string, 0, len(c.RepresentativeCells)),
		MemberTripIDs:       c.MemberTripIDs,
	}
	if out.MemberTripIDs == nil {
		out.MemberTripIDs = []string{}
	}

	path := make([]polyline.Coordinate, 0, len(c.RepresentativeCells))
	for _, cell := range c.RepresentativeCells {
		out.RepresentativeCells = append(out.RepresentativeCells, cell.String())
		if ll, err := spatial.Center(cell); err == nil {
			path = append(path, polyline.Coordinate{Lat: ll.Lat, Lon: ll.Lon})
		}
	}
	out.Polyline = polyline.Encode(path)
	out.LengthM = polyline.Length(path)
	return out
}

// GetAnomalies handles GET /v1/anomalies.
func (h *AnalysisHandler) GetAnomalies(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	var errs paramErrors
	q := query.AnomaliesQuery{
		Severities: parseSeverities(params, &errs),
		Types:      listParam(params, "type"),
		Limit:      parseLimit(params, &errs),
	}
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid anomalies query", errs)
		return
	}

	f, ok := h.facade(w, r)
	if !ok {
		return
	}
	records, err := f.GetAnomalies(q)
	if err != nil {
		h.queryError(w, r, err)
		return
	}

	resp := models.AnomaliesResponse{RunMeta: runMeta(f), Anomalies: make([]models.Anomaly, 0, len(records))}
	for _, a := range records {
		resp.Anomalies = append(resp.Anomalies, anomalyModel(a))
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	response.JSON(w, r, http.StatusOK, resp)
}

func anomalyModel(a anomaly.AnomalyRecord) models.Anomaly {
	factors := a.ContributingFactors
	if factors == nil {
		factors = []string{}
	}
	return models.Anomaly{
		TripID:              a.TripID,
		Score:               a.Score,
		RawScore:            a.RawScore,
		Severity:            string(a.Severity),
		IsAnomaly:           a.IsAnomaly,
		ContributingFactors: factors,
	}
}

// GetOverview handles GET /v1/overview.
func (h *AnalysisHandler) GetOverview(w http.ResponseWriter, r *http.Request) {
	f, ok := h.facade(w, r)
	if !ok {
		return
	}
	w.Header().Set("Cache-Control", "private, max-age=60")
	response.JSON(w, r, http.StatusOK, f.Overview())
}

// GetReport handles GET /v1/report - the data quality report of the run.
func (h *AnalysisHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	f, ok := h.facade(w, r)
	if !ok {
		return
	}
	response.JSON(w, r, http.StatusOK, f.Report())
}

// StartRun handles POST /v1/runs - re-reads the source and runs the analysis.
func (h *AnalysisHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	if h.provider == nil {
		response.ServiceUnavailable(w, r, "analysis is not configured")
		return
	}

	f, err := h.provider.Refresh(r.Context())
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("analysis run failed")
		response.ServiceUnavailable(w, r, "analysis run failed")
		return
	}

	report := f.Report()
	response.JSON(w, r, http.StatusOK, models.RunSummary{
		RunMeta:         runMeta(f),
		TripsSeen:       report.TripsSeen,
		TripsExtracted:  report.TripsExtracted,
		RecordsRejected: report.RecordsRejected,
	})
}
