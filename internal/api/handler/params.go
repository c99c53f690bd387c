package handler

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tripscope/tripscope/internal/anomaly"
	"github.com/tripscope/tripscope/internal/api/models"
	"github.com/tripscope/tripscope/internal/query"
	"github.com/tripscope/tripscope/internal/spatial"
)

// paramErrors collects field errors while parsing query parameters.
type paramErrors []models.FieldError

func (e *paramErrors) add(field, message, code string) {
	*e = append(*e, models.FieldError{Field: field, Message: message, Code: code})
}

func parseTimeRange(q url.Values, errs *paramErrors) query.TimeRange {
	var tr query.TimeRange
	tr.From = parseTime(q, "from", errs)
	tr.To = parseTime(q, "to", errs)
	if !tr.From.IsZero() && !tr.To.IsZero() && !tr.From.Before(tr.To) {
		errs.add("to", "must be after from", "INVALID_RANGE")
	}
	return tr
}

func parseTime(q url.Values, key string, errs *paramErrors) time.Time {
	v := q.Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		errs.add(key, "must be an RFC 3339 timestamp", "INVALID_FORMAT")
		return time.Time{}
	}
	return t
}

// parseRegion reads minLat, minLon, maxLat and maxLon. All four or none.
func parseRegion(q url.Values, errs *paramErrors) spatial.Region {
	keys := [4]string{"minLat", "minLon", "maxLat", "maxLon"}
	var (
		vals  [4]float64
		given int
	)
	for i, k := range keys {
		v := q.Get(k)
		if v == "" {
			continue
		}
		given++
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs.add(k, "must be a number", "INVALID_FORMAT")
			return spatial.Region{}
		}
		vals[i] = f
	}
	if given == 0 {
		return spatial.Region{}
	}
	if given != len(keys) {
		errs.add("minLat", "minLat, minLon, maxLat and maxLon must be given together", "INCOMPLETE_REGION")
		return spatial.Region{}
	}

	region, err := spatial.NewRegion(vals[0], vals[1], vals[2], vals[3])
	if err != nil {
		errs.add("minLat", err.Error(), "OUT_OF_RANGE")
		return spatial.Region{}
	}
	return region
}

func parseBool(q url.Values, key string, errs *paramErrors) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		errs.add(key, "must be true or false", "INVALID_FORMAT")
	}
	return b
}

func parseLimit(q url.Values, errs *paramErrors) int {
	v := q.Get("limit")
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		errs.add("limit", "must be a non-negative integer", "INVALID_FORMAT")
		return 0
	}
	return n
}

// parseSmoothing reads the optional ring and power overrides.
func parseSmoothing(q url.Values, errs *paramErrors) query.SmoothingConfig {
	cfg := query.DefaultSmoothingConfig()
	if v := q.Get("ring"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 5 {
			errs.add("ring", "must be an integer in 1..5", "OUT_OF_RANGE")
		} else {
			cfg.Ring = n
		}
	}
	if v := q.Get("power"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			errs.add("power", "must be a positive number", "OUT_OF_RANGE")
		} else {
			cfg.Power = f
		}
	}
	return cfg
}

// listParam accepts repeated and comma separated values.
func listParam(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseSeverities(q url.Values, errs *paramErrors) []anomaly.Severity {
	var out []anomaly.Severity
	for _, v := range listParam(q, "severity") {
		s, err := anomaly.ParseSeverity(strings.ToUpper(v))
		if err != nil {
			errs.add("severity", "must be LOW, MEDIUM or HIGH", "INVALID_ENUM")
			continue
		}
		out = append(out, s)
	}
	return out
}
