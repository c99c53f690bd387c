package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/tripscope/tripscope/internal/api/middleware"
)

// accessLog serves one request through h and decodes the single log line.
func accessLog(t *testing.T, buf *bytes.Buffer, h http.Handler, req *http.Request) map[string]interface{} {
	t.Helper()
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_LevelAndFields(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		write  func(w http.ResponseWriter)
		level  string
		status float64
		bytes  float64
		query  string
	}{
		{
			name:   "heatmap ok",
			method: http.MethodGet,
			target: "/v1/heatmap",
			write: func(w http.ResponseWriter) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(`{"bins":[]}`))
			},
			level:  "info",
			status: 200,
			bytes:  11,
		},
		{
			name:   "implicit 200",
			method: http.MethodGet,
			target: "/v1/overview",
			write:  func(w http.ResponseWriter) { _, _ = w.Write([]byte("ok")) },
			level:  "info",
			status: 200,
			bytes:  2,
		},
		{
			name:   "bad limit",
			method: http.MethodGet,
			target: "/v1/routes?limit=-1",
			write:  func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadRequest) },
			level:  "warn",
			status: 400,
			query:  "limit=-1",
		},
		{
			name:   "run failed",
			method: http.MethodPost,
			target: "/v1/runs",
			write:  func(w http.ResponseWriter) { w.WriteHeader(http.StatusServiceUnavailable) },
			level:  "error",
			status: 503,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				tt.write(w)
			}))

			req := httptest.NewRequest(tt.method, tt.target, http.NoBody)
			req.Header.Set("User-Agent", "tripscope-dashboard")
			entry := accessLog(t, &buf, h, req)

			assert.Equal(t, "request completed", entry["message"])
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.method, entry["method"])
			assert.Equal(t, tt.status, entry["status"])
			assert.Equal(t, tt.bytes, entry["bytes"])
			assert.Equal(t, tt.query, entry["query"])
			assert.Equal(t, "tripscope-dashboard", entry["user_agent"])
			assert.NotEmpty(t, entry["duration"])
			assert.NotContains(t, entry, "trace_id")
		})
	}
}

func TestLogger_RouteAndRequestID(t *testing.T) {
	var buf bytes.Buffer

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Logger(zerolog.New(&buf)))
	r.Get("/v1/runs/{runID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	entry := accessLog(t, &buf, r, httptest.NewRequest(http.MethodGet, "/v1/runs/abc", http.NoBody))

	assert.Equal(t, "/v1/runs/{runID}", entry["route"])
	assert.Equal(t, "/v1/runs/abc", entry["path"])
	assert.Contains(t, entry["request_id"], "req_")
}

func TestLogger_TraceCorrelation(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var buf bytes.Buffer
	h := middleware.Tracing("tripscope-api")(
		middleware.Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})),
	)

	entry := accessLog(t, &buf, h, httptest.NewRequest(http.MethodGet, "/v1/anomalies", http.NoBody))

	require.Len(t, sr.Ended(), 1)
	span := sr.Ended()[0].SpanContext()
	assert.Equal(t, span.TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanID().String(), entry["span_id"])
}
