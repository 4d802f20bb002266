package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/readmodel/pkg/config"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestTelemetryExportsCounters(t *testing.T) {
	tel, err := NewTelemetry(config.TelemetryConfig{
		Enabled:         true,
		ServiceName:     "readmodel-test",
		ServiceVersion:  "0.0.1",
		TraceSampleRate: 1,
	})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx := context.Background()
	tel.RecordReceived(ctx, "c")
	tel.RecordApplied(ctx, "Create", 15*time.Millisecond)
	tel.RecordSkipped(ctx, "read")
	tel.RecordMalformed(ctx)
	tel.RecordSinkError(ctx, "Update", time.Millisecond)
	RecordSourceFailure("postgresql")

	body := scrape(t, tel.Handler())
	assert.Contains(t, body, "readmodel_events_received")
	assert.Contains(t, body, "readmodel_events_applied")
	assert.Contains(t, body, "readmodel_events_skipped")
	assert.Contains(t, body, "readmodel_events_malformed")
	assert.Contains(t, body, "readmodel_sink_errors")
	assert.Contains(t, body, "readmodel_apply_duration_seconds")
	assert.Contains(t, body, `readmodel_source_failures_total{source="postgresql"}`)
}

func TestTelemetryApplySpan(t *testing.T) {
	tel, err := NewTelemetry(config.TelemetryConfig{Enabled: true, ServiceName: "readmodel-test", TraceSampleRate: 1})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	ctx, span := tel.StartApplySpan(context.Background(), "Create", "public.student", "1")
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	assert.NotNil(t, ctx)
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry
	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordReceived(ctx, "u")
		tel.RecordApplied(ctx, "Update", time.Second)
		tel.RecordSkipped(ctx, "read")
		tel.RecordMalformed(ctx)
		tel.RecordSinkError(ctx, "Delete", time.Second)
		tel.RecordHTTPRequest(ctx, http.MethodGet, "/health", 200, time.Millisecond)
		_, span := tel.StartApplySpan(ctx, "Update", "t", "1")
		span.End()
	})
	assert.NoError(t, tel.Shutdown(ctx))
	assert.NotEmpty(t, scrape(t, tel.Handler()))
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := NewTelemetry(config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)

	tel.RecordApplied(context.Background(), "Create", time.Millisecond)
	body := scrape(t, tel.Handler())
	assert.NotContains(t, body, "readmodel_events_applied")
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	tel, err := NewTelemetry(config.TelemetryConfig{Enabled: true, ServiceName: "readmodel-test"})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	h := tel.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t, tel.Handler())
	assert.Contains(t, body, "readmodel_http_requests")
	assert.Contains(t, body, `status="418"`)
}
