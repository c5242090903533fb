package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/voltplan/internal/config"
)

// recordSpans installs an always-sampling provider that keeps finished
// spans in memory.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exp
}

func attrsOf(s tracetest.SpanStub) map[string]string {
	out := make(map[string]string, len(s.Attributes))
	for _, kv := range s.Attributes {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr bool
	}{
		{"disabled", config.TracingConfig{}, false},
		{"stdout exporter", config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}, false},
		{"unknown exporter", config.TracingConfig{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, ServiceName, "0.9.0")
			if tt.wantErr {
				assert.ErrorContains(t, err, "zipkin")
				return
			}
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestNewSampler(t *testing.T) {
	tests := map[float64]string{
		0:    "ParentBased{root:TraceIDRatioBased{0.1}",
		0.25: "ParentBased{root:TraceIDRatioBased{0.25}",
		1:    "ParentBased{root:AlwaysOnSampler",
		3:    "ParentBased{root:AlwaysOnSampler",
	}
	for rate, prefix := range tests {
		desc := newSampler(config.TracingConfig{SamplingRate: rate}).Description()
		assert.Truef(t, len(desc) >= len(prefix) && desc[:len(prefix)] == prefix,
			"rate %v: description %q", rate, desc)
	}
}

func TestStartSpan_nests_engine_operations(t *testing.T) {
	exp := recordSpans(t)

	ctx, change := StartSpan(context.Background(), "engine.change_field",
		AttrProjectID.String("proj-1042"),
		AttrSlot.String("combiner_panel1"),
	)
	assert.Equal(t, change, trace.SpanFromContext(ctx))
	_, classify := StartSpan(ctx, "engine.classify", AttrConfigID.Int(1))
	classify.End()
	change.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	inner, outer := spans[0], spans[1]
	assert.Equal(t, "proj-1042", attrsOf(outer)["voltplan.project_id"])
	assert.Equal(t, "combiner_panel1", attrsOf(outer)["voltplan.slot"])
	assert.Equal(t, outer.SpanContext.TraceID(), inner.SpanContext.TraceID())
	assert.Equal(t, outer.SpanContext.SpanID(), inner.Parent.SpanID())
}

func TestEndSpanWithError(t *testing.T) {
	exp := recordSpans(t)

	_, failed := StartSpan(context.Background(), "catalog.fetch")
	EndSpanWithError(failed, errors.New("catalog service unavailable"))
	_, fine := StartSpan(context.Background(), "catalog.fetch")
	EndSpanWithError(fine, nil)

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "catalog service unavailable", spans[0].Status.Description)
	assert.NotEmpty(t, spans[0].Events)
	assert.NotEqual(t, codes.Error, spans[1].Status.Code)
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)

	assert.Empty(t, TraceIDFromContext(context.Background()))

	ctx, span := StartSpan(context.Background(), "engine.recompute")
	defer span.End()
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceIDFromContext(ctx))
}

func serveTraced(t *testing.T, status int, req *http.Request) (*httptest.ResponseRecorder, tracetest.SpanStub) {
	t.Helper()
	exp := recordSpans(t)
	h := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	return rec, spans[0]
}

func TestTracingMiddleware_server_span(t *testing.T) {
	rec, span := serveTraced(t, http.StatusCreated,
		httptest.NewRequest(http.MethodPost, "/v1/projects/proj-1042/fields", nil))

	assert.Equal(t, "POST /v1/projects/proj-1042/fields", span.Name)
	assert.Equal(t, trace.SpanKindServer, span.SpanKind)
	assert.Equal(t, "201", attrsOf(span)["http.response.status_code"])
	assert.NotEmpty(t, rec.Header().Get("Traceparent"))
}

func TestTracingMiddleware_server_error_marks_span(t *testing.T) {
	_, span := serveTraced(t, http.StatusInternalServerError,
		httptest.NewRequest(http.MethodPost, "/v1/distribution", nil))

	assert.Equal(t, codes.Error, span.Status.Code)
}

func TestTracingMiddleware_continues_inbound_trace(t *testing.T) {
	const (
		traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		spanID  = "00f067aa0ba902b7"
	)
	req := httptest.NewRequest(http.MethodGet, "/v1/sizing?amps=32", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-"+spanID+"-01")

	_, span := serveTraced(t, http.StatusOK, req)

	assert.Equal(t, traceID, span.SpanContext.TraceID().String())
	assert.Equal(t, spanID, span.Parent.SpanID().String())
}
