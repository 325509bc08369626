package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "without SERVICE_VERSION", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name        string
		hostnameEnv string
		podNameEnv  string
		expected    string
	}{
		{name: "hostname wins", hostnameEnv: "relay-01", podNameEnv: "relay-worker-abc", expected: "relay-01"},
		{name: "pod name fallback", hostnameEnv: "", podNameEnv: "relay-worker-abc", expected: "relay-worker-abc"},
		{name: "neither set", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostnameEnv)
			t.Setenv("POD_NAME", tt.podNameEnv)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "default", envValue: "", expected: "otel-collector:4318"},
		{name: "strips http scheme", envValue: "http://collector:4318", expected: "collector:4318"},
		{name: "strips https scheme", envValue: "https://collector:4318", expected: "collector:4318"},
		{name: "host:port unchanged", envValue: "collector:4318", expected: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetSampleRatio(t *testing.T) {
	tests := []struct {
		value    string
		expected float64
	}{
		{value: "", expected: 1.0},
		{value: "0.25", expected: 0.25},
		{value: "0", expected: 0},
		{value: "2", expected: 1.0},
		{value: "nope", expected: 1.0},
	}

	for _, tt := range tests {
		t.Run("arg="+tt.value, func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.value)
			if got := getSampleRatio(); got != tt.expected {
				t.Errorf("getSampleRatio() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestStartSpan_RecordsAttributesAndErrors(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "ingest.test", attribute.String("event_id", "evt_1"))
	AddSpanEvent(ctx, "db.insert_event")
	SetSpanError(ctx, errors.New("boom"))
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name != "ingest.test" {
		t.Errorf("span name = %q, want %q", got.Name, "ingest.test")
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status.Code)
	}
	if len(got.Events) < 1 || got.Events[0].Name != "db.insert_event" {
		t.Errorf("expected db.insert_event span event, got %+v", got.Events)
	}
	found := false
	for _, kv := range got.Attributes {
		if kv.Key == "event_id" && kv.Value.AsString() == "evt_1" {
			found = true
		}
	}
	if !found {
		t.Error("event_id attribute missing from span")
	}
}

func TestTaskHeaders_RoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "ingest.fanout")
	defer span.End()

	headers := InjectTaskHeaders(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("expected traceparent header, got %v", headers)
	}

	restored := ExtractTaskHeaders(context.Background(), headers)
	if got, want := GetTraceID(restored), GetTraceID(ctx); got != want {
		t.Errorf("trace id after round trip = %q, want %q", got, want)
	}
}

func TestTaskHeaders_Empty(t *testing.T) {
	setupTestTracer(t)

	if headers := InjectTaskHeaders(context.Background()); headers != nil {
		t.Errorf("InjectTaskHeaders() without span = %v, want nil", headers)
	}
	ctx := context.Background()
	if ExtractTaskHeaders(ctx, nil) != ctx {
		t.Error("ExtractTaskHeaders(nil) should return the original context")
	}
	if GetTraceID(ctx) != "" {
		t.Error("GetTraceID() on empty context should be empty")
	}
}
