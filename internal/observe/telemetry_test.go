package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Setup replaces the global providers, so these tests do not run in parallel.

// keptSpans survives provider shutdown; the in-memory exporter clears itself
// on Shutdown.
type keptSpans struct{ *tracetest.InMemoryExporter }

func (keptSpans) Shutdown(context.Context) error { return nil }

func TestSetup_ExposesMetrics(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	ctx := context.Background()
	tel, err := Setup(ctx, Config{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	tel.Metrics.FramesSent.Add(ctx, 3)
	tel.Metrics.RecordFrameDropped(ctx, "malformed")

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"personaflow_frames_sent",
		`reason="malformed"`,
		"go_goroutines",
		`service_name="personaflow"`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestSetup_ExportsSpans(t *testing.T) {
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
	})

	exp := tracetest.NewInMemoryExporter()
	tel, err := Setup(context.Background(), Config{ServiceName: "pf-test", TraceExporter: keptSpans{exp}})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	_, span := StartSpan(WithInterview(context.Background(), "iv-1"), "interview.begin")
	span.End()

	// Shutdown flushes the batcher.
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "interview.begin" {
		t.Fatalf("exported spans = %v, want interview.begin", spans)
	}
	if v, ok := spans[0].Resource.Set().Value("service.name"); !ok || v.AsString() != "pf-test" {
		t.Errorf("service.name = %v, want pf-test", v)
	}
}
