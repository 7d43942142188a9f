package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func hasAttr(set attribute.Set, kv attribute.KeyValue) bool {
	v, ok := set.Value(kv.Key)
	return ok && v == kv.Value
}

func TestMiddleware_Routes(t *testing.T) {
	exp := recordSpans(t)
	m, reader := newTestMetrics(t)

	handler := Middleware(m, "/healthz", "/status")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte("ok"))
		case "/status":
			w.WriteHeader(http.StatusAccepted)
			w.WriteHeader(http.StatusTeapot) // superfluous; ignored
		default:
			http.NotFound(w, r)
		}
	}))

	tests := []struct {
		path       string
		wantRoute  string
		wantStatus int
		wantSpan   string
	}{
		{"/healthz", "/healthz", http.StatusOK, "GET /healthz"},
		{"/status", "/status", http.StatusAccepted, "GET /status"},
		{"/wp-admin/setup.php", "other", http.StatusNotFound, "GET other"},
		{"/.env", "other", http.StatusNotFound, "GET other"},
	}

	for _, tt := range tests {
		exp.Reset()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

		if rec.Code != tt.wantStatus {
			t.Errorf("%s: response code = %d, want %d", tt.path, rec.Code, tt.wantStatus)
		}
		if cid := rec.Header().Get("X-Correlation-ID"); len(cid) != 32 {
			t.Errorf("%s: X-Correlation-ID = %q, want a trace id", tt.path, cid)
		}

		spans := exp.GetSpans()
		if len(spans) != 1 {
			t.Fatalf("%s: recorded %d spans, want 1", tt.path, len(spans))
		}
		if spans[0].Name != tt.wantSpan {
			t.Errorf("%s: span name = %q, want %q", tt.path, spans[0].Name, tt.wantSpan)
		}
		var gotStatus int64
		for _, kv := range spans[0].Attributes {
			if kv.Key == "http.response.status_code" {
				gotStatus = kv.Value.AsInt64()
			}
		}
		if gotStatus != int64(tt.wantStatus) {
			t.Errorf("%s: span status attribute = %d, want %d", tt.path, gotStatus, tt.wantStatus)
		}
	}

	met := findMetric(collect(t, reader), "personaflow.http.request.duration")
	if met == nil {
		t.Fatal("request duration metric not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data is %T, want a float64 histogram", met.Data)
	}
	counts := map[string]uint64{}
	for _, dp := range hist.DataPoints {
		if !hasAttr(dp.Attributes, attribute.String("method", http.MethodGet)) {
			t.Errorf("data point %v missing method", dp.Attributes.ToSlice())
		}
		v, _ := dp.Attributes.Value("route")
		counts[v.AsString()] += dp.Count
	}
	want := map[string]uint64{"/healthz": 1, "/status": 1, "other": 2}
	for route, n := range want {
		if counts[route] != n {
			t.Errorf("route %q count = %d, want %d (all: %v)", route, counts[route], n, counts)
		}
	}
	if len(counts) != len(want) {
		t.Errorf("route labels = %v, want only %v", counts, want)
	}
}

func TestMiddleware_HonoursTraceparent(t *testing.T) {
	recordSpans(t)
	m, _ := newTestMetrics(t)

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	var seen string
	handler := Middleware(m)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != traceID {
		t.Errorf("handler saw trace %q, want %q", seen, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}
