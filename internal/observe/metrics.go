// Package observe carries PersonaFlow's telemetry: OpenTelemetry instruments
// for interviews and audio frames, spans tagged with the interview ID, a
// logger that picks those IDs up from the context, and middleware for the
// status server.
//
// [Setup] installs the global providers and bridges every instrument into a
// Prometheus registry. Components that are not handed a [Metrics] fall back
// to [DefaultMetrics], which binds to whatever global meter provider is
// installed when it is first called. Tests build their own with [NewMetrics].
package observe

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/personaflow"

// Metrics are the interview instruments. Every field is safe for concurrent
// use.
type Metrics struct {
	// ConnectDuration is dial-to-open latency, labelled provider and status
	// (ok, error, timeout).
	ConnectDuration metric.Float64Histogram

	// InterviewDuration is recorded once per interview on teardown.
	InterviewDuration metric.Float64Histogram

	// Reconnects is labelled trigger (auto, manual).
	Reconnects metric.Int64Counter

	FramesSent     metric.Int64Counter
	FramesReceived metric.Int64Counter

	// FramesDropped is labelled reason (malformed, send_failed).
	FramesDropped metric.Int64Counter

	// Interruptions counts barge-ins that flushed playback.
	Interruptions metric.Int64Counter

	// BudgetExhausted counts free-tier interviews ended by the time limit.
	BudgetExhausted metric.Int64Counter

	// ProviderErrors is labelled provider and kind.
	ProviderErrors metric.Int64Counter

	ActiveInterviews metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled method, route and status. Recorded by
	// [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// Histogram bounds in seconds.
var (
	connectBuckets   = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15, 30}
	interviewBuckets = []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600}
	httpBuckets      = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
)

// NewMetrics creates every instrument on mp. All creation errors are
// reported together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var errs []error

	hist := func(dst *metric.Float64Histogram, name, desc string, bounds []float64) {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(bounds...),
		)
		*dst = h
		errs = append(errs, err)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		*dst = c
		errs = append(errs, err)
	}

	hist(&m.ConnectDuration, "personaflow.session.connect.duration", "Latency from dial to session open.", connectBuckets)
	hist(&m.InterviewDuration, "personaflow.interview.duration", "Connected time per interview.", interviewBuckets)
	hist(&m.HTTPRequestDuration, "personaflow.http.request.duration", "Status server request latency by method and route.", httpBuckets)

	counter(&m.Reconnects, "personaflow.session.reconnects", "Reconnect attempts by trigger.")
	counter(&m.FramesSent, "personaflow.frames.sent", "Audio chunks sent to the speech model.")
	counter(&m.FramesReceived, "personaflow.frames.received", "Audio frames received from the speech model.")
	counter(&m.FramesDropped, "personaflow.frames.dropped", "Audio frames dropped by reason.")
	counter(&m.Interruptions, "personaflow.playback.interruptions", "Barge-in interruptions of playback.")
	counter(&m.BudgetExhausted, "personaflow.interview.budget_exhausted", "Free-tier interviews ended by the time limit.")
	counter(&m.ProviderErrors, "personaflow.provider.errors", "Provider errors by provider and kind.")

	var err error
	m.ActiveInterviews, err = meter.Int64UpDownCounter("personaflow.interview.active",
		metric.WithDescription("Interviews currently connected."))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] bound to the global meter
// provider at first use.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordConnect records one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, seconds float64) {
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordReconnect(ctx context.Context, trigger string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
	))
}
