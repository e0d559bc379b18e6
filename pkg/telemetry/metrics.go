package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Drop reasons recorded on dns.queries.dropped. They are kept distinct so that
// overload can be told apart from malformed traffic.
const (
	DropReasonRateLimit    = "ratelimit"
	DropReasonBackpressure = "backpressure"
	DropReasonDecode       = "decode"
	DropReasonEncode       = "encode"
	DropReasonTransport    = "transport"
	DropReasonPanic        = "panic"
	DropReasonNoResponse   = "no_response"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// Server metrics
	QueriesReceived metric.Int64Counter
	ResponsesSent   metric.Int64Counter
	QueriesDropped  metric.Int64Counter
	QueryDuration   metric.Float64Histogram
	InFlight        metric.Int64UpDownCounter

	// Dictionary and handler metrics
	IndexSize         metric.Int64UpDownCounter
	IndexLookups      metric.Int64Counter
	DictionaryReloads metric.Int64Counter
	PolicyActions     metric.Int64Counter

	// Rate limiting metrics
	RateLimitViolations metric.Int64Counter

	// Storage metrics
	StorageQueriesDropped metric.Int64Counter

	tracer trace.Tracer
}

// InitMetrics initializes and returns all application metrics
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("domainlens")
	m := &Metrics{
		tracer: t.tracerProvider.Tracer("domainlens"),
	}

	var err error
	if m.QueriesReceived, err = meter.Int64Counter(
		"dns.queries.received",
		metric.WithDescription("Datagrams read from the listening socket"),
	); err != nil {
		return nil, fmt.Errorf("failed to create queries received counter: %w", err)
	}

	if m.ResponsesSent, err = meter.Int64Counter(
		"dns.responses.sent",
		metric.WithDescription("Responses written back to peers, by rcode"),
	); err != nil {
		return nil, fmt.Errorf("failed to create responses counter: %w", err)
	}

	if m.QueriesDropped, err = meter.Int64Counter(
		"dns.queries.dropped",
		metric.WithDescription("Datagrams that produced no response, by reason"),
	); err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	if m.QueryDuration, err = meter.Float64Histogram(
		"dns.query.duration",
		metric.WithDescription("DNS query processing duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	if m.InFlight, err = meter.Int64UpDownCounter(
		"dns.queries.in_flight",
		metric.WithDescription("Admitted queries currently being processed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create in-flight gauge: %w", err)
	}

	if m.IndexSize, err = meter.Int64UpDownCounter(
		"dictionary.index.size",
		metric.WithDescription("Number of distinct domains in the active index"),
	); err != nil {
		return nil, fmt.Errorf("failed to create index size gauge: %w", err)
	}

	if m.IndexLookups, err = meter.Int64Counter(
		"dictionary.index.lookups",
		metric.WithDescription("Index searches, by match result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create index lookups counter: %w", err)
	}

	if m.DictionaryReloads, err = meter.Int64Counter(
		"dictionary.reloads",
		metric.WithDescription("Dictionary rebuilds, by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create reloads counter: %w", err)
	}

	if m.PolicyActions, err = meter.Int64Counter(
		"policy.actions",
		metric.WithDescription("Actions taken by the index handler"),
	); err != nil {
		return nil, fmt.Errorf("failed to create policy actions counter: %w", err)
	}

	if m.RateLimitViolations, err = meter.Int64Counter(
		"rate_limit.violations",
		metric.WithDescription("Number of rate limit violations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create rate limit violations counter: %w", err)
	}

	if m.StorageQueriesDropped, err = meter.Int64Counter(
		"storage.queries.dropped",
		metric.WithDescription("Number of queries dropped due to full buffer"),
	); err != nil {
		return nil, fmt.Errorf("failed to create storage queries dropped counter: %w", err)
	}

	return m, nil
}

// StartSpan starts a span for one unit of work. It is a no-op when tracing
// is not configured.
func (m *Metrics) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordReceived counts one datagram read from the socket.
func (m *Metrics) RecordReceived(ctx context.Context) {
	if m != nil && m.QueriesReceived != nil {
		m.QueriesReceived.Add(ctx, 1)
	}
}

// RecordResponse counts one response sent and its latency.
func (m *Metrics) RecordResponse(ctx context.Context, rcode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if m.ResponsesSent != nil {
		m.ResponsesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("rcode", rcode)))
	}
	if m.QueryDuration != nil {
		m.QueryDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0)
	}
}

// RecordDrop counts one datagram that produced no response.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	if m != nil && m.QueriesDropped != nil {
		m.QueriesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// AddInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m != nil && m.InFlight != nil {
		m.InFlight.Add(ctx, delta)
	}
}

// RecordIndexSwap moves the index size gauge from the old size to the new one.
func (m *Metrics) RecordIndexSwap(ctx context.Context, oldSize, newSize int) {
	if m != nil && m.IndexSize != nil {
		m.IndexSize.Add(ctx, int64(newSize-oldSize))
	}
}

// RecordLookup counts one index search.
func (m *Metrics) RecordLookup(ctx context.Context, matched bool) {
	if m != nil && m.IndexLookups != nil {
		m.IndexLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("matched", matched)))
	}
}

// RecordReload counts one dictionary rebuild attempt.
func (m *Metrics) RecordReload(ctx context.Context, err error) {
	if m == nil || m.DictionaryReloads == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.DictionaryReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordPolicyAction counts one handler decision.
func (m *Metrics) RecordPolicyAction(ctx context.Context, action, rule string) {
	if m != nil && m.PolicyActions != nil {
		m.PolicyActions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("rule", rule),
		))
	}
}

// AddRateLimitViolation counts one request rejected by the rate limiter.
func (m *Metrics) AddRateLimitViolation(ctx context.Context) {
	if m != nil && m.RateLimitViolations != nil {
		m.RateLimitViolations.Add(ctx, 1)
	}
}

// AddDroppedQuery implements storage.MetricsRecorder interface
// This allows Metrics to be passed to storage without creating import cycles
func (m *Metrics) AddDroppedQuery(ctx context.Context, count int64) {
	if m != nil && m.StorageQueriesDropped != nil {
		m.StorageQueriesDropped.Add(ctx, count)
	}
}
