// Package telemetry records what the messaging core does without ever getting
// in its way: recording never blocks and never fails the observed operation.
package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	namespace  = "hubflow"
	tracerName = "github.com/drblury/hubflow"
)

// Operations.
const (
	OpPublish = "publish"
	OpConsume = "consume"
	OpDecode  = "decode"
	OpRPC     = "rpc"
	OpRespond = "respond"
	OpCharge  = "credits_charge"
	OpConfirm = "credits_confirm"
)

// Outcomes.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomeTimeout    = "timeout"
	OutcomeCancelled  = "cancelled"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead_letter"
	OutcomeSkipped    = "skipped"
	OutcomeDropped    = "dropped"
)

// Bridge fans measurements out to Prometheus and OpenTelemetry. A nil *Bridge
// records nothing.
type Bridge struct {
	gatherer  prometheus.Gatherer
	messages  *prometheus.CounterVec
	durations *prometheus.HistogramVec
	failures  prometheus.Counter
	dlq       *DLQMetrics
	transport metrics.PrometheusMetricsBuilder
	tracer    trace.Tracer
}

// New registers the hubflow collectors with reg. A nil reg uses the
// Prometheus default registry. Collectors that are already registered are
// reused, so several bridges may share one registry.
func New(reg prometheus.Registerer) (*Bridge, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	b := &Bridge{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messaging operations by topic, operation and outcome.",
		}, []string{"topic", "operation", "outcome"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of messaging operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_failures_total",
			Help:      "Measurements that could not be recorded.",
		}),
		transport: metrics.NewPrometheusMetricsBuilder(reg, namespace, "transport"),
		tracer:    otel.Tracer(tracerName),
	}

	var err error
	if b.messages, err = register(reg, b.messages); err != nil {
		return nil, err
	}
	if b.durations, err = register(reg, b.durations); err != nil {
		return nil, err
	}
	if b.failures, err = register(reg, b.failures); err != nil {
		return nil, err
	}
	if b.dlq, err = NewDLQMetrics(reg); err != nil {
		return nil, err
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		b.gatherer = g
	} else {
		b.gatherer = prometheus.DefaultGatherer
	}
	return b, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Record counts one operation on topic with its outcome and observes its
// duration. Negative durations are counted but not observed.
func (b *Bridge) Record(topic, operation, outcome string, elapsed time.Duration) {
	if b == nil {
		return
	}
	defer b.swallow()

	counter, err := b.messages.GetMetricWithLabelValues(topic, operation, outcome)
	if err != nil {
		b.failures.Inc()
		return
	}
	counter.Inc()

	if elapsed < 0 {
		return
	}
	hist, err := b.durations.GetMetricWithLabelValues(operation)
	if err != nil {
		b.failures.Inc()
		return
	}
	hist.Observe(elapsed.Seconds())
}

// Since records an operation that started at start.
func (b *Bridge) Since(topic, operation, outcome string, start time.Time) {
	b.Record(topic, operation, outcome, time.Since(start))
}

// DeadLetter records a message given up on by consumer after attempts handler
// invocations. age is the time since the message was first seen.
func (b *Bridge) DeadLetter(topic, consumer string, attempts int, age time.Duration) {
	if b == nil {
		return
	}
	defer b.swallow()
	b.dlq.RecordMessageToDLQ(topic, consumer, attempts, age)
}

// DeadLetters exposes the dead-letter statistics.
func (b *Bridge) DeadLetters() *DLQMetrics {
	if b == nil {
		return nil
	}
	return b.dlq
}

// StartSpan starts a span named name. Without an installed SDK the global
// no-op tracer is used.
func (b *Bridge) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	if b != nil {
		tracer = b.tracer
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// DecoratePublisher adds Watermill's publish metrics to pub.
func (b *Bridge) DecoratePublisher(pub message.Publisher) (message.Publisher, error) {
	if b == nil {
		return pub, nil
	}
	return b.transport.DecoratePublisher(pub)
}

// DecorateSubscriber adds Watermill's subscriber metrics to sub.
func (b *Bridge) DecorateSubscriber(sub message.Subscriber) (message.Subscriber, error) {
	if b == nil {
		return sub, nil
	}
	return b.transport.DecorateSubscriber(sub)
}

// Handler serves the registry the bridge was built with.
func (b *Bridge) Handler() http.Handler {
	if b == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(b.gatherer, promhttp.HandlerOpts{})
}

func (b *Bridge) swallow() {
	if r := recover(); r != nil {
		b.failures.Inc()
	}
}
