// Package envelope turns typed protobuf payloads into transport messages and
// back. Every payload is framed with the id of its registered schema and
// travels with the W3C trace context of the publishing span.
package envelope

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/protobuf/proto"

	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

// Envelope is one message as seen by producers and handlers.
type Envelope struct {
	UUID     string
	Payload  proto.Message
	SchemaID uint32
	// Key selects the ordering lane and the broker partition.
	Key       string
	Timestamp time.Time
	// Trace holds the propagation headers (traceparent, tracestate, baggage).
	// Empty means no parent span.
	Trace         map[string]string
	CorrelationID string
	ReplyTo       string
	// ReplyError is set on replies whose request failed on the responder.
	ReplyError string
	Metadata   metadatapkg.Metadata
}

// SchemaName returns the full protobuf name of the payload, or "" when there
// is no payload.
func (e Envelope) SchemaName() string {
	if e.Payload == nil {
		return ""
	}
	return string(e.Payload.ProtoReflect().Descriptor().FullName())
}

// IsReply reports whether the envelope answers a request.
func (e Envelope) IsReply() bool {
	return e.CorrelationID != "" && e.ReplyTo == ""
}

// Context returns ctx carrying the remote span context from Trace.
func (e Envelope) Context(ctx context.Context) context.Context {
	return contextFromTrace(ctx, DefaultPropagator(), e.Trace)
}

// DefaultPropagator handles W3C trace context and baggage.
func DefaultPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

func contextFromTrace(ctx context.Context, p propagation.TextMapPropagator, trace map[string]string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(trace) == 0 {
		return ctx
	}
	return p.Extract(ctx, propagation.MapCarrier(trace))
}
