// Package hubflow is the messaging layer shared by the hub services. It moves
// typed protobuf envelopes over a Watermill transport (Kafka, NATS JetStream,
// RabbitMQ, AWS SNS/SQS or in-memory Go channels) selected by
// Config.PubSubSystem, and layers a request/response pattern on the same
// asynchronous transport.
//
// A Service builds the transport once and shares one Producer, one Codec and
// the telemetry bridge between everything registered on it:
//
//   - Subscribe and SubscribeProto register consumers with bounded workers,
//     at-least-once or at-most-once commits, redelivery up to MaxDeliveries
//     and dead-lettering afterwards. Undecodable messages are skipped.
//   - Service.Producer publishes with per-key ordering and jittered retry.
//     PublishAndWait reports a missing acknowledgement as an unknown outcome
//     (ErrPublishTimeout), never as a failure.
//   - Service.Respond answers requests and Call correlates responses on
//     Config.RPCResponseTopic. An unanswered request fails with a
//     CorrelationError that is either TimedOut or Cancelled.
//
// The credits sub-package implements the idempotent charge exchange on top of
// the request/response layer.
//
// # Envelopes
//
// Payloads are framed as 0x00, a big-endian schema id and the protobuf bytes.
// Schema ids come from the registry: MemoryRegistry inside one process or a
// HTTPRegistry for the hub schema registry when Config.SchemaRegistryURL is set.
// Keys, correlation ids, reply topics and W3C trace context travel as message
// metadata.
//
// # Middleware
//
// The default chain recovers panics, opens a span per message, logs messages
// and validates payloads when a ProtoValidator is configured. Job hooks
// observe handler start, completion and failure.
//
// # Observability
//
// Prometheus collectors are registered with ServiceDependencies.Registerer.
// With MetricsEnabled the service serves /metrics and a JSON status document
// on StatusPath.
package hubflow
