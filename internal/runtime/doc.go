/*
Package runtime provides the messaging core behind hubflow.

# Architecture Overview

The runtime package moves protobuf envelopes over a Watermill transport. A
Service builds the transport once and shares a Producer, a Codec and the
telemetry bridge between every consumer, responder and request of one process.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the transport handle (see the transport package)
  - the envelope codec and its schema registry
  - the producer and, when a response topic is configured, the requester
  - the middleware chain applied to every subscribed handler
  - HTTP servers for metrics and the status document

## Producer (producer.go, publisher.go)

Publishes envelopes with per-key ordering, bounded in-flight records and
jittered retry. PublishAndWait reports a timeout as an unknown outcome.

## Consumer (consumer.go, stats.go)

Pulls messages into a bounded worker pool, decodes them and applies the commit
policy. Failed messages are redelivered up to MaxDeliveries and then
dead-lettered. Undecodable messages are skipped.

## Request/Response (rpc.go, responder.go)

Requester correlates responses to outstanding requests. NewResponder answers
requests on the ReplyTo topic of each one.

## Middleware and Hooks (middleware.go, hooks.go)

Composable handler stages: panic recovery, tracing, message logging and
payload validation, plus job lifecycle hooks.

## Status (webui.go)

A JSON document describing consumers and outstanding requests.

# Sub-packages

  - backoff/: Retry policy and jittered delays
  - config/: Service configuration with validation
  - envelope/: Envelope codec and schema registries
  - errors/: Sentinel errors, error types and triage
  - handlers/: Typed protobuf handler building
  - ids/: Message, correlation and transaction ids
  - logging/: Logger interface and adapters
  - metadata/: Envelope header keys
  - telemetry/: Prometheus metrics and OpenTelemetry spans

# Usage Example

	svc, err := runtime.NewService(ctx, cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	err = runtime.SubscribeProto(svc, runtime.ConsumerConfig{
		Name:   "order-projector",
		Topics: []string{"orders.events"},
	}, projectOrder)

	go svc.Start(ctx)
*/
package runtime
