// Package nats is the hubflow transport for NATS JetStream. Each consumer group
// maps to a JetStream queue group with a durable consumer of the same name.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/hubflow/transport"
)

const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register adds the NATS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

func init() {
	Register()
}

// Build connects the publisher and returns a handle that creates one queue
// subscriber per consumer group. Streams are provisioned on first use.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: url is required")
	}
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions(cfg)

	publisher, err := PublisherFactory(nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   marshaler,
		JetStream:   nats.JetStreamConfig{AutoProvision: true},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(group string) (message.Subscriber, error) {
			return SubscriberFactory(nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				SubscribersCount: 1,
				NatsOptions:      options,
				Unmarshaler:      marshaler,
				JetStream: nats.JetStreamConfig{
					AutoProvision: true,
					DurablePrefix: group,
				},
			}, logger)
		},
		Retryable:    IsRetryable,
		Capabilities: transport.NATSCapabilities,
	}, nil
}

func connectOptions(cfg transport.Config) []nc.Option {
	opts := []nc.Option{nc.MaxReconnects(-1)}
	if name := cfg.GetServiceName(); name != "" {
		opts = append(opts, nc.Name(name))
	}
	return opts
}

// IsRetryable reports false for errors a reconnect cannot fix.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, nc.ErrConnectionClosed),
		errors.Is(err, nc.ErrMaxPayload),
		errors.Is(err, nc.ErrBadSubject),
		errors.Is(err, nc.ErrAuthorization):
		return false
	}
	return true
}
