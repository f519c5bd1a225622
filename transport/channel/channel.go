// Package channel is the in-memory hubflow transport, for tests and single
// process setups. Every subscription receives every message of its topic.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/hubflow/transport"
)

const TransportName = "channel"

// DefaultConfig makes Publish wait until subscribers acked, which keeps
// per-key publish order, and replays stored messages to late subscribers.
var DefaultConfig = gochannel.Config{
	BlockPublishUntilSubscriberAck: true,
	Persistent:                     true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

func init() {
	Register()
}

// Build creates a fresh in-memory broker.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(Factory(DefaultConfig, logger)), nil
}

// New wraps an existing GoChannel. Subscribers handed out share it, so closing
// one of them leaves the broker running; Transport.Close shuts it down.
func New(pubSub *gochannel.GoChannel) transport.Transport {
	return transport.Transport{
		Publisher: publisher{pubSub},
		NewSubscriber: func(string) (message.Subscriber, error) {
			return subscriber{pubSub}, nil
		},
		Close:        pubSub.Close,
		Capabilities: transport.ChannelCapabilities,
	}
}

type publisher struct {
	*gochannel.GoChannel
}

func (publisher) Close() error { return nil }

type subscriber struct {
	*gochannel.GoChannel
}

func (subscriber) Close() error { return nil }
