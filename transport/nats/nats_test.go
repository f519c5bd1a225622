package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/hubflow/transport"
)

type mockConfig struct {
	transport.Config
	url string
}

func (m *mockConfig) GetNATSURL() string     { return m.url }
func (m *mockConfig) GetServiceName() string { return "minter" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                              { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = orig })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.Equal(t, transport.NATSCapabilities, transport.GetCapabilities(TransportName))
}

func TestBuild(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var pubCfg nats.PublisherConfig
	var subCfgs []nats.SubscriberConfig
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subCfgs = append(subCfgs, cfg)
		return &mockSubscriber{}, nil
	}

	tr, err := Build(context.Background(), &mockConfig{url: "nats://localhost:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", pubCfg.URL)
	assert.True(t, pubCfg.JetStream.AutoProvision)
	assert.Len(t, pubCfg.NatsOptions, 2)

	_, err = tr.NewSubscriber("billing@minter")
	require.NoError(t, err)
	require.Len(t, subCfgs, 1)
	assert.Equal(t, "billing@minter", subCfgs[0].QueueGroupPrefix)
	assert.Equal(t, "billing@minter", subCfgs[0].JetStream.DurablePrefix)
	assert.False(t, subCfgs[0].JetStream.Disabled)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "url is required")

	orig := PublisherFactory
	t.Cleanup(func() { PublisherFactory = orig })
	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("no servers available")
	}
	_, err = Build(context.Background(), &mockConfig{url: "nats://localhost:4222"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no servers available")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(nc.ErrTimeout))
	assert.True(t, IsRetryable(nc.ErrNoServers))
	assert.False(t, IsRetryable(fmt.Errorf("publish: %w", nc.ErrMaxPayload)))
	assert.False(t, IsRetryable(nc.ErrConnectionClosed))
	assert.False(t, IsRetryable(nil))
}
