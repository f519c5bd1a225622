package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
	"github.com/drblury/hubflow/transport"
)

type mockConfig struct {
	brokers  []string
	clientID string
	username string
	password string
	ssl      bool
}

func (m *mockConfig) GetPubSubSystem() string       { return "kafka" }
func (m *mockConfig) GetServiceName() string        { return "minter" }
func (m *mockConfig) GetKafkaBrokers() []string     { return m.brokers }
func (m *mockConfig) GetKafkaClientID() string      { return m.clientID }
func (m *mockConfig) GetKafkaUsername() string      { return m.username }
func (m *mockConfig) GetKafkaPassword() string      { return m.password }
func (m *mockConfig) GetKafkaSSL() bool             { return m.ssl }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                              { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }

func stubFactories(t *testing.T) (*[]kafka.PublisherConfig, *[]kafka.SubscriberConfig) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory, SubscriberFactory = origPub, origSub
	})

	var pubs []kafka.PublisherConfig
	var subs []kafka.SubscriberConfig
	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubs = append(pubs, cfg)
		return &mockPublisher{}, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subs = append(subs, cfg)
		return &mockSubscriber{}, nil
	}
	return &pubs, &subs
}

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = orig })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.KafkaCapabilities, transport.GetCapabilities(TransportName))
}

func TestBuildCreatesSubscriberPerGroup(t *testing.T) {
	pubs, subs := stubFactories(t)
	cfg := &mockConfig{brokers: []string{"localhost:9092"}}

	tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	require.Len(t, *pubs, 1)
	assert.Equal(t, []string{"localhost:9092"}, (*pubs)[0].Brokers)
	assert.Equal(t, 0, (*pubs)[0].OverwriteSaramaConfig.Producer.Retry.Max)

	_, err = tr.NewSubscriber("billing@minter")
	require.NoError(t, err)
	_, err = tr.NewSubscriber("shipping@minter")
	require.NoError(t, err)

	require.Len(t, *subs, 2)
	assert.Equal(t, "billing@minter", (*subs)[0].ConsumerGroup)
	assert.Equal(t, "shipping@minter", (*subs)[1].ConsumerGroup)
	assert.NotNil(t, tr.Topics)
	assert.NotNil(t, tr.Retryable)
}

func TestBuildRequiresBrokers(t *testing.T) {
	stubFactories(t)
	_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestBuildPublisherError(t *testing.T) {
	stubFactories(t)
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("no route to broker")
	}

	_, err := Build(context.Background(), &mockConfig{brokers: []string{"b:9092"}}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no route to broker")
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("uuid-1", nil)
	key, err := PartitionKey("orders.events", msg)
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", key)

	msg.Metadata.Set(metadatapkg.KeyPartitionKey, "order-7")
	key, err = PartitionKey("orders.events", msg)
	require.NoError(t, err)
	assert.Equal(t, "order-7", key)
}

func TestSecuritySettings(t *testing.T) {
	tests := []struct {
		cfg      *mockConfig
		protocol string
	}{
		{&mockConfig{}, "PLAINTEXT"},
		{&mockConfig{ssl: true}, "SSL"},
		{&mockConfig{username: "u", password: "p"}, "SASL_PLAINTEXT"},
		{&mockConfig{username: "u", password: "p", ssl: true}, "SASL_SSL"},
	}
	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			assert.Equal(t, tt.protocol, SecurityProtocol(tt.cfg))

			conf := SubscriberSaramaConfig(tt.cfg)
			assert.Equal(t, tt.cfg.username != "", conf.Net.SASL.Enable)
			assert.Equal(t, tt.cfg.ssl, conf.Net.TLS.Enable)
			if conf.Net.SASL.Enable {
				assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), conf.Net.SASL.Mechanism)
				assert.NotNil(t, conf.Net.SASL.SCRAMClientGeneratorFunc())
			}
		})
	}
}

func TestClientID(t *testing.T) {
	assert.Equal(t, "minter", PublisherSaramaConfig(&mockConfig{}).ClientID)
	assert.Equal(t, "minter-1", PublisherSaramaConfig(&mockConfig{clientID: "minter-1"}).ClientID)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{sarama.ErrOutOfBrokers, true},
		{sarama.ErrNotConnected, true},
		{sarama.ErrProducerRetryBufferOverflow, true},
		{sarama.ErrLeaderNotAvailable, true},
		{sarama.ErrNotLeaderForPartition, true},
		{fmt.Errorf("send: %w", &sarama.ProducerError{Err: sarama.ErrRequestTimedOut}), true},
		{sarama.ErrMessageSizeTooLarge, false},
		{sarama.ErrMessageSetSizeTooLarge, false},
		{fmt.Errorf("send: %w", sarama.ErrTopicAuthorizationFailed), false},
		{sarama.ConfigurationError("message larger than Producer.MaxMessageBytes"), false},
		{sarama.ErrClosedClient, false},
		{nil, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsRetryable(tt.err), "%v", tt.err)
	}
}

type fakeAdmin struct {
	sarama.ClusterAdmin
	created []string
	err     error
	closed  bool
}

func (f *fakeAdmin) CreateTopic(topic string, detail *sarama.TopicDetail, _ bool) error {
	f.created = append(f.created, fmt.Sprintf("%s/%d/%d", topic, detail.NumPartitions, detail.ReplicationFactor))
	return f.err
}

func (f *fakeAdmin) Close() error {
	f.closed = true
	return nil
}

func TestCreateTopic(t *testing.T) {
	orig := ClusterAdminFactory
	t.Cleanup(func() { ClusterAdminFactory = orig })

	admin := &fakeAdmin{}
	ClusterAdminFactory = func([]string, *sarama.Config) (sarama.ClusterAdmin, error) { return admin, nil }
	topics := &topicAdmin{brokers: []string{"b:9092"}, conf: sarama.NewConfig()}

	require.NoError(t, topics.CreateTopic(context.Background(), "orders.events", 3, 1))
	assert.Equal(t, []string{"orders.events/3/1"}, admin.created)
	assert.True(t, admin.closed)

	admin.err = &sarama.TopicError{Err: sarama.ErrTopicAlreadyExists}
	require.NoError(t, topics.CreateTopic(context.Background(), "orders.events", 3, 1))

	admin.err = sarama.ErrInvalidReplicationFactor
	assert.Error(t, topics.CreateTopic(context.Background(), "orders.events", 3, 9))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, topics.CreateTopic(ctx, "orders.events", 1, 1), context.Canceled)
}
