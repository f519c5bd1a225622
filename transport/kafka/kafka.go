// Package kafka is the hubflow transport for Apache Kafka. Messages are
// partitioned by their hub_key header, consumers join Kafka consumer groups and
// topics can be provisioned through the cluster admin API.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
	"github.com/drblury/hubflow/transport"
)

const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// ClusterAdminFactory allows overriding the admin client for testing.
var ClusterAdminFactory = sarama.NewClusterAdmin

// Register adds the Kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

func init() {
	Register()
}

// Build connects the publisher and returns a handle that creates one
// subscriber per consumer group.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: no brokers configured")
	}
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: PublisherSaramaConfig(cfg),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	logger.Info("Kafka transport ready", watermill.LogFields{
		"brokers":  brokers,
		"sasl":     cfg.GetKafkaUsername() != "",
		"tls":      cfg.GetKafkaSSL(),
		"protocol": SecurityProtocol(cfg),
	})

	return transport.Transport{
		Publisher: publisher,
		NewSubscriber: func(group string) (message.Subscriber, error) {
			return SubscriberFactory(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				OverwriteSaramaConfig: SubscriberSaramaConfig(cfg),
				ConsumerGroup:         group,
			}, logger)
		},
		Retryable:    IsRetryable,
		Topics:       &topicAdmin{brokers: brokers, conf: adminSaramaConfig(cfg)},
		Capabilities: transport.KafkaCapabilities,
	}, nil
}

// PartitionKey routes a message by its hub_key header. Keyless messages are
// spread by UUID.
func PartitionKey(_ string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.KeyPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// PublisherSaramaConfig is a synchronous producer config with the client's
// security settings. Sarama retries are off because hubflow retries with its
// own backoff.
func PublisherSaramaConfig(cfg transport.Config) *sarama.Config {
	conf := kafka.DefaultSaramaSyncPublisherConfig()
	conf.Producer.Retry.Max = 0
	conf.Producer.RequiredAcks = sarama.WaitForAll
	applyClientSettings(conf, cfg)
	return conf
}

// SubscriberSaramaConfig is the consumer config with security settings.
func SubscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	conf := kafka.DefaultSaramaSubscriberConfig()
	applyClientSettings(conf, cfg)
	return conf
}

func adminSaramaConfig(cfg transport.Config) *sarama.Config {
	conf := kafka.DefaultSaramaSyncPublisherConfig()
	applyClientSettings(conf, cfg)
	return conf
}

func applyClientSettings(conf *sarama.Config, cfg transport.Config) {
	if id := cfg.GetKafkaClientID(); id != "" {
		conf.ClientID = id
	} else if name := cfg.GetServiceName(); name != "" {
		conf.ClientID = name
	}

	if user := cfg.GetKafkaUsername(); user != "" {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.Handshake = true
		conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		conf.Net.SASL.User = user
		conf.Net.SASL.Password = cfg.GetKafkaPassword()
		conf.Net.SASL.SCRAMClientGeneratorFunc = newSCRAMClient
	}
	if cfg.GetKafkaSSL() {
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
}

// SecurityProtocol names the Kafka security.protocol equivalent of cfg.
func SecurityProtocol(cfg transport.Config) string {
	sasl := cfg.GetKafkaUsername() != ""
	switch {
	case sasl && cfg.GetKafkaSSL():
		return "SASL_SSL"
	case sasl:
		return "SASL_PLAINTEXT"
	case cfg.GetKafkaSSL():
		return "SSL"
	default:
		return "PLAINTEXT"
	}
}

type topicAdmin struct {
	brokers []string
	conf    *sarama.Config
}

func (a *topicAdmin) CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	admin, err := ClusterAdminFactory(a.brokers, a.conf)
	if err != nil {
		return fmt.Errorf("kafka: connect cluster admin: %w", err)
	}
	defer admin.Close()

	err = admin.CreateTopic(topic, &sarama.TopicDetail{
		NumPartitions:     partitions,
		ReplicationFactor: replication,
	}, false)
	if err != nil && !errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return fmt.Errorf("kafka: create topic %s: %w", topic, err)
	}
	return nil
}
