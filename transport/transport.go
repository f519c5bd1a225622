// Package transport defines the broker handle shared by hubflow producers and
// consumers. Each backend (kafka, nats, rabbitmq, aws, channel) lives in its
// own sub-package and registers a Builder with the registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is built once per service and shared by every producer and
// consumer.
type Transport struct {
	Publisher message.Publisher

	// NewSubscriber returns a subscriber that joins the consumer group. Each
	// consumer gets its own subscriber and closes it when done.
	NewSubscriber func(group string) (message.Subscriber, error)

	// Retryable reports whether a failed publish may succeed on retry. Nil
	// treats every failure as retryable.
	Retryable func(error) bool

	// Topics provisions topics. Nil when the broker creates them implicitly.
	Topics TopicCreator

	// Close releases resources shared by the publisher and subscribers, such as
	// a connection. It runs after those are closed. May be nil.
	Close func() error

	Capabilities Capabilities
}

// TopicCreator creates topics ahead of use. Creating an existing topic is not
// an error.
type TopicCreator interface {
	CreateTopic(ctx context.Context, topic string, partitions int32, replication int16) error
}

// IsRetryable applies Retryable, defaulting to true.
func (t Transport) IsRetryable(err error) bool {
	if t.Retryable == nil {
		return true
	}
	return t.Retryable(err)
}

// Validate checks that the handle can publish and subscribe.
func (t Transport) Validate() error {
	var errs []error
	if t.Publisher == nil {
		errs = append(errs, errors.New("transport: publisher is required"))
	}
	if t.NewSubscriber == nil {
		errs = append(errs, errors.New("transport: subscriber factory is required"))
	}
	return errors.Join(errs...)
}

// Shutdown closes the publisher and then the shared resources.
func (t Transport) Shutdown() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Close != nil {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings transports read. It keeps backends independent
// of the config package.
type Config interface {
	GetPubSubSystem() string
	GetServiceName() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaUsername() string
	GetKafkaPassword() string
	GetKafkaSSL() bool

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}
