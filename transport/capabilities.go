package transport

// Capabilities describes what a transport backend guarantees.
type Capabilities struct {
	Name string

	// SupportsOrdering means messages sharing a partition key arrive in
	// publish order.
	SupportsOrdering bool

	// SupportsConsumerGroups means subscribers in one group share the work
	// instead of each receiving every message.
	SupportsConsumerGroups bool

	// SupportsAck indicates explicit acknowledgement.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgement triggers redelivery.
	SupportsNack bool

	// SupportsTopicProvisioning means Transport.Topics is set.
	SupportsTopicProvisioning bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once support (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// ChannelCapabilities for the in-memory transport. Every subscription
	// receives every message, whatever its group.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                      "kafka",
		SupportsOrdering:          true,
		SupportsConsumerGroups:    true,
		SupportsAck:               true,
		SupportsNack:              true,
		SupportsTopicProvisioning: true,
		MaxMessageSize:            1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
	}

	// NATSCapabilities for NATS with JetStream enabled.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
		MaxMessageSize:         1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                   "aws",
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
		MaxMessageSize:         262144,
	}
)
