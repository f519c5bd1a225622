package kafka

import (
	"errors"

	"github.com/IBM/sarama"
)

// IsRetryable sorts producer errors into transient ones (broker churn, leader
// elections, full buffers) and ones that will fail the same way again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var confErr sarama.ConfigurationError
	if errors.As(err, &confErr) {
		return false
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrMessageSizeTooLarge,
			sarama.ErrInvalidMessage,
			sarama.ErrInvalidMessageSize,
			sarama.ErrInvalidTopic,
			sarama.ErrMessageSetSizeTooLarge,
			sarama.ErrTopicAuthorizationFailed,
			sarama.ErrClusterAuthorizationFailed,
			sarama.ErrSASLAuthenticationFailed,
			sarama.ErrUnsupportedVersion:
			return false
		}
		return true
	}

	switch {
	case errors.Is(err, sarama.ErrClosedClient),
		errors.Is(err, sarama.ErrShuttingDown):
		return false
	}
	return true
}
