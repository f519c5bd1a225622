package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired       = sterrors.New("hubflow: service is required")
	ErrConfigRequired        = sterrors.New("hubflow: configuration is required")
	ErrLoggerRequired        = sterrors.New("hubflow: logger is required")
	ErrHandlerRequired       = sterrors.New("hubflow: handler function is required")
	ErrConsumerNameRequired  = sterrors.New("hubflow: consumer name is required")
	ErrTopicsRequired        = sterrors.New("hubflow: at least one topic is required")
	ErrMaxDeliveriesRequired = sterrors.New("hubflow: consumer max deliveries must be set")
	ErrPublisherRequired     = sterrors.New("hubflow: publisher is required")
	ErrSubscriberRequired    = sterrors.New("hubflow: subscriber is required")
	ErrCodecRequired         = sterrors.New("hubflow: envelope codec is required")
	ErrRegistryRequired      = sterrors.New("hubflow: schema registry is required")
	ErrTopicRequired         = sterrors.New("hubflow: topic is required")
	ErrPayloadRequired       = sterrors.New("hubflow: payload is required")
	ErrProducerClosed        = sterrors.New("hubflow: producer is closed")
	ErrRPCNotConfigured      = sterrors.New("hubflow: rpc response topic is not configured")
	ErrSchemaNotFound        = sterrors.New("hubflow: schema not found")
	ErrMessageTypeRequired   = sterrors.New("hubflow: message type is required")
	ErrMessagePointerNeeded  = sterrors.New("hubflow: message type must be a pointer")

	// ErrPublishTimeout marks a publish whose outcome is unknown: the transport
	// did not acknowledge in time but the send may still land.
	ErrPublishTimeout = sterrors.New("hubflow: publish outcome unknown")

	ErrCorrelationTimedOut  = sterrors.New("hubflow: correlation timed out")
	ErrCorrelationCancelled = sterrors.New("hubflow: correlation cancelled")
	ErrDuplicateCorrelation = sterrors.New("hubflow: correlation id already pending")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "hubflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil error.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// TransportError is a broker or registry failure that may clear up on retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("hubflow: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError means the payload does not match a registered schema. It is a
// caller bug and never retried.
type SchemaError struct {
	Schema string
	Err    error
}

func (e *SchemaError) Error() string {
	if e.Schema == "" {
		return fmt.Sprintf("hubflow: schema: %v", e.Err)
	}
	return fmt.Sprintf("hubflow: schema %s: %v", e.Schema, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// DecodeError marks bytes that cannot become an envelope. Consumers skip such
// messages.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "hubflow: decode: " + e.Reason
	}
	return fmt.Sprintf("hubflow: decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PublishError reports a publish that did not succeed. When it wraps
// ErrPublishTimeout the outcome is unknown rather than failed.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("hubflow: publish to %s failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Timeout reports whether the delivery outcome is unknown.
func (e *PublishError) Timeout() bool {
	return sterrors.Is(e.Err, ErrPublishTimeout)
}

// CorrelationKind is the terminal state of an unanswered request.
type CorrelationKind int

const (
	CorrelationTimedOut CorrelationKind = iota + 1
	CorrelationCancelled
)

func (k CorrelationKind) String() string {
	switch k {
	case CorrelationTimedOut:
		return "timed_out"
	case CorrelationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CorrelationError is returned by a request whose response never arrived.
type CorrelationError struct {
	ID    string
	Topic string
	Kind  CorrelationKind
}

func (e *CorrelationError) Error() string {
	return fmt.Sprintf("hubflow: request %s on %s %s", e.ID, e.Topic, e.Kind)
}

func (e *CorrelationError) Is(target error) bool {
	switch target {
	case ErrCorrelationTimedOut:
		return e.Kind == CorrelationTimedOut
	case ErrCorrelationCancelled:
		return e.Kind == CorrelationCancelled
	}
	return false
}

// RemoteError carries a failure reported by the responding service.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "hubflow: remote: " + e.Message
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return sterrors.As(err, &p)
}

// CorrelationFromContext maps a finished wait context to the matching
// correlation state. Only a context ended with cause ErrCorrelationTimedOut,
// the requester's own timer, is TimedOut. A caller's cancellation or deadline
// is Cancelled.
func CorrelationFromContext(ctx context.Context, id, topic string) *CorrelationError {
	kind := CorrelationCancelled
	if sterrors.Is(context.Cause(ctx), ErrCorrelationTimedOut) {
		kind = CorrelationTimedOut
	}
	return &CorrelationError{ID: id, Topic: topic, Kind: kind}
}
