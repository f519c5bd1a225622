package hubflow

import (
	"context"
	"os"
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/hubflow/internal/runtime"
	backoffpkg "github.com/drblury/hubflow/internal/runtime/backoff"
	configpkg "github.com/drblury/hubflow/internal/runtime/config"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/hubflow/internal/runtime/handlers"
	idspkg "github.com/drblury/hubflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
	transportpkg "github.com/drblury/hubflow/transport"

	// Built-in brokers register themselves with the default transport registry.
	_ "github.com/drblury/hubflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ProtoValidator      = runtimepkg.ProtoValidator

	Envelope       = envelopepkg.Envelope
	Codec          = envelopepkg.Codec
	CodecOptions   = envelopepkg.CodecOptions
	Schema         = envelopepkg.Schema
	Registry       = envelopepkg.Registry
	MemoryRegistry = envelopepkg.MemoryRegistry
	HTTPRegistry   = envelopepkg.HTTPRegistry

	Producer       = runtimepkg.Producer
	ProducerConfig = runtimepkg.ProducerConfig
	Ack            = runtimepkg.Ack
	DeliveryHandle = runtimepkg.DeliveryHandle

	Consumer       = runtimepkg.Consumer
	ConsumerConfig = runtimepkg.ConsumerConfig
	CommitPolicy   = runtimepkg.CommitPolicy
	HandlerFunc    = runtimepkg.HandlerFunc
	Delivery       = runtimepkg.Delivery

	Requester   = runtimepkg.Requester
	RespondFunc = runtimepkg.RespondFunc

	ProtoMessageContext[T proto.Message] = handlerpkg.ProtoMessageContext[T]
	ProtoMessageOutput                   = handlerpkg.ProtoMessageOutput
	ProtoMessageHandler[T proto.Message] = handlerpkg.ProtoMessageHandler[T]
	MessageContextBase                   = handlerpkg.MessageContextBase

	HandlerMiddleware      = runtimepkg.HandlerMiddleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	Status            = runtimepkg.Status
	RPCStatus         = runtimepkg.RPCStatus
	ConsumerInfo      = runtimepkg.ConsumerInfo
	StatsSnapshot     = runtimepkg.StatsSnapshot
	LatencyMetrics    = runtimepkg.LatencyMetrics
	ThroughputMetrics = runtimepkg.ThroughputMetrics
	ErrorBreakdown    = runtimepkg.ErrorBreakdown

	Telemetry          = telemetry.Bridge
	DLQMetrics         = telemetry.DLQMetrics
	DLQTopicMetrics    = telemetry.DLQTopicMetrics
	DLQMetricsSnapshot = telemetry.DLQMetricsSnapshot

	RetryPolicy = backoffpkg.Policy

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	TransportError        = errspkg.TransportError
	SchemaError           = errspkg.SchemaError
	DecodeError           = errspkg.DecodeError
	PublishError          = errspkg.PublishError
	CorrelationError      = errspkg.CorrelationError
	CorrelationKind       = errspkg.CorrelationKind
	RemoteError           = errspkg.RemoteError
	RetryAfterError       = errspkg.RetryAfterError
	DeadLetterError       = errspkg.DeadLetterError
	HandlerResult         = errspkg.HandlerResult
	Severity              = errspkg.Severity

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

const (
	AtLeastOnce = runtimepkg.AtLeastOnce
	AtMostOnce  = runtimepkg.AtMostOnce

	CorrelationTimedOut  = errspkg.CorrelationTimedOut
	CorrelationCancelled = errspkg.CorrelationCancelled

	SeverityUser      = errspkg.SeverityUser
	SeverityTransient = errspkg.SeverityTransient
	SeverityPermanent = errspkg.SeverityPermanent
	SeverityFatal     = errspkg.SeverityFatal

	StatusPath = runtimepkg.StatusPath
)

// Envelope header keys.
const (
	MetadataKeyPartitionKey     = metadatapkg.KeyPartitionKey
	MetadataKeyCorrelationID    = metadatapkg.KeyCorrelationID
	MetadataKeyReplyTo          = metadatapkg.KeyReplyTo
	MetadataKeySchema           = metadatapkg.KeySchema
	MetadataKeyRPCError         = metadatapkg.KeyRPCError
	MetadataKeyDeadLetterReason = metadatapkg.KeyDeadLetterReason
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfigFile = configpkg.LoadFile

	NewCodec          = envelopepkg.NewCodec
	NewMemoryRegistry = envelopepkg.NewMemoryRegistry
	NewHTTPRegistry   = envelopepkg.NewHTTPRegistry

	NewProducer  = runtimepkg.NewProducer
	NewConsumer  = runtimepkg.NewConsumer
	NewRequester = runtimepkg.NewRequester
	NewResponder = runtimepkg.NewResponder

	DeliveryFromContext = runtimepkg.DeliveryFromContext

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	RecovererMiddleware     = runtimepkg.RecovererMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	ProtoValidateMiddleware = runtimepkg.ProtoValidateMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	DefaultRetryPolicy = backoffpkg.DefaultPolicy
	Retry              = backoffpkg.Retry

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrPayloadRequired       = errspkg.ErrPayloadRequired
	ErrMaxDeliveriesRequired = errspkg.ErrMaxDeliveriesRequired
	ErrProducerClosed        = errspkg.ErrProducerClosed
	ErrRPCNotConfigured      = errspkg.ErrRPCNotConfigured
	ErrPublishTimeout        = errspkg.ErrPublishTimeout
	ErrCorrelationTimedOut   = errspkg.ErrCorrelationTimedOut
	ErrCorrelationCancelled  = errspkg.ErrCorrelationCancelled

	ErrRetry             = errspkg.ErrRetry
	ErrDeadLetter        = errspkg.ErrDeadLetter
	ErrSkip              = errspkg.ErrSkip
	ErrUnprocessable     = errspkg.ErrUnprocessable
	RetryAfter           = errspkg.RetryAfter
	DeadLetterWithReason = errspkg.DeadLetterWithReason
	ClassifyError        = errspkg.ClassifyError
	DeadLetterReason     = errspkg.DeadLetterReason
	Permanent            = errspkg.Permanent
	Triage               = errspkg.Triage

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewWatermillAdapter       = loggingpkg.NewWatermillAdapter
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata = metadatapkg.New

	NewMessageID     = idspkg.NewMessageID
	NewCorrelationID = idspkg.NewCorrelationID

	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.RegisterWithCapabilities
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities
)

// SubscribeProto registers a consumer whose handler receives payloads as T.
func SubscribeProto[T proto.Message](svc *Service, cfg ConsumerConfig, handler ProtoMessageHandler[T], extra ...proto.Message) error {
	return runtimepkg.SubscribeProto(svc, cfg, handler, extra...)
}

// Call sends payload through r and returns the response payload as T.
func Call[T proto.Message](ctx context.Context, r *Requester, topic, key string, payload proto.Message, timeout time.Duration) (T, Envelope, error) {
	return runtimepkg.Call[T](ctx, r, topic, key, payload, timeout)
}

// As converts a decoded payload to T.
func As[T proto.Message](msg proto.Message) (T, error) {
	return handlerpkg.As[T](msg)
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// LoadConfig reads path when it is not empty and applies the hub environment
// variables on top.
func LoadConfig(path string) (*Config, error) {
	conf := &Config{}
	if path != "" {
		var err error
		if conf, err = configpkg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := conf.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return conf, nil
}
