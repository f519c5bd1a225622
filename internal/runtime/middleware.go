package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/protobuf/encoding/protojson"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
)

// HandlerMiddleware wraps a handler.
type HandlerMiddleware func(HandlerFunc) HandlerFunc

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is added to a Service.
// Exactly one of Middleware and Builder is set. A Builder may return a nil
// middleware to opt out.
type MiddlewareRegistration struct {
	Name       string
	Middleware HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the chain every consumer gets unless the service
// disables it. The first entry is the outermost.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		TracerMiddleware(),
		LogMessagesMiddleware(nil),
		ProtoValidateMiddleware(),
	}
}

// RecovererMiddleware turns handler panics into errors so the message is
// redelivered and eventually dead-lettered instead of crashing the worker.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: recoverer,
	}
}

func recoverer(h HandlerFunc) HandlerFunc {
	return func(ctx context.Context, env envelopepkg.Envelope) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = middleware.RecoveredPanicError{V: r, Stacktrace: string(debug.Stack())}
			}
		}()
		return h(ctx, env)
	}
}

// TracerMiddleware wraps handler execution in a span parented by the trace
// context the envelope carried.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

func (s *Service) tracerMiddleware() HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env envelopepkg.Envelope) error {
			attrs := []attribute.KeyValue{
				attribute.String("messaging.message.id", env.UUID),
				attribute.String("hubflow.schema", env.SchemaName()),
			}
			if d, ok := DeliveryFromContext(ctx); ok {
				attrs = append(attrs,
					attribute.String("messaging.destination.name", d.Topic),
					attribute.String("messaging.consumer.group.name", d.Consumer),
					attribute.Int("hubflow.attempt", d.Attempt),
				)
			}
			ctx, span := s.telemetry.StartSpan(ctx, "hubflow.consume", attrs...)
			defer span.End()

			err := h(ctx, env)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return err
		}
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at
// debug level. A nil logger uses the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env envelopepkg.Envelope) error {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": env.UUID,
				"schema":       env.SchemaName(),
				"key":          env.Key,
				"payload":      protojson.Format(env.Payload),
				"metadata":     env.Metadata,
			})
			return h(ctx, env)
		}
	}
}

// ProtoValidateMiddleware runs the service validator over every payload.
// Invalid payloads are dead-lettered without further attempts. Without a
// validator the middleware is skipped.
func ProtoValidateMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "proto_validate",
		Builder: func(s *Service) (HandlerMiddleware, error) {
			if s.validator == nil {
				return nil, nil
			}
			return protoValidateMiddleware(s.validator), nil
		},
	}
}

func protoValidateMiddleware(v ProtoValidator) HandlerMiddleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, env envelopepkg.Envelope) error {
			if err := v.Validate(env.Payload); err != nil {
				return errspkg.DeadLetterWithReason(
					"validation failed",
					fmt.Errorf("%w: %s: %w", errspkg.ErrUnprocessable, env.SchemaName(), err),
				)
			}
			return h(ctx, env)
		}
	}
}

// RegisterMiddleware adds a middleware to the chain of consumers registered
// afterwards.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewareMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewareMu.Unlock()
	return nil
}

// chain wraps h so the first registered middleware runs first.
func (s *Service) chain(h HandlerFunc) HandlerFunc {
	s.middlewareMu.RLock()
	defer s.middlewareMu.RUnlock()

	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}
