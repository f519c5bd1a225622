package handlers

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

// ProtoMessageContext gives typed access to the incoming payload.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput is an event emitted after the handler succeeds. An empty
// Key keeps the incoming key and nil Metadata keeps the incoming metadata.
type ProtoMessageOutput struct {
	Topic    string
	Key      string
	Message  proto.Message
	Metadata metadatapkg.Metadata
}

// ProtoMessageHandler processes a typed payload and returns the events to
// emit.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) ([]ProtoMessageOutput, error)

// Emitter publishes one envelope and returns once the transport accepted it.
type Emitter interface {
	Emit(ctx context.Context, topic string, env envelopepkg.Envelope) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, topic string, env envelopepkg.Envelope) error

func (f EmitterFunc) Emit(ctx context.Context, topic string, env envelopepkg.Envelope) error {
	return f(ctx, topic, env)
}

// BuildProtoHandler converts handler into an envelope handler. Payloads of
// another schema are rejected as unprocessable. Outputs are validated first
// when validate is set and then emitted in order; a failed emit fails the
// message so it is redelivered.
func BuildProtoHandler[T proto.Message](handler ProtoMessageHandler[T], validate func(proto.Message) error, emitter Emitter, logger loggingpkg.ServiceLogger) (func(context.Context, envelopepkg.Envelope) error, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if _, err := EnsureProtoPrototype(*new(T)); err != nil {
		return nil, err
	}
	if emitter == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	return func(ctx context.Context, env envelopepkg.Envelope) error {
		typed, err := As[T](env.Payload)
		if err != nil {
			return fmt.Errorf("%w: %w", errspkg.ErrUnprocessable, err)
		}

		outgoing, err := handler(ctx, ProtoMessageContext[T]{
			MessageContextBase: baseFromEnvelope(env, logger),
			Payload:            typed,
		})
		if err != nil {
			return err
		}

		for _, out := range outgoing {
			if out.Message == nil {
				return errors.New("proto handler emitted nil message")
			}
			if out.Topic == "" {
				return errspkg.ErrTopicRequired
			}
			if validate != nil {
				if err := validate(out.Message); err != nil {
					return err
				}
			}
		}

		for _, out := range outgoing {
			if err := emitter.Emit(ctx, out.Topic, outputEnvelope(out, env)); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func outputEnvelope(out ProtoMessageOutput, in envelopepkg.Envelope) envelopepkg.Envelope {
	key := out.Key
	if key == "" {
		key = in.Key
	}
	md := out.Metadata
	if md == nil {
		md = in.Metadata.Clone()
	}
	return envelopepkg.Envelope{
		Payload:  out.Message,
		Key:      key,
		Metadata: md,
	}
}

// As converts msg to T. A message of the same schema but another Go type, such
// as a dynamic message, is converted through its wire form.
func As[T proto.Message](msg proto.Message) (T, error) {
	var zero T
	if typed, ok := msg.(T); ok && !isNilProto(typed) {
		return typed, nil
	}
	if msg == nil || isNilProto(msg) {
		return zero, &errspkg.SchemaError{Err: errspkg.ErrPayloadRequired}
	}

	target, err := EnsureProtoPrototype(zero)
	if err != nil {
		return zero, err
	}
	want := target.ProtoReflect().Descriptor().FullName()
	got := msg.ProtoReflect().Descriptor().FullName()
	if want != got {
		return zero, &errspkg.SchemaError{Schema: string(got), Err: fmt.Errorf("expected %s", want)}
	}

	raw, err := proto.Marshal(msg)
	if err != nil {
		return zero, &errspkg.SchemaError{Schema: string(got), Err: err}
	}
	if err := proto.Unmarshal(raw, target); err != nil {
		return zero, &errspkg.SchemaError{Schema: string(got), Err: err}
	}
	return target, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type when
// candidate is a nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	if !isNilProto(candidate) {
		return candidate, nil
	}

	var zero T
	typ := reflect.TypeOf(candidate)
	if typ == nil {
		typ = reflect.TypeFor[T]()
	}
	if typ.Kind() == reflect.Interface {
		return zero, errspkg.ErrMessageTypeRequired
	}
	if typ.Kind() != reflect.Ptr {
		return zero, errspkg.ErrMessagePointerNeeded
	}

	inst := reflect.New(typ.Elem()).Interface()
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected prototype type %s", typ)
	}
	return typed, nil
}

func isNilProto[T proto.Message](prototype T) bool {
	msg := proto.Message(prototype)
	if msg == nil {
		return true
	}

	val := reflect.ValueOf(msg)
	switch val.Kind() {
	case reflect.Interface, reflect.Ptr, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}
