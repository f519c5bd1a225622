package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/hubflow/internal/runtime/handlers"
)

// SubscribeProto registers a consumer whose handler receives payloads as T and
// whose outputs are published through the service producer. T and extra are
// registered with the codec at Start.
func SubscribeProto[T proto.Message](svc *Service, cfg ConsumerConfig, handler handlerpkg.ProtoMessageHandler[T], extra ...proto.Message) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}

	var validate func(proto.Message) error
	if svc.validator != nil {
		validate = func(msg proto.Message) error { return svc.validator.Validate(msg) }
	}

	built, err := handlerpkg.BuildProtoHandler(handler, validate, svc.producer, svc.Logger)
	if err != nil {
		return err
	}
	if err := svc.Subscribe(cfg, built); err != nil {
		return err
	}

	prototype, err := handlerpkg.EnsureProtoPrototype(*new(T))
	if err != nil {
		return err
	}
	svc.registerOnStart(append([]proto.Message{prototype}, extra...)...)
	return nil
}
