package runtime

import (
	"context"

	"google.golang.org/protobuf/proto"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	handlerpkg "github.com/drblury/hubflow/internal/runtime/handlers"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

var _ handlerpkg.Emitter = (*Producer)(nil)

// Emit publishes env and waits until the transport accepted it or ctx ends.
func (p *Producer) Emit(ctx context.Context, topic string, env envelopepkg.Envelope) error {
	handle, err := p.PublishEnvelope(ctx, topic, env)
	if err != nil {
		return err
	}
	_, err = handle.Wait(ctx)
	return err
}

// PublishProto publishes event under key with metadata and waits for the
// transport to accept it.
func (s *Service) PublishProto(ctx context.Context, topic, key string, event proto.Message, metadata metadatapkg.Metadata) error {
	return s.producer.Emit(ctx, topic, envelopepkg.Envelope{
		Payload:  event,
		Key:      key,
		Metadata: metadata,
	})
}
