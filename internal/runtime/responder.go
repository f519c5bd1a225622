package runtime

import (
	"context"
	"errors"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

// RespondFunc answers one request. A nil response with a nil error replies
// with google.protobuf.Empty.
type RespondFunc func(ctx context.Context, req envelopepkg.Envelope) (proto.Message, error)

// ReplyTypes lists the payload types a responder may emit on its own. They
// must be registered with the codec before replies are sent.
func ReplyTypes() []proto.Message {
	return []proto.Message{&wrapperspb.StringValue{}, &emptypb.Empty{}}
}

// NewResponder adapts fn to a consumer handler that publishes fn's result to
// the request's ReplyTo topic with the same correlation id and key. Failures
// of fn become error replies, except transient ones, which are returned so the
// consumer redelivers the request.
func NewResponder(producer *Producer, fn RespondFunc, bridge *telemetry.Bridge, logger loggingpkg.ServiceLogger) (HandlerFunc, error) {
	if producer == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	return func(ctx context.Context, req envelopepkg.Envelope) error {
		if req.CorrelationID == "" || req.ReplyTo == "" {
			logger.Info("Skipping message without reply address", loggingpkg.LogFields{
				"message_uuid": req.UUID,
				"schema":       req.SchemaName(),
			})
			return errspkg.ErrSkip
		}

		start := time.Now()
		reply := envelopepkg.Envelope{
			Key:           req.Key,
			CorrelationID: req.CorrelationID,
		}

		resp, err := fn(ctx, req)
		switch {
		case err != nil && wantsRedelivery(err):
			bridge.Since(req.ReplyTo, telemetry.OpRespond, telemetry.OutcomeRetry, start)
			return err
		case err != nil:
			reply.Payload = wrapperspb.String(err.Error())
			reply.ReplyError = err.Error()
		case resp == nil:
			reply.Payload = &emptypb.Empty{}
		default:
			reply.Payload = resp
		}

		handle, err := producer.PublishEnvelope(ctx, req.ReplyTo, reply)
		if err != nil {
			bridge.Since(req.ReplyTo, telemetry.OpRespond, telemetry.OutcomeError, start)
			return err
		}
		if _, err := handle.Wait(ctx); err != nil {
			bridge.Since(req.ReplyTo, telemetry.OpRespond, telemetry.OutcomeError, start)
			return err
		}

		outcome := telemetry.OutcomeOK
		if reply.ReplyError != "" {
			outcome = telemetry.OutcomeError
		}
		bridge.Since(req.ReplyTo, telemetry.OpRespond, outcome, start)
		return nil
	}, nil
}

// wantsRedelivery reports whether a responder failure should be retried
// through the consumer instead of being answered.
func wantsRedelivery(err error) bool {
	if errors.Is(err, errspkg.ErrRetry) {
		return true
	}
	var transportErr *errspkg.TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var publishErr *errspkg.PublishError
	if errors.As(err, &publishErr) {
		return errspkg.Triage(publishErr).Retryable()
	}
	return false
}
