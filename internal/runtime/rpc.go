package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/proto"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/hubflow/internal/runtime/handlers"
	idspkg "github.com/drblury/hubflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

// DefaultRPCTimeout bounds a Call that sets no timeout.
const DefaultRPCTimeout = 30 * time.Second

// ticket is one outstanding request. slot has capacity 1 and receives at most
// one response.
type ticket struct {
	id       string
	topic    string
	created  time.Time
	deadline time.Time
	slot     chan envelopepkg.Envelope
}

// Requester issues requests over the producer and matches responses arriving
// on responseTopic by correlation id.
type Requester struct {
	producer      *Producer
	responseTopic string
	timeout       time.Duration
	telemetry     *telemetry.Bridge
	logger        loggingpkg.ServiceLogger
	newID         func() string

	mu      sync.Mutex
	pending map[string]*ticket

	dropped atomic.Int64
}

// NewRequester builds a requester. Responses must be fed to HandleResponse,
// typically by a consumer of responseTopic whose group is unique to this
// process.
func NewRequester(producer *Producer, responseTopic string, timeout time.Duration, bridge *telemetry.Bridge, logger loggingpkg.ServiceLogger) (*Requester, error) {
	if producer == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if responseTopic == "" {
		return nil, errspkg.ErrRPCNotConfigured
	}
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Requester{
		producer:      producer,
		responseTopic: responseTopic,
		timeout:       timeout,
		telemetry:     bridge,
		logger:        logger,
		newID:         idspkg.NewCorrelationID,
		pending:       make(map[string]*ticket),
	}, nil
}

// ResponseTopic returns the topic responses are expected on.
func (r *Requester) ResponseTopic() string { return r.responseTopic }

// Call publishes payload to topic and waits for the matching response. A zero
// timeout uses the requester default. It fails with a CorrelationError when
// timeout passes (TimedOut) or ctx ends first (Cancelled, also when ctx had
// its own deadline), with a
// PublishError when the request could not be sent and with a RemoteError when
// the responder reported a failure. Calls are never retried implicitly.
func (r *Requester) Call(ctx context.Context, topic, key string, payload proto.Message, timeout time.Duration) (envelopepkg.Envelope, error) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	start := time.Now()
	waitCtx, cancel := context.WithTimeoutCause(ctx, timeout, errspkg.ErrCorrelationTimedOut)
	defer cancel()

	id := r.newID()
	waitCtx, span := r.telemetry.StartSpan(waitCtx, "hubflow.rpc",
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.message.conversation_id", id),
	)
	defer span.End()

	t, err := r.register(id, topic, start, timeout)
	if err != nil {
		return envelopepkg.Envelope{}, err
	}
	defer r.release(id)

	handle, err := r.producer.PublishEnvelope(waitCtx, topic, envelopepkg.Envelope{
		Payload:       payload,
		Key:           key,
		CorrelationID: id,
		ReplyTo:       r.responseTopic,
	})
	if err != nil {
		r.telemetry.Since(topic, telemetry.OpRPC, telemetry.OutcomeError, start)
		return envelopepkg.Envelope{}, err
	}

	sent := handle.Done()
	for {
		select {
		case resp := <-t.slot:
			if resp.ReplyError != "" {
				r.telemetry.Since(topic, telemetry.OpRPC, telemetry.OutcomeError, start)
				return resp, &errspkg.RemoteError{Message: resp.ReplyError}
			}
			r.telemetry.Since(topic, telemetry.OpRPC, telemetry.OutcomeOK, start)
			return resp, nil
		case <-sent:
			sent = nil
			if err := handle.Err(); err != nil {
				r.telemetry.Since(topic, telemetry.OpRPC, telemetry.OutcomeError, start)
				return envelopepkg.Envelope{}, err
			}
		case <-waitCtx.Done():
			cerr := errspkg.CorrelationFromContext(waitCtx, id, topic)
			outcome := telemetry.OutcomeTimeout
			if cerr.Kind == errspkg.CorrelationCancelled {
				outcome = telemetry.OutcomeCancelled
			}
			r.telemetry.Since(topic, telemetry.OpRPC, outcome, start)
			return envelopepkg.Envelope{}, cerr
		}
	}
}

// HandleResponse delivers env to the request it answers. Responses without a
// pending request (late, duplicate or meant for another instance) are dropped
// and counted. It never blocks.
func (r *Requester) HandleResponse(_ context.Context, env envelopepkg.Envelope) error {
	r.mu.Lock()
	t, ok := r.pending[env.CorrelationID]
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		r.dropped.Add(1)
		r.telemetry.Record(r.responseTopic, telemetry.OpRPC, telemetry.OutcomeDropped, -1)
		r.logger.Debug("Dropping response without pending request", loggingpkg.LogFields{
			"correlation_id": env.CorrelationID,
			"message_uuid":   env.UUID,
		})
		return nil
	}

	select {
	case t.slot <- env:
	default:
	}
	return nil
}

// Pending returns the number of outstanding requests.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns the number of responses that matched no pending request.
func (r *Requester) Dropped() int64 { return r.dropped.Load() }

func (r *Requester) register(id, topic string, now time.Time, timeout time.Duration) (*ticket, error) {
	t := &ticket{
		id:       id,
		topic:    topic,
		created:  now,
		deadline: now.Add(timeout),
		slot:     make(chan envelopepkg.Envelope, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrDuplicateCorrelation, id)
	}
	r.pending[id] = t
	return t, nil
}

func (r *Requester) release(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// Call sends payload through r and returns the response payload as T. A
// response decoded as a dynamic message is converted through its wire form.
func Call[T proto.Message](ctx context.Context, r *Requester, topic, key string, payload proto.Message, timeout time.Duration) (T, envelopepkg.Envelope, error) {
	var zero T
	env, err := r.Call(ctx, topic, key, payload, timeout)
	if err != nil {
		return zero, env, err
	}
	out, err := handlerpkg.As[T](env.Payload)
	if err != nil {
		return zero, env, err
	}
	return out, env, nil
}
