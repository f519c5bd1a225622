package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
	"google.golang.org/protobuf/proto"

	backoffpkg "github.com/drblury/hubflow/internal/runtime/backoff"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	idspkg "github.com/drblury/hubflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

// DefaultMaxInFlight bounds records handed to a producer but not yet settled.
const DefaultMaxInFlight int64 = 1024

// ProducerConfig tunes a Producer.
type ProducerConfig struct {
	Policy backoffpkg.Policy
	// MaxInFlight bounds unsettled records. Publish blocks when it is reached.
	MaxInFlight int64
	// Retryable classifies publish failures. Nil retries everything.
	Retryable func(error) bool
}

// Ack confirms that the transport accepted a record.
type Ack struct {
	Topic       string
	Key         string
	MessageID   string
	Attempts    int
	PublishedAt time.Time
}

// DeliveryHandle tracks one record until the transport settles it.
type DeliveryHandle struct {
	topic string
	done  chan struct{}
	ack   Ack
	err   error
}

func newDeliveryHandle(topic string) *DeliveryHandle {
	return &DeliveryHandle{topic: topic, done: make(chan struct{})}
}

// Done is closed once the record was acknowledged or given up on.
func (h *DeliveryHandle) Done() <-chan struct{} { return h.done }

// Result returns the outcome. It is only meaningful after Done is closed.
func (h *DeliveryHandle) Result() (Ack, error) { return h.ack, h.err }

// Err returns the delivery error once Done is closed.
func (h *DeliveryHandle) Err() error { return h.err }

// Wait blocks until the record settles or ctx ends. When ctx ends first the
// outcome is unknown: the error wraps ErrPublishTimeout and the record may
// still be delivered.
func (h *DeliveryHandle) Wait(ctx context.Context) (Ack, error) {
	select {
	case <-h.done:
		return h.ack, h.err
	case <-ctx.Done():
		return Ack{}, &errspkg.PublishError{Topic: h.topic, Err: errspkg.ErrPublishTimeout}
	}
}

func (h *DeliveryHandle) settle(ack Ack, err error) {
	h.ack, h.err = ack, err
	close(h.done)
}

type laneKey struct {
	topic string
	key   string
}

type delivery struct {
	topic   string
	key     string
	msg     *message.Message
	handle  *DeliveryHandle
	started time.Time
}

type lane struct {
	queue []*delivery
}

// Producer publishes envelopes. Records sharing a topic and key are sent one at
// a time in call order; records with different keys are sent concurrently.
// Records without a key get a lane of their own.
type Producer struct {
	publisher message.Publisher
	codec     *envelopepkg.Codec
	policy    backoffpkg.Policy
	retryable func(error) bool
	inFlight  *semaphore.Weighted
	telemetry *telemetry.Bridge
	logger    loggingpkg.ServiceLogger

	mu     sync.Mutex
	lanes  map[laneKey]*lane
	closed bool
	wg     sync.WaitGroup

	abort       context.Context
	cancelAbort context.CancelFunc
}

// NewProducer builds a producer over publisher.
func NewProducer(publisher message.Publisher, codec *envelopepkg.Codec, cfg ProducerConfig, bridge *telemetry.Bridge, logger loggingpkg.ServiceLogger) (*Producer, error) {
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if codec == nil {
		return nil, errspkg.ErrCodecRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return true }
	}

	abort, cancel := context.WithCancel(context.Background())
	return &Producer{
		publisher:   publisher,
		codec:       codec,
		policy:      cfg.Policy.WithDefaults(),
		retryable:   retryable,
		inFlight:    semaphore.NewWeighted(cfg.MaxInFlight),
		telemetry:   bridge,
		logger:      logger,
		lanes:       make(map[laneKey]*lane),
		abort:       abort,
		cancelAbort: cancel,
	}, nil
}

// Codec returns the codec used to encode envelopes.
func (p *Producer) Codec() *envelopepkg.Codec { return p.codec }

// Publish sends payload to topic under key. It returns once the record is
// queued; use the handle to learn the outcome.
func (p *Producer) Publish(ctx context.Context, topic, key string, payload proto.Message) (*DeliveryHandle, error) {
	return p.PublishEnvelope(ctx, topic, envelopepkg.Envelope{Key: key, Payload: payload})
}

// PublishEnvelope sends env to topic. Encoding failures such as an
// unregistered schema are returned immediately.
func (p *Producer) PublishEnvelope(ctx context.Context, topic string, env envelopepkg.Envelope) (*DeliveryHandle, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if env.UUID == "" {
		env.UUID = idspkg.NewMessageID()
	}

	ctx, span := p.telemetry.StartSpan(ctx, "hubflow.publish",
		attribute.String("messaging.destination.name", topic),
		attribute.String("messaging.message.id", env.UUID),
	)
	defer span.End()

	msg, err := p.codec.Encode(ctx, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.telemetry.Record(topic, telemetry.OpPublish, telemetry.OutcomeError, -1)
		return nil, err
	}
	return p.enqueue(ctx, topic, env.Key, msg)
}

// PublishAndWait publishes and waits up to timeout for the acknowledgement.
// A zero timeout waits until ctx ends. When the wait ends first the returned
// PublishError wraps ErrPublishTimeout: the outcome is unknown.
func (p *Producer) PublishAndWait(ctx context.Context, topic, key string, payload proto.Message, timeout time.Duration) (Ack, error) {
	start := time.Now()
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	handle, err := p.Publish(waitCtx, topic, key, payload)
	if err != nil {
		return Ack{}, err
	}
	ack, err := handle.Wait(waitCtx)
	if errors.Is(err, errspkg.ErrPublishTimeout) {
		p.telemetry.Since(topic, telemetry.OpPublish, telemetry.OutcomeTimeout, start)
	}
	return ack, err
}

// publishMessage queues an already encoded message.
func (p *Producer) publishMessage(ctx context.Context, topic, key string, msg *message.Message) (*DeliveryHandle, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return p.enqueue(ctx, topic, key, msg)
}

func (p *Producer) enqueue(ctx context.Context, topic, key string, msg *message.Message) (*DeliveryHandle, error) {
	if err := p.inFlight.Acquire(ctx, 1); err != nil {
		return nil, &errspkg.PublishError{Topic: topic, Err: err}
	}

	d := &delivery{
		topic:   topic,
		key:     key,
		msg:     msg,
		handle:  newDeliveryHandle(topic),
		started: time.Now(),
	}
	lk := laneKey{topic: topic, key: key}
	if key == "" {
		lk.key = "\x00" + msg.UUID
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.inFlight.Release(1)
		return nil, errspkg.ErrProducerClosed
	}
	l, ok := p.lanes[lk]
	if !ok {
		l = &lane{}
		p.lanes[lk] = l
		p.wg.Add(1)
		go p.drain(lk, l)
	}
	l.queue = append(l.queue, d)
	p.mu.Unlock()

	return d.handle, nil
}

func (p *Producer) drain(lk laneKey, l *lane) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if len(l.queue) == 0 {
			delete(p.lanes, lk)
			p.mu.Unlock()
			return
		}
		d := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		p.mu.Unlock()

		p.deliver(d)
		p.inFlight.Release(1)
	}
}

func (p *Producer) deliver(d *delivery) {
	if p.abort.Err() != nil {
		d.handle.settle(Ack{}, &errspkg.PublishError{Topic: d.topic, Err: errspkg.ErrProducerClosed})
		p.telemetry.Since(d.topic, telemetry.OpPublish, telemetry.OutcomeCancelled, d.started)
		return
	}

	attempts, err := backoffpkg.Retry(p.abort, p.policy, p.retryable,
		func(int) error {
			return p.publisher.Publish(d.topic, d.msg.Copy())
		},
		func(err error, attempt int, next time.Duration) {
			p.telemetry.Record(d.topic, telemetry.OpPublish, telemetry.OutcomeRetry, -1)
			p.logger.Debug("Retrying publish", loggingpkg.LogFields{
				"topic":        d.topic,
				"message_uuid": d.msg.UUID,
				"attempt":      attempt,
				"next_in":      next.String(),
				"error":        err.Error(),
			})
		},
	)

	if err == nil {
		d.handle.settle(Ack{
			Topic:       d.topic,
			Key:         d.key,
			MessageID:   d.msg.UUID,
			Attempts:    attempts,
			PublishedAt: time.Now(),
		}, nil)
		p.telemetry.Since(d.topic, telemetry.OpPublish, telemetry.OutcomeOK, d.started)
		return
	}

	switch {
	case p.abort.Err() != nil:
		err = errspkg.ErrProducerClosed
	case p.retryable(err):
		err = &errspkg.TransportError{Op: "publish", Err: err}
	default:
		err = errspkg.Permanent(err)
	}
	d.handle.settle(Ack{}, &errspkg.PublishError{Topic: d.topic, Attempts: attempts, Err: err})
	p.telemetry.Since(d.topic, telemetry.OpPublish, telemetry.OutcomeError, d.started)
	p.logger.Error("Publish failed", err, loggingpkg.LogFields{
		"topic":        d.topic,
		"message_uuid": d.msg.UUID,
		"attempts":     attempts,
	})
}

// Close stops intake and waits for queued records. When ctx ends first,
// pending retries are aborted and their handles fail with ErrProducerClosed.
// The publisher itself is owned by the transport and left open.
func (p *Producer) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		p.cancelAbort()
		return nil
	case <-ctx.Done():
		p.cancelAbort()
		return ctx.Err()
	}
}
