package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"golang.org/x/sync/errgroup"

	backoffpkg "github.com/drblury/hubflow/internal/runtime/backoff"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

// CommitPolicy decides when a message is acknowledged.
type CommitPolicy int

const (
	// AtLeastOnce acknowledges after the handler succeeded. A crash mid-handler
	// redelivers the message.
	AtLeastOnce CommitPolicy = iota
	// AtMostOnce acknowledges before the handler runs. Failures are not
	// redelivered.
	AtMostOnce
)

func (p CommitPolicy) String() string {
	switch p {
	case AtLeastOnce:
		return "at_least_once"
	case AtMostOnce:
		return "at_most_once"
	default:
		return "unknown"
	}
}

// DefaultConcurrency is the worker count of a consumer that sets none.
const DefaultConcurrency = 1

// HandlerFunc processes one decoded envelope. Returning nil acknowledges it.
// See the errors package for the control errors that steer redelivery.
type HandlerFunc func(ctx context.Context, env envelopepkg.Envelope) error

// ConsumerConfig describes one consumer.
type ConsumerConfig struct {
	// Name identifies the consumer in logs, metrics and dead-letter records.
	Name string
	// Group is the consumer group. Defaults to "<Name>@<service>".
	Group  string
	Topics []string
	// Concurrency is the number of handler workers.
	Concurrency int
	// MaxDeliveries bounds handler invocations per message before it is
	// dead-lettered. Required.
	MaxDeliveries int
	Commit        CommitPolicy
	// DeadLetterTopic receives dead-lettered messages with the reason in their
	// metadata. Empty only records and logs them.
	DeadLetterTopic string
	// Retry spaces redeliveries of failed messages.
	Retry backoffpkg.Policy
}

// Validate checks the configuration.
func (c ConsumerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errspkg.ErrConsumerNameRequired)
	}
	if len(c.Topics) == 0 {
		errs = append(errs, errspkg.ErrTopicsRequired)
	}
	for _, topic := range c.Topics {
		if topic == "" {
			errs = append(errs, errspkg.ErrTopicRequired)
			break
		}
	}
	if c.MaxDeliveries <= 0 {
		errs = append(errs, errspkg.ErrMaxDeliveriesRequired)
	}
	if c.Concurrency < 0 {
		errs = append(errs, errors.New("hubflow: consumer concurrency cannot be negative"))
	}
	return errors.Join(errs...)
}

// GroupName returns the consumer group, falling back to "<Name>@<service>".
func (c ConsumerConfig) GroupName(service string) string {
	if c.Group != "" {
		return c.Group
	}
	if service == "" {
		return c.Name
	}
	return c.Name + "@" + service
}

type inbound struct {
	topic string
	msg   *message.Message
}

type attemptState struct {
	count int
	first time.Time
	last  time.Time
}

// attemptTTL bounds how long the delivery count of a message that is not seen
// again is kept, for example after its partition moved to another member.
const attemptTTL = 10 * time.Minute

// Consumer pulls messages from its topics and hands them to a bounded pool of
// workers. Intake blocks while every worker is busy.
type Consumer struct {
	cfg        ConsumerConfig
	subscriber message.Subscriber
	codec      *envelopepkg.Codec
	handler    HandlerFunc
	deadLetter message.Publisher
	telemetry  *telemetry.Bridge
	logger     loggingpkg.ServiceLogger

	mu         sync.Mutex
	attempts   map[string]*attemptState
	attemptTTL time.Duration
	lastSweep  time.Time
	stats      *consumerStats

	ready     chan struct{}
	readyOnce sync.Once
}

// NewConsumer validates cfg and builds a consumer. deadLetter may be nil when
// cfg.DeadLetterTopic is empty.
func NewConsumer(cfg ConsumerConfig, subscriber message.Subscriber, codec *envelopepkg.Codec, handler HandlerFunc, deadLetter message.Publisher, bridge *telemetry.Bridge, logger loggingpkg.ServiceLogger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	switch {
	case subscriber == nil:
		return nil, errspkg.ErrSubscriberRequired
	case codec == nil:
		return nil, errspkg.ErrCodecRequired
	case handler == nil:
		return nil, errspkg.ErrHandlerRequired
	case cfg.DeadLetterTopic != "" && deadLetter == nil:
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}

	return &Consumer{
		cfg:        cfg,
		subscriber: subscriber,
		codec:      codec,
		handler:    handler,
		deadLetter: deadLetter,
		telemetry:  bridge,
		logger:     logger.With(loggingpkg.LogFields{"consumer": cfg.Name}),
		attempts:   make(map[string]*attemptState),
		attemptTTL: attemptTTL,
		stats:      newConsumerStats(),
		ready:      make(chan struct{}),
	}, nil
}

// Name returns the consumer name.
func (c *Consumer) Name() string { return c.cfg.Name }

// Ready is closed once every topic is subscribed.
func (c *Consumer) Ready() <-chan struct{} { return c.ready }

// Info returns the consumer settings and a snapshot of its counters.
func (c *Consumer) Info() ConsumerInfo {
	return ConsumerInfo{
		Name:          c.cfg.Name,
		Group:         c.cfg.Group,
		Topics:        append([]string(nil), c.cfg.Topics...),
		Concurrency:   c.cfg.Concurrency,
		MaxDeliveries: c.cfg.MaxDeliveries,
		Commit:        c.cfg.Commit.String(),
		Stats:         c.stats.snapshot(),
	}
}

// Run consumes until ctx is cancelled. On cancellation intake stops, a message
// not yet handed to a worker is nacked, in-flight handlers finish on a
// non-cancelled context and are acknowledged, and then the subscription is
// torn down.
func (c *Consumer) Run(ctx context.Context) error {
	subCtx, cancelSub := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSub()

	channels := make(map[string]<-chan *message.Message, len(c.cfg.Topics))
	for _, topic := range c.cfg.Topics {
		messages, err := c.subscriber.Subscribe(subCtx, topic)
		if err != nil {
			return &errspkg.TransportError{Op: "subscribe " + topic, Err: err}
		}
		channels[topic] = messages
	}
	c.readyOnce.Do(func() { close(c.ready) })
	c.logger.Info("Consumer started", loggingpkg.LogFields{
		"topics":      c.cfg.Topics,
		"concurrency": c.cfg.Concurrency,
		"commit":      c.cfg.Commit.String(),
	})

	work := make(chan inbound)
	var workers sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for in := range work {
				c.process(ctx, in)
			}
		}()
	}

	intake, intakeCtx := errgroup.WithContext(ctx)
	for topic, messages := range channels {
		intake.Go(func() error {
			return c.intake(intakeCtx, topic, messages, work)
		})
	}
	err := intake.Wait()

	close(work)
	workers.Wait()
	c.logger.Info("Consumer stopped", loggingpkg.LogFields{"topics": c.cfg.Topics})
	return err
}

func (c *Consumer) intake(ctx context.Context, topic string, messages <-chan *message.Message, work chan<- inbound) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return &errspkg.TransportError{Op: "subscribe " + topic, Err: errors.New("subscription closed")}
			}
			select {
			case work <- inbound{topic: topic, msg: msg}:
			case <-ctx.Done():
				msg.Nack()
				return nil
			}
		}
	}
}

func (c *Consumer) process(runCtx context.Context, in inbound) {
	start := time.Now()
	c.stats.begin()
	msg := in.msg
	ctx := context.WithoutCancel(runCtx)
	if msgCtx := msg.Context(); msgCtx != nil {
		ctx = context.WithoutCancel(msgCtx)
	}

	if c.cfg.Commit == AtMostOnce {
		msg.Ack()
	}

	env, err := c.codec.Decode(ctx, msg)
	if err != nil {
		c.handleDecodeFailure(runCtx, in, err, start)
		return
	}

	attempt, first := c.nextAttempt(msg.UUID)
	hctx := withDelivery(c.codec.Context(ctx, env), Delivery{
		Consumer: c.cfg.Name,
		Topic:    in.topic,
		Attempt:  attempt,
	})

	err = c.handler(hctx, env)
	result, delay := errspkg.ClassifyError(err)

	if c.cfg.Commit == AtMostOnce {
		c.forget(msg.UUID)
		outcome := telemetry.OutcomeOK
		if result != errspkg.ResultAck && result != errspkg.ResultSkip {
			outcome = telemetry.OutcomeError
			c.logger.Error("Handler failed, message not redelivered", err, c.fields(in, attempt))
		}
		c.finish(in.topic, outcome, start, err)
		return
	}

	switch result {
	case errspkg.ResultAck:
		c.forget(msg.UUID)
		msg.Ack()
		c.finish(in.topic, telemetry.OutcomeOK, start, nil)
	case errspkg.ResultSkip:
		c.forget(msg.UUID)
		msg.Ack()
		c.finish(in.topic, telemetry.OutcomeSkipped, start, nil)
	case errspkg.ResultDeadLetter:
		c.sendToDeadLetter(in, err, attempt, first, start)
	default:
		if attempt >= c.cfg.MaxDeliveries {
			c.sendToDeadLetter(in, fmt.Errorf("max deliveries (%d) reached: %w", c.cfg.MaxDeliveries, err), attempt, first, start)
			return
		}
		if result == errspkg.ResultRetry {
			delay = c.cfg.Retry.Jittered(attempt, rand.Float64())
		}
		c.logger.Debug("Handler failed, redelivering", c.fields(in, attempt).Add(loggingpkg.LogFields{
			"error": err.Error(),
			"delay": delay.String(),
		}))
		c.finish(in.topic, telemetry.OutcomeRetry, start, err)
		c.nackAfter(runCtx, msg, delay)
	}
}

func (c *Consumer) handleDecodeFailure(runCtx context.Context, in inbound, err error, start time.Time) {
	if !errspkg.Triage(err).Retryable() {
		c.forget(in.msg.UUID)
		c.logger.Error("Skipping undecodable message", err, c.fields(in, 0))
		c.telemetry.Since(in.topic, telemetry.OpDecode, telemetry.OutcomeSkipped, start)
		c.stats.end(telemetry.OutcomeSkipped, time.Since(start), err)
		if c.cfg.Commit == AtLeastOnce {
			in.msg.Ack()
		}
		return
	}

	c.telemetry.Since(in.topic, telemetry.OpDecode, telemetry.OutcomeError, start)
	if c.cfg.Commit == AtMostOnce {
		c.logger.Error("Decode failed, message not redelivered", err, c.fields(in, 0))
		c.stats.end(telemetry.OutcomeError, time.Since(start), err)
		return
	}

	attempt, first := c.nextAttempt(in.msg.UUID)
	if attempt >= c.cfg.MaxDeliveries {
		c.sendToDeadLetter(in, fmt.Errorf("decode failed after %d deliveries: %w", attempt, err), attempt, first, start)
		return
	}
	c.logger.Error("Decode failed, redelivering", err, c.fields(in, attempt))
	c.stats.end(telemetry.OutcomeRetry, time.Since(start), err)
	c.nackAfter(runCtx, in.msg, c.cfg.Retry.Jittered(attempt, rand.Float64()))
}

// nackAfter waits delay before nacking. Shutdown cuts the wait short.
func (c *Consumer) nackAfter(runCtx context.Context, msg *message.Message, delay time.Duration) {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
		}
	}
	msg.Nack()
}

func (c *Consumer) sendToDeadLetter(in inbound, cause error, attempts int, first, start time.Time) {
	reason := errspkg.DeadLetterReason(cause)
	fields := c.fields(in, attempts).Add(loggingpkg.LogFields{"reason": reason})

	if c.cfg.DeadLetterTopic != "" {
		out := in.msg.Copy()
		out.Metadata.Set(metadatapkg.KeyDeadLetterReason, reason)
		out.Metadata.Set(metadatapkg.KeyDeadLetterTopic, in.topic)
		out.Metadata.Set(metadatapkg.KeyDeadLetterConsumer, c.cfg.Name)
		out.Metadata.Set(metadatapkg.KeyDeadLetterAttempts, strconv.Itoa(attempts))
		if err := c.deadLetter.Publish(c.cfg.DeadLetterTopic, out); err != nil {
			c.logger.Error("Dead-letter publish failed, redelivering", err, fields)
			c.finish(in.topic, telemetry.OutcomeError, start, err)
			in.msg.Nack()
			return
		}
	}

	c.forget(in.msg.UUID)
	in.msg.Ack()
	c.telemetry.DeadLetter(in.topic, c.cfg.Name, attempts, time.Since(first))
	c.finish(in.topic, telemetry.OutcomeDeadLetter, start, cause)
	c.logger.Error("Message dead-lettered", cause, fields)
}

func (c *Consumer) finish(topic, outcome string, start time.Time, err error) {
	c.telemetry.Since(topic, telemetry.OpConsume, outcome, start)
	c.stats.end(outcome, time.Since(start), err)
}

func (c *Consumer) nextAttempt(uuid string) (int, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastSweep) >= c.attemptTTL {
		for id, st := range c.attempts {
			if now.Sub(st.last) >= c.attemptTTL {
				delete(c.attempts, id)
			}
		}
		c.lastSweep = now
	}

	st, ok := c.attempts[uuid]
	if !ok {
		st = &attemptState{first: now}
		c.attempts[uuid] = st
	}
	st.count++
	st.last = now
	return st.count, st.first
}

func (c *Consumer) forget(uuid string) {
	c.mu.Lock()
	delete(c.attempts, uuid)
	c.mu.Unlock()
}

func (c *Consumer) fields(in inbound, attempt int) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"topic":        in.topic,
		"message_uuid": in.msg.UUID,
	}
	if attempt > 0 {
		fields["attempt"] = attempt
	}
	return fields
}
