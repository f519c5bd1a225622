package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	backoffpkg "github.com/drblury/hubflow/internal/runtime/backoff"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

const waitTimeout = 5 * time.Second

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func newTestBridge(t *testing.T) *telemetry.Bridge {
	t.Helper()
	bridge, err := telemetry.New(prometheus.NewRegistry())
	require.NoError(t, err)
	return bridge
}

func newTestCodec(t *testing.T) *envelopepkg.Codec {
	t.Helper()
	codec, err := envelopepkg.NewCodec(envelopepkg.NewMemoryRegistry(), envelopepkg.CodecOptions{AutoRegister: true})
	require.NoError(t, err)
	return codec
}

// newPubSub returns an in-memory broker. block makes Publish wait for the
// subscriber's ack, which keeps delivery order.
func newPubSub(t *testing.T, block bool) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: block,
		Persistent:                     true,
	}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

// fastRetry keeps redelivery and publish retries in the millisecond range.
func fastRetry() backoffpkg.Policy {
	return backoffpkg.Policy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// scriptedPublisher fails the first failures calls with err and records the
// rest.
type scriptedPublisher struct {
	mu        sync.Mutex
	failures  int
	err       error
	delay     func() time.Duration
	calls     int
	topics    []string
	published []*message.Message
}

func (p *scriptedPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.delay != nil {
		time.Sleep(p.delay())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return p.err
	}
	for _, msg := range messages {
		p.topics = append(p.topics, topic)
		p.published = append(p.published, msg)
	}
	return nil
}

func (p *scriptedPublisher) Close() error { return nil }

func (p *scriptedPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedPublisher) Published() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.published...)
}

// blockingPublisher holds every Publish until release is closed.
type blockingPublisher struct {
	release chan struct{}
	entered chan struct{}
}

func newBlockingPublisher() *blockingPublisher {
	return &blockingPublisher{release: make(chan struct{}), entered: make(chan struct{}, 16)}
}

func (p *blockingPublisher) Publish(string, ...*message.Message) error {
	p.entered <- struct{}{}
	<-p.release
	return nil
}

func (p *blockingPublisher) Close() error { return nil }

// startConsumer runs c until the returned stop function is called. stop
// returns Run's error.
func startConsumer(t *testing.T, c *Consumer) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("consumer exited before subscribing: %v", err)
	case <-time.After(waitTimeout):
		cancel()
		t.Fatalf("consumer did not subscribe in time")
	}

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(waitTimeout):
				t.Fatalf("consumer did not stop in time")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func publishEnvelope(t *testing.T, codec *envelopepkg.Codec, pub message.Publisher, topic string, env envelopepkg.Envelope) *message.Message {
	t.Helper()
	msg, err := codec.Encode(context.Background(), env)
	require.NoError(t, err)
	require.NoError(t, pub.Publish(topic, msg))
	return msg
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for value")
	}
	var zero T
	return zero
}

type recordingServiceLogger struct {
	mu     sync.Mutex
	debugs []string
	infos  []string
	errors []string
}

func (r *recordingServiceLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return r }

func (r *recordingServiceLogger) Debug(msg string, _ loggingpkg.LogFields) {
	r.mu.Lock()
	r.debugs = append(r.debugs, msg)
	r.mu.Unlock()
}

func (r *recordingServiceLogger) Info(msg string, _ loggingpkg.LogFields) {
	r.mu.Lock()
	r.infos = append(r.infos, msg)
	r.mu.Unlock()
}

func (r *recordingServiceLogger) Error(msg string, _ error, _ loggingpkg.LogFields) {
	r.mu.Lock()
	r.errors = append(r.errors, msg)
	r.mu.Unlock()
}

func (r *recordingServiceLogger) Trace(string, loggingpkg.LogFields) {}

func (r *recordingServiceLogger) debugCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.debugs)
}

type publisherFunc func() error

func (f publisherFunc) Publish(string, ...*message.Message) error { return f() }

func (publisherFunc) Close() error { return nil }

// backoffPolicy waits interval between attempts without jitter.
func backoffPolicy(interval time.Duration, attempts int) backoffpkg.Policy {
	return backoffpkg.Policy{
		InitialInterval: interval,
		MaxInterval:     interval,
		Multiplier:      1,
		MaxAttempts:     attempts,
	}
}
