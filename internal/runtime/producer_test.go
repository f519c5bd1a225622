package runtime

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

func newTestProducer(t *testing.T, pub *scriptedPublisher, cfg ProducerConfig) *Producer {
	t.Helper()
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = fastRetry()
	}
	p, err := NewProducer(pub, newTestCodec(t), cfg, newTestBridge(t), newTestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestNewProducerValidates(t *testing.T) {
	_, err := NewProducer(nil, newTestCodec(t), ProducerConfig{}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = NewProducer(&scriptedPublisher{}, nil, ProducerConfig{}, nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrCodecRequired)
}

func TestProducerKeepsOrderPerKey(t *testing.T) {
	pub := &scriptedPublisher{delay: func() time.Duration {
		return time.Duration(rand.IntN(300)) * time.Microsecond
	}}
	p := newTestProducer(t, pub, ProducerConfig{})

	keys := []string{"order-1", "order-2", "order-3"}
	const perKey = 40

	var handles []*DeliveryHandle
	for i := 0; i < perKey; i++ {
		for _, key := range keys {
			h, err := p.PublishEnvelope(context.Background(), "orders.events", envelopepkg.Envelope{
				Key:      key,
				Payload:  wrapperspb.Int64(int64(i)),
				Metadata: metadatapkg.New("seq", strconv.Itoa(i)),
			})
			require.NoError(t, err)
			handles = append(handles, h)
		}
	}
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}

	next := map[string]int{}
	for _, msg := range pub.Published() {
		key := msg.Metadata.Get(metadatapkg.KeyPartitionKey)
		seq, err := strconv.Atoi(msg.Metadata.Get("seq"))
		require.NoError(t, err)
		if seq != next[key] {
			t.Fatalf("key %s: got seq %d, want %d", key, seq, next[key])
		}
		next[key]++
	}
	for _, key := range keys {
		assert.Equal(t, perKey, next[key], "key %s", key)
	}
}

func TestProducerRetriesTransientFailures(t *testing.T) {
	pub := &scriptedPublisher{failures: 2, err: errors.New("broker unavailable")}
	p := newTestProducer(t, pub, ProducerConfig{})

	ack, err := p.PublishAndWait(context.Background(), "orders.events", "order-1", wrapperspb.String("placed"), time.Second)
	require.NoError(t, err)

	assert.Equal(t, 3, ack.Attempts)
	assert.Equal(t, "orders.events", ack.Topic)
	assert.Equal(t, "order-1", ack.Key)
	assert.NotEmpty(t, ack.MessageID)
	assert.False(t, ack.PublishedAt.IsZero())
	assert.Len(t, pub.Published(), 1)
}

func TestProducerGivesUpAfterMaxAttempts(t *testing.T) {
	pub := &scriptedPublisher{failures: -1, err: errors.New("broker unavailable")}
	policy := fastRetry()
	policy.MaxAttempts = 3
	p := newTestProducer(t, pub, ProducerConfig{Policy: policy})

	_, err := p.PublishAndWait(context.Background(), "orders.events", "order-1", wrapperspb.String("placed"), time.Second)

	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, 3, publishErr.Attempts)
	var transportErr *errspkg.TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.Equal(t, errspkg.SeverityTransient, errspkg.Triage(err))
	assert.Equal(t, 3, pub.Calls())
}

func TestProducerDoesNotRetryPermanentFailures(t *testing.T) {
	pub := &scriptedPublisher{failures: -1, err: errors.New("message too large")}
	p := newTestProducer(t, pub, ProducerConfig{Retryable: func(error) bool { return false }})

	_, err := p.PublishAndWait(context.Background(), "orders.events", "", wrapperspb.String("placed"), time.Second)

	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, 1, publishErr.Attempts)
	assert.True(t, errspkg.IsPermanent(err))
	assert.Equal(t, 1, pub.Calls())
}

func TestPublishAndWaitTimeoutIsUnknownOutcome(t *testing.T) {
	pub := newBlockingPublisher()
	p, err := NewProducer(pub, newTestCodec(t), ProducerConfig{}, nil, nil)
	require.NoError(t, err)

	_, err = p.PublishAndWait(context.Background(), "orders.events", "order-1", wrapperspb.String("placed"), 20*time.Millisecond)

	require.ErrorIs(t, err, errspkg.ErrPublishTimeout)
	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.True(t, publishErr.Timeout())
	assert.Equal(t, errspkg.SeverityTransient, errspkg.Triage(err))

	close(pub.release)
	require.NoError(t, p.Close(context.Background()))
}

func TestProducerSchemaErrorsAreImmediate(t *testing.T) {
	codec, err := envelopepkg.NewCodec(envelopepkg.NewMemoryRegistry(), envelopepkg.CodecOptions{})
	require.NoError(t, err)
	p, err := NewProducer(&scriptedPublisher{}, codec, ProducerConfig{}, nil, nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), "orders.events", "k", wrapperspb.String("x"))
	var schemaErr *errspkg.SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, errspkg.SeverityUser, errspkg.Triage(err))

	_, err = p.Publish(context.Background(), "", "k", wrapperspb.String("x"))
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestProducerBoundsInFlightRecords(t *testing.T) {
	pub := newBlockingPublisher()
	p, err := NewProducer(pub, newTestCodec(t), ProducerConfig{MaxInFlight: 1}, nil, nil)
	require.NoError(t, err)

	first, err := p.Publish(context.Background(), "orders.events", "a", wrapperspb.String("1"))
	require.NoError(t, err)
	receive(t, pub.entered)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Publish(ctx, "orders.events", "b", wrapperspb.String("2"))
	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(pub.release)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close(context.Background()))
}

func TestProducerCloseDrainsAndRejects(t *testing.T) {
	pub := &scriptedPublisher{}
	p, err := NewProducer(pub, newTestCodec(t), ProducerConfig{}, nil, nil)
	require.NoError(t, err)

	var handles []*DeliveryHandle
	for i := 0; i < 10; i++ {
		h, err := p.Publish(context.Background(), "orders.events", fmt.Sprintf("k%d", i%3), wrapperspb.Int32(int32(i)))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.NoError(t, p.Close(context.Background()))

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatalf("handle not settled after Close")
		}
		assert.NoError(t, h.Err())
	}
	assert.Len(t, pub.Published(), 10)

	_, err = p.Publish(context.Background(), "orders.events", "k", wrapperspb.String("late"))
	assert.ErrorIs(t, err, errspkg.ErrProducerClosed)
}

func TestProducerCloseDeadlineAbortsRetries(t *testing.T) {
	pub := &scriptedPublisher{failures: -1, err: errors.New("broker unavailable")}
	p, err := NewProducer(pub, newTestCodec(t), ProducerConfig{Policy: backoffPolicy(time.Second, 10)}, nil, nil)
	require.NoError(t, err)

	h, err := p.Publish(context.Background(), "orders.events", "k", wrapperspb.String("x"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(ctx), context.DeadlineExceeded)

	receive(t, h.Done())
	assert.ErrorIs(t, h.Err(), errspkg.ErrProducerClosed)
}

func TestProducerKeylessRecordsRunConcurrently(t *testing.T) {
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	release := make(chan struct{})
	pub := publisherFunc(func() error {
		mu.Lock()
		active++
		if active > maxSeen {
			maxSeen = active
		}
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return nil
	})
	p, err := NewProducer(pub, newTestCodec(t), ProducerConfig{}, nil, nil)
	require.NoError(t, err)

	var handles []*DeliveryHandle
	for i := 0; i < 3; i++ {
		h, err := p.Publish(context.Background(), "orders.events", "", wrapperspb.Int32(int32(i)))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return maxSeen == 3
	}, waitTimeout, time.Millisecond)

	close(release)
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
}
