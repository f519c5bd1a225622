package credits

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/drblury/hubflow/internal/runtime"
	backoffpkg "github.com/drblury/hubflow/internal/runtime/backoff"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

// chargeFixture runs one service that both charges and answers charges, like
// a credits service calling itself over the bus.
type chargeFixture struct {
	svc     *runtime.Service
	client  *Client
	decider *countingDecider
	ledger  *MemoryLedger
}

func newChargeFixture(t *testing.T, withServer bool, cfg ClientConfig) *chargeFixture {
	t.Helper()
	ctx := context.Background()
	f := &chargeFixture{
		svc:     newTestService(t, newTestConfig()),
		decider: &countingDecider{},
		ledger:  NewMemoryLedger(),
	}
	if withServer {
		server, err := NewServer(f.ledger, f.decider, f.svc.Logger)
		require.NoError(t, err)
		require.NoError(t, server.Register(ctx, f.svc, runtime.ConsumerConfig{}))
	}

	client, err := NewServiceClient(ctx, f.svc, cfg)
	require.NoError(t, err)
	f.client = client
	runService(t, f.svc)
	return f
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(nil, ClientConfig{Topic: "credits.requests"}, nil)
	assert.ErrorIs(t, err, ErrRequesterRequired)

	svc := newTestService(t, newTestConfig())
	_, err = NewClient(svc.Requester(), ClientConfig{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)

	_, err = NewServiceClient(context.Background(), nil, ClientConfig{})
	assert.ErrorIs(t, err, errspkg.ErrServiceRequired)

	conf := newTestConfig()
	conf.RPCResponseTopic = ""
	conf.CreditsRequestTopic = ""
	_, err = NewServiceClient(context.Background(), newTestService(t, conf), ClientConfig{Topic: "credits.requests"})
	assert.ErrorIs(t, err, errspkg.ErrRPCNotConfigured)
}

func TestChargeApprovedAndReplayed(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, true, ClientConfig{})
	ctx := context.Background()

	req := ChargeRequest{IdempotencyKey: NewIdempotencyKey(), Action: "mint-edition", Quantity: 1, Blockchain: Polygon, Credits: 3}
	first, err := f.client.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Approved(3), first)

	// Same key again, as after an ambiguous timeout: the stored outcome comes
	// back and nothing is charged twice.
	f.decider.next = func(ChargeRequest) (Outcome, error) { return Denied("should not be decided"), nil }
	second, err := f.client.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.decider.calls.Load())
	assert.Equal(t, 1, f.ledger.Len())
	assert.Zero(t, f.svc.Requester().Pending())
}

func TestChargeSendsServiceAndKeyVerbatim(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, true, ClientConfig{})
	seen := make(chan ChargeRequest, 1)
	f.decider.next = func(req ChargeRequest) (Outcome, error) {
		seen <- req
		return Denied("insufficient balance"), nil
	}

	out, err := f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "abc", Action: "mint", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, Denied("insufficient balance"), out)

	req := <-seen
	assert.Equal(t, "abc", req.IdempotencyKey)
	assert.Equal(t, "minting", req.Service)
	assert.Equal(t, "mint", req.Action)
}

func TestChargeSameKeyAfterDecisionErrorGetsOneOutcome(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, true, ClientConfig{})
	var failed atomic.Bool
	f.decider.next = func(req ChargeRequest) (Outcome, error) {
		if failed.CompareAndSwap(false, true) {
			return Outcome{}, errors.New("balance service unavailable")
		}
		return Approved(req.Credits), nil
	}

	req := ChargeRequest{IdempotencyKey: "abc", Action: "mint", Quantity: 1, Credits: 7}
	first, err := f.client.Charge(context.Background(), req)
	require.NoError(t, err)
	second, err := f.client.Charge(context.Background(), req)
	require.NoError(t, err)

	if first != second {
		t.Fatalf("same key produced different outcomes: first=%+v second=%+v", first, second)
	}
	assert.Equal(t, Approved(7), first)
	assert.Equal(t, int32(2), f.decider.calls.Load())
	assert.Equal(t, 1, f.ledger.Len())
}

func TestChargeRejectedRequestIsNotAnOutcome(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t, newTestConfig())
	require.NoError(t, svc.Respond(runtime.ConsumerConfig{
		Name:   "credits-rejecting",
		Topics: []string{"credits.requests"},
	}, func(context.Context, envelopepkg.Envelope) (proto.Message, error) {
		return nil, errors.New("unreadable charge")
	}))
	client, err := NewServiceClient(ctx, svc, ClientConfig{})
	require.NoError(t, err)
	runService(t, svc)

	_, attempts, err := client.ChargeWithRetry(ctx, ChargeRequest{IdempotencyKey: "abc", Action: "mint", Quantity: 1, Credits: 1})
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, attempts)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestChargeWithoutResponderTimesOut(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, false, ClientConfig{Timeout: 100 * time.Millisecond})

	start := time.Now()
	out, err := f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "abc", Action: "mint", Quantity: 1})
	elapsed := time.Since(start)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "abc", timeoutErr.Key)
	assert.NotEqual(t, OutcomeFailed, out.Kind)
	assert.Less(t, elapsed, time.Second)
	assert.Zero(t, f.svc.Requester().Pending())
}

func TestChargeCancelledIsNotTimeout(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, false, ClientConfig{Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := f.client.Charge(ctx, ChargeRequest{IdempotencyKey: "abc", Action: "mint"})

	assert.ErrorIs(t, err, errspkg.ErrCorrelationCancelled)
	assert.False(t, errors.Is(err, ErrTimeout))

	_, attempts, err := f.client.ChargeWithRetry(ctx, ChargeRequest{IdempotencyKey: "abc", Action: "mint"})
	assert.Error(t, err)
	assert.LessOrEqual(t, attempts, 1)
}

func TestChargeWithRetryReusesKeyAfterTimeout(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, true, ClientConfig{
		Timeout: 200 * time.Millisecond,
		Retry: backoffpkg.Policy{
			MaxAttempts:     4,
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
		},
	})
	// The first decision outlives the first attempt.
	f.decider.delay = 300 * time.Millisecond

	out, attempts, err := f.client.ChargeWithRetry(context.Background(), ChargeRequest{IdempotencyKey: "abc", Action: "mint", Credits: 2})
	require.NoError(t, err)
	assert.Equal(t, Approved(2), out)
	assert.GreaterOrEqual(t, attempts, 2)
	assert.Equal(t, int32(1), f.decider.calls.Load())
	assert.Zero(t, f.svc.Requester().Pending())
}

func TestChargeWithRetryGivesUpWithTimeout(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, false, ClientConfig{
		Timeout: 30 * time.Millisecond,
		Retry:   backoffpkg.Policy{MaxAttempts: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 1},
	})

	_, attempts, err := f.client.ChargeWithRetry(context.Background(), ChargeRequest{IdempotencyKey: "abc", Action: "mint"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, attempts)
	assert.Zero(t, f.svc.Requester().Pending())
}

func TestChargePricesFromSheet(t *testing.T) {
	t.Parallel()

	sheet, err := ParseSheet([]byte(testSheet))
	require.NoError(t, err)
	f := newChargeFixture(t, true, ClientConfig{Sheet: sheet})

	cost, err := f.client.Cost("mint-edition", Solana, 2, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), cost)

	out, err := f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "abc", Action: "mint-edition", Quantity: 3, Blockchain: Polygon})
	require.NoError(t, err)
	assert.Equal(t, Approved(9), out)

	_, err = f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "def", Action: "mint-edition", Blockchain: Ethereum})
	var deduction *DeductionError
	require.ErrorAs(t, err, &deduction)
	assert.IsType(t, MissingItem{}, deduction.Kind)
	assert.Equal(t, int32(1), f.decider.calls.Load())
}

func TestChargeRequiresKey(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newTestConfig())
	client, err := NewClient(svc.Requester(), ClientConfig{Topic: "credits.requests"}, nil)
	require.NoError(t, err)

	_, err = client.Charge(context.Background(), ChargeRequest{Action: "mint"})
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)
}

func TestConfirmDeductionMarksChargeConfirmed(t *testing.T) {
	t.Parallel()

	f := newChargeFixture(t, true, ClientConfig{})
	ctx := context.Background()
	req := ChargeRequest{IdempotencyKey: NewIdempotencyKey(), Action: "mint-edition", Quantity: 1, Credits: 3}

	out, err := f.client.Charge(ctx, req)
	require.NoError(t, err)
	require.Equal(t, Approved(3), out)
	assert.False(t, f.ledger.Confirmed(req.IdempotencyKey))

	require.NoError(t, f.client.ConfirmDeduction(ctx, req.IdempotencyKey))
	require.Eventually(t, func() bool {
		return f.ledger.Confirmed(req.IdempotencyKey)
	}, waitTimeout, 10*time.Millisecond)

	// Confirming again is harmless.
	require.NoError(t, f.client.ConfirmDeduction(ctx, req.IdempotencyKey))
	again, err := f.client.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestConfirmDeductionIsKeyedByIdempotencyKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc := newTestService(t, newTestConfig())
	seen := make(chan envelopepkg.Envelope, 1)
	require.NoError(t, RegisterTypes(ctx, svc))
	require.NoError(t, svc.Subscribe(runtime.ConsumerConfig{
		Name:   "confirmations-tap",
		Topics: []string{"credits.confirmations"},
	}, func(_ context.Context, env envelopepkg.Envelope) error {
		seen <- env
		return nil
	}))
	client, err := NewServiceClient(ctx, svc, ClientConfig{})
	require.NoError(t, err)
	runService(t, svc)

	require.NoError(t, client.ConfirmDeduction(ctx, "abc"))

	select {
	case env := <-seen:
		assert.Equal(t, "abc", env.Key)
		key, err := ParseConfirmation(env.Payload)
		require.NoError(t, err)
		assert.Equal(t, "abc", key)
	case <-time.After(waitTimeout):
		t.Fatalf("confirmation not published")
	}
}

func TestConfirmDeductionValidation(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newTestConfig())
	client, err := NewClient(svc.Requester(), ClientConfig{Topic: "credits.requests", ConfirmTopic: "credits.confirmations"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, client.ConfirmDeduction(context.Background(), "abc"), ErrProducerRequired)

	client, err = NewClient(svc.Requester(), ClientConfig{Topic: "credits.requests", Producer: svc.Producer()}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, client.ConfirmDeduction(context.Background(), "abc"), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, client.ConfirmDeduction(context.Background(), ""), ErrIdempotencyKeyRequired)
}

// chargeCount reads hubflow_messages_total for charges with outcome.
func chargeCount(t *testing.T, reg *prometheus.Registry, outcome string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "hubflow_messages_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			labels := make(map[string]string)
			for _, pair := range m.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["operation"] == telemetry.OpCharge && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestChargeOutcomesAreCounted(t *testing.T) {
	t.Parallel()

	t.Run("answered", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		bridge, err := telemetry.New(reg)
		require.NoError(t, err)
		f := newChargeFixture(t, true, ClientConfig{Telemetry: bridge})
		f.decider.next = func(req ChargeRequest) (Outcome, error) {
			if req.Credits > 5 {
				return Denied("balance exhausted"), nil
			}
			return Approved(req.Credits), nil
		}

		_, err = f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "a", Action: "mint", Credits: 2})
		require.NoError(t, err)
		_, err = f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "b", Action: "mint", Credits: 9})
		require.NoError(t, err)

		assert.Equal(t, 1.0, chargeCount(t, reg, "approved"))
		assert.Equal(t, 1.0, chargeCount(t, reg, "denied"))
	})

	t.Run("unanswered", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		bridge, err := telemetry.New(reg)
		require.NoError(t, err)
		f := newChargeFixture(t, false, ClientConfig{Telemetry: bridge, Timeout: 50 * time.Millisecond})

		_, err = f.client.Charge(context.Background(), ChargeRequest{IdempotencyKey: "a", Action: "mint"})
		require.ErrorIs(t, err, ErrTimeout)

		assert.Equal(t, 1.0, chargeCount(t, reg, telemetry.OutcomeTimeout))
		assert.Zero(t, chargeCount(t, reg, "approved"))
	})
}
