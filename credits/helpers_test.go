package credits

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/hubflow/internal/runtime"
	configpkg "github.com/drblury/hubflow/internal/runtime/config"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	channeltransport "github.com/drblury/hubflow/transport/channel"
)

const waitTimeout = 5 * time.Second

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newTestConfig() *configpkg.Config {
	return &configpkg.Config{
		ServiceName:            "minting",
		PubSubSystem:           "channel",
		PublishMaxAttempts:     3,
		PublishInitialInterval: time.Millisecond,
		PublishMaxInterval:     5 * time.Millisecond,
		ConsumerConcurrency:    2,
		ConsumerMaxDeliveries:  3,
		RPCResponseTopic:       "minting.responses",
		RPCTimeout:             time.Second,
		CreditsRequestTopic:    "credits.requests",
		CreditsConfirmTopic:    "credits.confirmations",
	}
}

func newTestService(t *testing.T, conf *configpkg.Config) *runtime.Service {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	t.Cleanup(func() { _ = ps.Close() })
	tr := channeltransport.New(ps)

	svc, err := runtime.NewService(context.Background(), conf, newTestLogger(), runtime.ServiceDependencies{
		Transport:  &tr,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	return svc
}

// runService starts svc until the test ends.
func runService(t *testing.T, svc *runtime.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("service exited before it was ready: %v", err)
	case <-time.After(waitTimeout):
		cancel()
		t.Fatalf("service not ready in time")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Errorf("service did not stop in time")
		}
		_ = svc.Close(context.Background())
	})
}

// countingDecider approves every charge for its credits and counts calls.
type countingDecider struct {
	calls atomic.Int32
	delay time.Duration
	next  func(req ChargeRequest) (Outcome, error)
}

func (d *countingDecider) Decide(ctx context.Context, req ChargeRequest) (Outcome, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.next != nil {
		return d.next(req)
	}
	return Approved(req.Credits), nil
}

// flakyLedger fails its first n calls of each method.
type flakyLedger struct {
	*MemoryLedger
	mu           sync.Mutex
	failGets     int
	failPuts     int
	failConfirms int
}

var errLedgerDown = errors.New("ledger unavailable")

func (l *flakyLedger) Get(ctx context.Context, key string) (Outcome, bool, error) {
	l.mu.Lock()
	if l.failGets > 0 {
		l.failGets--
		l.mu.Unlock()
		return Outcome{}, false, errLedgerDown
	}
	l.mu.Unlock()
	return l.MemoryLedger.Get(ctx, key)
}

func (l *flakyLedger) PutIfAbsent(ctx context.Context, key string, o Outcome) (Outcome, error) {
	l.mu.Lock()
	if l.failPuts > 0 {
		l.failPuts--
		l.mu.Unlock()
		return Outcome{}, errLedgerDown
	}
	l.mu.Unlock()
	return l.MemoryLedger.PutIfAbsent(ctx, key, o)
}

func (l *flakyLedger) Confirm(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	if l.failConfirms > 0 {
		l.failConfirms--
		l.mu.Unlock()
		return false, errLedgerDown
	}
	l.mu.Unlock()
	return l.MemoryLedger.Confirm(ctx, key)
}
