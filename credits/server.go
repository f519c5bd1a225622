package credits

import (
	"context"
	"errors"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/hubflow/internal/runtime"
	envelopepkg "github.com/drblury/hubflow/internal/runtime/envelope"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
)

// Decider decides a charge that has no stored outcome yet. Returned outcomes
// are stored. A permanent error (errors.Permanent) is stored as a Failed
// outcome; any other error stores nothing and the request is redelivered, so
// the caller never sees an outcome the ledger does not hold.
type Decider interface {
	Decide(ctx context.Context, req ChargeRequest) (Outcome, error)
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, req ChargeRequest) (Outcome, error)

func (f DeciderFunc) Decide(ctx context.Context, req ChargeRequest) (Outcome, error) {
	return f(ctx, req)
}

// Server answers charge requests at most once per idempotency key.
type Server struct {
	ledger  Ledger
	decider Decider
	logger  loggingpkg.ServiceLogger
	locks   keyLocks
}

func NewServer(ledger Ledger, decider Decider, logger loggingpkg.ServiceLogger) (*Server, error) {
	if ledger == nil {
		return nil, ErrLedgerRequired
	}
	if decider == nil {
		return nil, ErrDeciderRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Server{
		ledger:  ledger,
		decider: decider,
		logger:  logger,
		locks:   keyLocks{held: make(map[string]*keyLock)},
	}, nil
}

// Handle returns the stored outcome for req's key, or decides and stores one.
// Requests for the same key are serialised in this process; the ledger settles
// races between processes. Ledger failures are transport errors so the request
// is redelivered.
func (s *Server) Handle(ctx context.Context, req ChargeRequest) (Outcome, error) {
	if err := req.validate(); err != nil {
		return Outcome{}, &errspkg.SchemaError{Schema: ChargeRequestSchema, Err: err}
	}

	unlock := s.locks.lock(req.IdempotencyKey)
	defer unlock()

	fields := loggingpkg.LogFields{
		"idempotency_key": req.IdempotencyKey,
		"service":         req.Service,
		"action":          req.Action,
	}

	stored, ok, err := s.ledger.Get(ctx, req.IdempotencyKey)
	if err != nil {
		return Outcome{}, &errspkg.TransportError{Op: "ledger get", Err: err}
	}
	if ok {
		s.logger.Debug("Replaying stored charge outcome", fields.Add(loggingpkg.LogFields{"outcome": stored.Kind.String()}))
		return stored, nil
	}

	decided, err := s.decider.Decide(ctx, req)
	switch {
	case err != nil && errspkg.IsPermanent(err):
		s.logger.Error("Charge decision failed permanently", err, fields)
		decided = Failed(err.Error())
	case err != nil:
		s.logger.Error("Charge decision failed", err, fields)
		return Outcome{}, &errspkg.TransportError{Op: "decide", Err: err}
	case !decided.valid():
		decided = Failed("charge decision produced no outcome")
	}

	stored, err = s.ledger.PutIfAbsent(ctx, req.IdempotencyKey, decided)
	if err != nil {
		return Outcome{}, &errspkg.TransportError{Op: "ledger put", Err: err}
	}
	s.logger.Info("Charge decided", fields.Add(loggingpkg.LogFields{
		"outcome": stored.Kind.String(),
		"credits": stored.Credits,
	}))
	return stored, nil
}

// Confirm marks the approved outcome for key as deducted. It reports whether
// this call confirmed it; repeats return false. Unknown keys and outcomes that
// were not approved fail permanently, ledger failures are transport errors.
func (s *Server) Confirm(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, errspkg.Permanent(ErrIdempotencyKeyRequired)
	}

	unlock := s.locks.lock(key)
	defer unlock()

	confirmed, err := s.ledger.Confirm(ctx, key)
	switch {
	case errors.Is(err, ErrChargeNotFound), errors.Is(err, ErrNotApproved):
		return false, errspkg.Permanent(err)
	case err != nil:
		return false, &errspkg.TransportError{Op: "ledger confirm", Err: err}
	}
	s.logger.Info("Charge confirmed", loggingpkg.LogFields{
		"idempotency_key": key,
		"repeat":          !confirmed,
	})
	return confirmed, nil
}

// HandleConfirmation consumes one DeductionConfirmed envelope. It satisfies
// runtime.HandlerFunc.
func (s *Server) HandleConfirmation(ctx context.Context, env envelopepkg.Envelope) error {
	key, err := ParseConfirmation(env.Payload)
	if err != nil {
		return err
	}
	_, err = s.Confirm(ctx, key)
	return err
}

// Respond answers one charge request envelope. It satisfies
// runtime.RespondFunc.
func (s *Server) Respond(ctx context.Context, env envelopepkg.Envelope) (proto.Message, error) {
	req, err := ParseRequest(env.Payload)
	if err != nil {
		return nil, err
	}
	if env.Key != "" && env.Key != req.IdempotencyKey {
		s.logger.Info("Charge request key differs from partition key", loggingpkg.LogFields{
			"idempotency_key": req.IdempotencyKey,
			"key":             env.Key,
		})
	}
	outcome, err := s.Handle(ctx, req)
	if err != nil {
		return nil, err
	}
	return ResponseMessage(req.IdempotencyKey, outcome), nil
}

// Register subscribes the server to cfg's topics on svc. The charge schemas
// are registered first.
func (s *Server) Register(ctx context.Context, svc *runtime.Service, cfg runtime.ConsumerConfig) error {
	if err := RegisterTypes(ctx, svc); err != nil {
		return err
	}
	if len(cfg.Topics) == 0 && svc.Conf != nil && svc.Conf.CreditsRequestTopic != "" {
		cfg.Topics = []string{svc.Conf.CreditsRequestTopic}
	}
	if cfg.Name == "" {
		cfg.Name = "credits-charges"
	}
	if err := svc.Respond(cfg, s.Respond); err != nil {
		return err
	}
	if svc.Conf == nil || svc.Conf.CreditsConfirmTopic == "" {
		return nil
	}
	return s.RegisterConfirmations(ctx, svc, runtime.ConsumerConfig{
		Name:        cfg.Name + "-confirmations",
		Topics:      []string{svc.Conf.CreditsConfirmTopic},
		Concurrency: cfg.Concurrency,
	})
}

// RegisterConfirmations subscribes the server to deduction confirmations on
// cfg's topics. Register calls it when Config.CreditsConfirmTopic is set.
func (s *Server) RegisterConfirmations(ctx context.Context, svc *runtime.Service, cfg runtime.ConsumerConfig) error {
	if err := RegisterTypes(ctx, svc); err != nil {
		return err
	}
	if cfg.Name == "" {
		cfg.Name = "credits-confirmations"
	}
	return svc.Subscribe(cfg, s.HandleConfirmation)
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// keyLocks hands out one mutex per key and forgets it when the last holder
// releases it.
type keyLocks struct {
	mu   sync.Mutex
	held map[string]*keyLock
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.held[key]
	if !ok {
		l = &keyLock{}
		k.held[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.held, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.held)
}
