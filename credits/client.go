package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/hubflow/internal/runtime"
	backoffpkg "github.com/drblury/hubflow/internal/runtime/backoff"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/hubflow/internal/runtime/logging"
	"github.com/drblury/hubflow/internal/runtime/telemetry"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// Topic receives charge requests.
	Topic string
	// Service is sent when a request names no service.
	Service string
	// Timeout bounds each attempt. Zero uses the requester default.
	Timeout time.Duration
	// Retry spaces ChargeWithRetry attempts.
	Retry backoffpkg.Policy
	// Sheet prices requests that carry no credits.
	Sheet Sheet
	// ConfirmTopic receives deduction confirmations.
	ConfirmTopic string
	// Producer publishes confirmations. ConfirmDeduction needs it.
	Producer *runtime.Producer
	// Telemetry counts charges by outcome. Nil records nothing.
	Telemetry *telemetry.Bridge
}

// Client charges credits through the credits service.
type Client struct {
	requester *runtime.Requester
	cfg       ClientConfig
	logger    loggingpkg.ServiceLogger
}

func NewClient(requester *runtime.Requester, cfg ClientConfig, logger loggingpkg.ServiceLogger) (*Client, error) {
	if requester == nil {
		return nil, ErrRequesterRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	return &Client{requester: requester, cfg: cfg, logger: logger}, nil
}

// NewServiceClient registers the charge schemas with svc and builds a client
// on its requester and producer. Topics and the service name default to the
// service configuration, and Config.CreditSheet is loaded when cfg has no
// sheet.
func NewServiceClient(ctx context.Context, svc *runtime.Service, cfg ClientConfig) (*Client, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if svc.Requester() == nil {
		return nil, errspkg.ErrRPCNotConfigured
	}
	if conf := svc.Conf; conf != nil {
		if cfg.Topic == "" {
			cfg.Topic = conf.CreditsRequestTopic
		}
		if cfg.Service == "" {
			cfg.Service = conf.ServiceName
		}
		if cfg.ConfirmTopic == "" {
			cfg.ConfirmTopic = conf.CreditsConfirmTopic
		}
		if cfg.Sheet == nil && conf.CreditSheet != "" {
			sheet, err := LoadSheet(conf.CreditSheet)
			if err != nil {
				return nil, err
			}
			cfg.Sheet = sheet
		}
	}
	if cfg.Producer == nil {
		cfg.Producer = svc.Producer()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = svc.Telemetry()
	}
	if err := RegisterTypes(ctx, svc); err != nil {
		return nil, err
	}
	return NewClient(svc.Requester(), cfg, svc.Logger)
}

// Cost prices quantity units of action on chain from the client's sheet and
// checks the total against available.
func (c *Client) Cost(action string, chain Blockchain, quantity, available uint64) (uint64, error) {
	return c.cfg.Sheet.Quote(action, chain, quantity, available)
}

// Charge sends req once and waits for its outcome. The idempotency key is
// sent verbatim and partitions the request. Only outcomes stored by the
// credits service are returned; an unanswered request returns a *TimeoutError
// and a request the service refuses to read returns ErrRejected. When ctx ends
// first the error matches errors.ErrCorrelationCancelled and the charge may
// still be applied, so a later retry must reuse the key.
func (c *Client) Charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	req, err := c.prepare(req)
	if err != nil {
		return Outcome{}, err
	}
	return c.charge(ctx, req)
}

// ChargeWithRetry charges like Charge but tries again with the same key after
// a timeout or a transient failure, following the client retry policy. It
// returns the number of attempts made.
func (c *Client) ChargeWithRetry(ctx context.Context, req ChargeRequest) (Outcome, int, error) {
	req, err := c.prepare(req)
	if err != nil {
		return Outcome{}, 0, err
	}

	var outcome Outcome
	attempts, err := backoffpkg.Retry(ctx, c.cfg.Retry, ambiguous, func(int) error {
		o, err := c.charge(ctx, req)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	}, func(err error, attempt int, next time.Duration) {
		c.logger.Info("Retrying charge", loggingpkg.LogFields{
			"idempotency_key": req.IdempotencyKey,
			"attempt":         attempt,
			"next":            next.String(),
			"error":           err.Error(),
		})
	})
	if err != nil {
		return Outcome{}, attempts, err
	}
	return outcome, attempts, nil
}

// ConfirmDeduction publishes a DeductionConfirmed event for key to the confirm
// topic, keyed by key so it follows the charge's partition. It waits for the
// transport to accept the event, bounded by the client timeout.
func (c *Client) ConfirmDeduction(ctx context.Context, key string) error {
	if key == "" {
		return ErrIdempotencyKeyRequired
	}
	if c.cfg.Producer == nil {
		return ErrProducerRequired
	}
	if c.cfg.ConfirmTopic == "" {
		return errspkg.ErrTopicRequired
	}

	start := time.Now()
	_, err := c.cfg.Producer.PublishAndWait(ctx, c.cfg.ConfirmTopic, key, ConfirmationMessage(key), c.cfg.Timeout)
	outcome := telemetry.OutcomeOK
	if err != nil {
		outcome = telemetry.OutcomeError
		c.logger.Error("Confirming deduction failed", err, loggingpkg.LogFields{"idempotency_key": key})
	}
	c.cfg.Telemetry.Since(c.cfg.ConfirmTopic, telemetry.OpConfirm, outcome, start)
	return err
}

func (c *Client) prepare(req ChargeRequest) (ChargeRequest, error) {
	if req.Service == "" {
		req.Service = c.cfg.Service
	}
	if err := req.validate(); err != nil {
		return req, err
	}
	if req.Credits == 0 && c.cfg.Sheet != nil {
		cost, err := c.cfg.Sheet.Quote(req.Action, req.Blockchain, req.Quantity, ^uint64(0))
		if err != nil {
			return req, err
		}
		req.Credits = cost
	}
	return req, nil
}

func (c *Client) charge(ctx context.Context, req ChargeRequest) (Outcome, error) {
	start := time.Now()
	outcome, err := c.call(ctx, req)
	c.cfg.Telemetry.Since(c.cfg.Topic, telemetry.OpCharge, chargeOutcome(outcome, err), start)
	return outcome, err
}

// chargeOutcome labels a charge for telemetry.
func chargeOutcome(o Outcome, err error) string {
	switch {
	case err == nil:
		return o.Kind.String()
	case errors.Is(err, ErrTimeout):
		return telemetry.OutcomeTimeout
	case errors.Is(err, errspkg.ErrCorrelationCancelled):
		return telemetry.OutcomeCancelled
	}
	return telemetry.OutcomeError
}

func (c *Client) call(ctx context.Context, req ChargeRequest) (Outcome, error) {
	env, err := c.requester.Call(ctx, c.cfg.Topic, req.IdempotencyKey, RequestMessage(req), c.cfg.Timeout)
	if err != nil {
		var (
			remote     *errspkg.RemoteError
			publishErr *errspkg.PublishError
		)
		switch {
		case errors.As(err, &remote):
			return Outcome{}, fmt.Errorf("%w: %w", ErrRejected, remote)
		case errors.Is(err, errspkg.ErrCorrelationTimedOut):
			return Outcome{}, &TimeoutError{Key: req.IdempotencyKey, Err: err}
		case errors.As(err, &publishErr) && publishErr.Timeout():
			return Outcome{}, &TimeoutError{Key: req.IdempotencyKey, Err: err}
		}
		return Outcome{}, err
	}

	key, outcome, err := ParseResponse(env.Payload)
	if err != nil {
		return Outcome{}, err
	}
	if key != req.IdempotencyKey {
		return Outcome{}, &errspkg.SchemaError{
			Schema: ChargeResponseSchema,
			Err:    fmt.Errorf("response for key %q answers %q", key, req.IdempotencyKey),
		}
	}
	return outcome, nil
}

// ambiguous reports whether a failed charge may be retried with the same key.
func ambiguous(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	if errors.Is(err, errspkg.ErrCorrelationCancelled) || errors.Is(err, ErrRejected) {
		return false
	}
	return errspkg.Triage(err).Retryable()
}
