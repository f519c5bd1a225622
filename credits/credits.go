// Package credits implements the metered charge exchange between hub services.
//
// A Client sends a ChargeRequest to the credits service over the request/
// response layer and returns one of three terminal outcomes: Approved, Denied
// or Failed. A request that is not answered in time returns a *TimeoutError
// instead, because the charge may still be applied on the other side. Retrying
// with the same idempotency key is always safe: the Server stores the first
// outcome per key in a Ledger and replays it for every later request.
//
// An approved charge is a reservation until the caller confirms it with
// Client.ConfirmDeduction, which publishes a DeductionConfirmed event keyed
// by the idempotency key. The Server marks the stored outcome confirmed.
package credits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	idspkg "github.com/drblury/hubflow/internal/runtime/ids"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("credits: charge outcome unknown")
	// ErrRejected is returned when the credits service refuses to read a
	// request. Nothing was stored for its key.
	ErrRejected = errors.New("credits: charge request rejected")

	// ErrChargeNotFound means no outcome is stored for a key.
	ErrChargeNotFound = errors.New("credits: no charge outcome stored for key")
	// ErrNotApproved means a confirmed key holds a denied or failed outcome.
	ErrNotApproved = errors.New("credits: charge was not approved")

	ErrIdempotencyKeyRequired = errors.New("credits: idempotency key is required")
	ErrActionRequired         = errors.New("credits: action is required")
	ErrRequesterRequired      = errors.New("credits: requester is required")
	ErrProducerRequired       = errors.New("credits: producer is required")
	ErrLedgerRequired         = errors.New("credits: ledger is required")
	ErrDeciderRequired        = errors.New("credits: decider is required")
	ErrUnknownBlockchain      = errors.New("credits: unknown blockchain")
)

// Blockchain names the chain an action runs on.
type Blockchain int

const (
	OffChain Blockchain = iota
	Solana
	Polygon
	Ethereum
)

var blockchainNames = []string{"off-chain", "solana", "polygon", "ethereum"}

// Blockchains lists every known chain.
func Blockchains() []Blockchain {
	return []Blockchain{OffChain, Solana, Polygon, Ethereum}
}

func (b Blockchain) String() string {
	if b < 0 || int(b) >= len(blockchainNames) {
		return fmt.Sprintf("blockchain(%d)", int(b))
	}
	return blockchainNames[b]
}

// ParseBlockchain accepts the kebab-case names returned by String.
func ParseBlockchain(s string) (Blockchain, error) {
	for i, name := range blockchainNames {
		if strings.EqualFold(name, s) {
			return Blockchain(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownBlockchain, s)
}

// ChargeRequest asks the credits service to deduct credits for one action.
type ChargeRequest struct {
	// IdempotencyKey identifies the logical charge. Reuse it when retrying.
	IdempotencyKey string
	Service        string
	Action         string
	Quantity       uint64
	Blockchain     Blockchain
	Organization   string
	User           string
	// Credits is the total cost. The client fills it from its sheet when zero.
	Credits uint64
}

func (r ChargeRequest) validate() error {
	var errs []error
	if r.IdempotencyKey == "" {
		errs = append(errs, ErrIdempotencyKeyRequired)
	}
	if r.Action == "" {
		errs = append(errs, ErrActionRequired)
	}
	return errors.Join(errs...)
}

// OutcomeKind is the terminal state of a charge.
type OutcomeKind int

const (
	OutcomeApproved OutcomeKind = iota + 1
	OutcomeDenied
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	case OutcomeFailed:
		return "failed"
	default:
		return "unspecified"
	}
}

// Outcome is the answer to a charge. Denied and Failed carry a reason and are
// results, not errors.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	Credits uint64
}

// Approved reports a charge of credits.
func Approved(credits uint64) Outcome {
	return Outcome{Kind: OutcomeApproved, Credits: credits}
}

// Denied reports a charge the service refused, for example for lack of
// balance.
func Denied(reason string) Outcome {
	return Outcome{Kind: OutcomeDenied, Reason: reason}
}

// Failed reports a charge the service could not process.
func Failed(reason string) Outcome {
	return Outcome{Kind: OutcomeFailed, Reason: reason}
}

func (o Outcome) Approved() bool { return o.Kind == OutcomeApproved }

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Reason
}

func (o Outcome) valid() bool {
	return o.Kind >= OutcomeApproved && o.Kind <= OutcomeFailed
}

// TimeoutError means no outcome arrived in time. The charge may or may not
// have been applied; retry with the same key to find out.
type TimeoutError struct {
	Key string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("credits: charge %s timed out: %v", e.Key, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// DeductionErrorKind describes why a deduction cannot be priced.
type DeductionErrorKind interface {
	error
	deductionKind()
}

// MissingItem means the sheet has no price for the action on that chain.
type MissingItem struct{}

func (MissingItem) Error() string  { return "no price in credit sheet for the requested action" }
func (MissingItem) deductionKind() {}

// InsufficientBalance means the available balance does not cover the cost.
type InsufficientBalance struct {
	Available uint64
	Cost      uint64
}

func (e InsufficientBalance) Error() string {
	return fmt.Sprintf("insufficient available balance %d, need %d", e.Available, e.Cost)
}
func (InsufficientBalance) deductionKind() {}

// DeductionError ties a pricing failure to its line item.
type DeductionError struct {
	Action     string
	Blockchain Blockchain
	Kind       DeductionErrorKind
}

func (e *DeductionError) Error() string {
	return fmt.Sprintf("credits: line item %s for %s: %v", e.Action, e.Blockchain, e.Kind)
}

func (e *DeductionError) Unwrap() error { return e.Kind }

// NewIdempotencyKey returns a fresh key that sorts by creation time.
func NewIdempotencyKey() string {
	return idspkg.NewTransactionID(time.Now()).String()
}

// KeyTime returns the creation time encoded in a key made by
// NewIdempotencyKey.
func KeyTime(key string) (time.Time, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return time.Time{}, err
	}
	return idspkg.TransactionTime(id), nil
}
