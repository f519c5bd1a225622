package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

// Handler return values that steer what the consumer does with a message.
var (
	// ErrRetry asks for redelivery within the consumer's delivery bound.
	ErrRetry = sterrors.New("hubflow: retry message")

	// ErrDeadLetter routes the message to dead-letter handling without further
	// attempts.
	ErrDeadLetter = sterrors.New("hubflow: send to dead letter")

	// ErrSkip acknowledges the message without further processing, for example
	// for duplicates.
	ErrSkip = sterrors.New("hubflow: skip message")

	// ErrUnprocessable marks a message that can never be handled.
	ErrUnprocessable = sterrors.New("hubflow: unprocessable message")
)

// RetryAfterError asks for redelivery after Delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

// RetryAfter builds a RetryAfterError.
//
//	return errors.RetryAfter(5*time.Second, fmt.Errorf("rate limited"))
func RetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hubflow: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("hubflow: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool {
	return target == ErrRetry
}

// DeadLetterError routes a message to dead-letter handling with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

// DeadLetterWithReason builds a DeadLetterError.
func DeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("hubflow: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("hubflow: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool {
	return target == ErrDeadLetter
}

// HandlerResult is what the consumer does after a handler returns.
type HandlerResult int

const (
	ResultAck HandlerResult = iota
	ResultRetry
	ResultRetryAfter
	ResultDeadLetter
	ResultSkip
)

func (r HandlerResult) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultRetry:
		return "retry"
	case ResultRetryAfter:
		return "retry_after"
	case ResultDeadLetter:
		return "dead_letter"
	case ResultSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// ClassifyError maps a handler error to a HandlerResult and, for
// RetryAfterError, the requested delay.
func ClassifyError(err error) (HandlerResult, time.Duration) {
	if err == nil {
		return ResultAck, 0
	}

	var retryAfter *RetryAfterError
	if sterrors.As(err, &retryAfter) {
		return ResultRetryAfter, retryAfter.Delay
	}

	switch {
	case sterrors.Is(err, ErrSkip):
		return ResultSkip, 0
	case sterrors.Is(err, ErrDeadLetter), sterrors.Is(err, ErrUnprocessable):
		return ResultDeadLetter, 0
	case sterrors.Is(err, ErrRetry):
		return ResultRetry, 0
	}

	switch Triage(err) {
	case SeverityUser, SeverityPermanent:
		return ResultDeadLetter, 0
	}
	return ResultRetry, 0
}

// DeadLetterReason extracts a human readable reason for dead-lettering err.
func DeadLetterReason(err error) string {
	var dl *DeadLetterError
	if sterrors.As(err, &dl) {
		return dl.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
