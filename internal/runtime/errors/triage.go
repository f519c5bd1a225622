package errors

import (
	"context"
	sterrors "errors"
)

// Severity says who can fix an error and whether trying again helps.
type Severity int

const (
	// SeverityUser errors come from bad input and need the caller to change it.
	SeverityUser Severity = iota + 1
	// SeverityTransient errors may succeed on retry.
	SeverityTransient
	// SeverityPermanent errors will fail the same way again.
	SeverityPermanent
	// SeverityFatal errors mean the process cannot continue.
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityUser:
		return "user"
	case SeverityTransient:
		return "transient"
	case SeverityPermanent:
		return "permanent"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the severity allows another attempt.
func (s Severity) Retryable() bool { return s == SeverityTransient }

// Triage classifies err. Unknown errors are treated as transient.
func Triage(err error) Severity {
	if err == nil {
		return 0
	}

	var (
		schemaErr  *SchemaError
		decodeErr  *DecodeError
		transErr   *TransportError
		cfgErr     ConfigValidationError
		publishErr *PublishError
	)
	switch {
	case IsPermanent(err):
		return SeverityPermanent
	case sterrors.As(err, &cfgErr):
		return SeverityFatal
	case sterrors.As(err, &schemaErr):
		return SeverityUser
	case sterrors.As(err, &decodeErr):
		return SeverityPermanent
	case sterrors.Is(err, ErrProducerClosed):
		return SeverityFatal
	case sterrors.As(err, &transErr):
		return SeverityTransient
	case sterrors.As(err, &publishErr):
		if publishErr.Timeout() {
			return SeverityTransient
		}
		return Triage(publishErr.Err)
	case sterrors.Is(err, context.Canceled):
		return SeverityFatal
	}
	return SeverityTransient
}
