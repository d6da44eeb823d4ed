package domain

import (
	"errors"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrSourceDataIncomplete = errors.New("source data incomplete")
	ErrPayloadValidation    = errors.New("payload validation error")
	ErrAuthorityRejected    = errors.New("authority rejected submission")
	ErrAuthorityUnavailable = errors.New("authority unavailable")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
)

// ErrorKind is the closed set of failure categories surfaced by the registration pipeline.
type ErrorKind string

const (
	KindSourceDataIncomplete ErrorKind = "source_data_incomplete"
	KindPayloadValidation    ErrorKind = "payload_validation"
	KindAuthorityRejected    ErrorKind = "authority_rejected"
	KindAuthorityUnavailable ErrorKind = "authority_unavailable"
	KindConcurrencyConflict  ErrorKind = "concurrency_conflict"
	KindValidation           ErrorKind = "validation"
	KindNotFound             ErrorKind = "not_found"
	KindInvalidTransition    ErrorKind = "invalid_transition"
	KindInternal             ErrorKind = "internal"
)

func (k ErrorKind) String() string { return string(k) }

// Retryable reports whether an error of this kind may succeed on a later attempt.
func (k ErrorKind) Retryable() bool {
	return k == KindAuthorityUnavailable
}

// KindOf maps an error chain onto its ErrorKind. Unknown errors are internal.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceDataIncomplete):
		return KindSourceDataIncomplete
	case errors.Is(err, ErrPayloadValidation):
		return KindPayloadValidation
	case errors.Is(err, ErrAuthorityRejected):
		return KindAuthorityRejected
	case errors.Is(err, ErrAuthorityUnavailable):
		return KindAuthorityUnavailable
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConcurrencyConflict
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
