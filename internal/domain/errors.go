package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrUnsupportedSource = errors.New("unsupported source")
	ErrConflict          = errors.New("conflict")
	ErrJobNotFound       = errors.New("job not found")
	ErrNotActive         = errors.New("job not active")
	ErrNotRetryable      = errors.New("job not retryable")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrTransfer          = errors.New("transfer failed")
	ErrPersistence       = errors.New("persistence unavailable")
)

// ErrInvalidURL is returned for malformed download URLs.
var ErrInvalidURL = fmt.Errorf("%w: invalid URL", ErrValidation)

// Kind maps err to the short name used on the wire.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnsupportedSource):
		return "unsupported_source"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrJobNotFound):
		return "not_found"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrNotRetryable):
		return "not_retryable"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrTransfer):
		return "transfer"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	}
	return "internal"
}

// Retryable reports whether a failed transfer attempt is worth repeating.
func Retryable(err error) bool {
	return !errors.Is(err, ErrValidation) && !errors.Is(err, ErrUnsupportedSource)
}
