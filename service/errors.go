package service

import (
	"errors"
	"fmt"
)

// Kind classifies failures for status mapping and logging.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindQuotaExceeded
	KindMalformed
	KindCycleMismatch
	KindAuthenticityFailure
	KindReplayDetected
	KindNotFound
	KindCryptoFailure
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindMalformed:
		return "malformed"
	case KindCycleMismatch:
		return "cycle_mismatch"
	case KindAuthenticityFailure:
		return "authenticity_failure"
	case KindReplayDetected:
		return "replay_detected"
	case KindNotFound:
		return "not_found"
	case KindCryptoFailure:
		return "crypto_failure"
	default:
		return "internal"
	}
}

// Error is a sentinel with a kind. Its message is safe to return to clients.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

var (
	ErrUnauthenticated   = &Error{KindUnauthenticated, "unauthenticated"}
	ErrNoTokens          = &Error{KindMalformed, "no blinded tokens supplied"}
	ErrTooManyTokens     = &Error{KindQuotaExceeded, "too many blinded tokens"}
	ErrMalformed         = &Error{KindMalformed, "malformed request"}
	ErrAlreadyClaimed    = &Error{KindQuotaExceeded, "tokens already claimed for this cycle"}
	ErrCycleMismatch     = &Error{KindCycleMismatch, "invalid or expired cycle"}
	ErrInvalidSignature  = &Error{KindAuthenticityFailure, "invalid signature"}
	ErrProfessorNotFound = &Error{KindNotFound, "professor not found"}
	ErrTokenAlreadyUsed  = &Error{KindReplayDetected, "token already used"}
	ErrSigningFailed     = &Error{KindCryptoFailure, "signing failed"}
	ErrInternal          = &Error{KindInternal, "internal error"}
)

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func malformed(field string) error {
	return fmt.Errorf("%w: %s", ErrMalformed, field)
}

// internal keeps the cause for logs; clients only ever see ErrInternal.
func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
