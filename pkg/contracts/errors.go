package contracts

import (
	"errors"
	"fmt"
)

// Kind is the stable classification carried by every rejection.
type Kind string

const (
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindUnauthorizedAttestor Kind = "UNAUTHORIZED_ATTESTOR"
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindIntentExpired        Kind = "INTENT_EXPIRED"
	KindStateMismatch        Kind = "STATE_MISMATCH"
	KindANSBlocked           Kind = "ANS_BLOCKED"
	KindANSLimitExceeded     Kind = "ANS_LIMIT_EXCEEDED"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindCircuitBreakerOpen   Kind = "CIRCUIT_BREAKER_OPEN"
	KindTokenNotFound        Kind = "TOKEN_NOT_FOUND"
	KindTokenAlreadyRevoked  Kind = "TOKEN_ALREADY_REVOKED"
	KindNonceAlreadyUsed     Kind = "NONCE_ALREADY_USED"
	KindPaused               Kind = "PAUSED"
	KindInternal             Kind = "INTERNAL"
)

// Classification mirrors the retry guidance given to callers.
type Classification string

const (
	// ClassRetryable means the same request may succeed later.
	ClassRetryable Classification = "RETRYABLE"
	// ClassNonRetryable means the request will never succeed with these inputs.
	ClassNonRetryable Classification = "NON_RETRYABLE"
)

// Classification returns the retry class of k.
func (k Kind) Classification() Classification {
	if k.Retryable() {
		return ClassRetryable
	}
	return ClassNonRetryable
}

// Retryable reports whether a caller should try again later.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindCircuitBreakerOpen, KindPaused, KindInternal:
		return true
	}
	return false
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind.
var (
	ErrUnauthorized         = &Error{Kind: KindUnauthorized}
	ErrUnauthorizedAttestor = &Error{Kind: KindUnauthorizedAttestor}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrIntentExpired        = &Error{Kind: KindIntentExpired}
	ErrStateMismatch        = &Error{Kind: KindStateMismatch}
	ErrANSBlocked           = &Error{Kind: KindANSBlocked}
	ErrANSLimitExceeded     = &Error{Kind: KindANSLimitExceeded}
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrCircuitBreakerOpen   = &Error{Kind: KindCircuitBreakerOpen}
	ErrTokenNotFound        = &Error{Kind: KindTokenNotFound}
	ErrTokenAlreadyRevoked  = &Error{Kind: KindTokenAlreadyRevoked}
	ErrNonceAlreadyUsed     = &Error{Kind: KindNonceAlreadyUsed}
	ErrPaused               = &Error{Kind: KindPaused}
	ErrInternal             = &Error{Kind: KindInternal}
)

// Error is a classified rejection.
type Error struct {
	Kind   Kind
	Op     string // operation that rejected, e.g. "capability.issue"
	Detail string
	Err    error // underlying cause, if any
}

// E builds a classified error.
func E(kind Kind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the kind of err. Unclassified errors are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Errorf is E with a formatted detail.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}
