package keyrouter

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	ErrNoCandidates          = errors.New("keyrouter: no candidates available")
	ErrQuotaDenied           = errors.New("keyrouter: quota window exhausted")
	ErrAllInstancesExhausted = errors.New("keyrouter: all instances exhausted")
	ErrInstanceDisabled      = errors.New("keyrouter: instance disabled")
	ErrInstanceNotFound      = errors.New("keyrouter: instance not found")
	ErrCredentialNotFound    = errors.New("keyrouter: credential not found")

	// Provider failures, one per FailureKind.
	ErrQuotaExceeded       = errors.New("keyrouter: provider quota exceeded")
	ErrRateLimited         = errors.New("keyrouter: rate limited by provider")
	ErrAuthFailed          = errors.New("keyrouter: provider authentication failed")
	ErrProviderUnavailable = errors.New("keyrouter: provider unavailable")
)

// QuotaDeniedError reports which ledger window refused an attempt.
type QuotaDeniedError struct {
	Key     InstanceKey
	Window  Window
	RetryAt time.Time // zero when the window never rolls
}

func (e *QuotaDeniedError) Error() string {
	if e.RetryAt.IsZero() {
		return fmt.Sprintf("keyrouter: instance=%s window=%s exhausted", e.Key, e.Window)
	}
	return fmt.Sprintf("keyrouter: instance=%s window=%s exhausted until %s",
		e.Key, e.Window, e.RetryAt.UTC().Format(time.RFC3339))
}

func (e *QuotaDeniedError) Unwrap() error { return ErrQuotaDenied }

// RetryAfter returns the time left until the window rolls.
func (e *QuotaDeniedError) RetryAfter(now time.Time) time.Duration {
	if e.RetryAt.IsZero() || !e.RetryAt.After(now) {
		return 0
	}
	return e.RetryAt.Sub(now)
}

// ExhaustedError is returned when no instance of a family can serve a request.
type ExhaustedError struct {
	Family          string
	EarliestRetryAt time.Time // zero when unknown
	Attempts        int
	Cause           error // last provider failure, if any
}

func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("keyrouter: family=%s attempts=%d: all instances exhausted", e.Family, e.Attempts)
	if !e.EarliestRetryAt.IsZero() {
		msg += " (earliest retry " + e.EarliestRetryAt.UTC().Format(time.RFC3339) + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrAllInstancesExhausted, e.Cause}
	}
	return []error{ErrAllInstancesExhausted}
}

// RouterError wraps an error with routing context.
type RouterError struct {
	Err          error
	CredentialID string
	Model        string
	Attempts     int
}

func (e *RouterError) Error() string {
	return fmt.Sprintf("keyrouter: credential=%s model=%s attempts=%d: %v",
		e.CredentialID, e.Model, e.Attempts, e.Err)
}

func (e *RouterError) Unwrap() error {
	return e.Err
}

// FailureKind classifies a provider failure.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureQuotaExceeded    FailureKind = "quota_exceeded"
	FailureRateLimited      FailureKind = "rate_limited"
	FailureAuthInvalid      FailureKind = "auth_invalid"
	FailureTransientNetwork FailureKind = "transient_network"
)

// Classify maps a provider error to its FailureKind. Unknown errors are
// treated as transient.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrQuotaExceeded):
		return FailureQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return FailureRateLimited
	case errors.Is(err, ErrAuthFailed):
		return FailureAuthInvalid
	default:
		return FailureTransientNetwork
	}
}

// IsFatal returns true if the error should not be retried with another candidate.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthFailed)
}

// IsRetryable returns true if the error can be retried with another candidate.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrQuotaExceeded)
}

// IsExclusion reports whether a provider error should quarantine the instance.
func IsExclusion(err error) bool {
	k := Classify(err)
	return k == FailureQuotaExceeded || k == FailureRateLimited
}
