package driftline

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors for the driftline package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine
	// or store.
	ErrClosed = errors.New("engine is closed")

	// ErrRecordNotFound is returned by the remote store when a record does
	// not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrVersionConflict indicates the remote version advanced past the
	// mutation's base version. Expected; handled by the resolver.
	ErrVersionConflict = errors.New("version conflict")

	// ErrStaleDelete indicates the target record was deleted upstream while
	// a local mutation was queued. Requires explicit user resolution.
	ErrStaleDelete = errors.New("record deleted upstream")

	// ErrRateLimited indicates the remote store is throttling writes.
	// Transient; handled by backoff.
	ErrRateLimited = errors.New("rate limited by remote store")

	// ErrNetworkFailure indicates a transient transport failure.
	ErrNetworkFailure = errors.New("network failure")

	// ErrQuotaExceeded indicates the remote store rejected the write for
	// quota reasons. Fatal for that write.
	ErrQuotaExceeded = errors.New("remote quota exceeded")

	// ErrValidationRejected indicates a remote-side schema or permission
	// rejection. Fatal, never retried.
	ErrValidationRejected = errors.New("remote validation rejected")

	// ErrMutationParked is returned when an operation targets a mutation
	// awaiting a user decision.
	ErrMutationParked = errors.New("mutation is parked pending user decision")

	// ErrNoParkedConflict is returned when resolving a parked conflict that
	// does not exist.
	ErrNoParkedConflict = errors.New("no parked conflict for record")

	// ErrRetriesExhausted is returned when a mutation moves to the
	// dead-letter set after exhausting its retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// RemoteErrorCode categorizes remote store failures.
type RemoteErrorCode int

const (
	// RemoteUnknown is an unclassified remote failure.
	RemoteUnknown RemoteErrorCode = iota
	// RemoteVersionConflict indicates an optimistic-concurrency rejection.
	RemoteVersionConflict
	// RemoteRateLimited indicates throttling.
	RemoteRateLimited
	// RemoteNetworkFailure indicates a transport-level failure.
	RemoteNetworkFailure
	// RemoteQuotaExceeded indicates a quota rejection.
	RemoteQuotaExceeded
	// RemoteValidationRejected indicates a schema or permission rejection.
	RemoteValidationRejected
	// RemoteNotFound indicates the record does not exist.
	RemoteNotFound
)

// RemoteError carries a classified failure from the remote record store.
type RemoteError struct {
	Code    RemoteErrorCode
	Message string
	// RetryAfter is an optional server-suggested pacing delay for
	// rate-limit responses.
	RetryAfter time.Duration
	Cause      error
}

func (e *RemoteError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// Is implements error matching against the package sentinels.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case RemoteVersionConflict:
		return target == ErrVersionConflict
	case RemoteRateLimited:
		return target == ErrRateLimited
	case RemoteNetworkFailure:
		return target == ErrNetworkFailure
	case RemoteQuotaExceeded:
		return target == ErrQuotaExceeded
	case RemoteValidationRejected:
		return target == ErrValidationRejected
	case RemoteNotFound:
		return target == ErrRecordNotFound
	}
	return false
}

// newRemoteError creates a new RemoteError.
func newRemoteError(code RemoteErrorCode, message string, cause error) *RemoteError {
	return &RemoteError{Code: code, Message: message, Cause: cause}
}

// IsTransient reports whether an error should be retried through the backoff
// controller rather than surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrNetworkFailure)
}

// IsFatal reports whether a remote failure must move the mutation to the
// dead-letter set without further retries.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrValidationRejected)
}

// retryAfterHint extracts a server-suggested pacing delay, if any.
func retryAfterHint(err error) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.RetryAfter
	}
	return 0
}
