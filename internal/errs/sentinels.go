// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Token validation failures. Each one is a distinct reason so callers can log it.
var (
	// ErrTokenExpired indicates the exp claim is not in the future.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenMalformed indicates the token could not be decoded.
	ErrTokenMalformed = errors.New("token malformed")

	// ErrTokenBadSignature indicates the HMAC does not verify under the configured secret.
	ErrTokenBadSignature = errors.New("token signature invalid")

	// ErrTokenUnsupported indicates a wrong algorithm, issuer, audience or token type.
	ErrTokenUnsupported = errors.New("token unsupported")

	// ErrTokenEmptyClaims indicates an empty token or missing subject/id claims.
	ErrTokenEmptyClaims = errors.New("token claims empty")

	// ErrTokenRevoked indicates the token id is on the revocation list.
	ErrTokenRevoked = errors.New("token revoked")
)

// IsTokenError reports whether err is one of the token validation failures.
func IsTokenError(err error) bool {
	for _, target := range []error{
		ErrTokenExpired,
		ErrTokenMalformed,
		ErrTokenBadSignature,
		ErrTokenUnsupported,
		ErrTokenEmptyClaims,
		ErrTokenRevoked,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates an optimistic update kept losing to concurrent writers.
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAccountLocked indicates the account is locked after repeated login failures.
	ErrAccountLocked = errors.New("account locked")

	// ErrRateLimited indicates the client exhausted its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrStoreUnavailable indicates a backing store failed or timed out.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidInput indicates a request that failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrWeakSecret indicates a signing secret below the minimum length.
	ErrWeakSecret = errors.New("signing secret too short")
)

// LockedError carries the moment a locked account becomes usable again.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrAccountLocked) hold for *LockedError.
func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// RetryAfter returns the remaining lock time relative to now, never negative.
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// StoreError wraps a backend failure with the operation that hit it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return e.Op + ": " + ErrStoreUnavailable.Error() + ": " + e.Err.Error()
}

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError unless it is nil or already a domain sentinel.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
