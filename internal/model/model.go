// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// TokenType distinguishes short-lived access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Identity is the authenticated principal extracted from a valid access token.
type Identity struct {
	Subject   string    // username
	TokenID   string    // jti
	ExpiresAt time.Time // token exp
}

// Tokens collects an issued access/refresh pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	TokenType    string        // always "Bearer"
	ExpiresIn    time.Duration // access token lifetime
	ExpiresAt    time.Time     // access token expiry
}

// RevocationEntry records a token id that must no longer be accepted.
type RevocationEntry struct {
	TokenID   string
	Subject   string // optional, for diagnostics
	ExpiresAt time.Time
	RevokedAt time.Time
}

// LockoutRecord tracks failed login attempts for a single username.
type LockoutRecord struct {
	Username       string
	AttemptCount   int
	FirstAttemptAt time.Time
	LockUntil      *time.Time // nil when not locked
	UpdatedAt      time.Time
}

// LockedAt reports whether the record denies logins at now.
func (r *LockoutRecord) LockedAt(now time.Time) bool {
	return r.LockUntil != nil && now.Before(*r.LockUntil)
}

// Bucket is the dual token-bucket state of one client key.
type Bucket struct {
	Key              string
	MinuteTokens     int
	MinuteRefilledAt time.Time
	HourTokens       int
	HourRefilledAt   time.Time
	LastAccessAt     time.Time
}

// User represents an account stored on the server.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   string    // encoded Argon2id hash
	CreatedAt time.Time
}

// FailMode selects behaviour when a limiter store is unreachable.
type FailMode string

const (
	// FailOpen admits requests and treats accounts as unlocked.
	FailOpen FailMode = "open"
	// FailClosed rejects requests with ErrStoreUnavailable.
	FailClosed FailMode = "closed"
)
