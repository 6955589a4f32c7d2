// Package service contains the account login flow built on the token, lockout and user stores.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/authgate/internal/audit"
	pkgcrypto "github.com/and161185/authgate/internal/crypto"
	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/lockout"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// TokenIssuer is the subset of token.Service used by the login flow.
type TokenIssuer interface {
	IssuePair(ctx context.Context, subject string) (model.Tokens, error)
	Rotate(ctx context.Context, refresh string) (model.Tokens, error)
	Revoke(ctx context.Context, raw string) error
}

// LockoutTracker is the subset of lockout.Tracker used by the login flow.
type LockoutTracker interface {
	IsLocked(ctx context.Context, username string) (bool, time.Time, error)
	RecordFailure(ctx context.Context, username string) (lockout.Result, error)
	RecordSuccess(ctx context.Context, username string) error
	Unlock(ctx context.Context, username string) error
	FailedAttempts(ctx context.Context, username string) (int, error)
	RemainingLockout(ctx context.Context, username string) (time.Duration, error)
}

// LockStatus summarises the lockout state of one account.
type LockStatus struct {
	Locked         bool
	Until          time.Time
	Remaining      time.Duration
	FailedAttempts int
}

// AuthService defines account and session operations.
type AuthService interface {
	// Register creates a new user with an Argon2id password hash.
	Register(ctx context.Context, username, password string) (userID string, err error)
	// Login checks the lockout state, verifies credentials and issues a token pair.
	Login(ctx context.Context, username, password, clientKey string) (model.Tokens, error)
	// Refresh rotates a refresh token into a new pair.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Logout revokes the refresh token and, when given, the access token.
	Logout(ctx context.Context, refreshToken, accessToken string) error
	// Unlock clears a lock out of band.
	Unlock(ctx context.Context, username string) error
	// LockStatus reports counters and lock expiry for username.
	LockStatus(ctx context.Context, username string) (LockStatus, error)
}

type AuthServiceImpl struct {
	users   repository.UserRepository
	tokens  TokenIssuer
	lockout LockoutTracker
	audit   audit.Recorder
	log     *zap.Logger
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.UserRepository, tokens TokenIssuer, lock LockoutTracker, rec audit.Recorder, log *zap.Logger) *AuthServiceImpl {
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthServiceImpl{users: users, tokens: tokens, lockout: lock, audit: rec, log: log}
}

// Register creates a new user record.
func (s *AuthServiceImpl) Register(ctx context.Context, username, password string) (string, error) {
	if username == "" || password == "" {
		return "", fmt.Errorf("%w: empty username/password", errs.ErrInvalidInput)
	}
	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	hash, err := pkgcrypto.HashPassword(password)
	if err != nil {
		return "", err
	}
	if err := s.users.Create(ctx, &model.User{ID: uid, Username: username, PwdHash: hash}); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return "", err
		}
		return "", errs.Store("users.create", err)
	}
	s.log.Info("user registered", zap.String("username", username))
	return uid.String(), nil
}

// Login authenticates username. Unknown users count failures too, so a lock
// does not reveal whether the account exists.
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, clientKey string) (model.Tokens, error) {
	locked, until, err := s.lockout.IsLocked(ctx, username)
	if err != nil {
		return model.Tokens{}, err
	}
	if locked {
		s.audit.Record(ctx, audit.Event{Kind: audit.LoginFailed, Subject: username, ClientKey: clientKey, Until: until})
		return model.Tokens{}, &errs.LockedError{Until: until}
	}

	u, err := s.users.GetByUsername(ctx, username)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		pkgcrypto.BurnVerify(password)
		return model.Tokens{}, s.fail(ctx, username, clientKey)
	case err != nil:
		return model.Tokens{}, errs.Store("users.get", err)
	}

	ok, err := pkgcrypto.VerifyPassword(password, u.PwdHash)
	if err != nil {
		s.log.Error("stored password hash unreadable", zap.String("username", username), zap.Error(err))
	}
	if !ok {
		return model.Tokens{}, s.fail(ctx, username, clientKey)
	}

	// Success resets the counter; a failure here must not block a valid login.
	if err := s.lockout.RecordSuccess(ctx, username); err != nil {
		s.log.Warn("reset login attempts", zap.String("username", username), zap.Error(err))
	}
	tokens, err := s.tokens.IssuePair(ctx, u.Username)
	if err != nil {
		return model.Tokens{}, err
	}
	s.audit.Record(ctx, audit.Event{Kind: audit.LoginSucceeded, Subject: username, ClientKey: clientKey})
	return tokens, nil
}

func (s *AuthServiceImpl) fail(ctx context.Context, username, clientKey string) error {
	res, err := s.lockout.RecordFailure(ctx, username)
	if err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Event{Kind: audit.LoginFailed, Subject: username, ClientKey: clientKey, Attempts: res.Attempts})
	if res.Locked {
		return &errs.LockedError{Until: res.Until}
	}
	return errs.ErrUnauthorized
}

// Refresh exchanges a refresh token for a new pair.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	return s.tokens.Rotate(ctx, refreshToken)
}

// Logout revokes both tokens of a session.
func (s *AuthServiceImpl) Logout(ctx context.Context, refreshToken, accessToken string) error {
	if err := s.tokens.Revoke(ctx, refreshToken); err != nil {
		return err
	}
	if accessToken == "" {
		return nil
	}
	return s.tokens.Revoke(ctx, accessToken)
}

// Unlock clears the lock for username.
func (s *AuthServiceImpl) Unlock(ctx context.Context, username string) error {
	return s.lockout.Unlock(ctx, username)
}

// LockStatus reports the lock state of username.
func (s *AuthServiceImpl) LockStatus(ctx context.Context, username string) (LockStatus, error) {
	var st LockStatus
	var err error
	if st.Locked, st.Until, err = s.lockout.IsLocked(ctx, username); err != nil {
		return LockStatus{}, err
	}
	if st.FailedAttempts, err = s.lockout.FailedAttempts(ctx, username); err != nil {
		return LockStatus{}, err
	}
	if st.Remaining, err = s.lockout.RemainingLockout(ctx, username); err != nil {
		return LockStatus{}, err
	}
	return st, nil
}
