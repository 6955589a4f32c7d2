// Package token issues, validates, rotates and revokes HS256 bearer tokens.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/authgate/internal/audit"
	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// MinSecretLen is the minimum HMAC secret length in bytes.
const MinSecretLen = 64

const (
	DefaultIssuer     = "user-management-system"
	DefaultAudience   = "api"
	DefaultAccessTTL  = 24 * time.Hour
	DefaultRefreshTTL = 7 * 24 * time.Hour
)

// Claims is the JWT payload.
type Claims struct {
	Type model.TokenType `json:"type"`
	jwt.RegisteredClaims
}

// Service owns token issuance and the revocation list.
type Service struct {
	secret       []byte
	issuer       string
	audience     string
	accessTTL    time.Duration
	refreshTTL   time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	store repository.RevocationRepository
	log   *zap.Logger
	audit audit.Recorder
}

// Option configures Service.
type Option func(*Service)

func WithIssuer(iss string) Option            { return func(s *Service) { s.issuer = iss } }
func WithAudience(aud string) Option          { return func(s *Service) { s.audience = aud } }
func WithAccessTTL(d time.Duration) Option    { return func(s *Service) { s.accessTTL = d } }
func WithRefreshTTL(d time.Duration) Option   { return func(s *Service) { s.refreshTTL = d } }
func WithStoreTimeout(d time.Duration) Option { return func(s *Service) { s.storeTimeout = d } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }
func WithLogger(l *zap.Logger) Option         { return func(s *Service) { s.log = l } }
func WithAudit(r audit.Recorder) Option       { return func(s *Service) { s.audit = r } }

// NewService validates the secret and builds a Service. A short secret is a startup error.
func NewService(secret []byte, store repository.RevocationRepository, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", errs.ErrWeakSecret, len(secret), MinSecretLen)
	}
	s := &Service{
		secret:       append([]byte(nil), secret...),
		issuer:       DefaultIssuer,
		audience:     DefaultAudience,
		accessTTL:    DefaultAccessTTL,
		refreshTTL:   DefaultRefreshTTL,
		storeTimeout: 2 * time.Second,
		now:          time.Now,
		store:        store,
		log:          zap.NewNop(),
		audit:        audit.Nop{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// AccessTTL returns the configured access token lifetime.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

// Issue signs a token of the given type for subject, valid for ttl.
func (s *Service) Issue(subject string, typ model.TokenType, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("%w: empty subject", errs.ErrInvalidInput)
	}
	jti, err := uuid.NewV4()
	if err != nil {
		return "", nil, err
	}
	now := s.now()
	claims := &Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   subject,
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", nil, err
	}
	return signed, claims, nil
}

// IssuePair issues an access and a refresh token for subject.
func (s *Service) IssuePair(ctx context.Context, subject string) (model.Tokens, error) {
	access, ac, err := s.Issue(subject, model.TokenAccess, s.accessTTL)
	if err != nil {
		return model.Tokens{}, err
	}
	refresh, rc, err := s.Issue(subject, model.TokenRefresh, s.refreshTTL)
	if err != nil {
		return model.Tokens{}, err
	}
	s.audit.Record(ctx, audit.Event{Kind: audit.TokenIssued, Subject: subject, TokenID: ac.ID})
	s.audit.Record(ctx, audit.Event{Kind: audit.TokenIssued, Subject: subject, TokenID: rc.ID})
	return model.Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    s.accessTTL,
		ExpiresAt:    ac.ExpiresAt.Time,
	}, nil
}

// Validate checks an access token and returns the identity it carries.
// The revocation lookup runs last, so a bad token never reaches the store.
func (s *Service) Validate(ctx context.Context, raw string) (model.Identity, error) {
	c, err := s.parse(raw, model.TokenAccess)
	if err != nil {
		return model.Identity{}, err
	}
	revoked, err := s.IsRevoked(ctx, c.ID)
	if err != nil {
		return model.Identity{}, err
	}
	if revoked {
		return model.Identity{}, errs.ErrTokenRevoked
	}
	return model.Identity{Subject: c.Subject, TokenID: c.ID, ExpiresAt: c.ExpiresAt.Time}, nil
}

// Rotate exchanges a refresh token for a new pair. The old refresh token is revoked first;
// the insert result decides the winner, so a replayed or concurrently used token fails.
func (s *Service) Rotate(ctx context.Context, refresh string) (model.Tokens, error) {
	c, err := s.parse(refresh, model.TokenRefresh)
	if err != nil {
		return model.Tokens{}, err
	}
	inserted, err := s.revokeClaims(ctx, c)
	if err != nil {
		return model.Tokens{}, err
	}
	if !inserted {
		s.log.Warn("refresh token reuse", zap.String("jti", c.ID), zap.String("sub", c.Subject))
		return model.Tokens{}, errs.ErrTokenRevoked
	}
	s.audit.Record(ctx, audit.Event{Kind: audit.TokenRotated, Subject: c.Subject, TokenID: c.ID})
	return s.IssuePair(ctx, c.Subject)
}

// Revoke adds the token id to the revocation list. The signature must verify;
// exp is not checked, so expired tokens can be revoked too. Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	c, err := s.parseUnchecked(raw)
	if err != nil {
		return err
	}
	inserted, err := s.revokeClaims(ctx, c)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Debug("token already revoked", zap.String("jti", c.ID))
		return nil
	}
	s.audit.Record(ctx, audit.Event{Kind: audit.TokenRevoked, Subject: c.Subject, TokenID: c.ID})
	return nil
}

// IsRevoked reports whether jti is on the revocation list.
func (s *Service) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	ok, err := s.store.IsRevoked(ctx, jti)
	if err != nil {
		return false, errs.Store("revocation.is_revoked", err)
	}
	return ok, nil
}

// PurgeExpired deletes revocation entries of tokens that have expired.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.store.DeleteExpired(ctx, s.now())
	return n, errs.Store("revocation.delete_expired", err)
}

// RevokedCount returns the size of the revocation list.
func (s *Service) RevokedCount(ctx context.Context) (int64, error) {
	n, err := s.store.Count(ctx)
	return n, errs.Store("revocation.count", err)
}

func (s *Service) revokeClaims(ctx context.Context, c *Claims) (bool, error) {
	now := s.now()
	exp := now.Add(s.refreshTTL)
	if c.ExpiresAt != nil {
		exp = c.ExpiresAt.Time
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	inserted, err := s.store.Revoke(ctx, model.RevocationEntry{
		TokenID:   c.ID,
		Subject:   c.Subject,
		ExpiresAt: exp,
		RevokedAt: now,
	})
	if err != nil {
		return false, errs.Store("revocation.revoke", err)
	}
	return inserted, nil
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, fmt.Errorf("%w: alg %v", errs.ErrTokenUnsupported, t.Header["alg"])
	}
	return s.secret, nil
}

func (s *Service) parse(raw string, want model.TokenType) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.ErrTokenEmptyClaims
	}
	c := &Claims{}
	p := jwt.NewParser(
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if _, err := p.ParseWithClaims(raw, c, s.keyFunc); err != nil {
		return nil, mapError(err)
	}
	if c.Subject == "" || c.ID == "" {
		return nil, errs.ErrTokenEmptyClaims
	}
	if c.Type != want {
		return nil, fmt.Errorf("%w: type %q, want %q", errs.ErrTokenUnsupported, c.Type, want)
	}
	return c, nil
}

func (s *Service) parseUnchecked(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errs.ErrTokenEmptyClaims
	}
	c := &Claims{}
	p := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, err := p.ParseWithClaims(raw, c, s.keyFunc); err != nil {
		return nil, mapError(err)
	}
	if c.ID == "" {
		return nil, errs.ErrTokenEmptyClaims
	}
	return c, nil
}

// mapError folds jwt parser errors into the errs token taxonomy.
func mapError(err error) error {
	switch {
	case errors.Is(err, errs.ErrTokenUnsupported):
		return errs.ErrTokenUnsupported
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errs.ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return errs.ErrTokenUnsupported
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return errs.ErrTokenBadSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return errs.ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return errs.ErrTokenEmptyClaims
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return errs.ErrTokenUnsupported
	default:
		return fmt.Errorf("%w: %v", errs.ErrTokenMalformed, err)
	}
}
