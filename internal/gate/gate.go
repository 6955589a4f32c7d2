// Package gate is the request admission pipeline: rate limit first, then bearer token validation.
//
// The gate never rejects a request for a bad token. It only decides whether an identity is
// attached; handlers that need one answer 401 themselves.
package gate

import (
	"context"
	"strings"

	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/ratelimit"
	"go.uber.org/zap"
)

// RateLimiter admits or rejects a client key.
type RateLimiter interface {
	Check(ctx context.Context, key string) (ratelimit.Decision, error)
}

// TokenValidator turns an access token into an identity.
type TokenValidator interface {
	Validate(ctx context.Context, raw string) (model.Identity, error)
}

// Decision is the result of Admit.
type Decision struct {
	Allowed   bool
	RateLimit ratelimit.Decision
	Identity  *model.Identity // nil when no valid token was presented
}

// Gate combines the rate limiter and the token validator.
type Gate struct {
	limiter RateLimiter
	tokens  TokenValidator
	log     *zap.Logger
}

// New constructs a Gate.
func New(limiter RateLimiter, tokens TokenValidator, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{limiter: limiter, tokens: tokens, log: log}
}

// Admit runs the pipeline for one request. An error is returned only when the
// rate limiter fails closed; a denied request is a Decision with Allowed=false.
func (g *Gate) Admit(ctx context.Context, clientKey, authorization string) (Decision, error) {
	rl, err := g.limiter.Check(ctx, clientKey)
	if err != nil {
		return Decision{RateLimit: rl}, err
	}
	if !rl.Allowed {
		g.log.Warn("rate limit exceeded", zap.String("client", clientKey))
		return Decision{RateLimit: rl}, nil
	}

	dec := Decision{Allowed: true, RateLimit: rl}
	raw := BearerToken(authorization)
	if raw == "" {
		return dec, nil
	}
	id, err := g.tokens.Validate(ctx, raw)
	if err != nil {
		g.log.Warn("token rejected", zap.String("client", clientKey), zap.Error(err))
		return dec, nil
	}
	dec.Identity = &id
	return dec, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	h := strings.TrimSpace(header)
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
