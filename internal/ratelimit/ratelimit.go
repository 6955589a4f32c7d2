// Package ratelimit implements a per-client dual token bucket (per minute and per hour).
//
// Refill is stepwise: once a full period has elapsed since the last refill the bucket
// is topped up to capacity and its refill time moves to now. A request is admitted only
// when both buckets hold a token, and then takes one from each.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/authgate/internal/audit"
	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	"go.uber.org/zap"
)

// Config holds bucket capacities and housekeeping settings.
type Config struct {
	PerMinute    int
	PerHour      int
	StaleAfter   time.Duration // buckets idle longer than this are purged
	StoreTimeout time.Duration
	FailMode     model.FailMode
}

// DefaultConfig returns 60/min, 1000/h, 24h staleness.
func DefaultConfig() Config {
	return Config{
		PerMinute:    60,
		PerHour:      1000,
		StaleAfter:   24 * time.Hour,
		StoreTimeout: 2 * time.Second,
		FailMode:     model.FailOpen,
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Remaining int // min of both buckets after this request
	Limit     int // per-minute capacity
}

// Limiter owns the rate_limit_buckets records.
type Limiter struct {
	store repository.BucketRepository
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
	audit audit.Recorder
}

// Option configures Limiter.
type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }
func WithLogger(lg *zap.Logger) Option      { return func(l *Limiter) { l.log = lg } }
func WithAudit(r audit.Recorder) Option     { return func(l *Limiter) { l.audit = r } }

// New builds a Limiter. Zero config fields fall back to DefaultConfig.
func New(store repository.BucketRepository, cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = def.PerMinute
	}
	if cfg.PerHour <= 0 {
		cfg.PerHour = def.PerHour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.FailMode == "" {
		cfg.FailMode = def.FailMode
	}
	l := &Limiter{store: store, cfg: cfg, now: time.Now, log: zap.NewNop(), audit: audit.Nop{}}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limit returns the per-minute capacity reported to clients.
func (l *Limiter) Limit() int { return l.cfg.PerMinute }

// Check consumes one token from both buckets of key if both have one.
// A denied request is not written back, so stored state only changes on admission.
// Losing every optimistic retry to concurrent writers counts as a denial.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	dec, err := l.take(ctx, key, l.now())
	switch {
	case errors.Is(err, errs.ErrVersionConflict):
		l.log.Warn("rate limit contention, denying", zap.String("client", key), zap.Error(err))
		dec = Decision{Limit: l.cfg.PerMinute}
	case err != nil:
		err = errs.Store("ratelimit.check", err)
		if l.cfg.FailMode == model.FailClosed {
			l.log.Error("rate limit store failure", zap.String("client", key), zap.Error(err))
			return Decision{Limit: l.cfg.PerMinute}, err
		}
		l.log.Warn("rate limit store failure, failing open", zap.String("client", key), zap.Error(err))
		return Decision{Allowed: true, Remaining: l.cfg.PerMinute, Limit: l.cfg.PerMinute}, nil
	}

	if !dec.Allowed {
		l.audit.Record(ctx, audit.Event{Kind: audit.RateLimited, ClientKey: key})
	}
	return dec, nil
}

func (l *Limiter) take(ctx context.Context, key string, now time.Time) (Decision, error) {
	if t, ok := l.store.(repository.BucketTaker); ok {
		res, err := t.Take(ctx, key, repository.TakeRequest{Now: now, PerMinute: l.cfg.PerMinute, PerHour: l.cfg.PerHour})
		if err != nil {
			return Decision{}, err
		}
		return Decision{Allowed: res.Allowed, Remaining: res.Remaining, Limit: l.cfg.PerMinute}, nil
	}

	var dec Decision
	_, err := l.store.Update(ctx, key, func(b *model.Bucket, found bool) bool {
		// The store may run fn more than once; only the last run counts.
		dec = Decision{Limit: l.cfg.PerMinute}
		if !found {
			l.fill(b, now)
		}
		l.refill(b, now)
		if b.MinuteTokens > 0 && b.HourTokens > 0 {
			b.MinuteTokens--
			b.HourTokens--
			b.LastAccessAt = now
			dec.Allowed = true
		}
		dec.Remaining = min(b.MinuteTokens, b.HourTokens)
		return dec.Allowed
	})
	return dec, err
}

// Remaining reports how many requests key could make now without consuming anything.
func (l *Limiter) Remaining(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.StoreTimeout)
	defer cancel()

	now := l.now()
	b, err := l.store.Get(ctx, key)
	if errors.Is(err, errs.ErrNotFound) {
		return min(l.cfg.PerMinute, l.cfg.PerHour), nil
	}
	if err != nil {
		return 0, errs.Store("ratelimit.remaining", err)
	}
	l.refill(b, now)
	return min(b.MinuteTokens, b.HourTokens), nil
}

// PurgeStale deletes buckets idle for longer than StaleAfter.
func (l *Limiter) PurgeStale(ctx context.Context) (int64, error) {
	n, err := l.store.DeleteStale(ctx, l.now().Add(-l.cfg.StaleAfter))
	return n, errs.Store("ratelimit.delete_stale", err)
}

func (l *Limiter) fill(b *model.Bucket, now time.Time) {
	b.MinuteTokens = l.cfg.PerMinute
	b.MinuteRefilledAt = now
	b.HourTokens = l.cfg.PerHour
	b.HourRefilledAt = now
	b.LastAccessAt = now
}

func (l *Limiter) refill(b *model.Bucket, now time.Time) {
	b.MinuteTokens, b.MinuteRefilledAt = step(b.MinuteTokens, l.cfg.PerMinute, b.MinuteRefilledAt, now, time.Minute)
	b.HourTokens, b.HourRefilledAt = step(b.HourTokens, l.cfg.PerHour, b.HourRefilledAt, now, time.Hour)
}

// step restores one full capacity per whole period elapsed since last, capped at capacity,
// so a single elapsed period already fills the bucket.
func step(tokens, capacity int, last, now time.Time, period time.Duration) (int, time.Time) {
	if now.Sub(last) < period {
		return tokens, last
	}
	return capacity, now
}
