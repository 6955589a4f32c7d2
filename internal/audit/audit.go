// Package audit records security-relevant events as structured log entries.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Kind names an audit event.
type Kind string

const (
	LoginSucceeded  Kind = "login_succeeded"
	LoginFailed     Kind = "login_failed"
	AccountLocked   Kind = "account_locked"
	AccountUnlocked Kind = "account_unlocked"
	TokenIssued     Kind = "token_issued"
	TokenRotated    Kind = "token_rotated"
	TokenRevoked    Kind = "token_revoked"
	RateLimited     Kind = "rate_limited"
)

// Event is a single audit entry. Token values are never recorded, only their ids.
type Event struct {
	Kind      Kind
	Subject   string
	ClientKey string
	TokenID   string
	Until     time.Time // lock expiry for AccountLocked
	Attempts  int
}

// Recorder receives audit events.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Logger writes events through zap with component=audit.
type Logger struct {
	log *zap.Logger
}

var _ Recorder = (*Logger)(nil)

// NewLogger wraps log.
func NewLogger(log *zap.Logger) *Logger {
	return &Logger{log: log.With(zap.String("component", "audit"))}
}

// Record emits e at info level; lockouts and rate-limit hits go out at warn.
func (l *Logger) Record(_ context.Context, e Event) {
	fields := []zap.Field{zap.String("event", string(e.Kind))}
	if e.Subject != "" {
		fields = append(fields, zap.String("subject", e.Subject))
	}
	if e.ClientKey != "" {
		fields = append(fields, zap.String("client", e.ClientKey))
	}
	if e.TokenID != "" {
		fields = append(fields, zap.String("jti", e.TokenID))
	}
	if e.Attempts > 0 {
		fields = append(fields, zap.Int("attempts", e.Attempts))
	}
	if !e.Until.IsZero() {
		fields = append(fields, zap.Time("until", e.Until))
	}

	switch e.Kind {
	case AccountLocked, RateLimited:
		l.log.Warn("audit", fields...)
	default:
		l.log.Info("audit", fields...)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
