// Package lockout tracks failed logins per username and locks accounts after repeated failures.
//
// A record moves Clear -> Counting -> Locked. Counting resets when the attempts window
// has passed since the first failure; Locked ends when lock_until passes and the record
// is then removed lazily by IsLocked or by the periodic purge.
package lockout

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

// Config holds lockout policy.
type Config struct {
	MaxAttempts  int           // failures within Window that trigger a lock
	Window       time.Duration // counting window measured from the first failure
	Duration     time.Duration // lock length
	StoreTimeout time.Duration
	FailMode     model.FailMode
}

// DefaultConfig returns 5 attempts / 15m window / 30m lock.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		Window:       15 * time.Minute,
		Duration:     30 * time.Minute,
		StoreTimeout: 2 * time.Second,
		FailMode:     model.FailOpen,
	}
}

// Result describes the state after a recorded failure.
type Result struct {
	Attempts int
	Locked   bool      // true only for the failure that caused the lock
	Until    time.Time // lock expiry when the account is locked
}

// Tracker owns the login_attempts records.
type Tracker struct {
	store repository.LockoutRepository
	cfg   Config
	now   func() time.Time
	log   *zap.Logger
	audit audit.Recorder
}

// Option configures Tracker.
type Option func(*Tracker)

func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }
func WithLogger(l *zap.Logger) Option       { return func(t *Tracker) { t.log = l } }
func WithAudit(r audit.Recorder) Option     { return func(t *Tracker) { t.audit = r } }

// New builds a Tracker. Zero config fields fall back to DefaultConfig.
func New(store repository.LockoutRepository, cfg Config, opts ...Option) *Tracker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if cfg.FailMode == "" {
		cfg.FailMode = def.FailMode
	}
	t := &Tracker{store: store, cfg: cfg, now: time.Now, log: zap.NewNop(), audit: audit.Nop{}}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Config returns the effective policy.
func (t *Tracker) Config() Config { return t.cfg }

// RecordFailure counts one failed login. The lock is set once, by the failure that reaches MaxAttempts.
func (t *Tracker) RecordFailure(ctx context.Context, username string) (Result, error) {
	now := t.now()
	var res Result

	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	_, err := t.store.Update(ctx, username, func(rec *model.LockoutRecord, found bool) repository.UpdateOp {
		// The store may run fn more than once; only the last run counts.
		res = Result{}
		if !found || t.stale(rec, now) {
			rec.AttemptCount = 0
			rec.FirstAttemptAt = now
			rec.LockUntil = nil
		}
		rec.AttemptCount++
		rec.UpdatedAt = now

		if rec.AttemptCount >= t.cfg.MaxAttempts && !rec.LockedAt(now) {
			until := now.Add(t.cfg.Duration)
			rec.LockUntil = &until
			res.Locked = true
		}
		res.Attempts = rec.AttemptCount
		if rec.LockUntil != nil {
			res.Until = *rec.LockUntil
		}
		return repository.Save
	})
	if err != nil {
		return Result{}, t.storeFailure("lockout.record_failure", username, err)
	}

	if res.Locked {
		t.log.Warn("account locked",
			zap.String("username", username),
			zap.Int("attempts", res.Attempts),
			zap.Time("until", res.Until))
		t.audit.Record(ctx, audit.Event{Kind: audit.AccountLocked, Subject: username, Attempts: res.Attempts, Until: res.Until})
	}
	return res, nil
}

// RecordSuccess clears the record for username.
func (t *Tracker) RecordSuccess(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	if err := t.store.Delete(ctx, username); err != nil {
		return t.storeFailure("lockout.record_success", username, err)
	}
	return nil
}

// IsLocked reports whether username is locked at now and until when.
// An expired lock is deleted here, inside the repository's exclusive update.
func (t *Tracker) IsLocked(ctx context.Context, username string) (bool, time.Time, error) {
	now := t.now()
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()

	rec, err := t.store.Get(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, t.storeFailure("lockout.is_locked", username, err)
	}
	if rec.LockedAt(now) {
		return true, *rec.LockUntil, nil
	}
	if rec.LockUntil == nil {
		return false, time.Time{}, nil
	}

	var (
		locked bool
		until  time.Time
	)
	_, err = t.store.Update(ctx, username, func(rec *model.LockoutRecord, found bool) repository.UpdateOp {
		locked, until = false, time.Time{}
		if !found {
			return repository.Keep
		}
		// Another failure may have re-locked it between Get and Update.
		if rec.LockedAt(now) {
			locked, until = true, *rec.LockUntil
			return repository.Keep
		}
		if rec.LockUntil != nil {
			return repository.Delete
		}
		return repository.Keep
	})
	if err != nil {
		return false, time.Time{}, t.storeFailure("lockout.is_locked", username, err)
	}
	return locked, until, nil
}

// Unlock removes any lock and counter for username.
func (t *Tracker) Unlock(ctx context.Context, username string) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	if err := t.store.Delete(ctx, username); err != nil {
		return errs.Store("lockout.unlock", err)
	}
	t.log.Info("account unlocked", zap.String("username", username))
	t.audit.Record(ctx, audit.Event{Kind: audit.AccountUnlocked, Subject: username})
	return nil
}

// FailedAttempts returns the failures counted in the current window.
func (t *Tracker) FailedAttempts(ctx context.Context, username string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	rec, err := t.store.Get(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Store("lockout.failed_attempts", err)
	}
	if t.stale(rec, t.now()) {
		return 0, nil
	}
	return rec.AttemptCount, nil
}

// RemainingLockout returns how long username stays locked, zero when it is not.
func (t *Tracker) RemainingLockout(ctx context.Context, username string) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	rec, err := t.store.Get(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Store("lockout.remaining", err)
	}
	now := t.now()
	if !rec.LockedAt(now) {
		return 0, nil
	}
	return rec.LockUntil.Sub(now), nil
}

// PurgeExpired deletes expired locks and counters whose window has passed.
func (t *Tracker) PurgeExpired(ctx context.Context) (int64, error) {
	now := t.now()
	n, err := t.store.DeleteExpired(ctx, now, now.Add(-t.cfg.Window))
	return n, errs.Store("lockout.delete_expired", err)
}

// stale reports whether rec no longer counts: its lock expired, or it was
// never locked and the window since the first failure has passed.
func (t *Tracker) stale(rec *model.LockoutRecord, now time.Time) bool {
	if rec.LockUntil != nil {
		return !now.Before(*rec.LockUntil)
	}
	return now.Sub(rec.FirstAttemptAt) > t.cfg.Window
}

// storeFailure applies the fail mode: fail-open logs and swallows, fail-closed surfaces the error.
func (t *Tracker) storeFailure(op, username string, err error) error {
	err = errs.Store(op, err)
	if t.cfg.FailMode == model.FailClosed {
		t.log.Error("lockout store failure", zap.String("op", op), zap.String("username", username), zap.Error(err))
		return err
	}
	t.log.Warn("lockout store failure, failing open", zap.String("op", op), zap.String("username", username), zap.Error(err))
	return nil
}
