package repository

import (
	"context"
	"time"

	"github.com/and161185/authgate/internal/model"
)

// UpdateOp tells a repository what to do with a record after an update callback.
type UpdateOp int

const (
	// Keep leaves stored state untouched.
	Keep UpdateOp = iota
	// Save upserts the (possibly modified) record.
	Save
	// Delete removes the record.
	Delete
)

// LockoutFunc mutates rec in place. found is false when no row existed; rec is then zero-valued
// with only Username set.
type LockoutFunc func(rec *model.LockoutRecord, found bool) UpdateOp

// LockoutRepository persists failed-attempt counters per username.
//
// Update must run fn while no other Update for the same username is in progress,
// including callers in other processes sharing the store.
type LockoutRepository interface {
	Get(ctx context.Context, username string) (*model.LockoutRecord, error)
	Update(ctx context.Context, username string, fn LockoutFunc) (model.LockoutRecord, error)
	Delete(ctx context.Context, username string) error

	// DeleteExpired removes records that are neither locked at now nor counting
	// inside a window that started after windowStart.
	DeleteExpired(ctx context.Context, now, windowStart time.Time) (int64, error)
}
