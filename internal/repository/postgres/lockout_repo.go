package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// LockoutRepo implements LockoutRepository on the login_attempts table.
type LockoutRepo struct{ db *DB }

// NewLockoutRepo constructs a lockout repository.
func NewLockoutRepo(db *DB) *LockoutRepo { return &LockoutRepo{db: db} }

const selectLockoutSQL = `
SELECT username, attempt_count, first_attempt_at, lock_until, updated_at
FROM login_attempts WHERE username=$1`

func scanLockout(row pgx.Row) (model.LockoutRecord, bool, error) {
	var (
		rec       model.LockoutRecord
		lockUntil pgtype.Timestamptz
	)
	err := row.Scan(&rec.Username, &rec.AttemptCount, &rec.FirstAttemptAt, &lockUntil, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.LockoutRecord{}, false, nil
	}
	if err != nil {
		return model.LockoutRecord{}, false, err
	}
	rec.LockUntil = fromTimestamptz(lockUntil)
	return rec, true, nil
}

// Get loads the record for username or returns errs.ErrNotFound.
func (r *LockoutRepo) Get(ctx context.Context, username string) (*model.LockoutRecord, error) {
	rec, found, err := scanLockout(r.db.Pool.QueryRow(ctx, selectLockoutSQL, username))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.ErrNotFound
	}
	return &rec, nil
}

// Update applies fn under a transaction-scoped advisory lock on username,
// so concurrent failures for one account are counted one after another.
func (r *LockoutRepo) Update(ctx context.Context, username string, fn repository.LockoutFunc) (model.LockoutRecord, error) {
	var out model.LockoutRecord
	err := r.db.inTx(ctx, lockSpaceLogin, username, func(tx pgx.Tx) error {
		rec, found, err := scanLockout(tx.QueryRow(ctx, selectLockoutSQL, username))
		if err != nil {
			return err
		}
		if !found {
			rec = model.LockoutRecord{Username: username}
		}

		switch fn(&rec, found) {
		case repository.Save:
			const q = `
INSERT INTO login_attempts (username, attempt_count, first_attempt_at, lock_until, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (username) DO UPDATE
SET attempt_count = EXCLUDED.attempt_count,
    first_attempt_at = EXCLUDED.first_attempt_at,
    lock_until = EXCLUDED.lock_until,
    updated_at = EXCLUDED.updated_at`
			if _, err := tx.Exec(ctx, q, username, rec.AttemptCount, rec.FirstAttemptAt,
				toTimestamptz(rec.LockUntil), rec.UpdatedAt); err != nil {
				return err
			}
		case repository.Delete:
			if found {
				if _, err := tx.Exec(ctx, `DELETE FROM login_attempts WHERE username=$1`, username); err != nil {
					return err
				}
			}
			rec = model.LockoutRecord{Username: username}
		}
		out = rec
		return nil
	})
	return out, err
}

// Delete removes the record for username; missing rows are not an error.
func (r *LockoutRepo) Delete(ctx context.Context, username string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM login_attempts WHERE username=$1`, username)
	return err
}

// DeleteExpired removes expired locks and counters whose window ended.
func (r *LockoutRepo) DeleteExpired(ctx context.Context, now, windowStart time.Time) (int64, error) {
	const q = `
DELETE FROM login_attempts
WHERE (lock_until IS NOT NULL AND lock_until <= $1)
   OR (lock_until IS NULL AND first_attempt_at < $2)`
	tag, err := r.db.Pool.Exec(ctx, q, now, windowStart)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
