package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

const (
	selectLockoutExpr = `SELECT username, attempt_count, first_attempt_at, lock_until, updated_at FROM login_attempts WHERE username=\$1`
	upsertLockoutExpr = `INSERT INTO login_attempts \(username, attempt_count, first_attempt_at, lock_until, updated_at\)`
	deleteLockoutExpr = `DELETE FROM login_attempts WHERE username=\$1`
)

var lockoutCols = []string{"username", "attempt_count", "first_attempt_at", "lock_until", "updated_at"}

func TestLockoutRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockoutRepo(db)
	ctx := context.Background()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	until := start.Add(30 * time.Minute)

	mock.ExpectQuery(selectLockoutExpr).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows(lockoutCols).
			AddRow("alice", 5, start, pgtype.Timestamptz{Time: until, Valid: true}, start))
	rec, err := r.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 5, rec.AttemptCount)
	require.NotNil(t, rec.LockUntil)
	require.True(t, rec.LockUntil.Equal(until))

	mock.ExpectQuery(selectLockoutExpr).
		WithArgs("bob").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx, "bob")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestLockoutRepo_Update_InsertsUnderAdvisoryLock(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockoutRepo(db)
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(lockExpr).
		WithArgs(lockSpaceLogin, "alice").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(selectLockoutExpr).
		WithArgs("alice").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(upsertLockoutExpr).
		WithArgs("alice", 1, now, pgtype.Timestamptz{}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	rec, err := r.Update(context.Background(), "alice", func(rec *model.LockoutRecord, found bool) repository.UpdateOp {
		require.False(t, found)
		rec.AttemptCount = 1
		rec.FirstAttemptAt = now
		rec.UpdatedAt = now
		return repository.Save
	})
	require.NoError(t, err)
	require.Equal(t, 1, rec.AttemptCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockoutRepo_Update_DeleteAndKeep(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockoutRepo(db)
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(lockExpr).
		WithArgs(lockSpaceLogin, "alice").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(selectLockoutExpr).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows(lockoutCols).
			AddRow("alice", 5, start, pgtype.Timestamptz{Time: start, Valid: true}, start))
	mock.ExpectExec(deleteLockoutExpr).
		WithArgs("alice").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	rec, err := r.Update(ctx, "alice", func(*model.LockoutRecord, bool) repository.UpdateOp {
		return repository.Delete
	})
	require.NoError(t, err)
	require.Zero(t, rec.AttemptCount)

	// Keep on a missing row touches nothing but the lock.
	mock.ExpectBegin()
	mock.ExpectExec(lockExpr).
		WithArgs(lockSpaceLogin, "carol").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(selectLockoutExpr).
		WithArgs("carol").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()

	_, err = r.Update(ctx, "carol", func(*model.LockoutRecord, bool) repository.UpdateOp {
		return repository.Keep
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockoutRepo_Update_RollsBackOnError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockoutRepo(db)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(lockExpr).
		WithArgs(lockSpaceLogin, "alice").
		WillReturnError(boom)
	mock.ExpectRollback()

	_, err := r.Update(context.Background(), "alice", func(*model.LockoutRecord, bool) repository.UpdateOp {
		t.Fatalf("callback must not run without the lock")
		return repository.Keep
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockoutRepo_DeleteExpired(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewLockoutRepo(db)
	now := time.Now().UTC()
	windowStart := now.Add(-15 * time.Minute)

	mock.ExpectExec(`DELETE FROM login_attempts WHERE \(lock_until IS NOT NULL AND lock_until <= \$1\) OR \(lock_until IS NULL AND first_attempt_at < \$2\)`).
		WithArgs(now, windowStart).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	n, err := r.DeleteExpired(context.Background(), now, windowStart)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}
