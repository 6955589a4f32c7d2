package lockout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository/repotest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTracker(t *testing.T, cfg Config) (*Tracker, *repotest.Clock, *repotest.Lockouts) {
	t.Helper()
	clock := repotest.NewClock(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC))
	store := repotest.NewLockouts()
	return New(store, cfg, WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))), clock, store
}

func TestRecordFailure_LocksAtThreshold(t *testing.T) {
	t.Parallel()
	tr, clock, _ := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		res, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, i, res.Attempts)
		require.False(t, res.Locked)
	}
	locked, _, err := tr.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)

	res, err := tr.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	require.True(t, res.Locked)
	require.Equal(t, 5, res.Attempts)
	require.True(t, res.Until.Equal(clock.Now().Add(30*time.Minute)))

	locked, until, err := tr.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)
	require.True(t, until.Equal(res.Until))

	// Further failures while locked do not re-trigger the transition.
	res, err = tr.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	require.False(t, res.Locked)
	require.Equal(t, 6, res.Attempts)
}

func TestIsLocked_ExpiresAndDeletesRecord(t *testing.T) {
	t.Parallel()
	tr, clock, store := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	clock.Advance(29 * time.Minute)
	locked, _, err := tr.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.True(t, locked)

	clock.Advance(time.Minute)
	locked, _, err = tr.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)
	require.Equal(t, 0, store.Len())
}

func TestRecordFailure_AfterExpiredLockStartsFreshWindow(t *testing.T) {
	t.Parallel()
	tr, clock, _ := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	clock.Advance(31 * time.Minute)

	res, err := tr.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
	require.False(t, res.Locked)
	require.True(t, res.Until.IsZero())
}

func TestRecordFailure_WindowReset(t *testing.T) {
	t.Parallel()
	tr, clock, _ := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	clock.Advance(16 * time.Minute)

	res, err := tr.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)

	n, err := tr.FailedAttempts(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRecordFailure_ConcurrentCountsEveryFailureAndLocksOnce(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTracker(t, DefaultConfig())
	ctx := context.Background()

	const n = 12
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tr.RecordFailure(ctx, "alice")
			if err != nil {
				return
			}
			if res.Locked {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, transitions)
	got, err := tr.FailedAttempts(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, n, got)
}

func TestRecordSuccess_And_Unlock(t *testing.T) {
	t.Parallel()
	tr, _, store := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	require.NoError(t, tr.RecordSuccess(ctx, "alice"))
	require.Equal(t, 0, store.Len())

	for i := 0; i < 5; i++ {
		_, err := tr.RecordFailure(ctx, "bob")
		require.NoError(t, err)
	}
	rem, err := tr.RemainingLockout(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, rem)

	require.NoError(t, tr.Unlock(ctx, "bob"))
	locked, _, err := tr.IsLocked(ctx, "bob")
	require.NoError(t, err)
	require.False(t, locked)

	rem, err = tr.RemainingLockout(ctx, "bob")
	require.NoError(t, err)
	require.Zero(t, rem)
}

func TestPurgeExpired(t *testing.T) {
	t.Parallel()
	tr, clock, store := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.RecordFailure(ctx, "locked")
		require.NoError(t, err)
	}
	_, err := tr.RecordFailure(ctx, "counting")
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	_, err = tr.RecordFailure(ctx, "recent")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	n, err := tr.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Equal(t, 1, store.Len())
}

func TestFailMode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	open, _, openStore := newTracker(t, DefaultConfig())
	openStore.Fail = errors.New("db down")
	locked, _, err := open.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)
	_, err = open.RecordFailure(ctx, "alice")
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.FailMode = model.FailClosed
	closed, _, closedStore := newTracker(t, cfg)
	closedStore.Fail = errors.New("db down")
	_, _, err = closed.IsLocked(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrStoreUnavailable)
	_, err = closed.RecordFailure(ctx, "alice")
	require.ErrorIs(t, err, errs.ErrStoreUnavailable)
}

func TestRecordFailure_RetriedCallbackReportsLastRun(t *testing.T) {
	t.Parallel()
	tr, clock, store := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	// The discarded round sees the record one failure short of the lock.
	store.Replay = func(username string) (model.LockoutRecord, bool) {
		return model.LockoutRecord{Username: username, AttemptCount: 4, FirstAttemptAt: clock.Now()}, true
	}

	res, err := tr.RecordFailure(ctx, "alice")
	require.NoError(t, err)
	require.False(t, res.Locked)
	require.Equal(t, 6, res.Attempts)
}

func TestIsLocked_RetriedCallbackReportsLastRun(t *testing.T) {
	t.Parallel()
	tr, clock, store := newTracker(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := tr.RecordFailure(ctx, "alice")
		require.NoError(t, err)
	}
	clock.Advance(31 * time.Minute)
	store.Replay = func(username string) (model.LockoutRecord, bool) {
		until := clock.Now().Add(time.Hour)
		return model.LockoutRecord{Username: username, AttemptCount: 5, LockUntil: &until}, true
	}

	locked, until, err := tr.IsLocked(ctx, "alice")
	require.NoError(t, err)
	require.False(t, locked)
	require.True(t, until.IsZero())
	require.Equal(t, 0, store.Len())
}
