package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	"github.com/jackc/pgx/v5"
)

// BucketRepo implements BucketRepository on the rate_limit_buckets table.
type BucketRepo struct{ db *DB }

// NewBucketRepo constructs a bucket repository.
func NewBucketRepo(db *DB) *BucketRepo { return &BucketRepo{db: db} }

const selectBucketSQL = `
SELECT client_key, minute_tokens, minute_refilled_at, hour_tokens, hour_refilled_at, last_access_at
FROM rate_limit_buckets WHERE client_key=$1`

func scanBucket(row pgx.Row) (model.Bucket, bool, error) {
	var b model.Bucket
	err := row.Scan(&b.Key, &b.MinuteTokens, &b.MinuteRefilledAt, &b.HourTokens, &b.HourRefilledAt, &b.LastAccessAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Bucket{}, false, nil
	}
	if err != nil {
		return model.Bucket{}, false, err
	}
	return b, true, nil
}

// Get loads the bucket for key or returns errs.ErrNotFound.
func (r *BucketRepo) Get(ctx context.Context, key string) (*model.Bucket, error) {
	b, found, err := scanBucket(r.db.Pool.QueryRow(ctx, selectBucketSQL, key))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errs.ErrNotFound
	}
	return &b, nil
}

// Update applies fn under a transaction-scoped advisory lock on key.
func (r *BucketRepo) Update(ctx context.Context, key string, fn repository.BucketFunc) (model.Bucket, error) {
	var out model.Bucket
	err := r.db.inTx(ctx, lockSpaceBucket, key, func(tx pgx.Tx) error {
		b, found, err := scanBucket(tx.QueryRow(ctx, selectBucketSQL, key))
		if err != nil {
			return err
		}
		if !found {
			b = model.Bucket{Key: key}
		}
		if fn(&b, found) {
			const q = `
INSERT INTO rate_limit_buckets
    (client_key, minute_tokens, minute_refilled_at, hour_tokens, hour_refilled_at, last_access_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (client_key) DO UPDATE
SET minute_tokens = EXCLUDED.minute_tokens,
    minute_refilled_at = EXCLUDED.minute_refilled_at,
    hour_tokens = EXCLUDED.hour_tokens,
    hour_refilled_at = EXCLUDED.hour_refilled_at,
    last_access_at = EXCLUDED.last_access_at`
			if _, err := tx.Exec(ctx, q, key, b.MinuteTokens, b.MinuteRefilledAt,
				b.HourTokens, b.HourRefilledAt, b.LastAccessAt); err != nil {
				return err
			}
		}
		out = b
		return nil
	})
	return out, err
}

// DeleteStale removes buckets not touched since before.
func (r *BucketRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM rate_limit_buckets WHERE last_access_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
