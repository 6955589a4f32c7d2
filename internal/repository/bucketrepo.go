package repository

import (
	"context"
	"time"

	"github.com/and161185/authgate/internal/model"
)

// BucketFunc mutates b in place and reports whether the result must be stored.
// found is false when the key had no bucket; b then only carries Key.
type BucketFunc func(b *model.Bucket, found bool) (save bool)

// BucketRepository persists rate-limit buckets per client key.
//
// Update must serialize callbacks for the same key across all processes sharing the store.
type BucketRepository interface {
	Get(ctx context.Context, key string) (*model.Bucket, error)
	Update(ctx context.Context, key string, fn BucketFunc) (model.Bucket, error)

	// DeleteStale removes buckets last accessed before the given time.
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// TakeRequest is one admission against a per-minute and a per-hour bucket.
type TakeRequest struct {
	Now       time.Time
	PerMinute int
	PerHour   int
}

// TakeResult is the outcome of a TakeRequest.
type TakeResult struct {
	Allowed   bool
	Remaining int // min of both buckets after the request
}

// BucketTaker is implemented by stores that refill and consume a bucket in a single
// server-side step. A bucket idle for a full period is topped up to capacity before
// the check; a denied request is not written.
type BucketTaker interface {
	Take(ctx context.Context, key string, req TakeRequest) (TakeResult, error)
}
