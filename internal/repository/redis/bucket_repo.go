// Package redis contains a Redis implementation of the rate-limit bucket repository.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/and161185/authgate/internal/errs"
	"github.com/and161185/authgate/internal/model"
	"github.com/and161185/authgate/internal/repository"
	goredis "github.com/redis/go-redis/v9"
)

var (
	_ repository.BucketRepository = (*BucketRepo)(nil)
	_ repository.BucketTaker      = (*BucketRepo)(nil)
)

const (
	defaultPrefix     = "authgate:rl:"
	defaultMaxRetries = 16

	fMinuteTokens = "minute_tokens"
	fMinuteRefill = "minute_refilled_at"
	fHourTokens   = "hour_tokens"
	fHourRefill   = "hour_refilled_at"
	fLastAccess   = "last_access_at"
)

// takeScript refills both buckets stepwise and consumes one token from each when
// both hold one. Times are unix milliseconds. A denial writes nothing.
var takeScript = goredis.NewScript(`
local key      = KEYS[1]
local now      = tonumber(ARGV[1])
local perMin   = tonumber(ARGV[2])
local perHour  = tonumber(ARGV[3])
local minMs    = tonumber(ARGV[4])
local hourMs   = tonumber(ARGV[5])
local ttlMs    = tonumber(ARGV[6])

local v = redis.call("HMGET", key, "minute_tokens", "minute_refilled_at", "hour_tokens", "hour_refilled_at")
local mt, mr, ht, hr
if not v[1] or not v[2] or not v[3] or not v[4] then
  mt, mr, ht, hr = perMin, now, perHour, now
else
  mt, mr, ht, hr = tonumber(v[1]), tonumber(v[2]), tonumber(v[3]), tonumber(v[4])
end

if now - mr >= minMs then
  mt, mr = perMin, now
end
if now - hr >= hourMs then
  ht, hr = perHour, now
end

local allowed = 0
if mt > 0 and ht > 0 then
  mt = mt - 1
  ht = ht - 1
  allowed = 1
  redis.call("HSET", key, "minute_tokens", mt, "minute_refilled_at", mr,
    "hour_tokens", ht, "hour_refilled_at", hr, "last_access_at", now)
  if ttlMs > 0 then
    redis.call("PEXPIRE", key, ttlMs)
  end
end

return {allowed, math.min(mt, ht)}
`)

// BucketRepo stores each bucket as a hash with a TTL equal to the staleness horizon.
// Take runs refill and consume as one server-side script. Update uses WATCH/MULTI
// and retries when another writer touched the key.
type BucketRepo struct {
	rdb        goredis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxRetries int
}

// Option configures BucketRepo.
type Option func(*BucketRepo)

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option { return func(r *BucketRepo) { r.prefix = p } }

// WithMaxRetries bounds optimistic retries per update.
func WithMaxRetries(n int) Option { return func(r *BucketRepo) { r.maxRetries = n } }

// NewBucketRepo constructs the repository; ttl <= 0 disables key expiry.
func NewBucketRepo(rdb goredis.UniversalClient, ttl time.Duration, opts ...Option) *BucketRepo {
	r := &BucketRepo{rdb: rdb, prefix: defaultPrefix, ttl: ttl, maxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *BucketRepo) key(k string) string { return r.prefix + k }

// Get loads the bucket for key or returns errs.ErrNotFound.
func (r *BucketRepo) Get(ctx context.Context, key string) (*model.Bucket, error) {
	vals, err := r.rdb.HGetAll(ctx, r.key(key)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, errs.ErrNotFound
	}
	b, err := decode(key, vals)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Take admits one request against key atomically.
func (r *BucketRepo) Take(ctx context.Context, key string, req repository.TakeRequest) (repository.TakeResult, error) {
	res, err := takeScript.Run(ctx, r.rdb, []string{r.key(key)},
		req.Now.UnixMilli(),
		req.PerMinute,
		req.PerHour,
		time.Minute.Milliseconds(),
		time.Hour.Milliseconds(),
		r.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return repository.TakeResult{}, err
	}
	if len(res) != 2 {
		return repository.TakeResult{}, fmt.Errorf("bucket %q: unexpected script reply %v", key, res)
	}
	return repository.TakeResult{Allowed: res[0] == 1, Remaining: int(res[1])}, nil
}

// Update runs fn against the current bucket inside a WATCH transaction.
func (r *BucketRepo) Update(ctx context.Context, key string, fn repository.BucketFunc) (model.Bucket, error) {
	rk := r.key(key)
	var out model.Bucket

	txf := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		b := model.Bucket{Key: key}
		found := len(vals) > 0
		if found {
			if b, err = decode(key, vals); err != nil {
				return err
			}
		}
		if !fn(&b, found) {
			out = b
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, rk, encode(b))
			if r.ttl > 0 {
				pipe.Expire(ctx, rk, r.ttl)
			}
			return nil
		})
		if err == nil {
			out = b
		}
		return err
	}

	for i := 0; i < r.maxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, rk)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return model.Bucket{}, err
	}
	return model.Bucket{}, fmt.Errorf("bucket %q: %w", key, errs.ErrVersionConflict)
}

// DeleteStale scans the prefix and removes buckets last accessed before the cutoff.
// Keys normally expire on their own; this sweep covers buckets written without a TTL.
func (r *BucketRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, r.prefix+"*", 200).Result()
		if err != nil {
			return removed, err
		}
		for _, k := range keys {
			v, err := r.rdb.HGet(ctx, k, fLastAccess).Int64()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return removed, err
			}
			if time.UnixMilli(v).Before(before) {
				n, err := r.rdb.Del(ctx, k).Result()
				if err != nil {
					return removed, err
				}
				removed += n
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func encode(b model.Bucket) map[string]any {
	return map[string]any{
		fMinuteTokens: b.MinuteTokens,
		fMinuteRefill: b.MinuteRefilledAt.UnixMilli(),
		fHourTokens:   b.HourTokens,
		fHourRefill:   b.HourRefilledAt.UnixMilli(),
		fLastAccess:   b.LastAccessAt.UnixMilli(),
	}
}

func decode(key string, vals map[string]string) (model.Bucket, error) {
	b := model.Bucket{Key: key}
	ints := make(map[string]int64, len(vals))
	for _, f := range []string{fMinuteTokens, fMinuteRefill, fHourTokens, fHourRefill, fLastAccess} {
		n, err := strconv.ParseInt(vals[f], 10, 64)
		if err != nil {
			return model.Bucket{}, fmt.Errorf("bucket %q field %s: %w", key, f, err)
		}
		ints[f] = n
	}
	b.MinuteTokens = int(ints[fMinuteTokens])
	b.MinuteRefilledAt = time.UnixMilli(ints[fMinuteRefill])
	b.HourTokens = int(ints[fHourTokens])
	b.HourRefilledAt = time.UnixMilli(ints[fHourRefill])
	b.LastAccessAt = time.UnixMilli(ints[fLastAccess])
	return b, nil
}
